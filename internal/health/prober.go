// Package health probes each account's upstream session and maintains its
// degradation score.
package health

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/convoyproxy/convoy/internal/account"
	"github.com/convoyproxy/convoy/internal/infrastructure/config"
	"github.com/convoyproxy/convoy/internal/infrastructure/logging"
	"github.com/convoyproxy/convoy/internal/infrastructure/monitoring"
	"github.com/convoyproxy/convoy/internal/shared/egress"
)

const (
	probeInterval = 10 * time.Minute
	probeTimeout  = 30 * time.Second
	probePath     = "/backend-api/models"
)

// Prober periodically checks each account's session against upstream.
type Prober struct {
	upstream config.UpstreamConfig
	accounts *account.Manager
	logger   *logging.Logger
	metrics  *monitoring.Metrics
}

// NewProber creates a prober over the account roster.
func NewProber(upstream config.UpstreamConfig, accounts *account.Manager, logger *logging.Logger, metrics *monitoring.Metrics) *Prober {
	return &Prober{upstream: upstream, accounts: accounts, logger: logger, metrics: metrics}
}

// Run probes every account once at start, then on the probe interval, until
// the context is cancelled.
func (p *Prober) Run(ctx context.Context) {
	p.probeAll(ctx)
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

func (p *Prober) probeAll(ctx context.Context) {
	for _, name := range p.accounts.Names() {
		acc, ok := p.accounts.Get(name)
		if !ok {
			continue
		}
		score, cutoff := p.probe(ctx, acc)
		if cutoff == "" {
			cutoff = p.accounts.GetDegradation(name).KnowledgeCutoff
		}
		p.accounts.SetDegradation(name, account.Degradation{Score: score, KnowledgeCutoff: cutoff})
		if p.metrics != nil {
			p.metrics.AccountDegradation.WithLabelValues(name).Set(float64(score))
			p.metrics.AccountLoad.WithLabelValues(name).Set(float64(p.accounts.Usage().Load(name)))
			if cutoff != "" {
				p.metrics.AccountCutoff.WithLabelValues(name, cutoff).Set(1)
			}
		}
	}
}

// probe scores one account's session. 0 means the session answered cleanly;
// rejected credentials and unreachable upstream score progressively worse.
// The second return is the knowledge cutoff when the model listing reports one.
func (p *Prober) probe(ctx context.Context, acc *account.Account) (int, string) {
	transport, err := egress.Transport(acc.ProxyURL)
	if err != nil {
		p.logger.Warn("probe egress setup failed",
			zap.String("account", acc.Name), zap.Error(err))
		return 100, ""
	}

	client := resty.New().
		SetTransport(transport).
		SetTimeout(probeTimeout).
		SetBaseURL("https://" + p.upstream.MainHost)

	resp, err := client.R().
		SetContext(ctx).
		SetAuthToken(acc.AccessToken).
		SetHeader("Cookie", acc.Cookie).
		Get(probePath)
	if err != nil {
		p.logger.Warn("account probe failed",
			zap.String("account", acc.Name), zap.Error(err))
		return 100, ""
	}

	switch {
	case resp.StatusCode() == 200:
		return 0, cutoffFrom(resp.Body())
	case resp.StatusCode() == 401 || resp.StatusCode() == 403:
		p.logger.Warn("account credentials rejected",
			zap.String("account", acc.Name), zap.Int("status", resp.StatusCode()))
		return 90, ""
	case resp.StatusCode() == 429:
		return 50, ""
	default:
		return 30, ""
	}
}

// cutoffFrom pulls the training cutoff out of the model listing, when present.
func cutoffFrom(body []byte) string {
	var doc struct {
		Models []struct {
			Cutoff string `json:"knowledge_cutoff"`
		} `json:"models"`
	}
	if err := sonic.Unmarshal(body, &doc); err != nil {
		return ""
	}
	for _, m := range doc.Models {
		if m.Cutoff != "" {
			return m.Cutoff
		}
	}
	return ""
}
