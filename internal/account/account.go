// Package account manages the roster of upstream accounts shared by workers.
package account

import (
	"fmt"
	"os"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

// Account is one upstream identity with its own credentials and egress path.
type Account struct {
	Name        string            `toml:"name"`
	AccessToken string            `toml:"access_token"`
	Cookie      string            `toml:"cookie"`
	ProxyURL    string            `toml:"proxy_url"`
	Labels      map[string]string `toml:"labels"`
}

type roster struct {
	Accounts []Account `toml:"accounts"`
}

// Manager owns the account table. Accounts are loaded once at process start
// and mutated only by the external admin console, so reads dominate.
type Manager struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	order    []string

	usage       *UsageTracker
	degradation map[string]Degradation
}

// Degradation is a coarse health score for an account's upstream session.
type Degradation struct {
	Score           int // 0 = healthy, higher is worse
	KnowledgeCutoff string
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		accounts:    make(map[string]*Account),
		usage:       NewUsageTracker(),
		degradation: make(map[string]Degradation),
	}
}

// LoadFile loads the account roster from a TOML file.
func LoadFile(path string) (*Manager, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}

	var r roster
	if err := toml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}

	m := NewManager()
	for i := range r.Accounts {
		acc := r.Accounts[i]
		if acc.Name == "" {
			return nil, fmt.Errorf("account at index %d has no name", i)
		}
		if err := m.Add(&acc); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Add registers an account under its name.
func (m *Manager) Add(acc *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.accounts[acc.Name]; exists {
		return fmt.Errorf("duplicate account name %q", acc.Name)
	}
	m.accounts[acc.Name] = acc
	m.order = append(m.order, acc.Name)
	return nil
}

// Get retrieves an account by name.
func (m *Manager) Get(name string) (*Account, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[name]
	return acc, ok
}

// Names returns account names in roster order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Usage returns the shared usage tracker.
func (m *Manager) Usage() *UsageTracker {
	return m.usage
}

// SetDegradation records the latest probe result for an account.
func (m *Manager) SetDegradation(name string, d Degradation) {
	m.mu.Lock()
	m.degradation[name] = d
	m.mu.Unlock()
}

// GetDegradation returns the latest probe result for an account.
func (m *Manager) GetDegradation(name string) Degradation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.degradation[name]
}

// Summary is the public shape of an account, credentials withheld.
type Summary struct {
	Name        string            `json:"name"`
	Labels      map[string]string `json:"labels"`
	Degradation int               `json:"degradation"`
	Load        int               `json:"load"`
}

// Summaries returns the public view of every account in roster order.
func (m *Manager) Summaries() []Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Summary, 0, len(m.order))
	for _, name := range m.order {
		acc := m.accounts[name]
		out = append(out, Summary{
			Name:        acc.Name,
			Labels:      acc.Labels,
			Degradation: m.degradation[name].Score,
			Load:        m.usage.Load(name),
		})
	}
	return out
}
