package http

import (
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/convoyproxy/convoy/internal/access"
	"github.com/convoyproxy/convoy/internal/proxy"
	"github.com/convoyproxy/convoy/internal/shared/apperr"
	"github.com/convoyproxy/convoy/internal/worker"
)

// conversationRequest is the subset of the caller's payload the front door
// inspects before handing the body to a worker verbatim.
type conversationRequest struct {
	ConversationID  string `json:"conversation_id"`
	ParentMessageID string `json:"parent_message_id"`
	Model           string `json:"model"`
}

// Conversation dispatches a conversation request to a browser worker bound to
// the selected account and streams the worker's reported chunks back.
func (h *Handlers) Conversation(c *gin.Context) {
	acc, ok := h.proxy.SelectAccount(c)
	if !ok {
		c.Redirect(http.StatusFound, proxy.SelectionPath)
		return
	}
	token, _ := c.Cookie(proxy.TokenCookie)

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable request body"})
		return
	}

	var req conversationRequest
	if err := sonic.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}

	// Continuing an existing conversation requires ownership of it.
	if req.ConversationID != "" {
		if !h.store.CheckAccess(c.Request.Context(), req.ConversationID, token, access.ResourceConversation) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "no access to this conversation"})
			return
		}
	}

	task := worker.NewConversationTask(c.Request.Method, c.Request.URL.Path, body, "/backend-api/conversation")
	task.ConversationID = req.ConversationID
	task.ParentMessageID = req.ParentMessageID
	task.Model = req.Model

	sink := worker.NewSink(c.Writer)
	defer h.relay.Forget(task.ID)

	workerID, err := h.dispatcher.Dispatch(c.Request.Context(), task, sink, acc.Name, token)
	if err != nil {
		h.logger.Warn("conversation dispatch failed",
			zap.String("account", acc.Name), zap.Error(err))
		c.JSON(apperr.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	h.accounts.Usage().Record(acc.Name, req.Model)
	if h.metrics != nil {
		h.metrics.AccountUsage.WithLabelValues(acc.Name, req.Model).Inc()
	}

	select {
	case <-sink.WaitCh():
		if err := sink.Wait(); err != nil {
			h.logger.Warn("conversation stream failed",
				zap.String("worker", workerID), zap.Error(err))
			if !sink.HeaderSent() {
				c.JSON(apperr.HTTPStatus(err), gin.H{"error": err.Error()})
			}
		}
	case <-c.Request.Context().Done():
		// Caller hung up mid-stream; tell the worker to stop burning quota.
		h.dispatcher.StopGeneration(workerID)
		h.dispatcher.Registry().Release(workerID)
	}
}
