package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/dailydoom/internal/gateway"
	"github.com/MarcoPoloResearchLab/dailydoom/internal/stream"
	"github.com/MarcoPoloResearchLab/dailydoom/internal/usage"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type quotaEventPayload struct {
	Feature   usage.Feature `json:"feature"`
	Remaining int           `json:"remaining"`
	Limit     int           `json:"limit"`
	ResetAt   *time.Time    `json:"resetAt"`
	Timestamp time.Time     `json:"timestamp"`
	Source    string        `json:"source"`
}

func (h *httpHandler) handleUsageEvents(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	ctx := c.Request.Context()

	events, cleanup := h.realtime.Subscribe(ctx, userID)
	defer cleanup()

	writer := c.Writer
	stream.SetHeaders(writer)
	c.Status(http.StatusOK)

	flusher, ok := writer.(http.Flusher)
	if !ok {
		h.logger.Error("response writer does not support streaming")
		return
	}

	if _, err := io.WriteString(writer, "retry: 2000\n\n"); err != nil {
		return
	}
	for _, policy := range []gateway.Policy{h.roastPolicy, h.advisorPolicy} {
		status, err := h.gateway.Status(ctx, userID, policy)
		if err != nil {
			return
		}
		snapshot := RealtimeMessage{
			UserID:    userID,
			EventType: RealtimeEventQuota,
			Feature:   policy.Feature,
			Quota:     status,
			Timestamp: time.Now().UTC(),
		}
		if err := writeQuotaEvent(writer, snapshot); err != nil {
			return
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-events:
			if !ok {
				return
			}
			if err := writeQuotaEvent(writer, message); err != nil {
				h.logger.Debug("quota event write failed", zap.Error(err))
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprintf(writer, "event: %s\ndata: {}\n\n", realtimeEventHeartbeat); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeQuotaEvent(w io.Writer, message RealtimeMessage) error {
	data, err := json.Marshal(quotaEventPayload{
		Feature:   message.Feature,
		Remaining: message.Quota.Remaining,
		Limit:     message.Quota.Limit,
		ResetAt:   message.Quota.ResetAt,
		Timestamp: message.Timestamp,
		Source:    realtimeSourceBackend,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", message.EventType, data)
	return err
}
