package server

import (
	"context"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/dailydoom/internal/gateway"
	"github.com/MarcoPoloResearchLab/dailydoom/internal/generator"
	"github.com/MarcoPoloResearchLab/dailydoom/internal/stream"
	"github.com/MarcoPoloResearchLab/dailydoom/internal/usage"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	maxIdeaRunes    = 4000
	maxMessageRunes = 4000
	maxHistoryTurns = 50
)

type roastRequestPayload struct {
	Idea string `json:"idea"`
}

type roastResponsePayload struct {
	Roast     string     `json:"roast"`
	Remaining int        `json:"remaining"`
	ResetAt   *time.Time `json:"resetAt"`
}

type advisorRequestPayload struct {
	History []historyTurnPayload `json:"history"`
	Message string               `json:"message"`
}

// historyTurnPayload accepts both {role, text} and the {role, parts: [{text}]} shape
// produced by chat SDKs.
type historyTurnPayload struct {
	Role  string `json:"role"`
	Text  string `json:"text"`
	Parts []struct {
		Text string `json:"text"`
	} `json:"parts"`
}

type usageResponsePayload struct {
	Feature   usage.Feature `json:"feature"`
	Remaining int           `json:"remaining"`
	Limit     int           `json:"limit"`
	ResetAt   *time.Time    `json:"resetAt"`
}

func (h *httpHandler) handleRoast(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request roastRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Idea) == "" {
		abortInvalidRequest(c, codeInvalidRequest, "idea is required and must be a non-empty string")
		return
	}
	if utf8.RuneCountInString(request.Idea) > maxIdeaRunes {
		abortInvalidRequest(c, codeInvalidRequest, "idea is too long")
		return
	}

	idea := strings.TrimSpace(request.Idea)
	result, err := gateway.Perform(c.Request.Context(), h.gateway, userID, h.roastPolicy, func(ctx context.Context) (string, error) {
		return h.roaster.RoastIdea(ctx, idea)
	})
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, roastResponsePayload{
		Roast:     result.Value,
		Remaining: result.Quota.Remaining,
		ResetAt:   result.Quota.ResetAt,
	})
}

func (h *httpHandler) handleAdvisorChat(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request advisorRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Message) == "" {
		abortInvalidRequest(c, codeInvalidRequest, "message is required")
		return
	}
	if utf8.RuneCountInString(request.Message) > maxMessageRunes {
		abortInvalidRequest(c, codeInvalidRequest, "message is too long")
		return
	}
	history, ok := convertHistory(request.History)
	if !ok {
		abortInvalidRequest(c, codeInvalidRequest, "history roles must be user or model")
		return
	}

	ctx := c.Request.Context()
	admission, err := h.gateway.Admit(ctx, userID, h.advisorPolicy)
	if err != nil {
		h.abortWithError(c, err)
		return
	}

	source, err := h.advisor.StreamAdvice(ctx, history, strings.TrimSpace(request.Message))
	if err != nil {
		h.logger.Error("advisor stream failed to start", zap.String("user_id", userID), zap.Error(err))
		h.abortWithError(c, gateway.NewError(gateway.CodeUpstreamFailed, err))
		return
	}

	stream.SetHeaders(c.Writer)
	c.Status(http.StatusOK)
	outcome := h.relay.Forward(ctx, c.Writer, source, admission.Quota)
	h.logger.Info("advisor stream finished",
		zap.String("user_id", userID),
		zap.String("outcome", string(outcome)))
}

func (h *httpHandler) handleUsage(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	feature, err := usage.ParseFeature(c.Query("feature"))
	if err != nil {
		abortInvalidRequest(c, codeInvalidRequest, "feature must be roast or advisor-chat")
		return
	}
	policy := h.roastPolicy
	if feature == usage.FeatureAdvisorChat {
		policy = h.advisorPolicy
	}

	status, err := h.gateway.Status(c.Request.Context(), userID, policy)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, usageResponsePayload{
		Feature:   feature,
		Remaining: status.Remaining,
		Limit:     status.Limit,
		ResetAt:   status.ResetAt,
	})
}

func convertHistory(payload []historyTurnPayload) ([]generator.ChatTurn, bool) {
	if len(payload) > maxHistoryTurns {
		payload = payload[len(payload)-maxHistoryTurns:]
	}
	turns := make([]generator.ChatTurn, 0, len(payload))
	for _, turn := range payload {
		role := generator.ChatRole(strings.ToLower(strings.TrimSpace(turn.Role)))
		if role != generator.ChatRoleUser && role != generator.ChatRoleModel {
			return nil, false
		}
		text := turn.Text
		if text == "" {
			var builder strings.Builder
			for _, part := range turn.Parts {
				builder.WriteString(part.Text)
			}
			text = builder.String()
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		turns = append(turns, generator.ChatTurn{Role: role, Text: text})
	}
	return turns, true
}
