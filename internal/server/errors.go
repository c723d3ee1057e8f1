package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/dailydoom/internal/gateway"
	"github.com/gin-gonic/gin"
)

const (
	codeInvalidRequest = "INVALID_REQUEST"
	codeInvalidDate    = "INVALID_DATE"
)

type errorResponse struct {
	Error     string     `json:"error"`
	Code      string     `json:"code"`
	Remaining *int       `json:"remaining,omitempty"`
	ResetAt   *time.Time `json:"resetAt,omitempty"`
}

var gatewayStatus = map[gateway.Code]int{
	gateway.CodeAuthRequired:     http.StatusUnauthorized,
	gateway.CodeAuthInvalid:      http.StatusUnauthorized,
	gateway.CodeRateLimited:      http.StatusTooManyRequests,
	gateway.CodeUpstreamFailed:   http.StatusBadGateway,
	gateway.CodeStoreUnavailable: http.StatusServiceUnavailable,
}

var gatewayMessage = map[gateway.Code]string{
	gateway.CodeAuthRequired:     "Authentication required",
	gateway.CodeAuthInvalid:      "Invalid or expired session",
	gateway.CodeUpstreamFailed:   "The AI service failed to respond. Please try again.",
	gateway.CodeStoreUnavailable: "Storage is temporarily unavailable",
}

// gatewayErrorResponse maps err to a status code and body. Unknown errors become 500.
func gatewayErrorResponse(err error) (int, errorResponse) {
	var gatewayErr *gateway.Error
	if !errors.As(err, &gatewayErr) {
		return http.StatusInternalServerError, errorResponse{Error: "internal error", Code: "INTERNAL"}
	}
	code := gatewayErr.Code()
	status, known := gatewayStatus[code]
	if !known {
		status = http.StatusInternalServerError
	}
	body := errorResponse{Error: gatewayMessage[code], Code: string(code)}
	if quota, ok := gatewayErr.Quota(); ok {
		remaining := quota.Remaining
		body.Remaining = &remaining
		body.ResetAt = quota.ResetAt
		body.Error = fmt.Sprintf("Rate limit exceeded. You can make %d requests per rolling window.", quota.Limit)
	}
	return status, body
}

func (h *httpHandler) abortWithError(c *gin.Context, err error) {
	status, body := gatewayErrorResponse(err)
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, body)
}

func abortInvalidRequest(c *gin.Context, code, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: message, Code: code})
}
