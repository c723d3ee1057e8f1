package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/dailydoom/internal/calendar"
	"github.com/MarcoPoloResearchLab/dailydoom/internal/gateway"
	"github.com/MarcoPoloResearchLab/dailydoom/internal/ideas"
	"github.com/gin-gonic/gin"
)

const (
	defaultArchivePageSize = 20
	maxArchivePageSize     = 100
)

type archiveResponse struct {
	Ideas  []ideas.Record `json:"ideas"`
	Total  int64          `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

type datesResponse struct {
	Dates []calendar.DateKey `json:"dates"`
}

func (h *httpHandler) handleGetIdea(c *gin.Context) {
	today := h.ideas.Today()
	date := today
	if raw := strings.TrimSpace(c.Query("date")); raw != "" {
		parsed, err := calendar.ParseDateKey(raw)
		if err != nil {
			abortInvalidRequest(c, codeInvalidDate, "date must be YYYY-MM-DD")
			return
		}
		date = parsed
	}
	// lexical order of YYYY-MM-DD matches chronological order.
	if date.String() > today.String() {
		abortInvalidRequest(c, codeInvalidDate, "ideas for future dates are not available yet")
		return
	}

	record, err := h.ideas.GetOrCreate(c.Request.Context(), date)
	if err != nil {
		abortInvalidRequest(c, codeInvalidDate, "date must be YYYY-MM-DD")
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleListIdeas(c *gin.Context) {
	limit, ok := parseBoundedInt(c.Query("limit"), defaultArchivePageSize, 1, maxArchivePageSize)
	if !ok {
		abortInvalidRequest(c, codeInvalidRequest, "limit must be an integer")
		return
	}
	offset, ok := parseBoundedInt(c.Query("offset"), 0, 0, -1)
	if !ok {
		abortInvalidRequest(c, codeInvalidRequest, "offset must be a non-negative integer")
		return
	}

	page, err := h.ideas.ListArchive(c.Request.Context(), limit, offset)
	if err != nil {
		h.abortWithError(c, gateway.NewError(gateway.CodeStoreUnavailable, err))
		return
	}
	records := page.Records
	if records == nil {
		records = []ideas.Record{}
	}
	c.JSON(http.StatusOK, archiveResponse{Ideas: records, Total: page.Total, Limit: limit, Offset: offset})
}

func (h *httpHandler) handleListDates(c *gin.Context) {
	dates, err := h.ideas.ListDates(c.Request.Context())
	if err != nil {
		h.abortWithError(c, gateway.NewError(gateway.CodeStoreUnavailable, err))
		return
	}
	if dates == nil {
		dates = []calendar.DateKey{}
	}
	c.JSON(http.StatusOK, datesResponse{Dates: dates})
}

// parseBoundedInt parses raw, returning fallback when empty and clamping into [min, max].
// A negative max disables the upper bound. Values below min are rejected.
func parseBoundedInt(raw string, fallback, min, max int) (int, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, true
	}
	value, err := strconv.Atoi(trimmed)
	if err != nil || value < min {
		return 0, false
	}
	if max >= 0 && value > max {
		value = max
	}
	return value, true
}
