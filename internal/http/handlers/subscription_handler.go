package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-planwatch/internal/domain"
	"github.com/tbourn/go-planwatch/internal/query"
	"github.com/tbourn/go-planwatch/internal/services"
)

// SummaryResponse is the preview of the next notification of a subscription.
type SummaryResponse struct {
	SubscriptionID uint                       `json:"subscription_id"`
	Subject        string                     `json:"subject"`
	Since          *time.Time                 `json:"since,omitempty"`
	Until          *time.Time                 `json:"until,omitempty"`
	Total          int                        `json:"total"`
	New            []domain.Proposal          `json:"new"`
	Changes        []services.ProposalChanges `json:"changes"`
}

// PreviewSummary godoc
// @ID          previewSummary
// @Summary     Preview a subscription summary
// @Description Returns what the subscription would be notified about now, without sending or advancing its watermark.
// @Tags        Subscriptions
// @Produce     json
//
// @Param       id     path   int     true  "Subscription ID"  example(4)
// @Param       since  query  string  false "Window start (RFC 3339 or YYYY-MM-DD); defaults to the watermark"
//
// @Success     200  {object} handlers.SummaryResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Subscription not found"
// @Failure     422  {object} handlers.ErrorResponse "Stored query is invalid"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /subscriptions/{id}/summary [get]
func (h *Handlers) PreviewSummary(c *gin.Context) {
	if h.summaries == nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeNotConfigured, "summaries not configured")
		return
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "subscription id must be a positive integer")
		return
	}
	since, err := parseSince(c.Query("since"))
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	sub, summary, err := h.summaries.Preview(c.Request.Context(), uint(id), since, h.clock())
	switch {
	case errors.Is(err, services.ErrSubscriptionNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "subscription not found")
		return
	case errors.Is(err, query.ErrInvalidQuery), errors.Is(err, domain.ErrGeometryConflict):
		fail(c, http.StatusUnprocessableEntity, ErrCodeInvalidQuery, err.Error())
		return
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeSummaryFailed, err.Error())
		return
	}

	resp := SummaryResponse{
		SubscriptionID: sub.ID,
		New:            []domain.Proposal{},
		Changes:        []services.ProposalChanges{},
	}
	if summary != nil {
		resp.Subject = services.Subject(sub, summary)
		resp.Since, resp.Until = summary.Since, summary.Until
		resp.Total = summary.Total()
		if summary.New != nil {
			resp.New = summary.New
		}
		if summary.Changes != nil {
			resp.Changes = summary.Changes
		}
	}
	ok(c, http.StatusOK, resp)
}
