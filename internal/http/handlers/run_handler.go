// Run HTTP handlers.
//
// This file exposes triggers for the batch pipeline:
//   - POST   /runs/import         (ingest every source, optional ?since=)
//   - POST   /runs/notify         (notify due subscriptions, or the given ids)
//   - POST   /runs/documents      (extract text from pending documents)
//
// Runs are synchronous; the response carries the run report. A trigger sent
// with an Idempotency-Key is recorded and a retry with the same key replays
// the recorded response instead of starting another run.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-planwatch/internal/http/middleware"
	"github.com/tbourn/go-planwatch/internal/services"
	"github.com/tbourn/go-planwatch/internal/utils"
)

// HeaderReplayed marks responses served from a stored run result.
const HeaderReplayed = "Idempotent-Replayed"

// NotifyRunRequest is the optional JSON payload of POST /runs/notify.
type NotifyRunRequest struct {
	// IDs restricts the run to these subscriptions, ignoring the check interval.
	IDs []uint `json:"ids" example:"4,7"`
}

// replay serves a stored run response when the idempotency middleware flagged
// the request. It reports whether the response was written.
func (h *Handlers) replay(c *gin.Context) bool {
	if h.runs == nil || !middleware.IsReplay(c) {
		return false
	}
	key, _ := middleware.GetIdempotencyKey(c)
	status, body, found, err := h.runs.Lookup(c.Request.Context(), c.FullPath(), key, h.clock())
	if err != nil || !found {
		// Expired between middleware and handler; run normally.
		return false
	}
	c.Header(HeaderReplayed, "true")
	rawJSON(c, status, body)
	return true
}

// respondRun writes the run report and records it under the request's
// Idempotency-Key, if any. Recording failures are logged, not surfaced.
func (h *Handlers) respondRun(c *gin.Context, status int, report any) {
	body, err := json.Marshal(report)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	if key, has := middleware.GetIdempotencyKey(c); has && h.runs != nil {
		if err := h.runs.Save(c.Request.Context(), c.FullPath(), key, status, body); err != nil {
			lg := middleware.LoggerFrom(c)
			lg.Warn().Err(err).Str("idempotency_key", key).Msg("run result not recorded")
		}
	}
	rawJSON(c, status, body)
}

// RunImport godoc
// @ID          runImport
// @Summary     Run ingestion
// @Description Fetches every configured source from its stored cursor (or from since) and upserts the records.
// @Tags        Runs
// @Produce     json
//
// @Param       Idempotency-Key  header  string  false "Replays the first response for this key"
// @Param       since            query   string  false "Override cursor (RFC 3339 or YYYY-MM-DD)" example(2024-03-01)
//
// @Success     200  {object} services.ImportResult "All sources completed"
// @Success     207  {object} services.ImportResult "At least one source aborted"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /runs/import [post]
func (h *Handlers) RunImport(c *gin.Context) {
	if h.imports == nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeNotConfigured, "import not configured")
		return
	}
	if h.replay(c) {
		return
	}
	since, err := parseSince(c.Query("since"))
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	res, err := h.imports.Run(c.Request.Context(), since)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeRunFailed, err.Error())
		return
	}
	status := http.StatusOK
	if res.Failed() {
		status = http.StatusMultiStatus
	}
	h.respondRun(c, status, res)
}

// RunNotify godoc
// @ID          runNotify
// @Summary     Run notifications
// @Description Summarizes and mails every due subscription, or exactly the given ids.
// @Tags        Runs
// @Accept      json
// @Produce     json
//
// @Param       Idempotency-Key  header  string  false "Replays the first response for this key"
// @Param       ids              query   string  false "Comma-separated subscription ids"  example(4,7)
// @Param       body             body    handlers.NotifyRunRequest  false "Subscription ids"
//
// @Success     200  {object} services.RunResult "All dispatches succeeded"
// @Success     207  {object} services.RunResult "At least one dispatch failed"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /runs/notify [post]
func (h *Handlers) RunNotify(c *gin.Context) {
	if h.notify == nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeNotConfigured, "notify not configured")
		return
	}
	if h.replay(c) {
		return
	}

	var req NotifyRunRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if slices.Contains(req.IDs, 0) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "ids: must be positive")
		return
	}
	ids, err := utils.ParseIDList(c.Query("ids"))
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "ids: "+err.Error())
		return
	}
	req.IDs = append(req.IDs, ids...)

	res, err := h.notify.Run(c.Request.Context(), services.RunOptions{IDs: req.IDs})
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeRunFailed, err.Error())
		return
	}
	status := http.StatusOK
	if len(res.Failed) > 0 {
		status = http.StatusMultiStatus
	}
	h.respondRun(c, status, res)
}

// RunDocuments godoc
// @ID          runDocuments
// @Summary     Extract document text
// @Description Fetches one batch of documents without text and stores the extracted text.
// @Tags        Runs
// @Produce     json
//
// @Success     200  {object} services.DocumentResult
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /runs/documents [post]
func (h *Handlers) RunDocuments(c *gin.Context) {
	if h.documents == nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeNotConfigured, "documents not configured")
		return
	}
	if h.replay(c) {
		return
	}
	res, err := h.documents.ProcessPending(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeRunFailed, err.Error())
		return
	}
	h.respondRun(c, http.StatusOK, res)
}
