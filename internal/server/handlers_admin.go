package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/wastelane/paddock/internal/model"
	"github.com/wastelane/paddock/internal/service/racing"
)

const (
	defaultPayoutRetryLimit = 100
	defaultCalendarHorizon  = 7 * 24 * time.Hour
)

// AdminHandlers holds the dependencies for the admin endpoints.
type AdminHandlers struct {
	base   *Handlers
	racing *racing.Service
}

// NewAdminHandlers creates the admin handler set.
func NewAdminHandlers(base *Handlers, racingSvc *racing.Service) *AdminHandlers {
	return &AdminHandlers{base: base, racing: racingSvc}
}

// HandleProcessTimers drains all overdue timers immediately. Normally the
// background drain loop does this; the endpoint exists for recovery after
// downtime and for tests.
// POST /v1/admin/timers/process (admin)
func (h *AdminHandlers) HandleProcessTimers(w http.ResponseWriter, r *http.Request) {
	processed, failed, err := h.base.sched.ProcessOverdue(r.Context())
	if err != nil {
		h.base.logger.Error("process overdue timers", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}
	writeJSON(w, r, http.StatusOK, model.ProcessOverdueResponse{Processed: processed, Failed: failed})
}

// HandleTimerDiagnostics reports the state of the timer queue.
// GET /v1/admin/timers/diagnostics (admin)
func (h *AdminHandlers) HandleTimerDiagnostics(w http.ResponseWriter, r *http.Request) {
	diag, err := h.base.sched.Diagnostics(r.Context())
	if err != nil {
		h.base.logger.Error("timer diagnostics", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}
	writeJSON(w, r, http.StatusOK, diag)
}

// HandleRetryPayouts re-attempts pending settlement payouts from the outbox.
// POST /v1/admin/payouts/retry (admin)
func (h *AdminHandlers) HandleRetryPayouts(w http.ResponseWriter, r *http.Request) {
	limit := defaultPayoutRetryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be a positive integer")
			return
		}
		limit = n
	}

	retried, paid, failed, err := h.racing.RetryPayouts(r.Context(), limit)
	if err != nil {
		h.base.logger.Error("retry payouts", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}
	writeJSON(w, r, http.StatusOK, model.RetryPayoutsResponse{Retried: retried, Paid: paid, Failed: failed})
}

// HandleTopUpCalendar fills the race calendar out to a horizon. The cron job
// does this on a schedule; the endpoint lets operators extend the calendar
// on demand.
// POST /v1/admin/calendar/topup (admin)
func (h *AdminHandlers) HandleTopUpCalendar(w http.ResponseWriter, r *http.Request) {
	horizon := defaultCalendarHorizon
	if raw := r.URL.Query().Get("horizon"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "horizon must be a positive duration")
			return
		}
		horizon = d
	}

	created, err := h.racing.TopUpCalendar(r.Context(), horizon)
	if err != nil {
		h.base.logger.Error("top up calendar", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"created": len(created), "races": created})
}
