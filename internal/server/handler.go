package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/folioworks/rebalancer/internal/logger"
	"github.com/folioworks/rebalancer/internal/model"
	"github.com/folioworks/rebalancer/internal/ratelimit"
	"github.com/folioworks/rebalancer/internal/scheduler"
	"github.com/folioworks/rebalancer/internal/store"
)

// Trigger starts an on-demand portfolio check. Satisfied by the scheduler.
type Trigger interface {
	TriggerPortfolioCheck(ctx context.Context, portfolioID int64, dryRun bool) (model.RebalanceResult, error)
}

// LimitsReporter exposes exchange rate limiter windows. Satisfied by exchange.Factory.
type LimitsReporter interface {
	LimiterStatus() (public, private ratelimit.Status)
}

type Handler struct {
	trigger Trigger
	limits  LimitsReporter
	logger  logger.Logger
}

func NewHandler(trigger Trigger, limits LimitsReporter, logger logger.Logger) *Handler {
	return &Handler{
		trigger: trigger,
		limits:  limits,
		logger:  logger,
	}
}

func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /portfolios/{id}/check", h.checkPortfolio)
	mux.HandleFunc("GET /limits", h.limiterStatus)
	mux.HandleFunc("GET /healthz", h.healthz)
	return mux
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) checkPortfolio(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		h.respond(w, http.StatusBadRequest, errorResponse{Error: "invalid portfolio id"})
		return
	}
	dryRun, _ := strconv.ParseBool(r.URL.Query().Get("dry_run"))

	res, err := h.trigger.TriggerPortfolioCheck(r.Context(), id, dryRun)
	if err != nil {
		h.respond(w, triggerStatus(err), errorResponse{Error: err.Error()})
		return
	}

	h.respond(w, http.StatusOK, res)
}

func triggerStatus(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrNotRunning):
		return http.StatusServiceUnavailable
	case errors.Is(err, store.ErrPortfolioNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

type limitsResponse struct {
	Public  ratelimit.Status `json:"public"`
	Private ratelimit.Status `json:"private"`
}

func (h *Handler) limiterStatus(w http.ResponseWriter, _ *http.Request) {
	public, private := h.limits.LimiterStatus()
	h.respond(w, http.StatusOK, limitsResponse{Public: public, Private: private})
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := sonic.ConfigDefault.NewEncoder(w).Encode(body); err != nil {
		h.logger.Errorf("can't encode response: %s", err)
	}
}
