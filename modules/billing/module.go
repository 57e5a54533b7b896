// Package billing exposes the billing engine over HTTP: the subscription
// management endpoints the dashboard calls, the provider webhook endpoint,
// and the scheduler-triggered reconciliation endpoint.
package billing

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/propstack/billing/pkg/billing"
	"github.com/propstack/billing/pkg/plan"
	"github.com/propstack/billing/pkg/reconcile"
)

// Config holds the module's HTTP-level settings.
type Config struct {
	// CronSecret authenticates the scheduler that triggers reconciliation.
	CronSecret string `env:"BILLING_CRON_SECRET,required"`
}

// Module wires the engine and sweep into a chi router.
type Module struct {
	engine   *billing.Engine
	provider billing.Provider
	job      *reconcile.Job
	log      *slog.Logger
	config   Config
}

func NewModule(engine *billing.Engine, provider billing.Provider, job *reconcile.Job, config Config, log *slog.Logger) *Module {
	if engine == nil {
		panic("billing module: engine is required")
	}
	if provider == nil {
		panic("billing module: provider is required")
	}
	if job == nil {
		panic("billing module: reconcile job is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Module{engine: engine, provider: provider, job: job, log: log, config: config}
}

// Router mounts all billing endpoints.
//
//	r := chi.NewRouter()
//	r.Mount("/billing", module.Router())
func (m *Module) Router() chi.Router {
	r := chi.NewRouter()

	r.Post("/subscribe", m.handleSubscribe)
	r.Post("/change-plan", m.handleChangePlan)
	r.Post("/cancel", m.handleCancel)
	r.Post("/reactivate", m.handleReactivate)
	r.Get("/status", m.handleStatus)
	r.Get("/invoices", m.handleInvoices)

	r.Post("/webhook/{provider}", m.handleWebhook)
	r.Post("/reconcile", m.handleReconcile)

	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

func (m *Module) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// respondError maps the engine's error taxonomy onto HTTP statuses.
// Messages pass through verbatim: the engine already phrases them for users.
func (m *Module) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, plan.ErrUnknownTier),
		errors.Is(err, plan.ErrTierNotFound),
		errors.Is(err, billing.ErrMissingPayerEmail),
		errors.Is(err, billing.ErrMissingOrgID),
		errors.Is(err, billing.ErrPriceNotAvailable):
		status = http.StatusBadRequest
	case errors.Is(err, billing.ErrOrganizationNotFound),
		errors.Is(err, billing.ErrSubscriptionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, billing.ErrSubscriptionAlreadyActive),
		errors.Is(err, billing.ErrSubscriptionCancelled):
		status = http.StatusConflict
	case errors.Is(err, billing.ErrProvider),
		errors.Is(err, billing.ErrProviderNotImplemented):
		status = http.StatusBadGateway
	}
	m.respond(w, status, errorResponse{Error: err.Error()})
}

func (m *Module) bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		return ""
	}
	return token
}

// authorizeCron compares the bearer token against the shared cron secret
// in constant time.
func (m *Module) authorizeCron(r *http.Request) bool {
	token := m.bearerToken(r)
	if token == "" || m.config.CronSecret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(m.config.CronSecret)) == 1
}
