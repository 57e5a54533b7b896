package billing

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/propstack/billing/pkg/billing"
	"github.com/propstack/billing/pkg/plan"
)

type subscribeRequest struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	PlanTier       string    `json:"plan_tier"`
	PayerEmail     string    `json:"payer_email"`
}

type subscribeResponse struct {
	SubscriptionID         uuid.UUID `json:"subscription_id"`
	ProviderSubscriptionID string    `json:"provider_subscription_id"`
	InitPoint              string    `json:"init_point"`
}

func (m *Module) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.respond(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.OrganizationID == uuid.Nil {
		m.respondError(w, billing.ErrMissingOrgID)
		return
	}

	tier, err := plan.ParseTier(req.PlanTier)
	if err != nil {
		m.respondError(w, err)
		return
	}

	session, err := m.engine.Subscribe(r.Context(), req.OrganizationID, tier, req.PayerEmail)
	if err != nil {
		m.respondError(w, err)
		return
	}

	m.respond(w, http.StatusOK, subscribeResponse{
		SubscriptionID:         session.SubscriptionID,
		ProviderSubscriptionID: session.ProviderSubscriptionID,
		InitPoint:              session.InitPoint,
	})
}

type changePlanRequest struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	NewPlanTier    string    `json:"new_plan_tier"`
}

type changePlanResponse struct {
	Success  bool   `json:"success"`
	PlanTier string `json:"plan_tier"`
}

func (m *Module) handleChangePlan(w http.ResponseWriter, r *http.Request) {
	var req changePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.respond(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.OrganizationID == uuid.Nil {
		m.respondError(w, billing.ErrMissingOrgID)
		return
	}

	tier, err := plan.ParseTier(req.NewPlanTier)
	if err != nil {
		m.respondError(w, err)
		return
	}

	if err := m.engine.ChangePlan(r.Context(), req.OrganizationID, tier); err != nil {
		m.respondError(w, err)
		return
	}

	m.respond(w, http.StatusOK, changePlanResponse{Success: true, PlanTier: tier.String()})
}

type actionRequest struct {
	OrganizationID uuid.UUID `json:"organization_id"`
}

type actionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (m *Module) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrganizationID == uuid.Nil {
		m.respondError(w, billing.ErrMissingOrgID)
		return
	}

	if err := m.engine.CancelSubscription(r.Context(), req.OrganizationID); err != nil {
		m.respondError(w, err)
		return
	}

	m.respond(w, http.StatusOK, actionResponse{
		Success: true,
		Message: "subscription will be cancelled at the end of the current period",
	})
}

func (m *Module) handleReactivate(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrganizationID == uuid.Nil {
		m.respondError(w, billing.ErrMissingOrgID)
		return
	}

	if err := m.engine.ReactivateSubscription(r.Context(), req.OrganizationID); err != nil {
		m.respondError(w, err)
		return
	}

	m.respond(w, http.StatusOK, actionResponse{
		Success: true,
		Message: "subscription reactivated",
	})
}

func (m *Module) handleStatus(w http.ResponseWriter, r *http.Request) {
	orgID, err := uuid.Parse(r.URL.Query().Get("organization_id"))
	if err != nil {
		m.respondError(w, billing.ErrMissingOrgID)
		return
	}

	summary, err := m.engine.Status(r.Context(), orgID)
	if err != nil {
		m.respondError(w, err)
		return
	}
	m.respond(w, http.StatusOK, summary)
}

type invoiceItem struct {
	Amount   int64     `json:"amount"`
	Currency string    `json:"currency"`
	Status   string    `json:"status"`
	Date     time.Time `json:"date"`
}

func (m *Module) handleInvoices(w http.ResponseWriter, r *http.Request) {
	orgID, err := uuid.Parse(r.URL.Query().Get("organization_id"))
	if err != nil {
		m.respondError(w, billing.ErrMissingOrgID)
		return
	}

	invoices, err := m.engine.ListInvoices(r.Context(), orgID)
	if err != nil {
		m.respondError(w, err)
		return
	}

	items := make([]invoiceItem, 0, len(invoices))
	for _, inv := range invoices {
		items = append(items, invoiceItem{
			Amount:   inv.Amount,
			Currency: inv.Currency,
			Status:   string(inv.Status),
			Date:     inv.PaidAt,
		})
	}
	m.respond(w, http.StatusOK, items)
}

func (m *Module) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if !m.authorizeCron(r) {
		m.respond(w, http.StatusUnauthorized, errorResponse{Error: "invalid cron secret"})
		return
	}

	result, err := m.job.Run(r.Context())
	if err != nil {
		m.respondError(w, err)
		return
	}
	m.respond(w, http.StatusOK, result)
}
