package billing

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/propstack/billing/pkg/billing"
)

// maxWebhookBody bounds webhook payload reads.
const maxWebhookBody = 1 << 20

type webhookAck struct {
	Received bool `json:"received"`
}

// handleWebhook ingests provider notifications. Only signature failures are
// rejected; once authenticity is confirmed the response is always 200 so
// the provider stops retrying. Processing failures after verification are
// logged and acknowledged — the reconciliation sweep is the backstop that
// makes that swallow safe.
func (m *Module) handleWebhook(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	if providerName != m.provider.Name() {
		m.respond(w, http.StatusNotFound, errorResponse{Error: "unknown provider"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		m.respond(w, http.StatusBadRequest, errorResponse{Error: "failed to read body"})
		return
	}

	signature := r.Header.Get("X-Signature")
	requestID := r.Header.Get("X-Request-Id")
	if err := m.provider.VerifyWebhook(body, signature, requestID); err != nil {
		m.log.WarnContext(r.Context(), "webhook signature rejected",
			"provider", providerName,
			"request_id", requestID,
			"error", err,
		)
		m.respond(w, http.StatusUnauthorized, errorResponse{Error: "invalid signature"})
		return
	}

	event, err := m.provider.ParseWebhook(body)
	if err != nil {
		m.log.ErrorContext(r.Context(), "failed to parse verified webhook",
			"provider", providerName,
			"error", err,
		)
		m.respond(w, http.StatusOK, webhookAck{Received: true})
		return
	}

	if err := m.processEvent(r, event); err != nil {
		m.log.ErrorContext(r.Context(), "webhook processing failed, reconciliation will retry",
			"provider", providerName,
			"event", event.ProviderEvent,
			"resource_id", event.ResourceID,
			"error", err,
		)
	}

	m.respond(w, http.StatusOK, webhookAck{Received: true})
}

func (m *Module) processEvent(r *http.Request, event *billing.WebhookEvent) error {
	ctx := r.Context()

	switch event.Kind {
	case billing.EventSubscription:
		return m.engine.HandleSubscriptionPayment(ctx, event.ResourceID)

	case billing.EventPayment:
		// Payment notifications carry the payment id; resolve it to its
		// subscription before reconciling.
		payment, err := m.provider.GetPayment(ctx, event.ResourceID)
		if err != nil {
			return err
		}
		if payment.SubscriptionID == "" {
			return errors.New("payment is not linked to a subscription")
		}
		return m.engine.HandleSubscriptionPayment(ctx, payment.SubscriptionID)

	default:
		m.log.InfoContext(ctx, "ignoring unrecognized webhook event",
			"event", event.ProviderEvent,
			"resource_id", event.ResourceID,
		)
		return nil
	}
}
