package billing

import "errors"

var (
	// Validation errors: rejected before any side effect.
	ErrMissingPayerEmail = errors.New("payer email is required")
	ErrMissingOrgID      = errors.New("organization ID is required")
	ErrPriceNotAvailable = errors.New("plan has no price in the requested currency")

	ErrInvalidPaymentMethod = errors.New("payment method requires a brand and last four digits")

	// Consistency errors: local state does not match what the operation expects.
	ErrOrganizationNotFound      = errors.New("organization not found")
	ErrSubscriptionNotFound      = errors.New("subscription not found")
	ErrSubscriptionAlreadyActive = errors.New("organization already has an active subscription, use change plan instead")
	ErrSubscriptionCancelled     = errors.New("subscription is already cancelled, a new subscription is required")
	ErrInvoiceNotFound           = errors.New("invoice not found")
	ErrPaymentMethodNotFound     = errors.New("payment method not found")

	// Provider errors: the external billing API failed or misbehaved.
	ErrProvider               = errors.New("billing provider error")
	ErrProviderNotImplemented = errors.New("billing provider not implemented")
	ErrSignatureInvalid       = errors.New("webhook signature verification failed")

	ErrFailedToLoadCatalog = errors.New("failed to load plan catalog")
)
