package billing

import (
	"encoding/json"
	"fmt"

	"github.com/wisbric/instancectl/pkg/instance"
)

// rawPayload is the provider-native webhook envelope. Field names follow the
// common checkout/subscription-webhook shape used by most billing providers.
type rawPayload struct {
	EventID  string `json:"event_id"`
	Type     string `json:"type"`
	Customer struct {
		Email string `json:"email"`
		ID    string `json:"id"`
	} `json:"customer"`
	Subscription struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"subscription"`
}

// provider event types, mapped to this module's internal BillingEvent kinds.
const (
	typeCheckoutCompleted     = "checkout.completed"
	typeSubscriptionUpdated   = "subscription.updated"
	typeSubscriptionCancelled = "subscription.cancelled"
	typePaymentFailed         = "payment.failed"
)

// NormalizedEvent is the provider-agnostic shape this package works with
// once a raw payload has been parsed.
type NormalizedEvent struct {
	ExternalEventID  string
	Kind             string
	CustomerEmail    string
	ExternalCustomer string
	SubscriptionID   string
	SubscriptionStat string
}

// Parse decodes and normalizes a raw webhook body.
func Parse(body []byte) (NormalizedEvent, error) {
	var raw rawPayload
	if err := json.Unmarshal(body, &raw); err != nil {
		return NormalizedEvent{}, fmt.Errorf("decoding webhook body: %w", err)
	}
	if raw.EventID == "" {
		return NormalizedEvent{}, fmt.Errorf("webhook payload missing event_id")
	}

	kind, err := normalizeKind(raw.Type)
	if err != nil {
		return NormalizedEvent{}, err
	}

	return NormalizedEvent{
		ExternalEventID:  raw.EventID,
		Kind:             kind,
		CustomerEmail:    raw.Customer.Email,
		ExternalCustomer: raw.Customer.ID,
		SubscriptionID:   raw.Subscription.ID,
		SubscriptionStat: raw.Subscription.Status,
	}, nil
}

func normalizeKind(providerType string) (string, error) {
	switch providerType {
	case typeCheckoutCompleted:
		return instance.BillingCheckoutCompleted, nil
	case typeSubscriptionUpdated:
		return instance.BillingSubscriptionUpdated, nil
	case typeSubscriptionCancelled:
		return instance.BillingSubscriptionCancelled, nil
	case typePaymentFailed:
		return instance.BillingPaymentFailed, nil
	default:
		return "", fmt.Errorf("unrecognized webhook event type %q", providerType)
	}
}
