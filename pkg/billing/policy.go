package billing

import "github.com/wisbric/instancectl/pkg/instance"

// Policy decides the desired instance state a billing event should produce.
// spec.md leaves the billing-state-to-desired-state mapping as an open,
// configurable policy rather than a fixed rule; DefaultPolicy is this
// module's default, but callers may supply their own.
type Policy func(event NormalizedEvent) (desiredState string, subscriptionState string)

// DefaultPolicy keeps an instance running through trialing, active, and
// past_due (grace period for a failed card to be updated), and tears it
// down on a cancellation event or a subscription update whose status is
// canceled/cancelled or unpaid.
func DefaultPolicy(event NormalizedEvent) (string, string) {
	switch event.Kind {
	case instance.BillingCheckoutCompleted:
		return instance.DesiredRunning, instance.SubscriptionActive
	case instance.BillingSubscriptionUpdated:
		return desiredForSubscriptionStatus(event.SubscriptionStat), normalizeSubscriptionStatus(event.SubscriptionStat)
	case instance.BillingSubscriptionCancelled:
		return instance.DesiredAbsent, instance.SubscriptionCancelled
	case instance.BillingPaymentFailed:
		return instance.DesiredRunning, instance.SubscriptionPastDue
	default:
		return instance.DesiredRunning, instance.SubscriptionNone
	}
}

func desiredForSubscriptionStatus(status string) string {
	switch status {
	case "canceled", "cancelled", "unpaid":
		return instance.DesiredAbsent
	default:
		return instance.DesiredRunning
	}
}

func normalizeSubscriptionStatus(status string) string {
	switch status {
	case "trialing":
		return instance.SubscriptionTrialing
	case "active":
		return instance.SubscriptionActive
	case "past_due":
		return instance.SubscriptionPastDue
	case "canceled", "cancelled", "unpaid":
		return instance.SubscriptionCancelled
	default:
		return instance.SubscriptionNone
	}
}
