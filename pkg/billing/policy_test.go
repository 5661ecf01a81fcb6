package billing

import (
	"testing"

	"github.com/wisbric/instancectl/pkg/instance"
)

func TestDefaultPolicy(t *testing.T) {
	tests := []struct {
		name           string
		event          NormalizedEvent
		wantDesired    string
		wantSubscribed string
	}{
		{
			name:           "checkout completed starts the instance",
			event:          NormalizedEvent{Kind: instance.BillingCheckoutCompleted},
			wantDesired:    instance.DesiredRunning,
			wantSubscribed: instance.SubscriptionActive,
		},
		{
			name:           "subscription updated to past_due stays running",
			event:          NormalizedEvent{Kind: instance.BillingSubscriptionUpdated, SubscriptionStat: "past_due"},
			wantDesired:    instance.DesiredRunning,
			wantSubscribed: instance.SubscriptionPastDue,
		},
		{
			name:           "subscription updated to cancelled tears down",
			event:          NormalizedEvent{Kind: instance.BillingSubscriptionUpdated, SubscriptionStat: "cancelled"},
			wantDesired:    instance.DesiredAbsent,
			wantSubscribed: instance.SubscriptionCancelled,
		},
		{
			name:           "subscription cancelled event tears down",
			event:          NormalizedEvent{Kind: instance.BillingSubscriptionCancelled},
			wantDesired:    instance.DesiredAbsent,
			wantSubscribed: instance.SubscriptionCancelled,
		},
		{
			name:           "payment failed keeps running",
			event:          NormalizedEvent{Kind: instance.BillingPaymentFailed},
			wantDesired:    instance.DesiredRunning,
			wantSubscribed: instance.SubscriptionPastDue,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotDesired, gotSub := DefaultPolicy(tt.event)
			if gotDesired != tt.wantDesired {
				t.Errorf("desired = %q, want %q", gotDesired, tt.wantDesired)
			}
			if gotSub != tt.wantSubscribed {
				t.Errorf("subscription = %q, want %q", gotSub, tt.wantSubscribed)
			}
		})
	}
}
