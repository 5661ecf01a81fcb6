package billing

import (
	"testing"

	"github.com/wisbric/instancectl/pkg/instance"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{
			name: "checkout completed",
			body: `{"event_id":"evt_1","type":"checkout.completed","customer":{"email":"a@x.com","id":"cus_1"}}`,
			want: instance.BillingCheckoutCompleted,
		},
		{
			name: "subscription updated",
			body: `{"event_id":"evt_2","type":"subscription.updated","subscription":{"id":"sub_1","status":"active"}}`,
			want: instance.BillingSubscriptionUpdated,
		},
		{
			name: "subscription cancelled",
			body: `{"event_id":"evt_3","type":"subscription.cancelled"}`,
			want: instance.BillingSubscriptionCancelled,
		},
		{
			name: "payment failed",
			body: `{"event_id":"evt_4","type":"payment.failed"}`,
			want: instance.BillingPaymentFailed,
		},
		{
			name:    "missing event id",
			body:    `{"type":"checkout.completed"}`,
			wantErr: true,
		},
		{
			name:    "unrecognized type",
			body:    `{"event_id":"evt_5","type":"something.else"}`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			body:    `not json`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Kind != tt.want {
				t.Errorf("Parse().Kind = %q, want %q", got.Kind, tt.want)
			}
		})
	}
}
