package app

import (
	"context"
	"testing"

	"github.com/transfa/custody-service/internal/store"
)

func TestDepositConsumerHandleMessage(t *testing.T) {
	svc, repo := newTestService(t)
	consumer := NewDepositConsumer(svc)

	tests := []struct {
		name string
		body string
		want bool
	}{
		{name: "malformed payload is dropped", body: `{not json`, want: true},
		{name: "missing reference is dropped", body: `{"amount": 5}`, want: true},
		{name: "invalid amount is dropped", body: `{"reference": "dep-0", "amount": -5}`, want: true},
		{name: "valid deposit", body: `{"reference": "dep-1", "sender": "bank", "amount": 5}`, want: true},
		{name: "replayed deposit is acknowledged", body: `{"reference": "dep-1", "sender": "bank", "amount": 5}`, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := consumer.HandleMessage([]byte(tt.body)); got != tt.want {
				t.Fatalf("HandleMessage() = %v, want %v", got, tt.want)
			}
		})
	}

	summary, err := repo.WalletSummary(context.Background())
	if err != nil {
		t.Fatalf("WalletSummary() error = %v", err)
	}
	if summary.Balance != 5 {
		t.Fatalf("expected a single booked deposit of 5, got %d", summary.Balance)
	}
}

func TestDepositConsumerRequeuesTransientFailure(t *testing.T) {
	consumer := NewDepositConsumer(NewService(store.NewMemoryRepository("primary", "custody.events")))

	if consumer.HandleMessage([]byte(`{"reference": "dep-1", "amount": 5}`)) {
		t.Fatalf("expected requeue when the wallet is unavailable")
	}
}
