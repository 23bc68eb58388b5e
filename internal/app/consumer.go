package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/transfa/custody-service/internal/custody"
	"github.com/transfa/custody-service/internal/domain"
)

// DepositConsumer books deposits announced on the wallet.deposit.received topic.
type DepositConsumer struct {
	service *Service
	timeout time.Duration
}

func NewDepositConsumer(service *Service) *DepositConsumer {
	return &DepositConsumer{service: service, timeout: 15 * time.Second}
}

// HandleMessage returns false only for failures worth retrying.
func (c *DepositConsumer) HandleMessage(body []byte) bool {
	var event domain.DepositRequest
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=deposit_consumer msg=\"failed to unmarshal payload; dropping\" err=%v", err)
		return true
	}
	if strings.TrimSpace(event.Reference) == "" {
		log.Printf("level=warn component=deposit_consumer msg=\"deposit event without reference; dropping\" amount=%d", event.Amount)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if _, err := c.service.Deposit(ctx, event); err != nil {
		if errors.Is(err, custody.ErrInvalidAmount) {
			log.Printf("level=warn component=deposit_consumer msg=\"invalid deposit amount; dropping\" reference=%q amount=%d", event.Reference, event.Amount)
			return true
		}
		log.Printf("level=error component=deposit_consumer msg=\"deposit failed; requeueing\" reference=%q err=%v", event.Reference, err)
		return false
	}
	return true
}
