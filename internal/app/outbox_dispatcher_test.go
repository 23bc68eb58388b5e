package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/transfa/custody-service/internal/store"
	"github.com/transfa/custody-service/pkg/rabbitmq"
)

type outboxRepoStub struct {
	messages  []store.OutboxMessage
	claimErr  error
	published []int64
	failed    map[int64]int
}

func (s *outboxRepoStub) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]store.OutboxMessage, error) {
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	messages := s.messages
	s.messages = nil
	return messages, nil
}

func (s *outboxRepoStub) MarkOutboxPublished(ctx context.Context, id int64) error {
	s.published = append(s.published, id)
	return nil
}

func (s *outboxRepoStub) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if s.failed == nil {
		s.failed = make(map[int64]int)
	}
	s.failed[id] = retryAfterSeconds
	return nil
}

type publisherStub struct {
	failKeys map[string]bool
	sent     []string
	closed   int
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	if p.failKeys[routingKey] {
		return errors.New("channel closed")
	}
	raw, ok := body.(json.RawMessage)
	if !ok {
		return errors.New("expected raw json body")
	}
	p.sent = append(p.sent, exchange+"/"+routingKey+"/"+string(raw))
	return nil
}

func (p *publisherStub) Close() { p.closed++ }

func TestOutboxDispatcherFlushOnce(t *testing.T) {
	repo := &outboxRepoStub{messages: []store.OutboxMessage{
		{ID: 1, Exchange: "custody.events", RoutingKey: "custody.transfer.created", Payload: []byte(`{"transfer_id":0}`), Attempts: 1},
		{ID: 2, Exchange: "custody.events", RoutingKey: "custody.transfer.executed", Payload: []byte(`{"transfer_id":0}`), Attempts: 3},
		{ID: 3, Exchange: "custody.events", RoutingKey: "custody.transfer.approved", Payload: []byte(`{broken`), Attempts: 1},
	}}
	publisher := &publisherStub{failKeys: map[string]bool{"custody.transfer.executed": true}}
	connects := 0
	dispatcher := NewOutboxDispatcherWithConnector(repo, func() (rabbitmq.Publisher, error) {
		connects++
		return publisher, nil
	})

	if err := dispatcher.flushOnce(context.Background()); err != nil {
		t.Fatalf("flushOnce() error = %v", err)
	}

	if len(repo.published) != 1 || repo.published[0] != 1 {
		t.Fatalf("expected only message 1 to be published, got %v", repo.published)
	}
	if repo.failed[2] != 8 {
		t.Fatalf("expected retry after 8s for attempt 3, got %d", repo.failed[2])
	}
	if repo.failed[3] != 2 {
		t.Fatalf("expected invalid payload to be retried after 2s, got %d", repo.failed[3])
	}
	if publisher.sent[0] != `custody.events/custody.transfer.created/{"transfer_id":0}` {
		t.Fatalf("unexpected publish %q", publisher.sent[0])
	}
	if publisher.closed != 1 || connects != 2 {
		t.Fatalf("expected reconnect after publish failure, closed=%d connects=%d", publisher.closed, connects)
	}
}

func TestOutboxDispatcherConnectFailure(t *testing.T) {
	repo := &outboxRepoStub{messages: []store.OutboxMessage{{ID: 9, RoutingKey: "custody.deposit.received", Payload: []byte(`{}`)}}}
	dispatcher := NewOutboxDispatcherWithConnector(repo, func() (rabbitmq.Publisher, error) {
		return nil, errors.New("dial tcp: connection refused")
	})

	if err := dispatcher.flushOnce(context.Background()); err != nil {
		t.Fatalf("flushOnce() error = %v", err)
	}
	if _, ok := repo.failed[9]; !ok {
		t.Fatalf("expected message 9 to be marked failed")
	}
}

func TestOutboxDispatcherClaimError(t *testing.T) {
	repo := &outboxRepoStub{claimErr: errors.New("db down")}
	dispatcher := NewOutboxDispatcherWithConnector(repo, func() (rabbitmq.Publisher, error) { return &publisherStub{}, nil })

	if err := dispatcher.flushOnce(context.Background()); err == nil {
		t.Fatalf("expected claim error to surface")
	}
}

func TestRetryDelaySeconds(t *testing.T) {
	tests := []struct {
		attempt int
		want    int
	}{
		{attempt: 0, want: 1},
		{attempt: 1, want: 2},
		{attempt: 3, want: 8},
		{attempt: 8, want: 256},
		{attempt: 9, want: 256},
		{attempt: 40, want: 256},
	}
	for _, tt := range tests {
		if got := retryDelaySeconds(tt.attempt); got != tt.want {
			t.Fatalf("retryDelaySeconds(%d) = %d, want %d", tt.attempt, got, tt.want)
		}
	}
}
