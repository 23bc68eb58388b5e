package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/transfa/custody-service/internal/app"
	"github.com/transfa/custody-service/internal/custody"
	"github.com/transfa/custody-service/internal/domain"
	"github.com/transfa/custody-service/internal/store"
)

const testSecret = "handler-secret"

type custodyTestServer struct {
	t       *testing.T
	handler http.Handler
}

func newCustodyTestServer(t *testing.T) *custodyTestServer {
	t.Helper()
	policy, err := custody.NewPolicy([]string{"approver-a", "approver-b", "approver-c"}, 2)
	if err != nil {
		t.Fatalf("NewPolicy() error = %v", err)
	}
	repo := store.NewMemoryRepository("primary", "custody.events")
	if err := repo.EnsureWallet(context.Background(), policy); err != nil {
		t.Fatalf("EnsureWallet() error = %v", err)
	}
	handlers := NewCustodyHandlers(app.NewService(repo))
	return &custodyTestServer{
		t:       t,
		handler: CustodyRoutes(handlers, AuthConfig{HMACSecret: testSecret}, []string{"*"}),
	}
}

func (s *custodyTestServer) do(method, path, caller, body string, headers map[string]string) *httptest.ResponseRecorder {
	s.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set("Authorization", "Bearer "+signHMAC(s.t, testSecret, jwt.MapClaims{"sub": caller}))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("failed to decode %q: %v", rec.Body.String(), err)
	}
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, message string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d (body %q)", rec.Code, status, rec.Body.String())
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["error"] != message {
		t.Fatalf("error = %q, want %q", body["error"], message)
	}
}

func TestCustodyRoutesTransferLifecycle(t *testing.T) {
	srv := newCustodyTestServer(t)

	if rec := srv.do(http.MethodPost, "/custody/deposits", "", `{"amount": 20, "sender": "funder"}`, nil); rec.Code != http.StatusCreated {
		t.Fatalf("deposit status = %d (body %q)", rec.Code, rec.Body.String())
	}

	expectError(t, srv.do(http.MethodPost, "/custody/transfers", "stranger", `{"amount": 10, "to": "dest"}`, nil),
		http.StatusForbidden, "only approver allowed")

	rec := srv.do(http.MethodPost, "/custody/transfers", "approver-a", `{"amount": 10, "to": "dest"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d (body %q)", rec.Code, rec.Body.String())
	}
	var created domain.Transfer
	decodeBody(t, rec, &created)
	if created.ID != 0 || created.Approvals != 0 || created.Sent || created.CreatedBy != "approver-a" {
		t.Fatalf("unexpected transfer %+v", created)
	}

	var result domain.ApprovalResult
	rec = srv.do(http.MethodPost, "/custody/transfers/0/approvals", "approver-a", "", nil)
	decodeBody(t, rec, &result)
	if rec.Code != http.StatusOK || !result.Recorded || result.Executed {
		t.Fatalf("first approval = %d %+v", rec.Code, result)
	}

	rec = srv.do(http.MethodPost, "/custody/transfers/0/approvals", "approver-b", "", nil)
	decodeBody(t, rec, &result)
	if rec.Code != http.StatusOK || !result.Executed || result.Transfer.Approvals != 2 {
		t.Fatalf("second approval = %d %+v", rec.Code, result)
	}

	expectError(t, srv.do(http.MethodPost, "/custody/transfers/0/approvals", "approver-c", "", nil),
		http.StatusConflict, "transfer has already been sent")

	var balance struct {
		AccountID string `json:"account_id"`
		Balance   int64  `json:"balance"`
	}
	decodeBody(t, srv.do(http.MethodGet, "/custody/accounts/dest/balance", "", "", nil), &balance)
	if balance.Balance != 10 {
		t.Fatalf("expected destination balance 10, got %d", balance.Balance)
	}

	var summary domain.WalletSummary
	decodeBody(t, srv.do(http.MethodGet, "/custody/wallet", "", "", nil), &summary)
	if summary.Balance != 10 || summary.Quorum != 2 || summary.TransferCount != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	var approvers map[string][]string
	decodeBody(t, srv.do(http.MethodGet, "/custody/approvers", "", "", nil), &approvers)
	if strings.Join(approvers["approvers"], ",") != "approver-a,approver-b,approver-c" {
		t.Fatalf("unexpected approvers %v", approvers)
	}

	var listed map[string][]domain.Transfer
	decodeBody(t, srv.do(http.MethodGet, "/custody/transfers", "", "", nil), &listed)
	if len(listed["transfers"]) != 1 || !listed["transfers"][0].Sent {
		t.Fatalf("unexpected transfer log %+v", listed)
	}
}

func TestCustodyRoutesErrors(t *testing.T) {
	srv := newCustodyTestServer(t)
	srv.do(http.MethodPost, "/custody/deposits", "", `{"amount": 20}`, nil)
	srv.do(http.MethodPost, "/custody/transfers", "approver-a", `{"amount": 50, "to": "dest"}`, nil)
	srv.do(http.MethodPost, "/custody/transfers/0/approvals", "approver-a", "", nil)

	tests := []struct {
		name    string
		method  string
		path    string
		caller  string
		body    string
		status  int
		message string
	}{
		{name: "insufficient funds at execution", method: http.MethodPost, path: "/custody/transfers/0/approvals", caller: "approver-b", status: http.StatusPaymentRequired, message: "insufficient funds"},
		{name: "unknown transfer", method: http.MethodGet, path: "/custody/transfers/7", status: http.StatusNotFound, message: "transfer not found"},
		{name: "approve unknown transfer", method: http.MethodPost, path: "/custody/transfers/7/approvals", caller: "approver-a", status: http.StatusNotFound, message: "transfer not found"},
		{name: "outsider checked before existence", method: http.MethodPost, path: "/custody/transfers/7/approvals", caller: "stranger", status: http.StatusForbidden, message: "only approver allowed"},
		{name: "malformed id", method: http.MethodGet, path: "/custody/transfers/abc", status: http.StatusBadRequest, message: "invalid transfer id"},
		{name: "zero amount", method: http.MethodPost, path: "/custody/transfers", caller: "approver-a", body: `{"amount": 0, "to": "dest"}`, status: http.StatusBadRequest, message: "amount must be positive"},
		{name: "missing destination", method: http.MethodPost, path: "/custody/transfers", caller: "approver-a", body: `{"amount": 5}`, status: http.StatusBadRequest, message: "destination is required"},
		{name: "malformed body", method: http.MethodPost, path: "/custody/transfers", caller: "approver-a", body: `{`, status: http.StatusBadRequest, message: "invalid request body"},
		{name: "negative deposit", method: http.MethodPost, path: "/custody/deposits", body: `{"amount": -1}`, status: http.StatusBadRequest, message: "amount must be positive"},
		{name: "missing token", method: http.MethodPost, path: "/custody/transfers", body: `{"amount": 5, "to": "dest"}`, status: http.StatusUnauthorized, message: "authorization header required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectError(t, srv.do(tt.method, tt.path, tt.caller, tt.body, nil), tt.status, tt.message)
		})
	}

	// The failed execution must leave the vote count untouched.
	var transfer domain.Transfer
	decodeBody(t, srv.do(http.MethodGet, "/custody/transfers/0", "", "", nil), &transfer)
	if transfer.Approvals != 1 || transfer.Sent {
		t.Fatalf("insufficient funds must not record the vote, got %+v", transfer)
	}
}

func TestCustodyRoutesIdempotencyKey(t *testing.T) {
	srv := newCustodyTestServer(t)
	headers := map[string]string{idempotencyKeyHeader: "req-1"}

	first := srv.do(http.MethodPost, "/custody/transfers", "approver-a", `{"amount": 5, "to": "dest"}`, headers)
	if first.Code != http.StatusCreated {
		t.Fatalf("first status = %d", first.Code)
	}

	replay := srv.do(http.MethodPost, "/custody/transfers", "approver-a", `{"amount": 5, "to": "dest"}`, headers)
	if replay.Code != http.StatusOK || replay.Header().Get("Idempotent-Replayed") != "true" {
		t.Fatalf("replay status = %d header=%q", replay.Code, replay.Header().Get("Idempotent-Replayed"))
	}

	expectError(t, srv.do(http.MethodPost, "/custody/transfers", "approver-a", `{"amount": 6, "to": "dest"}`, headers),
		http.StatusConflict, "idempotency key already used for a different request")
}

func TestCustodyRoutesDuplicateDeposit(t *testing.T) {
	srv := newCustodyTestServer(t)

	if rec := srv.do(http.MethodPost, "/custody/deposits", "", `{"amount": 5, "reference": "dep-1"}`, nil); rec.Code != http.StatusCreated {
		t.Fatalf("first deposit status = %d", rec.Code)
	}
	rec := srv.do(http.MethodPost, "/custody/deposits", "", `{"amount": 5, "reference": "dep-1"}`, nil)
	var deposit domain.Deposit
	decodeBody(t, rec, &deposit)
	if rec.Code != http.StatusOK || !deposit.Duplicate {
		t.Fatalf("expected duplicate deposit, got %d %+v", rec.Code, deposit)
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err     error
		status  int
		message string
	}{
		{err: fmt.Errorf("wrapped: %w", custody.ErrUnauthorized), status: http.StatusForbidden, message: "only approver allowed"},
		{err: custody.ErrNotFound, status: http.StatusNotFound, message: "transfer not found"},
		{err: custody.ErrAlreadySent, status: http.StatusConflict, message: "transfer has already been sent"},
		{err: fmt.Errorf("%w: balance 1", custody.ErrInsufficientFunds), status: http.StatusPaymentRequired, message: "insufficient funds"},
		{err: store.ErrIdempotencyConflict, status: http.StatusConflict, message: store.ErrIdempotencyConflict.Error()},
		{err: &app.RateLimitError{RetryAfterSeconds: 3}, status: http.StatusTooManyRequests, message: app.ErrRateLimited.Error()},
		{err: errors.New("connection reset"), status: http.StatusInternalServerError, message: "internal server error"},
	}

	for _, tt := range tests {
		status, message := statusForError(tt.err)
		if status != tt.status || message != tt.message {
			t.Fatalf("statusForError(%v) = %d %q, want %d %q", tt.err, status, message, tt.status, tt.message)
		}
	}
}

func TestWriteServiceErrorSetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	writeServiceError(rec, &app.RateLimitError{RetryAfterSeconds: 12})

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "12" {
		t.Fatalf("Retry-After = %q, want 12", rec.Header().Get("Retry-After"))
	}
}
