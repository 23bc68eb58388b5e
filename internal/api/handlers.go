/**
 * @description
 * HTTP handlers for the custody wallet. Handlers decode requests, call the
 * application service and translate domain errors into status codes.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - internal/app: The custody use cases.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/transfa/custody-service/internal/app"
	"github.com/transfa/custody-service/internal/custody"
	"github.com/transfa/custody-service/internal/domain"
	"github.com/transfa/custody-service/internal/store"
)

const (
	maxBodyBytes         = 1 << 20
	idempotencyKeyHeader = "Idempotency-Key"
)

// CustodyService is the set of use cases exposed over HTTP.
type CustodyService interface {
	Summary(ctx context.Context) (*domain.WalletSummary, error)
	Approvers(ctx context.Context) ([]string, error)
	Transfers(ctx context.Context) ([]domain.Transfer, error)
	Transfer(ctx context.Context, id uint64) (*domain.Transfer, error)
	AccountBalance(ctx context.Context, accountID string) (int64, error)
	Deposit(ctx context.Context, req domain.DepositRequest) (*domain.Deposit, error)
	CreateTransfer(ctx context.Context, caller string, req domain.CreateTransferRequest, idempotencyKey string) (*domain.Transfer, bool, error)
	ApproveTransfer(ctx context.Context, caller string, id uint64) (*domain.ApprovalResult, error)
}

// CustodyHandlers holds the dependencies for the custody HTTP handlers.
type CustodyHandlers struct {
	service CustodyService
}

func NewCustodyHandlers(service CustodyService) *CustodyHandlers {
	return &CustodyHandlers{service: service}
}

func (h *CustodyHandlers) WalletHandler(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.Summary(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *CustodyHandlers) ApproversHandler(w http.ResponseWriter, r *http.Request) {
	approvers, err := h.service.Approvers(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"approvers": approvers})
}

func (h *CustodyHandlers) ListTransfersHandler(w http.ResponseWriter, r *http.Request) {
	transfers, err := h.service.Transfers(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]domain.Transfer{"transfers": transfers})
}

func (h *CustodyHandlers) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := transferIDParam(w, r)
	if !ok {
		return
	}
	transfer, err := h.service.Transfer(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transfer)
}

func (h *CustodyHandlers) AccountBalanceHandler(w http.ResponseWriter, r *http.Request) {
	accountID := strings.TrimSpace(chi.URLParam(r, "id"))
	balance, err := h.service.AccountBalance(r.Context(), accountID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"account_id": accountID, "balance": balance})
}

// DepositHandler books value into the wallet. Deposits are open to anyone.
func (h *CustodyHandlers) DepositHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.DepositRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	deposit, err := h.service.Deposit(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusCreated
	if deposit.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, deposit)
}

func (h *CustodyHandlers) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := GetCaller(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "caller not authenticated")
		return
	}

	var req domain.CreateTransferRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	transfer, replayed, err := h.service.CreateTransfer(r.Context(), caller, req, r.Header.Get(idempotencyKeyHeader))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if replayed {
		w.Header().Set("Idempotent-Replayed", "true")
		writeJSON(w, http.StatusOK, transfer)
		return
	}
	writeJSON(w, http.StatusCreated, transfer)
}

func (h *CustodyHandlers) ApproveTransferHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := GetCaller(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "caller not authenticated")
		return
	}
	id, ok := transferIDParam(w, r)
	if !ok {
		return
	}

	result, err := h.service.ApproveTransfer(r.Context(), caller, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func transferIDParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid transfer id")
		return 0, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// statusForError maps service errors to an HTTP status and a client-safe message.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, custody.ErrUnauthorized):
		return http.StatusForbidden, custody.ErrUnauthorized.Error()
	case errors.Is(err, custody.ErrNotFound):
		return http.StatusNotFound, custody.ErrNotFound.Error()
	case errors.Is(err, custody.ErrAlreadySent):
		return http.StatusConflict, custody.ErrAlreadySent.Error()
	case errors.Is(err, custody.ErrInsufficientFunds):
		return http.StatusPaymentRequired, custody.ErrInsufficientFunds.Error()
	case errors.Is(err, custody.ErrInvalidAmount):
		return http.StatusBadRequest, custody.ErrInvalidAmount.Error()
	case errors.Is(err, custody.ErrInvalidDestination):
		return http.StatusBadRequest, custody.ErrInvalidDestination.Error()
	case errors.Is(err, store.ErrIdempotencyConflict):
		return http.StatusConflict, store.ErrIdempotencyConflict.Error()
	case errors.Is(err, app.ErrRateLimited):
		return http.StatusTooManyRequests, app.ErrRateLimited.Error()
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status, message := statusForError(err)
	if status == http.StatusInternalServerError {
		log.Printf("level=error component=api msg=\"request failed\" err=%v", err)
	}
	var rateErr *app.RateLimitError
	if errors.As(err, &rateErr) {
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
	}
	writeError(w, status, message)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("level=error component=api msg=\"failed to encode response\" err=%v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
