/**
 * @description
 * This file sets up the HTTP router for the custody-service. Reads and deposits
 * are public; creating and approving transfers requires an authenticated caller.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for browser clients.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// CustodyRoutes creates and returns a new router for the custody service.
func CustodyRoutes(h *CustodyHandlers, auth AuthConfig, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", idempotencyKeyHeader},
		ExposedHeaders:   []string{"Retry-After", "Idempotent-Replayed"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/custody", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("healthy"))
		})

		r.Get("/wallet", h.WalletHandler)
		r.Get("/approvers", h.ApproversHandler)
		r.Get("/transfers", h.ListTransfersHandler)
		r.Get("/transfers/{id}", h.GetTransferHandler)
		r.Get("/accounts/{id}/balance", h.AccountBalanceHandler)
		r.Post("/deposits", h.DepositHandler)

		r.Group(func(r chi.Router) {
			r.Use(CallerAuthMiddleware(auth))

			r.Post("/transfers", h.CreateTransferHandler)
			r.Post("/transfers/{id}/approvals", h.ApproveTransferHandler)
		})
	})

	return r
}
