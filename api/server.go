/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     zap request logging (logger.Middleware)
  3. Recovery:   Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the field app
  5. Auth:       Bearer token on everything except /api/login and /healthz

ROUTE GROUPS:
  /api/login            Public
  /api/customers/*      Customers and collections
  /api/loans/*          Disbursement and loan status
  /api/cash/*           Cash balance, investments, adjustments
  /api/expenses         Office expenses
  /api/reports/*        Summaries and statements
  /api/admin/*          Staff management and ledger verification
  /api/messages/*       Admin -> staff notifications

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Bearer token middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/fieldledger/microledger/logger"
)

// RouterOptions configures the middleware stack.
type RouterOptions struct {
	Logger         *zap.Logger
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(logger.Middleware(log))
	r.Use(logger.Recovery(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Health)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.Authenticate)

			r.Get("/dashboard", h.Dashboard)

			// Customer routes
			r.Route("/customers", func(r chi.Router) {
				r.Get("/", h.ListCustomers)
				r.Post("/", h.CreateCustomer)
				r.Get("/{id}", h.GetCustomer)
				r.Post("/{id}/loan-collections", h.CollectLoan)
				r.Post("/{id}/saving-collections", h.CollectSaving)
			})

			// Loan routes
			r.Route("/loans", func(r chi.Router) {
				r.Get("/", h.ListLoans)
				r.Post("/", h.DisburseLoan)
				r.Post("/{id}/paid", h.MarkLoanPaid)
			})

			// Cash routes
			r.Route("/cash", func(r chi.Router) {
				r.Get("/", h.GetCash)
				r.Get("/events", h.ListCashEvents)
				r.Post("/investments", h.RecordInvestment)
				r.Post("/withdrawals", h.RecordWithdrawal)
				r.Post("/adjustments", h.AdjustCash)
			})

			r.Route("/expenses", func(r chi.Router) {
				r.Get("/", h.ListExpenses)
				r.Post("/", h.RecordExpense)
			})

			// Report routes
			r.Route("/reports", func(r chi.Router) {
				r.Get("/summary", h.Summary)
				r.Get("/profit-loss", h.ProfitLoss)
				r.Get("/daily", h.DailyReport)
				r.Get("/monthly", h.MonthlyReport)
			})

			// Admin routes
			r.Route("/admin", func(r chi.Router) {
				r.Get("/staff", h.ListStaff)
				r.Post("/staff", h.CreateStaff)
				r.Put("/staff/{id}", h.UpdateStaff)
				r.Delete("/staff/{id}", h.DeleteStaff)
				r.Get("/verify", h.Verify)
				r.Post("/rebuild", h.Rebuild)
			})

			// Message routes
			r.Route("/messages", func(r chi.Router) {
				r.Get("/", h.ListMessages)
				r.Post("/", h.SendMessage)
				r.Post("/{id}/read", h.MarkMessageRead)
			})
		})
	})

	return r
}
