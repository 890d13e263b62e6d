package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AlexeiFed/waxhands-sub007/internal/service"
	"github.com/AlexeiFed/waxhands-sub007/pkg/health"
	"github.com/AlexeiFed/waxhands-sub007/pkg/middleware"
)

// RouterDeps holds everything the router serves.
type RouterDeps struct {
	ServiceName    string
	Payments       *service.PaymentService
	Refunds        *service.RefundService
	Reconciler     Reconciler
	Health         *health.Handler
	TokenValidator middleware.TokenValidator
	Redirects      RedirectConfig
	Logger         *slog.Logger
}

// NewRouter creates a chi router with all billing routes registered.
func NewRouter(deps RouterDeps) http.Handler {
	logger := deps.Logger
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Tracing(deps.ServiceName))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.PrometheusMetrics(deps.ServiceName))

	// Health check endpoints
	r.Get("/health/live", deps.Health.LivenessHandler())
	r.Get("/health/ready", deps.Health.ReadinessHandler())
	r.Handle("/metrics", promhttp.Handler())

	webhooks := NewRobokassaHandler(deps.Payments, deps.Redirects, logger)
	invoices := NewInvoiceHandler(deps.Payments, logger)
	refunds := NewRefundHandler(deps.Refunds, deps.Payments, logger)
	admin := NewAdminHandler(deps.Reconciler, logger)

	// Gateway callbacks are form encoded and authenticated by their signature.
	r.Route("/api/v1/robokassa", func(r chi.Router) {
		r.Use(middleware.RequestLogger(logger))

		r.Get("/result", webhooks.Result)
		r.Post("/result", webhooks.Result)
		r.Get("/success", webhooks.Success)
		r.Post("/success", webhooks.Success)
		r.Get("/fail", webhooks.Fail)
		r.Post("/fail", webhooks.Fail)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(deps.TokenValidator))
		r.Use(middleware.RequestLogger(logger))
		r.Use(ContentTypeJSON)

		r.Route("/api/v1/invoices", func(r chi.Router) {
			r.With(middleware.RequireRole(middleware.RoleAdmin)).Post("/", invoices.CreateInvoice)
			r.With(middleware.RequireRole(middleware.RoleAdmin)).Get("/", invoices.ListInvoices)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", invoices.GetInvoice)
				r.Post("/pay", invoices.StartPayment)
				r.Get("/refund/eligibility", refunds.CheckEligibility)
				r.Post("/refund", refunds.InitiateRefund)

				r.Group(func(r chi.Router) {
					r.Use(middleware.RequireRole(middleware.RoleAdmin))
					r.Post("/confirm-cash", invoices.ConfirmCashPayment)
					r.Post("/cancel", invoices.CancelInvoice)
					r.Post("/reconcile", invoices.ReconcileInvoice)
					r.Get("/events", invoices.ListGatewayEvents)
				})
			})
		})

		r.Get("/api/v1/refunds/{requestId}", refunds.GetRefundStatus)

		r.Route("/api/v1/admin", func(r chi.Router) {
			r.Use(middleware.RequireRole(middleware.RoleAdmin))
			r.Post("/reconcile", admin.Reconcile)
		})
	})

	return r
}
