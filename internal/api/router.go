package api

import (
	"net/http"
	"time"

	"github.com/example/ec-settlement/internal/api/middleware"
	"github.com/example/ec-settlement/internal/auth"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

type RouterConfig struct {
	Handlers       *Handlers
	Tokens         *auth.TokenService
	AllowedOrigins []string
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	h := cfg.Handlers
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(cfg.Logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(timeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Gateway and integration callbacks carry their own signatures.
	r.Route("/payments", func(r chi.Router) {
		r.Post("/confirmation", h.PaymentConfirmation)
		r.Get("/response", h.PaymentResponse)
	})
	r.Post("/webhooks/inbound", h.InboundWebhook)

	r.Route("/admin", func(r chi.Router) {
		if len(cfg.AllowedOrigins) > 0 {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins: cfg.AllowedOrigins,
				AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
				MaxAge:         300,
			}))
		}
		r.Use(middleware.AuthMiddleware(cfg.Tokens))
		r.Use(middleware.RequireRole(auth.RoleAdmin))

		r.Route("/orders", func(r chi.Router) {
			r.Get("/", h.ListOrders)
			r.Post("/", h.PlaceOrder)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetOrder)
				r.Post("/payments", h.PayOrder)
				r.Post("/ship", h.ShipOrder)
				r.Post("/deliver", h.DeliverOrder)
				r.Post("/cancel", h.CancelOrder)
				r.Post("/refund", h.RefundOrder)
				r.Patch("/fulfillment", h.UpdateFulfillment)
			})
		})

		r.Route("/webhooks", func(r chi.Router) {
			r.Get("/", h.ListSubscribers)
			r.Post("/", h.CreateSubscriber)
			r.Get("/{id}", h.GetSubscriber)
			r.Patch("/{id}", h.UpdateSubscriber)
			r.Delete("/{id}", h.DeleteSubscriber)
			r.Post("/{id}/test", h.TestSubscriber)
		})

		r.Post("/sweeps", h.RunSweep)
	})

	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	logger = logger.With(zap.String("component", "http"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("Request served",
				zap.String("request_id", chimw.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)))
		})
	}
}
