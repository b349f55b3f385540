package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/ec-settlement/internal/command"
	"github.com/example/ec-settlement/internal/dispatch"
	"github.com/example/ec-settlement/internal/domain/order"
	"github.com/example/ec-settlement/internal/domain/webhook"
	"github.com/example/ec-settlement/internal/gateway"
	"github.com/example/ec-settlement/internal/inventory"
	"github.com/example/ec-settlement/internal/signature"
	"github.com/example/ec-settlement/internal/sweeper"
	"go.uber.org/zap"
)

// maxBodyBytes caps every request body the API reads.
const maxBodyBytes = 1 << 20

type ConfirmationProcessor interface {
	ProcessConfirmation(ctx context.Context, c gateway.Confirmation) error
}

type OrderReader interface {
	Get(ctx context.Context, id string) (*order.Order, error)
	Find(ctx context.Context, q order.Query) ([]*order.Order, error)
}

type Pinger interface {
	Ping(ctx context.Context, id string) (*dispatch.Delivery, error)
}

type SweepRunner interface {
	RunOnce(ctx context.Context) (sweeper.Report, error)
}

// Deps are the collaborators behind the HTTP surface.
type Deps struct {
	Commands        *command.Handler
	Orders          OrderReader
	Subscribers     *webhook.Registry
	Pinger          Pinger
	Sweeper         SweepRunner
	Confirmations   ConfirmationProcessor
	ResponsePageURL string
	Logger          *zap.Logger
}

type Handlers struct {
	commands        *command.Handler
	orders          OrderReader
	subscribers     *webhook.Registry
	pinger          Pinger
	sweeper         SweepRunner
	confirmations   ConfirmationProcessor
	responsePageURL string
	logger          *zap.Logger
}

func NewHandlers(d Deps) *Handlers {
	return &Handlers{
		commands:        d.Commands,
		orders:          d.Orders,
		subscribers:     d.Subscribers,
		pinger:          d.Pinger,
		sweeper:         d.Sweeper,
		confirmations:   d.Confirmations,
		responsePageURL: d.ResponsePageURL,
		logger:          d.Logger.With(zap.String("component", "http")),
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		transition  *order.InvalidTransitionError
		unavailable *gateway.GatewayUnavailableError
		gatewayErr  *gateway.GatewayError
	)
	switch {
	case order.IsValidation(err), webhook.IsValidation(err),
		errors.Is(err, inventory.ErrInvalidQuantity), errors.Is(err, inventory.ErrUnknownProduct):
		return http.StatusBadRequest
	case errors.Is(err, order.ErrOrderNotFound), errors.Is(err, webhook.ErrSubscriberNotFound):
		return http.StatusNotFound
	case errors.As(err, &transition),
		errors.Is(err, order.ErrVersionConflict),
		errors.Is(err, order.ErrPreconditionFailed),
		errors.Is(err, inventory.ErrInsufficientStock):
		return http.StatusConflict
	case errors.Is(err, signature.ErrSignatureMismatch), errors.Is(err, signature.ErrStaleTimestamp):
		return http.StatusUnauthorized
	case errors.As(err, &unavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &gatewayErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		if status == http.StatusInternalServerError {
			respondError(w, status, "internal server error")
			return
		}
	}
	respondError(w, status, err.Error())
}
