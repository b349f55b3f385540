package bootstrap

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/ec-settlement/internal/command"
	"github.com/example/ec-settlement/internal/config"
	"github.com/example/ec-settlement/internal/dispatch"
	"github.com/example/ec-settlement/internal/domain/order"
	"github.com/example/ec-settlement/internal/domain/webhook"
	"github.com/example/ec-settlement/internal/events"
	"github.com/example/ec-settlement/internal/inventory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestConfig() *config.Config {
	cfg := &config.Config{
		Storage:           config.StorageMemory,
		EventTransport:    config.TransportInline,
		Inventory:         config.InventoryMemory,
		WebhookSecretKey:  strings.Repeat("0a", 32),
		WebhookTimeout:    2 * time.Second,
		LowStockThreshold: 1,
	}
	cfg.GatewayConfig.MerchantID = "508029"
	cfg.GatewayConfig.APIKey = "4Vj8eK4rloUd272L48hsrarnUA"
	cfg.GatewayConfig.AmountTolerance = decimal.NewFromInt(1)
	return cfg
}

// ============================================
// Wiring Tests
// ============================================

func TestNew_InlineTransportDeliversWebhooks(t *testing.T) {
	var (
		mu       sync.Mutex
		received []events.Envelope
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.NotEmpty(t, r.Header.Get(dispatch.HeaderSignature))
		var env events.Envelope
		if assert.NoError(t, json.Unmarshal(body, &env)) {
			mu.Lock()
			received = append(received, env)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	app, err := New(ctx, newTestConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	_, _, err = app.Delivery.Registry.Create(ctx, webhook.CreateInput{
		Name:   "erp",
		URL:    srv.URL,
		Events: []events.Name{events.OrderCreated},
	})
	require.NoError(t, err)

	stock, ok := app.Stock.(*inventory.Stock)
	require.True(t, ok)
	require.NoError(t, stock.AddStock(ctx, "prod-1", 10))

	placed, err := app.Commands.PlaceOrder(ctx, command.PlaceOrder{CreateInput: order.CreateInput{
		Items:         []order.ItemInput{{ProductID: "prod-1", Quantity: 2, Price: decimal.NewFromInt(80)}},
		Tax:           decimal.NewFromInt(38),
		Shipping:      decimal.NewFromInt(5),
		Currency:      "COP",
		PaymentMethod: "card",
	}})
	require.NoError(t, err)
	assert.True(t, placed.Total.Equal(decimal.NewFromInt(203)))

	require.NoError(t, app.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, events.OrderCreated, received[0].Event)
}

func TestNew_RejectsBadWebhookKey(t *testing.T) {
	cfg := newTestConfig()
	cfg.WebhookSecretKey = "zz"

	_, err := New(context.Background(), cfg, zaptest.NewLogger(t))

	assert.Error(t, err)
}

func TestOpenStores_UnknownBackend(t *testing.T) {
	cfg := newTestConfig()
	cfg.Storage = "sqlite"

	_, err := OpenStores(context.Background(), cfg, zaptest.NewLogger(t))

	assert.ErrorContains(t, err, "sqlite")
}

func TestGatewayConfig_CopiesSettings(t *testing.T) {
	cfg := newTestConfig()
	cfg.GatewayConfig.Country = "CO"
	cfg.GatewayConfig.Test = true

	g := gatewayConfig(cfg)

	assert.Equal(t, "508029", g.MerchantID)
	assert.Equal(t, "CO", g.Country)
	assert.True(t, g.Test)
	assert.True(t, g.AmountTolerance.Equal(decimal.NewFromInt(1)))
}
