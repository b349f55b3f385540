package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/ec-settlement/internal/clock"
	"github.com/example/ec-settlement/internal/domain/webhook"
	"github.com/example/ec-settlement/internal/events"
	"github.com/example/ec-settlement/internal/signature"
	"go.uber.org/zap"
)

// DefaultTimeout bounds a single delivery attempt.
const DefaultTimeout = 10 * time.Second

const (
	HeaderEvent     = "X-Webhook-Event"
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderID        = "X-Webhook-Id"
	HeaderTest      = "X-Webhook-Test"
)

// Registry is the subset of the subscriber registry the dispatcher needs.
type Registry interface {
	ActiveFor(ctx context.Context, name events.Name) ([]*webhook.Subscriber, error)
	Get(ctx context.Context, id string) (*webhook.Subscriber, error)
	RecordCall(ctx context.Context, id string, success bool, errMsg string) (*webhook.Subscriber, error)
	Secret(sub *webhook.Subscriber) (string, error)
}

// Result aggregates one fan-out.
type Result struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
	Total  int `json:"total"`
}

// Delivery is the outcome for one subscriber.
type Delivery struct {
	SubscriberID string `json:"subscriber_id"`
	Success      bool   `json:"success"`
	Attempts     int    `json:"attempts"`
	StatusCode   int    `json:"status_code,omitempty"`
	Error        string `json:"error,omitempty"`
}

type Dispatcher struct {
	registry Registry
	signer   *signature.Service
	clock    clock.Clock
	client   *http.Client
	timeout  time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *zap.Logger
}

type Option func(*Dispatcher)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = t }
}

// WithSleep replaces the wait between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dispatcher) { d.sleep = fn }
}

func NewDispatcher(registry Registry, signer *signature.Service, c clock.Clock, logger *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		signer:   signer,
		clock:    c,
		client:   &http.Client{},
		timeout:  DefaultTimeout,
		sleep:    sleepCtx,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// TriggerEvent delivers e to every active subscriber of its name. Subscribers
// are served concurrently and each runs its own retry loop. Only a failure to
// resolve subscribers is returned as an error.
func (d *Dispatcher) TriggerEvent(ctx context.Context, e events.Event) (Result, error) {
	// Deliveries outlive a cancelled caller, e.g. a client dropping the
	// confirmation request.
	ctx = context.WithoutCancel(ctx)

	env, err := events.Encode(e, d.clock.Now())
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode %s: %w", e.EventName(), err)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal %s: %w", env.Event, err)
	}

	subs, err := d.registry.ActiveFor(ctx, env.Event)
	if err != nil {
		d.logger.Error("Subscriber lookup failed", zap.String("event", string(env.Event)), zap.Error(err))
		return Result{}, err
	}
	if len(subs) == 0 {
		return Result{}, nil
	}

	var (
		wg     sync.WaitGroup
		sent   atomic.Int64
		failed atomic.Int64
	)
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *webhook.Subscriber) {
			defer wg.Done()
			if d.deliver(ctx, sub, env.Event, body, false).Success {
				sent.Add(1)
			} else {
				failed.Add(1)
			}
		}(sub)
	}
	wg.Wait()

	res := Result{Sent: int(sent.Load()), Failed: int(failed.Load()), Total: len(subs)}
	d.logger.Info("Event dispatched",
		zap.String("event", string(env.Event)),
		zap.Int("sent", res.Sent),
		zap.Int("failed", res.Failed))
	return res, nil
}

// Emit lets the dispatcher stand in as an events.Emitter.
func (d *Dispatcher) Emit(ctx context.Context, e events.Event) error {
	_, err := d.TriggerEvent(ctx, e)
	return err
}

// Ping sends a test delivery to one subscriber whatever its status. A success
// brings a failed subscriber back to active.
func (d *Dispatcher) Ping(ctx context.Context, id string) (*Delivery, error) {
	sub, err := d.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	name := events.AlertTriggered
	if len(sub.Events) > 0 {
		name = sub.Events[0]
	}
	now := d.clock.Now()
	data, err := json.Marshal(map[string]any{
		"test":          true,
		"subscriber_id": sub.ID,
		"sent_at":       now,
	})
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(events.Envelope{Event: name, Timestamp: now, Data: data})
	if err != nil {
		return nil, err
	}
	delivery := d.deliver(ctx, sub, name, body, true)
	return &delivery, nil
}

func (d *Dispatcher) deliver(ctx context.Context, sub *webhook.Subscriber, name events.Name, body []byte, test bool) Delivery {
	log := d.logger.With(
		zap.String("subscriber_id", sub.ID),
		zap.String("event", string(name)))
	out := Delivery{SubscriberID: sub.ID}

	secret, err := d.registry.Secret(sub)
	if err != nil {
		out.Error = err.Error()
		d.record(ctx, log, sub.ID, false, out.Error)
		return out
	}

	attempts := sub.RetryPolicy.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		out.Attempts = attempt
		status, err := d.post(ctx, sub, secret, name, body, test)
		out.StatusCode = status
		if err == nil {
			out.Success = true
			out.Error = ""
			break
		}
		out.Error = err.Error()
		log.Warn("Webhook delivery attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(err))
		if attempt < attempts {
			if err := d.sleep(ctx, sub.RetryPolicy.Delay()); err != nil {
				break
			}
		}
	}

	d.record(ctx, log, sub.ID, out.Success, out.Error)
	return out
}

func (d *Dispatcher) record(ctx context.Context, log *zap.Logger, id string, success bool, errMsg string) {
	if _, err := d.registry.RecordCall(ctx, id, success, errMsg); err != nil {
		log.Error("Failed to record webhook call", zap.Error(err))
	}
}

func (d *Dispatcher) post(ctx context.Context, sub *webhook.Subscriber, secret string, name events.Name, body []byte, test bool) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	ts := d.clock.Now().UnixMilli()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(name))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, d.signer.SignWebhookPayload(secret, ts, body))
	req.Header.Set(HeaderID, sub.ID)
	if test {
		req.Header.Set(HeaderTest, "true")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
