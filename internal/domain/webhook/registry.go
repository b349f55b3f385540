package webhook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/example/ec-settlement/internal/clock"
	"github.com/example/ec-settlement/internal/events"
	"github.com/example/ec-settlement/internal/signature"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	maxRetriesLimit   = 10
	maxRetryDelayMs   = 60_000
	secretPrefix      = "whsec_"
	secretRandomBytes = 32
)

// Registry manages webhook subscribers and their signing secrets.
type Registry struct {
	repo   Repository
	cipher SecretCipher
	clock  clock.Clock
	signer *signature.Service
	logger *zap.Logger
}

func NewRegistry(repo Repository, cipher SecretCipher, c clock.Clock, signer *signature.Service, logger *zap.Logger) *Registry {
	return &Registry{
		repo:   repo,
		cipher: cipher,
		clock:  c,
		signer: signer,
		logger: logger,
	}
}

type CreateInput struct {
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	Events      []events.Name     `json:"events"`
	Secret      string            `json:"secret,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	RetryPolicy *RetryPolicy      `json:"retry_policy,omitempty"`
	Status      Status            `json:"status,omitempty"`
}

// UpdateInput changes the fields that are set. The secret cannot be changed.
type UpdateInput struct {
	Name        *string           `json:"name,omitempty"`
	URL         *string           `json:"url,omitempty"`
	Events      []events.Name     `json:"events,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	RetryPolicy *RetryPolicy      `json:"retry_policy,omitempty"`
	Status      *Status           `json:"status,omitempty"`
}

// Create registers a subscriber and returns it together with the plaintext
// secret. This is the only time the secret leaves the registry.
func (r *Registry) Create(ctx context.Context, in CreateInput) (*Subscriber, string, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, "", &ValidationError{Field: "name", Message: "is required"}
	}
	if err := validateURL(in.URL); err != nil {
		return nil, "", err
	}
	evs, err := validateEvents(in.Events)
	if err != nil {
		return nil, "", err
	}
	policy := DefaultRetryPolicy
	if in.RetryPolicy != nil {
		policy = *in.RetryPolicy
	}
	if err := validatePolicy(policy); err != nil {
		return nil, "", err
	}
	status := StatusActive
	if in.Status != "" {
		if !in.Status.Valid() {
			return nil, "", &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", in.Status)}
		}
		status = in.Status
	}

	secret := in.Secret
	if secret == "" {
		if secret, err = newSecret(); err != nil {
			return nil, "", fmt.Errorf("failed to generate secret: %w", err)
		}
	}
	encrypted, err := r.cipher.Encrypt([]byte(secret))
	if err != nil {
		return nil, "", fmt.Errorf("failed to encrypt secret: %w", err)
	}

	now := r.clock.Now()
	sub := &Subscriber{
		ID:              uuid.New().String(),
		Name:            strings.TrimSpace(in.Name),
		URL:             in.URL,
		Events:          evs,
		EncryptedSecret: encrypted,
		Headers:         in.Headers,
		RetryPolicy:     policy,
		Status:          status,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := r.repo.Insert(ctx, sub); err != nil {
		return nil, "", fmt.Errorf("failed to insert subscriber: %w", err)
	}

	r.logger.Info("Webhook subscriber registered",
		zap.String("subscriber_id", sub.ID),
		zap.String("url", sub.URL),
		zap.Int("events", len(sub.Events)))
	return sub, secret, nil
}

func (r *Registry) Get(ctx context.Context, id string) (*Subscriber, error) {
	return r.repo.Get(ctx, id)
}

func (r *Registry) List(ctx context.Context) ([]*Subscriber, error) {
	return r.repo.List(ctx)
}

// Update validates in, then applies it to the stored subscriber in a single
// atomic step. Status is only written when in.Status is set, so a concurrent
// health change survives an unrelated edit.
func (r *Registry) Update(ctx context.Context, id string, in UpdateInput) (*Subscriber, error) {
	var name string
	if in.Name != nil {
		name = strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, &ValidationError{Field: "name", Message: "is required"}
		}
	}
	if in.URL != nil {
		if err := validateURL(*in.URL); err != nil {
			return nil, err
		}
	}
	var evs []events.Name
	if in.Events != nil {
		var err error
		if evs, err = validateEvents(in.Events); err != nil {
			return nil, err
		}
	}
	if in.RetryPolicy != nil {
		if err := validatePolicy(*in.RetryPolicy); err != nil {
			return nil, err
		}
	}
	if in.Status != nil && !in.Status.Valid() {
		return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", *in.Status)}
	}

	now := r.clock.Now()
	sub, err := r.repo.Update(ctx, id, func(sub *Subscriber) {
		if in.Name != nil {
			sub.Name = name
		}
		if in.URL != nil {
			sub.URL = *in.URL
		}
		if in.Events != nil {
			sub.Events = evs
		}
		if in.Headers != nil {
			sub.Headers = in.Headers
		}
		if in.RetryPolicy != nil {
			sub.RetryPolicy = *in.RetryPolicy
		}
		if in.Status != nil {
			sub.Status = *in.Status
		}
		sub.UpdatedAt = now
	})
	if err != nil {
		if errors.Is(err, ErrSubscriberNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to update subscriber %s: %w", id, err)
	}
	return sub, nil
}

func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}
	r.logger.Info("Webhook subscriber deleted", zap.String("subscriber_id", id))
	return nil
}

// ActiveFor returns the active subscribers registered for name.
func (r *Registry) ActiveFor(ctx context.Context, name events.Name) ([]*Subscriber, error) {
	subs, err := r.repo.FindByEvent(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve subscribers for %s: %w", name, err)
	}
	active := subs[:0]
	for _, s := range subs {
		if s.Status == StatusActive {
			active = append(active, s)
		}
	}
	return active, nil
}

// RecordCall applies one delivery outcome atomically.
func (r *Registry) RecordCall(ctx context.Context, id string, success bool, errMsg string) (*Subscriber, error) {
	now := r.clock.Now()
	var before Status
	sub, err := r.repo.UpdateStats(ctx, id, func(s *Subscriber) {
		before = s.Status
		s.RecordCall(success, errMsg, now)
	})
	if err != nil {
		return nil, err
	}
	if before != sub.Status {
		r.logger.Warn("Webhook subscriber health changed",
			zap.String("subscriber_id", id),
			zap.String("from", string(before)),
			zap.String("to", string(sub.Status)),
			zap.Float64("failure_rate", sub.Stats.FailureRate()))
	}
	return sub, nil
}

// Secret decrypts the signing secret of sub.
func (r *Registry) Secret(sub *Subscriber) (string, error) {
	plain, err := r.cipher.Decrypt(sub.EncryptedSecret)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret for subscriber %s: %w", sub.ID, err)
	}
	return string(plain), nil
}

// VerifyDelivery checks an inbound signed delivery against the secret of the
// subscriber named by id.
func (r *Registry) VerifyDelivery(ctx context.Context, id, sig string, timestampMs int64, body []byte) error {
	sub, err := r.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	secret, err := r.Secret(sub)
	if err != nil {
		return err
	}
	if err := r.signer.VerifyWebhookPayload(secret, sig, timestampMs, body); err != nil {
		r.logger.Warn("Rejected inbound webhook",
			zap.String("subscriber_id", id),
			zap.Error(err))
		return err
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return &ValidationError{Field: "url", Message: fmt.Sprintf("%q is not an absolute URL", raw)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Field: "url", Message: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	return nil
}

func validateEvents(in []events.Name) ([]events.Name, error) {
	if len(in) == 0 {
		return nil, &ValidationError{Field: "events", Message: "at least one event is required"}
	}
	seen := make(map[events.Name]bool, len(in))
	out := make([]events.Name, 0, len(in))
	for _, n := range in {
		if !n.Valid() {
			return nil, &ValidationError{Field: "events", Message: fmt.Sprintf("unknown event %q", n)}
		}
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out, nil
}

func validatePolicy(p RetryPolicy) error {
	if p.MaxRetries < 1 || p.MaxRetries > maxRetriesLimit {
		return &ValidationError{Field: "retry_policy.max_retries", Message: fmt.Sprintf("must be between 1 and %d", maxRetriesLimit)}
	}
	if p.RetryDelayMs < 0 || p.RetryDelayMs > maxRetryDelayMs {
		return &ValidationError{Field: "retry_policy.retry_delay_ms", Message: fmt.Sprintf("must be between 0 and %d", maxRetryDelayMs)}
	}
	return nil
}

func newSecret() (string, error) {
	b := make([]byte, secretRandomBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return secretPrefix + hex.EncodeToString(b), nil
}
