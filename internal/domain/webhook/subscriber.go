package webhook

import (
	"time"

	"github.com/example/ec-settlement/internal/events"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusFailed   Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusFailed:
		return true
	}
	return false
}

// Health thresholds. A subscriber is marked failed once it has at least
// HealthMinCalls calls on record and FailureRate reaches HealthFailureRate.
const (
	HealthMinCalls    = 10
	HealthFailureRate = 0.8
)

// RetryPolicy bounds delivery attempts. MaxRetries counts attempts in total,
// so 1 means a single try.
type RetryPolicy struct {
	MaxRetries   int `json:"max_retries"`
	RetryDelayMs int `json:"retry_delay_ms"`
}

var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, RetryDelayMs: 1000}

func (p RetryPolicy) Delay() time.Duration {
	return time.Duration(p.RetryDelayMs) * time.Millisecond
}

type Stats struct {
	TotalCalls      int64      `json:"total_calls"`
	SuccessfulCalls int64      `json:"successful_calls"`
	FailedCalls     int64      `json:"failed_calls"`
	LastCallAt      *time.Time `json:"last_call_at,omitempty"`
	LastSuccessAt   *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt   *time.Time `json:"last_failure_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
}

// FailureRate returns failed/total, or 0 before the first call.
func (s Stats) FailureRate() float64 {
	if s.TotalCalls == 0 {
		return 0
	}
	return float64(s.FailedCalls) / float64(s.TotalCalls)
}

// Subscriber is a registered webhook endpoint. The signing secret is only
// held encrypted and never serialized.
type Subscriber struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	URL             string            `json:"url"`
	Events          []events.Name     `json:"events"`
	EncryptedSecret []byte            `json:"-"`
	Headers         map[string]string `json:"headers,omitempty"`
	RetryPolicy     RetryPolicy       `json:"retry_policy"`
	Status          Status            `json:"status"`
	Stats           Stats             `json:"stats"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Subscribes reports whether the subscriber registered for name.
func (s *Subscriber) Subscribes(name events.Name) bool {
	for _, e := range s.Events {
		if e == name {
			return true
		}
	}
	return false
}

// RecordCall folds one delivery outcome into the stats and applies the health
// rule. Only active and failed flip automatically; an operator-set inactive
// status is left alone.
func (s *Subscriber) RecordCall(success bool, errMsg string, at time.Time) {
	t := at
	s.Stats.TotalCalls++
	s.Stats.LastCallAt = &t
	if success {
		s.Stats.SuccessfulCalls++
		s.Stats.LastSuccessAt = &t
		s.Stats.LastError = ""
		if s.Status == StatusFailed {
			s.Status = StatusActive
		}
	} else {
		s.Stats.FailedCalls++
		s.Stats.LastFailureAt = &t
		s.Stats.LastError = errMsg
	}

	if s.Status == StatusActive && !success && s.unhealthy() {
		s.Status = StatusFailed
	}
	s.UpdatedAt = at
}

func (s *Subscriber) unhealthy() bool {
	return s.Stats.TotalCalls >= HealthMinCalls && s.Stats.FailureRate() >= HealthFailureRate
}

// Clone returns a deep copy.
func (s *Subscriber) Clone() *Subscriber {
	c := *s
	c.Events = append([]events.Name(nil), s.Events...)
	c.EncryptedSecret = append([]byte(nil), s.EncryptedSecret...)
	if s.Headers != nil {
		c.Headers = make(map[string]string, len(s.Headers))
		for k, v := range s.Headers {
			c.Headers[k] = v
		}
	}
	c.Stats.LastCallAt = cloneTime(s.Stats.LastCallAt)
	c.Stats.LastSuccessAt = cloneTime(s.Stats.LastSuccessAt)
	c.Stats.LastFailureAt = cloneTime(s.Stats.LastFailureAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
