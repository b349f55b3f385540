package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/ec-settlement/internal/events"
)

var ErrSubscriberNotFound = errors.New("webhook subscriber not found")

// ValidationError reports a malformed subscriber definition.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid subscriber %s: %s", e.Field, e.Message)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Repository persists subscribers. Update and UpdateStats must run fn and
// save its result atomically for the given subscriber, so an operator edit
// never overwrites a concurrent health change and deliveries never lose a
// counter increment. Update keeps the stored Stats whatever fn does.
type Repository interface {
	Insert(ctx context.Context, s *Subscriber) error
	Get(ctx context.Context, id string) (*Subscriber, error)
	List(ctx context.Context) ([]*Subscriber, error)
	Update(ctx context.Context, id string, fn func(s *Subscriber)) (*Subscriber, error)
	Delete(ctx context.Context, id string) error
	FindByEvent(ctx context.Context, name events.Name) ([]*Subscriber, error)
	UpdateStats(ctx context.Context, id string, fn func(s *Subscriber)) (*Subscriber, error)
}

// SecretCipher encrypts signing secrets at rest.
type SecretCipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}
