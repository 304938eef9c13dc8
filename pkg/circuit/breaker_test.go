package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errDown = errors.New("dependency down")

func failing(context.Context) error { return errDown }
func succeeding(context.Context) error { return nil }

func TestBreakerTripping(t *testing.T) {
	t.Run("should stay closed under the failure threshold", func(t *testing.T) {
		b := NewBreaker(Config{Name: "test", MaxFailures: 3, CoolOff: time.Minute})

		for i := 0; i < 2; i++ {
			assert.ErrorIs(t, b.Do(context.Background(), failing), errDown)
		}
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("should open after consecutive failures", func(t *testing.T) {
		b := NewBreaker(Config{Name: "test", MaxFailures: 3, CoolOff: time.Minute})

		for i := 0; i < 3; i++ {
			b.Do(context.Background(), failing)
		}
		assert.Equal(t, StateOpen, b.State())

		called := false
		err := b.Do(context.Background(), func(context.Context) error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, ErrOpen)
		assert.False(t, called, "open breaker must fail fast without invoking fn")
	})

	t.Run("should reset the failure count on success", func(t *testing.T) {
		b := NewBreaker(Config{Name: "test", MaxFailures: 3, CoolOff: time.Minute})

		b.Do(context.Background(), failing)
		b.Do(context.Background(), failing)
		b.Do(context.Background(), succeeding)
		b.Do(context.Background(), failing)
		b.Do(context.Background(), failing)

		assert.Equal(t, StateClosed, b.State())
	})
}

func TestBreakerRecovery(t *testing.T) {
	t.Run("should close again after a successful probe", func(t *testing.T) {
		b := NewBreaker(Config{Name: "test", MaxFailures: 1, CoolOff: 10 * time.Millisecond})

		b.Do(context.Background(), failing)
		assert.Equal(t, StateOpen, b.State())

		time.Sleep(20 * time.Millisecond)

		assert.NoError(t, b.Do(context.Background(), succeeding))
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("should re-open when the probe fails", func(t *testing.T) {
		b := NewBreaker(Config{Name: "test", MaxFailures: 1, CoolOff: 10 * time.Millisecond})

		b.Do(context.Background(), failing)
		time.Sleep(20 * time.Millisecond)

		assert.ErrorIs(t, b.Do(context.Background(), failing), errDown)
		assert.Equal(t, StateOpen, b.State())
	})

	t.Run("should reset on demand", func(t *testing.T) {
		b := NewBreaker(Config{Name: "test", MaxFailures: 1, CoolOff: time.Minute})

		b.Do(context.Background(), failing)
		assert.Equal(t, StateOpen, b.State())

		b.Reset()
		assert.Equal(t, StateClosed, b.State())
	})
}

func TestBreakerCountable(t *testing.T) {
	t.Run("should ignore errors the filter excludes", func(t *testing.T) {
		businessErr := errors.New("insufficient funds")
		b := NewBreaker(Config{
			Name:        "test",
			MaxFailures: 1,
			CoolOff:     time.Minute,
			Countable:   func(err error) bool { return !errors.Is(err, businessErr) },
		})

		for i := 0; i < 5; i++ {
			b.Do(context.Background(), func(context.Context) error { return businessErr })
		}
		assert.Equal(t, StateClosed, b.State())

		b.Do(context.Background(), failing)
		assert.Equal(t, StateOpen, b.State())
	})
}
