package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassNone},
		{"inconsistent is poison", &InconsistentStateError{ExecutionID: 1, Sequence: 3, Expected: "a", Actual: "b"}, ClassPoison},
		{"validation", Validation("payload", "missing %s", "amount"), ClassValidation},
		{"wrapped validation", fmt.Errorf("action notify: %w", Validation("", "bad")), ClassValidation},
		{"conflict", Conflict("execution", "1", "terminal"), ClassConflict},
		{"not found", NotFound("execution", "1"), ClassNotFound},
		{"lease expired", LeaseExpired("exec:1"), ClassLeaseExpired},
		{"transient", Transient("redis get", errors.New("EOF")), ClassTransient},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), ClassTransient},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("refused")}, ClassTransient},
		{"unknown", errors.New("boom"), ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassFatal(t *testing.T) {
	assert.True(t, ClassPoison.Fatal())
	assert.True(t, ClassValidation.Fatal())
	assert.False(t, ClassTransient.Fatal())
	assert.Equal(t, "lease_expired", ClassLeaseExpired.String())
}

func TestRetryPolicyDecide(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}

	d := p.Decide(errors.New("timeout"), 1, 0)
	assert.True(t, d.Retry)
	assert.Equal(t, 100*time.Millisecond, d.Delay)

	d = p.Decide(errors.New("timeout"), 2, 0)
	assert.True(t, d.Retry)
	assert.Equal(t, 200*time.Millisecond, d.Delay)

	d = p.Decide(errors.New("timeout"), 3, 0)
	assert.False(t, d.Retry, "attempt cap reached")
	assert.Equal(t, ClassTransient, d.Class)

	d = p.Decide(errors.New("timeout"), 3, 5)
	assert.True(t, d.Retry, "per-action cap overrides the policy")

	d = p.Decide(Validation("amount", "negative"), 1, 0)
	assert.False(t, d.Retry)
	assert.Equal(t, ClassValidation, d.Class)

	d = p.Decide(&InconsistentStateError{}, 1, 0)
	assert.False(t, d.Retry)
	assert.Equal(t, ClassPoison, d.Class)
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{Initial: time.Second, Max: 5 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(10))

	p.Jitter = 0.5
	for i := 0; i < 20; i++ {
		d := p.Delay(2)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 2*time.Second)
	}

	assert.Equal(t, time.Millisecond, RetryPolicy{}.Delay(1))
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "execution not found: 7", NotFound("execution", "7").Error())
	assert.Equal(t, "validation failed: bad", Validation("", "bad").Error())
	assert.Equal(t, "lock lease expired: k", LeaseExpired("k").Error())
	inner := errors.New("EOF")
	assert.ErrorIs(t, Transient("op", inner), inner)
}
