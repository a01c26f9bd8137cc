package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedSleeps struct {
	delays []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

type countingObserver struct {
	calls   map[Kind]int
	retries int
}

func (o *countingObserver) ObserveCall(_ string, k Kind) {
	if o.calls == nil {
		o.calls = map[Kind]int{}
	}
	o.calls[k]++
}

func (o *countingObserver) ObserveRetry(string) { o.retries++ }

func testRetrier(s *recordedSleeps, opts ...Option) *Retrier {
	base := []Option{WithSleep(s.sleep), WithRandom(func() float64 { return 0.5 })}
	return NewRetrier(Policy{
		BaseBackoff: time.Second,
		MaxBackoff:  8 * time.Second,
		MaxAttempts: 6,
	}, append(base, opts...)...)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindOK},
		{"not found", &Error{Kind: KindNotFound}, KindNotFound},
		{"wrapped gone", errors.Join(errors.New("x"), &Error{Kind: KindGone}), KindGone},
		{"rate limited", &Error{Kind: KindRateLimited, Status: 429}, KindRateLimited},
		{"unknown network", errors.New("connection reset by peer"), KindTransient},
		{"canceled", context.Canceled, KindPermanent},
		{"deadline", context.DeadlineExceeded, KindPermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestRetrierSucceedsAfterTransientFailures(t *testing.T) {
	s := &recordedSleeps{}
	obs := &countingObserver{}
	r := testRetrier(s, WithObserver(obs))

	calls := 0
	res := r.Do(context.Background(), "insert", func(context.Context) error {
		calls++
		if calls < 3 {
			return &Error{Kind: KindTransient, Status: 503}
		}
		return nil
	})

	require.True(t, res.OK())
	assert.Equal(t, 3, res.Attempts)
	assert.NoError(t, res.Err)
	// random=0.5 means no jitter: 1s, 2s.
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, s.delays)
	assert.Equal(t, 2, obs.calls[KindTransient])
	assert.Equal(t, 1, obs.calls[KindOK])
	assert.Equal(t, 2, obs.retries)
}

func TestRetrierExhaustsBudget(t *testing.T) {
	s := &recordedSleeps{}
	r := testRetrier(s)

	res := r.Do(context.Background(), "patch", func(context.Context) error {
		return &Error{Kind: KindRateLimited, Status: 429}
	})

	assert.Equal(t, KindRateLimited, res.Kind)
	assert.Equal(t, 6, res.Attempts)
	assert.True(t, errors.Is(res.Err, ErrExhausted))
	var re *Error
	assert.True(t, errors.As(res.Err, &re))
	// Doubling stops at the cap.
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second,
	}, s.delays)
}

func TestRetrierDoesNotRetryTerminalKinds(t *testing.T) {
	for _, k := range []Kind{KindNotFound, KindGone, KindPermanent} {
		t.Run(k.String(), func(t *testing.T) {
			s := &recordedSleeps{}
			r := testRetrier(s)
			calls := 0
			res := r.Do(context.Background(), "delete", func(context.Context) error {
				calls++
				return &Error{Kind: k}
			})
			assert.Equal(t, k, res.Kind)
			assert.Equal(t, 1, calls)
			assert.Empty(t, s.delays)
			assert.False(t, errors.Is(res.Err, ErrExhausted))
		})
	}
}

func TestRetrierHonoursRetryAfter(t *testing.T) {
	s := &recordedSleeps{}
	r := testRetrier(s)
	calls := 0
	r.Do(context.Background(), "list", func(context.Context) error {
		calls++
		if calls == 1 {
			return &Error{Kind: KindRateLimited, RetryAfter: 30 * time.Second}
		}
		return nil
	})
	assert.Equal(t, []time.Duration{30 * time.Second}, s.delays)
}

func TestBackoffJitterBounds(t *testing.T) {
	r := NewRetrier(Policy{BaseBackoff: time.Second, MaxBackoff: time.Minute})

	r.random = func() float64 { return 0 }
	assert.InDelta(t, float64(800*time.Millisecond), float64(r.backoff(1, 0)), float64(time.Microsecond))

	r.random = func() float64 { return 0.999999 }
	assert.InDelta(t, float64(1200*time.Millisecond), float64(r.backoff(1, 0)), float64(time.Millisecond))

	r.random = func() float64 { return 0.5 }
	assert.Equal(t, 4*time.Second, r.backoff(3, 0))
}

func TestRetrierClampsAttempts(t *testing.T) {
	assert.Equal(t, 5, NewRetrier(Policy{MaxAttempts: 1}).Policy().MaxAttempts)
	assert.Equal(t, 8, NewRetrier(Policy{MaxAttempts: 50}).Policy().MaxAttempts)
}

func TestRetrierStopsOnCancelledContext(t *testing.T) {
	r := NewRetrier(Policy{MaxAttempts: 5})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	res := r.Do(ctx, "insert", func(context.Context) error {
		called = true
		return nil
	})
	assert.False(t, called)
	assert.Equal(t, KindPermanent, res.Kind)
	assert.Error(t, res.Err)
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Kind: KindPermanent, Op: "insert", Status: 400, Err: errors.New("bad request")}
	assert.Equal(t, "insert: permanent (400): bad request", err.Error())
}
