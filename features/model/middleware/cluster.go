package middleware

import (
	"context"
	"strconv"
	"time"

	"goa.design/pulse/rmap"
)

// sharedMap is the subset of rmap.Map used to share a budget across
// processes.
type sharedMap interface {
	Get(key string) (string, bool)
	SetIfNotExists(ctx context.Context, key, value string) (bool, error)
	TestAndSet(ctx context.Context, key, test, value string) (string, error)
	Subscribe() <-chan rmap.EventKind
}

// NewClusterLimiter returns a Limiter whose budget is shared through the Pulse
// replicated map m under key. Local adjustments are published with
// compare-and-swap and remote changes are applied as they arrive until ctx is
// done. A nil map or empty key yields a process-local limiter.
func NewClusterLimiter(ctx context.Context, m *rmap.Map, key string, opts ...Option) *Limiter {
	if m == nil {
		return NewLimiter(opts...)
	}
	return newSharedLimiter(ctx, m, key, opts...)
}

func newSharedLimiter(ctx context.Context, m sharedMap, key string, opts ...Option) *Limiter {
	l := NewLimiter(opts...)
	if key == "" {
		return l
	}
	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, formatTPM(l.TPM())); err != nil {
			l.logger.Warn(ctx, "shared rate budget unavailable, using local limiter", "key", key, "err", err)
			return l
		}
	}
	if v, ok := readTPM(m, key); ok {
		l.set(v)
	}

	floor, ceiling, step := l.floor, l.ceiling, l.recovery
	l.onChange = func(decreased bool, _ float64) {
		if decreased {
			go publish(m, key, func(cur float64) float64 { return max(cur*0.5, floor) })
			return
		}
		go publish(m, key, func(cur float64) float64 { return min(cur+step, ceiling) })
	}

	events := m.Subscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-events:
				if !ok {
					return
				}
				if v, ok := readTPM(m, key); ok {
					l.set(v)
				}
			}
		}
	}()
	return l
}

// publish applies next to the shared value with a bounded number of
// compare-and-swap attempts.
func publish(m sharedMap, key string, next func(float64) float64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for range 3 {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		want := formatTPM(next(cur))
		if want == curStr {
			return
		}
		prev, err := m.TestAndSet(ctx, key, curStr, want)
		if err != nil || prev == curStr {
			return
		}
	}
}

func readTPM(m sharedMap, key string) (float64, bool) {
	s, ok := m.Get(key)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func formatTPM(v float64) string {
	return strconv.Itoa(int(v))
}
