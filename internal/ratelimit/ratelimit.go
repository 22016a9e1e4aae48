package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Lock paces requests to a remote service.
type Lock interface {
	// Lock blocks until the caller may send a request and returns the
	// function to call once the request is done.
	Lock(ctx context.Context) (func(), error)
}

type lock struct {
	ch       chan struct{}
	duration time.Duration
	jitter   float64
	rnd      *rand.Rand
	rndLck   sync.Mutex
}

// New creates a lock that keeps at least d between consecutive requests,
// randomized by ±15%. A zero or negative duration disables pacing.
func New(d time.Duration) Lock {
	if d <= 0 {
		return nop{}
	}
	return &lock{
		ch:       make(chan struct{}, 1),
		duration: d,
		jitter:   0.15,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (l *lock) Lock(ctx context.Context) (func(), error) {
	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	d := l.wait()
	return func() {
		go func() {
			defer func() { <-l.ch }()
			select {
			case <-ctx.Done():
			case <-time.After(d):
			}
		}()
	}, nil
}

func (l *lock) wait() time.Duration {
	l.rndLck.Lock()
	defer l.rndLck.Unlock()
	factor := 1 - l.jitter + l.rnd.Float64()*2*l.jitter
	return time.Duration(float64(l.duration) * factor)
}

type nop struct{}

func (nop) Lock(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return func() {}, nil
}
