package stream

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/quantbase/binancex/pkg/metrics"
)

// The venue invalidates a listen key 60 minutes after issue; renewing every
// 30 minutes keeps a healthy margin.
const (
	listenKeyRenewInterval = 30 * time.Minute

	// renewRetries is the number of immediate retries after a failed
	// renewal. One failure plus two retries makes three consecutive
	// failures, after which the key is considered dead.
	renewRetries = 2
)

// ListenKeyAPI is the slice of the REST surface the keep-alive needs.
// *binanceapi.Executor satisfies it.
type ListenKeyAPI interface {
	StartUserDataStream(ctx context.Context) (string, error)
	KeepaliveUserDataStream(ctx context.Context, listenKey string) error
	CloseUserDataStream(ctx context.Context, listenKey string) error
}

// ListenKeyKeepAlive owns the private-channel authorization token: it
// acquires the key, renews it on a timer, and releases it on stop. When three
// consecutive renewals fail it stops renewing the dead key and signals the
// owning Manager to tear the private session down and start over.
type ListenKeyKeepAlive struct {
	api ListenKeyAPI

	// RenewInterval is shortened in tests.
	RenewInterval time.Duration

	mu       sync.Mutex
	key      string
	cancel   context.CancelFunc
	invalidC chan struct{}
}

func NewListenKeyKeepAlive(api ListenKeyAPI) *ListenKeyKeepAlive {
	return &ListenKeyKeepAlive{
		api:           api,
		RenewInterval: listenKeyRenewInterval,
	}
}

// Start acquires a fresh key and launches the renewal loop. The returned
// channel fires (closes) if the key is invalidated by repeated renewal
// failures.
func (k *ListenKeyKeepAlive) Start(ctx context.Context) (string, <-chan struct{}, error) {
	key, err := k.api.StartUserDataStream(ctx)
	if err != nil {
		return "", nil, errors.Wrap(err, "acquire listen key")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	invalidC := make(chan struct{})

	k.mu.Lock()
	if k.cancel != nil {
		k.cancel()
	}
	k.key = key
	k.cancel = cancel
	k.invalidC = invalidC
	k.mu.Unlock()

	log.Debugf("listen key acquired: %s", maskKey(key))
	go k.renewLoop(loopCtx, key, invalidC)

	return key, invalidC, nil
}

// Current returns the live key, or empty when none is held.
func (k *ListenKeyKeepAlive) Current() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.key
}

// Stop cancels the renewal loop and invalidates the key at the venue. No-op
// when no key is held.
func (k *ListenKeyKeepAlive) Stop() {
	k.mu.Lock()
	key := k.key
	cancel := k.cancel
	k.key = ""
	k.cancel = nil
	k.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if key == "" {
		return
	}

	// the owning stream may already be shutting down; release with a fresh
	// context so the venue-side invalidation still goes out
	ctx, cancelRelease := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelRelease()

	if err := k.api.CloseUserDataStream(ctx, key); err != nil {
		log.WithError(err).Errorf("close listen key error, key: %s", maskKey(key))
	}
}

func (k *ListenKeyKeepAlive) renewLoop(ctx context.Context, key string, invalidC chan struct{}) {
	ticker := time.NewTicker(k.RenewInterval)
	defer ticker.Stop()

	log.Debugf("listen key renewal worker started, interval %s, key %s", k.RenewInterval, maskKey(key))

	for {
		select {
		case <-ctx.Done():
			log.Debugf("listen key renewal worker stopped")
			return

		case <-ticker.C:
			if err := k.renewOnce(ctx, key); err != nil {
				if ctx.Err() != nil {
					return
				}

				// three consecutive failures: the key is gone, do not keep
				// renewing it indefinitely
				metrics.ListenKeyRenewals.WithLabelValues("invalidated").Inc()
				log.WithError(err).Errorf("listen key renewal failed %d times, signaling session restart, key: %s",
					renewRetries+1, maskKey(key))

				k.mu.Lock()
				if k.key == key {
					k.key = ""
				}
				k.mu.Unlock()

				close(invalidC)
				return
			}

			metrics.ListenKeyRenewals.WithLabelValues("ok").Inc()
			log.Debugf("listen key renewed: %s", maskKey(key))
		}
	}
}

// renewOnce attempts a renewal with up to renewRetries immediate retries on
// short backoff.
func (k *ListenKeyKeepAlive) renewOnce(ctx context.Context, key string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	return backoff.Retry(func() error {
		err := k.api.KeepaliveUserDataStream(ctx, key)
		if err != nil {
			metrics.ListenKeyRenewals.WithLabelValues("failed").Inc()
			log.WithError(err).Warnf("listen key renewal attempt failed, key: %s", maskKey(key))
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, renewRetries), ctx))
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}
