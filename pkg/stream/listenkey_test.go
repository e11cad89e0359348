package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeListenKeyAPI struct {
	mu sync.Mutex

	key          string
	startErr     error
	keepaliveErr error

	startCalls     int
	keepaliveCalls int
	closedKeys     []string
}

func (f *fakeListenKeyAPI) StartUserDataStream(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if f.startErr != nil {
		return "", f.startErr
	}
	return f.key, nil
}

func (f *fakeListenKeyAPI) KeepaliveUserDataStream(ctx context.Context, listenKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepaliveCalls++
	return f.keepaliveErr
}

func (f *fakeListenKeyAPI) CloseUserDataStream(ctx context.Context, listenKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedKeys = append(f.closedKeys, listenKey)
	return nil
}

func (f *fakeListenKeyAPI) keepalives() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keepaliveCalls
}

func TestListenKeyStartAndRenew(t *testing.T) {
	api := &fakeListenKeyAPI{key: "pqia91ma19a5s61cv6a81va65sdf19v8a65a1a5s61cv6a81va65sdf19v8a65a1"}

	k := NewListenKeyKeepAlive(api)
	k.RenewInterval = 20 * time.Millisecond

	key, invalidC, err := k.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, api.key, key)
	assert.Equal(t, api.key, k.Current())

	require.Eventually(t, func() bool { return api.keepalives() >= 2 }, 5*time.Second, 10*time.Millisecond)

	select {
	case <-invalidC:
		t.Fatal("healthy key must not be invalidated")
	default:
	}

	k.Stop()
	assert.Empty(t, k.Current())

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.closedKeys, 1)
	assert.Equal(t, api.key, api.closedKeys[0])
}

// The teardown signal fires after exactly three consecutive renewal
// failures, never fewer, and the dead key is not renewed again.
func TestListenKeyInvalidatedAfterThreeFailures(t *testing.T) {
	api := &fakeListenKeyAPI{
		key:          "dead-key-000000000000",
		keepaliveErr: errors.New("listen key does not exist"),
	}

	k := NewListenKeyKeepAlive(api)
	k.RenewInterval = 20 * time.Millisecond

	_, invalidC, err := k.Start(context.Background())
	require.NoError(t, err)

	select {
	case <-invalidC:
	case <-time.After(15 * time.Second):
		t.Fatal("invalidation signal never fired")
	}

	assert.Equal(t, 3, api.keepalives(), "one failure plus two retries")
	assert.Empty(t, k.Current())

	// the loop has stopped; no further renewals of the dead key
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, api.keepalives())
}

func TestListenKeyStartFailure(t *testing.T) {
	api := &fakeListenKeyAPI{startErr: errors.New("service unavailable")}

	k := NewListenKeyKeepAlive(api)
	_, _, err := k.Start(context.Background())
	assert.Error(t, err)
	assert.Empty(t, k.Current())
}

func TestListenKeyStopWithoutKeyIsNoop(t *testing.T) {
	api := &fakeListenKeyAPI{}
	k := NewListenKeyKeepAlive(api)
	k.Stop()

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Empty(t, api.closedKeys)
}
