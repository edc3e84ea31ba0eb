package interceptors

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/messaging"
	"github.com/glimte/mmate-bus/transports/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestBus(t *testing.T) *messaging.Bus {
	t.Helper()

	tr := memory.NewTransport()
	bus := messaging.NewBus()
	require.NoError(t, bus.RegisterTransport("memory", tr))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, bus.Close(ctx))
		require.NoError(t, tr.Close())
	})
	return bus
}

func subscribe(t *testing.T, bus *messaging.Bus, filter string, fn messaging.MessageHandlerFunc) {
	t.Helper()
	_, err := bus.Subscribe(filter, fn)
	require.NoError(t, err)
}

func systemErrors(t *testing.T, bus *messaging.Bus) <-chan *contracts.SystemError {
	t.Helper()

	ch := make(chan *contracts.SystemError, 16)
	_, err := bus.Subscribe(contracts.SystemErrorType, messaging.HandleFunc(
		func(ctx context.Context, hc *messaging.HandlerContext, e *contracts.SystemError) error {
			ch <- e
			return nil
		}))
	require.NoError(t, err)
	return ch
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func assertNothing[T any](t *testing.T, ch <-chan T, wait time.Duration) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected value: %v", v)
	case <-time.After(wait):
	}
}

// syncBuffer is written by handler goroutines and read by the test
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
