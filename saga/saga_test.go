package saga

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/messaging"
	"github.com/glimte/mmate-bus/transports/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type order struct {
	Items   int  `json:"items"`
	Shipped bool `json:"shipped"`
}

func load(t *testing.T, store Store, key string) order {
	t.Helper()
	doc, err := store.Get(context.Background(), key)
	require.NoError(t, err)

	var o order
	require.NoError(t, json.Unmarshal(doc.Data, &o))
	return o
}

// racingStore saves a competing write between Get and Save once
type racingStore struct {
	*MemoryStore
	raced bool
}

func (s *racingStore) Save(ctx context.Context, doc Document) (string, error) {
	if !s.raced {
		s.raced = true
		current, err := s.MemoryStore.Get(ctx, doc.Key)
		if err == nil {
			_, _ = s.MemoryStore.Save(ctx, current)
		}
	}
	return s.MemoryStore.Save(ctx, doc)
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	key := Key("order", "42")

	t.Run("starts from zero state and saves", func(t *testing.T) {
		store := NewMemoryStore()

		err := Run(ctx, store, key, func(ctx context.Context, o *order) error {
			assert.Equal(t, order{}, *o)
			o.Items = 1
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, order{Items: 1}, load(t, store, key))
	})

	t.Run("updates existing state", func(t *testing.T) {
		store := NewMemoryStore()
		for range 3 {
			require.NoError(t, Run(ctx, store, key, func(ctx context.Context, o *order) error {
				o.Items++
				return nil
			}))
		}
		assert.Equal(t, 3, load(t, store, key).Items)
	})

	t.Run("discards state when fn fails", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, Run(ctx, store, key, func(ctx context.Context, o *order) error {
			o.Items = 1
			return nil
		}))

		boom := errors.New("boom")
		err := Run(ctx, store, key, func(ctx context.Context, o *order) error {
			o.Items = 99
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, load(t, store, key).Items)
	})

	t.Run("ErrCompleted removes the state", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, Run(ctx, store, key, func(ctx context.Context, o *order) error {
			o.Items = 1
			return nil
		}))

		require.NoError(t, Run(ctx, store, key, func(ctx context.Context, o *order) error {
			return ErrCompleted
		}))
		_, err := store.Get(ctx, key)
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, Run(ctx, store, key, func(ctx context.Context, o *order) error {
			return ErrCompleted
		}))
		assert.Equal(t, 0, store.Len())
	})

	t.Run("detects concurrent writes", func(t *testing.T) {
		store := &racingStore{MemoryStore: NewMemoryStore()}
		_, err := store.MemoryStore.Save(ctx, Document{Key: key, Data: []byte(`{"items":1}`)})
		require.NoError(t, err)

		err = Run(ctx, store, key, func(ctx context.Context, o *order) error {
			o.Items++
			return nil
		})
		assert.ErrorIs(t, err, ErrConcurrencyConflict)
		assert.Equal(t, 1, load(t, store, key).Items)
	})

	t.Run("reports corrupt state", func(t *testing.T) {
		store := NewMemoryStore()
		_, err := store.Save(ctx, Document{Key: key, Data: []byte("not json")})
		require.NoError(t, err)

		err = Run(ctx, store, key, func(ctx context.Context, o *order) error { return nil })
		assert.ErrorContains(t, err, "decode saga state order/42")
	})
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("enforces ETags", func(t *testing.T) {
		store := NewMemoryStore()

		etag, err := store.Save(ctx, Document{Key: "k", Data: []byte("1")})
		require.NoError(t, err)
		assert.NotEmpty(t, etag)

		_, err = store.Save(ctx, Document{Key: "k", Data: []byte("2")})
		assert.ErrorIs(t, err, ErrConcurrencyConflict)

		next, err := store.Save(ctx, Document{Key: "k", Data: []byte("2"), ETag: etag})
		require.NoError(t, err)
		assert.NotEqual(t, etag, next)

		_, err = store.Save(ctx, Document{Key: "k", Data: []byte("3"), ETag: etag})
		assert.ErrorIs(t, err, ErrConcurrencyConflict)

		assert.ErrorIs(t, store.Remove(ctx, "k", etag), ErrConcurrencyConflict)
		require.NoError(t, store.Remove(ctx, "k", next))
		assert.ErrorIs(t, store.Remove(ctx, "k", ""), ErrNotFound)

		_, err = store.Save(ctx, Document{Key: "k", ETag: next})
		assert.ErrorIs(t, err, ErrConcurrencyConflict)
	})

	t.Run("returns copies", func(t *testing.T) {
		store := NewMemoryStore()
		data := []byte("abc")
		_, err := store.Save(ctx, Document{Key: "k", Data: data})
		require.NoError(t, err)
		data[0] = 'x'

		doc, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "abc", string(doc.Data))

		doc.Data[0] = 'y'
		again, _ := store.Get(ctx, "k")
		assert.Equal(t, "abc", string(again.Data))
	})

	t.Run("Key joins type and business key", func(t *testing.T) {
		assert.Equal(t, "order/42", Key("order", "42"))
	})
}

type itemAdded struct {
	OrderID string
}

func (itemAdded) MessageType() string { return "Orders.ItemAdded" }

func TestSubscribe(t *testing.T) {
	newBus := func(t *testing.T) *messaging.Bus {
		tr := memory.NewTransport()
		bus := messaging.NewBus()
		require.NoError(t, bus.RegisterTransport("memory", tr))
		t.Cleanup(func() {
			require.NoError(t, bus.Close(context.Background()))
			require.NoError(t, tr.Close())
		})
		return bus
	}
	orderID := func(env *contracts.Envelope) string {
		if e, ok := env.Payload.(itemAdded); ok {
			return e.OrderID
		}
		return ""
	}

	t.Run("reruns conflicting deliveries", func(t *testing.T) {
		bus := newBus(t)
		store := NewMemoryStore()

		_, err := Subscribe(bus, store, "Orders.*", "order", orderID,
			func(ctx context.Context, hc *messaging.HandlerContext, o *order) error {
				o.Items++
				return nil
			},
			WithConflictRetries(20, time.Millisecond),
		)
		require.NoError(t, err)

		for range 5 {
			require.NoError(t, bus.Publish(context.Background(), itemAdded{OrderID: "42"}))
		}
		require.NoError(t, bus.Publish(context.Background(), itemAdded{OrderID: "7"}))

		assert.Eventually(t, func() bool {
			doc, err := store.Get(context.Background(), Key("order", "42"))
			if err != nil {
				return false
			}
			var o order
			return json.Unmarshal(doc.Data, &o) == nil && o.Items == 5
		}, 2*time.Second, 10*time.Millisecond)
		assert.Eventually(t, func() bool { return store.Len() == 2 }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("missing business key becomes a system error", func(t *testing.T) {
		bus := newBus(t)
		errs := make(chan *contracts.SystemError, 1)
		_, err := bus.Subscribe(contracts.SystemErrorType, messaging.HandleFunc(
			func(ctx context.Context, hc *messaging.HandlerContext, e *contracts.SystemError) error {
				errs <- e
				return nil
			}))
		require.NoError(t, err)

		_, err = Subscribe(bus, NewMemoryStore(), "Orders.*", "order", orderID,
			func(ctx context.Context, hc *messaging.HandlerContext, o *order) error {
				return nil
			})
		require.NoError(t, err)

		require.NoError(t, bus.Publish(context.Background(), itemAdded{}))

		select {
		case e := <-errs:
			assert.Contains(t, e.Description, "no business key in Orders.ItemAdded")
		case <-time.After(2 * time.Second):
			t.Fatal("no system error")
		}
	})
}
