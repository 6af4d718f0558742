package listener

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestDispatchRunsHandlersInRegistrationOrder(t *testing.T) {
	var order []string
	named := func(name string) Handler {
		return HandlerFunc(func(ctx context.Context, msg *Message, h *Handle) error {
			order = append(order, name)
			return nil
		})
	}

	d := NewDispatcher(discardLogger())
	d.Register(named("first"))
	d.Register(named("second"))
	d.Register(named("third"))
	assert.Equal(t, 3, d.Len())

	d.Dispatch(context.Background(), &Message{Reference: Reference{SeqNum: 1}}, nil)
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestDispatchIsolatesHandlerFailures(t *testing.T) {
	var ran []string
	stats := NewStats()

	d := NewDispatcher(discardLogger(), WithDispatcherStats(stats))
	d.Register(HandlerFunc(func(ctx context.Context, msg *Message, h *Handle) error {
		ran = append(ran, "failing")
		return errors.New("boom")
	}))
	d.Register(HandlerFunc(func(ctx context.Context, msg *Message, h *Handle) error {
		ran = append(ran, "healthy")
		return nil
	}))

	d.Dispatch(context.Background(), &Message{Reference: Reference{SeqNum: 4}}, nil)

	assert.Equal(t, []string{"failing", "healthy"}, ran)
	assert.Equal(t, uint64(1), stats.Snapshot().HandlerFailures)
}

func TestDispatchRecoversHandlerPanics(t *testing.T) {
	var ran []string
	stats := NewStats()

	d := NewDispatcher(discardLogger(), WithDispatcherStats(stats))
	d.Register(HandlerFunc(func(ctx context.Context, msg *Message, h *Handle) error {
		ran = append(ran, "panicking")
		panic("handler bug")
	}))
	d.Register(HandlerFunc(func(ctx context.Context, msg *Message, h *Handle) error {
		ran = append(ran, "healthy")
		return nil
	}))

	assert.NotPanics(t, func() {
		d.Dispatch(context.Background(), &Message{Reference: Reference{SeqNum: 9}}, nil)
	})
	assert.Equal(t, []string{"panicking", "healthy"}, ran)
	assert.Equal(t, uint64(1), stats.Snapshot().HandlerFailures)
}

func TestDispatchConcurrentRunsAllHandlers(t *testing.T) {
	var mu sync.Mutex
	var ran []string

	d := NewDispatcher(discardLogger(), WithConcurrentHandlers())
	for _, name := range []string{"a", "b", "c"} {
		name := name
		d.Register(HandlerFunc(func(ctx context.Context, msg *Message, h *Handle) error {
			mu.Lock()
			ran = append(ran, name)
			mu.Unlock()
			return nil
		}))
	}

	// Dispatch blocks until every handler finished, concurrent or not.
	d.Dispatch(context.Background(), &Message{Reference: Reference{SeqNum: 2}}, nil)

	sort.Strings(ran)
	assert.Equal(t, []string{"a", "b", "c"}, ran)
}

func TestDispatchWithNoHandlersIsANoOp(t *testing.T) {
	d := NewDispatcher(discardLogger())
	assert.NotPanics(t, func() {
		d.Dispatch(context.Background(), &Message{Reference: Reference{SeqNum: 1}}, nil)
	})
}
