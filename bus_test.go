package caravel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capturePipe records consume contexts delivered by the bus, which
// delivers asynchronously.
type capturePipe struct {
	mu   sync.Mutex
	seen []ConsumeContext
	fail error
}

func (p *capturePipe) Send(cc ConsumeContext) error {
	p.mu.Lock()
	p.seen = append(p.seen, cc)
	p.mu.Unlock()
	return p.fail
}

func (p *capturePipe) Probe(pc *ProbeContext) {
	pc.Add("pipe", "capture")
}

func (p *capturePipe) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

func (p *capturePipe) last() ConsumeContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seen[len(p.seen)-1]
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	require.Eventually(t, condition, 2*time.Second, 5*time.Millisecond)
}

func stopBus(t *testing.T, b *Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Stop(ctx))
}

func TestBus_PublishAndSend(t *testing.T) {
	t.Run("routes by message type", func(t *testing.T) {
		bus := NewBus()
		defer stopBus(t, bus)

		pipe := &capturePipe{}
		bus.Handle("orderSubmitted", pipe)

		id := uuid.New()
		require.NoError(t, bus.Publish(context.Background(), &orderSubmitted{OrderID: "order-1"},
			WithCorrelationID(id)))

		waitFor(t, func() bool { return pipe.count() == 1 })

		cc := pipe.last()
		assert.Equal(t, "orderSubmitted", cc.MessageType())
		assert.Equal(t, id, cc.CorrelationID())
		assert.Equal(t, "order-1", cc.Message().(*orderSubmitted).OrderID)
	})

	t.Run("all handlers of a type receive the message", func(t *testing.T) {
		bus := NewBus()
		defer stopBus(t, bus)

		first := &capturePipe{}
		second := &capturePipe{}
		bus.Handle("orderSubmitted", first)
		bus.Handle("orderSubmitted", second)

		require.NoError(t, bus.Publish(context.Background(), &orderSubmitted{}))

		waitFor(t, func() bool { return first.count() == 1 && second.count() == 1 })
	})

	t.Run("no handlers is not an error", func(t *testing.T) {
		bus := NewBus()
		defer stopBus(t, bus)

		assert.NoError(t, bus.Publish(context.Background(), &orderSubmitted{}))
	})

	t.Run("rejects messages with no derivable type", func(t *testing.T) {
		bus := NewBus()
		defer stopBus(t, bus)

		err := bus.Publish(context.Background(), map[string]string{"k": "v"})
		assert.Error(t, err)
	})

	t.Run("send records the destination for diagnostics only", func(t *testing.T) {
		bus := NewBus()
		defer stopBus(t, bus)

		pipe := &capturePipe{}
		bus.Handle("orderSubmitted", pipe)

		require.NoError(t, bus.Send(context.Background(), "orders", &orderSubmitted{}))

		waitFor(t, func() bool { return pipe.count() == 1 })
	})
}

func TestBus_Concurrency(t *testing.T) {
	bus := NewBus(WithConcurrency(2))
	defer stopBus(t, bus)

	var inFlight, maxInFlight atomic.Int32
	release := make(chan struct{})

	bus.Handle("orderSubmitted", PipeFunc(func(cc ConsumeContext) error {
		n := inFlight.Add(1)
		for {
			max := maxInFlight.Load()
			if n <= max || maxInFlight.CompareAndSwap(max, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return nil
	}))

	for i := 0; i < 8; i++ {
		require.NoError(t, bus.Publish(context.Background(), &orderSubmitted{}))
	}

	waitFor(t, func() bool { return inFlight.Load() == 2 })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), maxInFlight.Load())

	close(release)
}

func TestBus_Stop(t *testing.T) {
	t.Run("rejects messages after stop", func(t *testing.T) {
		bus := NewBus()
		stopBus(t, bus)

		err := bus.Publish(context.Background(), &orderSubmitted{})
		assert.ErrorIs(t, err, ErrBusStopped)
	})

	t.Run("waits for in-flight deliveries", func(t *testing.T) {
		bus := NewBus()

		var finished atomic.Bool
		started := make(chan struct{})
		bus.Handle("orderSubmitted", PipeFunc(func(cc ConsumeContext) error {
			close(started)
			time.Sleep(50 * time.Millisecond)
			finished.Store(true)
			return nil
		}))

		require.NoError(t, bus.Publish(context.Background(), &orderSubmitted{}))
		<-started

		stopBus(t, bus)
		assert.True(t, finished.Load())
	})

	t.Run("honors the context deadline", func(t *testing.T) {
		bus := NewBus()

		block := make(chan struct{})
		defer close(block)
		started := make(chan struct{})
		bus.Handle("orderSubmitted", PipeFunc(func(cc ConsumeContext) error {
			close(started)
			<-block
			return nil
		}))

		require.NoError(t, bus.Publish(context.Background(), &orderSubmitted{}))
		<-started

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, bus.Stop(ctx), context.DeadlineExceeded)
	})

	t.Run("stop twice is a no-op", func(t *testing.T) {
		bus := NewBus()
		stopBus(t, bus)
		stopBus(t, bus)
	})
}

func TestBus_Faults(t *testing.T) {
	t.Run("failed delivery sends a fault to the response address", func(t *testing.T) {
		bus := NewBus(WithBusLogger(&testLogger{}))
		defer stopBus(t, bus)

		correlation := uuid.New()
		request := uuid.New()

		faults := &capturePipe{}
		bus.Handle(FaultMessageType("orderSubmitted"), faults)
		bus.Handle("orderSubmitted", &capturePipe{fail: errors.New("boom")})

		require.NoError(t, bus.Publish(context.Background(), &orderSubmitted{},
			WithCorrelationID(correlation),
			WithRequestID(request),
			WithResponseAddress("caller")))

		waitFor(t, func() bool { return faults.count() == 1 })

		cc := faults.last()
		fault, ok := cc.Message().(Fault)
		require.True(t, ok)
		assert.Equal(t, "orderSubmitted", fault.FaultedType)
		assert.Equal(t, "boom", fault.Reason)
		assert.Equal(t, correlation, cc.Headers().CorrelationID)
		assert.Equal(t, request, cc.Headers().RequestID)
	})

	t.Run("failure without response address is only logged", func(t *testing.T) {
		logger := &testLogger{}
		bus := NewBus(WithBusLogger(logger))
		defer stopBus(t, bus)

		pipe := &capturePipe{fail: errors.New("boom")}
		bus.Handle("orderSubmitted", pipe)

		require.NoError(t, bus.Publish(context.Background(), &orderSubmitted{}))

		waitFor(t, func() bool { return pipe.count() == 1 })
		waitFor(t, func() bool { return logger.errorCount() > 0 })
	})
}

func TestBusConsumeContext_Respond(t *testing.T) {
	t.Run("echoes correlation and request ids", func(t *testing.T) {
		bus := NewBus()
		defer stopBus(t, bus)

		correlation := uuid.New()
		request := uuid.New()

		responses := &capturePipe{}
		bus.Handle("orderAccepted", responses)
		bus.Handle("orderSubmitted", PipeFunc(func(cc ConsumeContext) error {
			return cc.Respond(cc.Context(), &orderAccepted{})
		}))

		require.NoError(t, bus.Publish(context.Background(), &orderSubmitted{},
			WithCorrelationID(correlation),
			WithRequestID(request),
			WithResponseAddress("caller")))

		waitFor(t, func() bool { return responses.count() == 1 })

		headers := responses.last().Headers()
		assert.Equal(t, correlation, headers.CorrelationID)
		assert.Equal(t, request, headers.RequestID)
	})

	t.Run("errors without a response address", func(t *testing.T) {
		bus := NewBus()
		defer stopBus(t, bus)

		result := make(chan error, 1)
		bus.Handle("orderSubmitted", PipeFunc(func(cc ConsumeContext) error {
			result <- cc.Respond(cc.Context(), &orderAccepted{})
			return nil
		}))

		require.NoError(t, bus.Publish(context.Background(), &orderSubmitted{}))

		select {
		case err := <-result:
			assert.Error(t, err)
		case <-time.After(time.Second):
			t.Fatal("handler did not run")
		}
	})
}

func TestBus_Probe(t *testing.T) {
	bus := NewBus(WithConcurrency(4))
	defer stopBus(t, bus)
	bus.Handle("orderSubmitted", &capturePipe{})

	pc := NewProbeContext()
	bus.Probe(pc)

	section, ok := pc.Result()["bus"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 4, section["concurrency"])
	assert.Contains(t, section["messageTypes"], "orderSubmitted")
}
