package msgq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSendDispatchesToHandler(t *testing.T) {
	f := NewFabric(zap.NewNop())
	q := f.NewQueue(LayerMAC, 4, false)

	got := make(chan Message, 1)
	q.Attach(PrachDecode, func(m Message) { got <- m })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	f.Send(Message{Type: PrachDecode, Dest: LayerMAC, Payload: 42})

	select {
	case m := <-got:
		require.Equal(t, PrachDecode, m.Type)
		require.Equal(t, 42, m.Payload)
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestKillStopsConsumer(t *testing.T) {
	f := NewFabric(zap.NewNop())
	q := f.NewQueue(LayerRLC, 4, false)

	done := make(chan struct{})
	go func() {
		q.Run(context.Background())
		close(done)
	}()

	f.KillAll()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop on KILL")
	}
}

func TestSendDropsOnUnknownDestination(t *testing.T) {
	f := NewFabric(zap.NewNop())
	// No queue registered for LayerGW; Send must not panic or block.
	f.Send(Message{Type: GwDataReady, Dest: LayerGW})
}

func TestQueueOverflowDropsRatherThanBlocks(t *testing.T) {
	f := NewFabric(zap.NewNop())
	q := f.NewQueue(LayerPDCP, 1, false)

	// Fill the queue without a consumer running.
	f.Send(Message{Type: PdcpPduReady, Dest: LayerPDCP})
	// Second send must not block even though the queue is full.
	done := make(chan struct{})
	go func() {
		f.Send(Message{Type: PdcpPduReady, Dest: LayerPDCP})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a full queue")
	}
}
