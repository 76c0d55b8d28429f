// Package msgq implements the in-process message fabric that glues the
// eNodeB's protocol layers together: named bounded FIFOs carrying tagged
// messages, one consumer goroutine per queue, dispatch to a per-type
// handler, and a KILL sentinel for shutdown.
//
// Grounded on the original LTE_fdd_enb_msgq (a boost::circular_buffer
// guarded by two semaphores, one consumer thread per queue dispatching
// through a callback) — reimplemented with a buffered Go channel per
// queue and a handler-table dispatch, which is the idiomatic equivalent
// of the semaphore/circular-buffer/callback trio.
package msgq

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// MessageType identifies the payload carried by a Message, mirroring
// LTE_FDD_ENB_MESSAGE_TYPE_ENUM.
type MessageType uint8

const (
	Kill MessageType = iota

	// MAC -> PHY
	PhySchedule

	// PHY -> MAC
	ReadyToSend
	PrachDecode
	PucchDecode
	PuschDecode

	// RLC -> MAC
	MacSduReady
	// MAC -> RLC
	RlcPduReady
	// MAC -> Timer Manager
	TimerTick

	// PDCP -> RLC
	RlcSduReady
	// RLC -> PDCP
	PdcpPduReady
	// RRC -> PDCP
	PdcpSduReady
	// PDCP -> RRC
	RrcPduReady

	// MME -> RRC
	RrcNasMsgReady
	RrcCmdReady
	// RRC -> MME
	MmeNasMsgReady
	MmeRrcCmdResp

	// GW -> PDCP
	PdcpDataSduReady
	// PDCP -> GW
	GwDataReady
)

var typeText = [...]string{
	"Kill", "PHY schedule", "Ready to send", "PRACH decode", "PUCCH decode",
	"PUSCH decode", "MAC sdu ready", "RLC pdu ready", "Timer tick",
	"RLC sdu ready", "PDCP pdu ready", "PDCP sdu ready", "RRC pdu ready",
	"RRC NAS message ready", "RRC command ready", "MME NAS message ready",
	"MME RRC command response", "PDCP data sdu ready", "GW data ready",
}

func (t MessageType) String() string {
	if int(t) < len(typeText) {
		return typeText[t]
	}
	return "unknown"
}

// Layer identifies the destination consumer of a Message, mirroring
// LTE_FDD_ENB_DEST_LAYER_ENUM.
type Layer uint8

const (
	LayerPHY Layer = iota
	LayerMAC
	LayerRLC
	LayerPDCP
	LayerRRC
	LayerMME
	LayerGW
	LayerTimerMgr
	LayerAny
)

var layerText = [...]string{"PHY", "MAC", "RLC", "PDCP", "RRC", "MME", "GW", "TIMER_MGR", "ANY"}

func (l Layer) String() string {
	if int(l) < len(layerText) {
		return layerText[l]
	}
	return "unknown"
}

// DefaultCapacity is the per-queue bound before overflow starts dropping
// messages, matching the original's 100-entry circular buffer.
const DefaultCapacity = 100

// Message is a tagged union: Type and Dest select how Payload should be
// interpreted by the consuming layer's handler table.
type Message struct {
	Type    MessageType
	Dest    Layer
	Payload any
}

// Handler processes one message of a given type.
type Handler func(Message)

// Fabric is the process-wide registry of named queues. Producers call
// Send with a destination Layer; the fabric forwards the message to
// whichever Queue is registered as that layer's consumer. This is the
// "simple pipeline plumbing without direct cross-references" the design
// calls for: a producer never holds a reference to the consumer queue.
type Fabric struct {
	mu     sync.RWMutex
	queues map[Layer]*Queue
	logger *zap.Logger
}

// NewFabric creates an empty message fabric.
func NewFabric(logger *zap.Logger) *Fabric {
	return &Fabric{
		queues: make(map[Layer]*Queue),
		logger: logger,
	}
}

// NewQueue creates and registers the queue owned by layer, with the given
// capacity. elevated marks the queue as wanting elevated scheduling
// priority; on the PHY->MAC path the original pins this to SCHED_FIFO.
// Go has no portable equivalent, so elevated is only recorded on the
// queue and does not change how its consumer is scheduled (see SPEC_FULL.md §5 and DESIGN.md for the stdlib-justification entry).
func (f *Fabric) NewQueue(layer Layer, capacity int, elevated bool) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &Queue{
		layer:    layer,
		ch:       make(chan Message, capacity),
		handlers: make(map[MessageType]Handler),
		elevated: elevated,
		fabric:   f,
		logger:   logger(f, layer),
	}
	f.mu.Lock()
	f.queues[layer] = q
	f.mu.Unlock()
	return q
}

func logger(f *Fabric, layer Layer) *zap.Logger {
	if f.logger == nil {
		return zap.NewNop()
	}
	return f.logger.With(zap.String("layer", layer.String()))
}

// Send routes msg to the queue registered for msg.Dest. If no such queue
// is registered, or the queue is full, the message is dropped and a
// warning logged — the fabric never blocks a producer.
func (f *Fabric) Send(msg Message) {
	f.mu.RLock()
	q, ok := f.queues[msg.Dest]
	f.mu.RUnlock()
	if !ok {
		f.logger.Warn("no queue registered for destination layer",
			zap.String("dest", msg.Dest.String()),
			zap.String("type", msg.Type.String()))
		return
	}
	select {
	case q.ch <- msg:
	default:
		f.logger.Warn("queue full, dropping message",
			zap.String("dest", msg.Dest.String()),
			zap.String("type", msg.Type.String()))
	}
}

// Broadcast sends msg to every registered queue except skip (use LayerAny
// as msg.Dest so handlers see the original destination marker).
func (f *Fabric) Broadcast(msg Message, skip Layer) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for l, q := range f.queues {
		if l == skip {
			continue
		}
		select {
		case q.ch <- msg:
		default:
			f.logger.Warn("queue full during broadcast, dropping message", zap.String("dest", l.String()))
		}
	}
}

// KillAll enqueues a Kill message on every registered queue, unblocking
// and terminating every consumer started with Run.
func (f *Fabric) KillAll() {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, q := range f.queues {
		q.ch <- Message{Type: Kill, Dest: q.layer}
	}
}

// Queue is one named, bounded FIFO with a single consumer goroutine.
type Queue struct {
	layer    Layer
	ch       chan Message
	handlers map[MessageType]Handler
	elevated bool
	fabric   *Fabric
	logger   *zap.Logger
	mu       sync.RWMutex
}

// Attach registers the handler invoked for every message of the given
// type received by this queue's consumer.
func (q *Queue) Attach(t MessageType, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[t] = h
}

// Layer returns the destination layer this queue is the consumer for.
func (q *Queue) Layer() Layer { return q.layer }

// Send enqueues msg directly onto this queue (used by a layer's own
// internal timer/command paths that don't need fabric-wide routing).
func (q *Queue) Send(msg Message) {
	select {
	case q.ch <- msg:
	default:
		q.logger.Warn("queue full, dropping message", zap.String("type", msg.Type.String()))
	}
}

// Run starts the consumer loop. It blocks until a Kill message is
// received or ctx is cancelled, dispatching every other message to its
// registered handler. Messages whose Dest doesn't match this queue's
// layer are forwarded back through the fabric to the correct consumer —
// this happens when a handler enqueues onto the wrong queue by mistake,
// and keeps the pipeline self-healing rather than silently wedged.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-q.ch:
			if msg.Type == Kill {
				return
			}
			if msg.Dest != q.layer && msg.Dest != LayerAny && q.fabric != nil {
				q.fabric.Send(msg)
				continue
			}
			q.mu.RLock()
			h, ok := q.handlers[msg.Type]
			q.mu.RUnlock()
			if !ok {
				q.logger.Debug("no handler for message type", zap.String("type", msg.Type.String()))
				continue
			}
			h(msg)
		}
	}
}
