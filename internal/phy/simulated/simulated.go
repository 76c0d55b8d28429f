// Package simulated implements internal/phy.PHY as an in-process
// subframe ticker, letting tests and cmd/enodeb's demo mode drive MAC
// end-to-end without real baseband. Grounded on the teacher's
// nf/upf/internal/dataplane simulated data-plane pattern — a fake
// implementation of an external-collaborator interface driven by a
// local clock rather than hardware.
package simulated

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/your-org/lte-enodeb/internal/phy"
)

// PHY is a software subframe-pacing clock: every TTI it calls
// HandleReadyToSend and (optionally) replays injected PRACH/PUCCH/PUSCH
// events for that tick.
type PHY struct {
	mu      sync.Mutex
	sched   phy.Scheduler
	stop    chan struct{}
	tti     atomic.Uint32
	tickDur time.Duration

	injectPrach chan phy.PrachEvent
	injectPucch chan phy.PucchEvent
	injectPusch chan phy.PuschEvent

	lastSchedule phy.Schedule
}

// New creates a simulated PHY ticking every tickDur (1ms by default).
func New(tickDur time.Duration) *PHY {
	if tickDur <= 0 {
		tickDur = time.Millisecond
	}
	return &PHY{
		stop:        make(chan struct{}),
		tickDur:     tickDur,
		injectPrach: make(chan phy.PrachEvent, 16),
		injectPucch: make(chan phy.PucchEvent, 16),
		injectPusch: make(chan phy.PuschEvent, 16),
	}
}

// Start begins the subframe clock against sched.
func (p *PHY) Start(sched phy.Scheduler) error {
	p.mu.Lock()
	p.sched = sched
	p.mu.Unlock()

	go p.run()
	return nil
}

// Stop halts the subframe clock.
func (p *PHY) Stop() {
	close(p.stop)
}

// InjectPrach queues a PRACH decode event to be delivered on the next tick.
func (p *PHY) InjectPrach(e phy.PrachEvent) { p.injectPrach <- e }

// InjectPucch queues a PUCCH decode event.
func (p *PHY) InjectPucch(e phy.PucchEvent) { p.injectPucch <- e }

// InjectPusch queues a PUSCH decode event.
func (p *PHY) InjectPusch(e phy.PuschEvent) { p.injectPusch <- e }

// LastSchedule returns the most recent schedule MAC produced, for tests.
func (p *PHY) LastSchedule() phy.Schedule {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSchedule
}

func (p *PHY) run() {
	ticker := time.NewTicker(p.tickDur)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			tti := p.tti.Add(1)

			for drained := false; !drained; {
				select {
				case e := <-p.injectPrach:
					p.sched.HandlePrachDecode(e)
				case e := <-p.injectPucch:
					p.sched.HandlePucchDecode(e)
				case e := <-p.injectPusch:
					p.sched.HandlePuschDecode(e)
				default:
					drained = true
				}
			}

			rts := phy.ReadyToSend{DLTTI: tti + 2, ULTTI: tti + 4}
			sched := p.sched.HandleReadyToSend(rts)
			p.mu.Lock()
			p.lastSchedule = sched
			p.mu.Unlock()
		}
	}
}
