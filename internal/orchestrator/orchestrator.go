// Package orchestrator wires the Price Monitor, Opportunity Detector, and
// Execution Engine together over the event bus, owns the component
// lifecycle, and implements the shutdown-drain contract from spec.md §5.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ChoSanghyuk/arbengine/internal/detector"
	"github.com/ChoSanghyuk/arbengine/internal/engine"
	"github.com/ChoSanghyuk/arbengine/internal/eventbus"
	"github.com/ChoSanghyuk/arbengine/internal/monitor"
	"github.com/ChoSanghyuk/arbengine/internal/store"
	"github.com/ChoSanghyuk/arbengine/pkg/logger"
	"go.uber.org/zap"
)

// Phase is the engine's observational lifecycle state, published on
// eventbus.TopicStatus. It changes no execution semantics.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseWatching   Phase = "watching"
	PhaseSubmitting Phase = "submitting"
	PhaseHalted     Phase = "halted"
)

// Orchestrator owns component lifecycle and the shutdown sequence.
type Orchestrator struct {
	mon     *monitor.Monitor
	det     *detector.Detector
	eng     *engine.Engine
	journal *store.JournalStore
	bus     *eventbus.Bus
	log     *logger.Logger

	shutdownTimeout time.Duration

	mu    sync.Mutex
	phase Phase
}

// New builds an Orchestrator. shutdownTimeout bounds how long shutdown
// waits for an in-flight submission to drain before forcing the engine to
// stop; it should be at least the engine's confirmation timeout.
func New(mon *monitor.Monitor, det *detector.Detector, eng *engine.Engine, journal *store.JournalStore, bus *eventbus.Bus, shutdownTimeout time.Duration, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.Nop()
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = 2 * time.Minute
	}
	return &Orchestrator{
		mon:             mon,
		det:             det,
		eng:             eng,
		journal:         journal,
		bus:             bus,
		log:             log.Named("orchestrator"),
		shutdownTimeout: shutdownTimeout,
		phase:           PhaseIdle,
	}
}

// Run starts every component and blocks until ctx is canceled, then runs
// the shutdown-drain sequence: stop the Monitor, detach the Detector,
// drain the event bus, wait for any single in-flight submission to reach a
// terminal state or its confirmation timeout, then flush the trade
// journal.
func (o *Orchestrator) Run(ctx context.Context) error {
	detectorCtx, detectorCancel := context.WithCancel(context.Background())
	engineCtx, engineCancel := context.WithCancel(context.Background())
	defer engineCancel()
	defer detectorCancel()

	o.watchPhase(ctx)
	o.setPhase(PhaseWatching)

	o.mon.Start(ctx)
	o.det.Start(detectorCtx)
	o.eng.Start(engineCtx)

	<-ctx.Done()
	o.log.Info("shutdown signal received, draining in-flight work")
	return o.shutdown(detectorCancel, engineCancel)
}

func (o *Orchestrator) shutdown(detectorCancel, engineCancel context.CancelFunc) error {
	o.setPhase(PhaseHalted)

	o.mon.Stop()
	detectorCancel() // detach: stop accepting new deltas, no new opportunities published

	select {
	case <-o.eng.Done():
	case <-time.After(o.shutdownTimeout):
		o.log.Warn("in-flight submission did not drain within shutdown timeout, forcing stop")
		engineCancel()
		<-o.eng.Done()
	}

	if err := o.journal.Close(); err != nil {
		return fmt.Errorf("orchestrator: flush trade journal: %w", err)
	}
	o.log.Info("shutdown complete")
	return nil
}

// watchPhase subscribes to execution lifecycle events purely for
// observability: Submitting while a transaction is outstanding, back to
// Watching on any terminal outcome, Halted on a fatal error (e.g. the
// circuit breaker tripping).
func (o *Orchestrator) watchPhase(ctx context.Context) {
	submitted := o.bus.Subscribe(eventbus.TopicSubmitted)
	confirmed := o.bus.Subscribe(eventbus.TopicConfirmed)
	reverted := o.bus.Subscribe(eventbus.TopicReverted)
	errs := o.bus.Subscribe(eventbus.TopicError)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-submitted:
				o.setPhase(PhaseSubmitting)
			case <-confirmed:
				o.setPhase(PhaseWatching)
			case <-reverted:
				o.setPhase(PhaseWatching)
			case evt := <-errs:
				o.setPhase(PhaseHalted)
				o.log.Error("fatal event observed", zap.Any("payload", evt.Payload))
			}
		}
	}()
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
	o.bus.Publish(eventbus.TopicStatus, p)
}

// Phase returns the orchestrator's current observational lifecycle state.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}
