package session

import (
	"log"
	"time"

	"courtcam/internal/config"
)

// Sweeper is the background reclamation pass. On a fixed interval it corrects
// sessions orphaned by crashed encoders, overdue recordings, abandonment, and
// evicts terminal sessions once their retention window elapses. It never
// evicts a session that still holds a process handle or a live preview
// consumer.
type Sweeper struct {
	registry *Registry
	cfg      config.CleanupConfig

	stop chan struct{}
	done chan struct{}
}

func NewSweeper(registry *Registry, cfg config.CleanupConfig) *Sweeper {
	return &Sweeper{
		registry: registry,
		cfg:      cfg,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called.
func (w *Sweeper) Start() {
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := w.Sweep(); n > 0 {
					log.Printf("sweeper: reclaimed %d sessions", n)
				}
			case <-w.stop:
				return
			}
		}
	}()
}

func (w *Sweeper) Stop() {
	close(w.stop)
	<-w.done
}

// Sweep runs one reclamation pass and returns the number of sessions it
// corrected or evicted. Forced terminations are best-effort background
// corrections; they are logged, never surfaced to callers.
func (w *Sweeper) Sweep() int {
	reclaimed := 0
	now := time.Now()

	for _, s := range w.registry.all() {
		s.mu.Lock()
		state := s.state
		rec := s.rec
		startedAt := s.recordingStartedAt
		requested := s.requestedDuration
		lastActivity := s.lastActivityAt
		consumers := s.previewConsumers
		s.mu.Unlock()

		switch {
		// Encoder process gone while the session still believes it is
		// recording.
		case state == StateRecording && (rec == nil || rec.processExited()):
			log.Printf("sweeper: session %s has no live encoder, terminating", s.ID)
			w.registry.ForceTerminate(s.ID, ReasonEncoderCrashed)
			reclaimed++

		// Recording far past its requested duration: the controller timer
		// should have stopped it, this is the backstop.
		case (state == StateRecording || state == StateStopping) &&
			!startedAt.IsZero() &&
			now.After(startedAt.Add(requested+w.cfg.DurationTolerance)):
			log.Printf("sweeper: session %s overdue (%v requested), terminating", s.ID, requested)
			w.registry.ForceTerminate(s.ID, ReasonDurationExceeded)
			reclaimed++

		// Terminal session past retention with nothing attached: reclaim
		// the registry slot.
		case state.Terminal() &&
			now.After(lastActivity.Add(w.cfg.Retention)) &&
			consumers == 0 && rec == nil:
			w.registry.evict(s)
			reclaimed++

		// Session opened but abandoned before anyone used it.
		case (state == StateCreated || state == StatePreviewing) &&
			consumers == 0 &&
			now.After(lastActivity.Add(w.cfg.IdleTimeout)):
			log.Printf("sweeper: session %s idle since %v, terminating", s.ID, lastActivity)
			w.registry.ForceTerminate(s.ID, ReasonAbandoned)
			reclaimed++
		}
	}

	return reclaimed
}
