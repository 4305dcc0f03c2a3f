package session

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"courtcam/internal/camera"
)

// Registry is the process-wide authority over camera sessions. It owns the
// session map and is the only component that performs state transitions.
// The map lock is short-held and distinct from the per-session mutexes, so
// unrelated sessions never serialize behind each other. Lock order is always
// registry lock before session lock, never the reverse.
type Registry struct {
	camCfg      camera.Config
	factory     camera.Factory
	recorder    *Recorder
	maxDuration time.Duration
	maxSessions int

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry(camCfg camera.Config, factory camera.Factory, recorder *Recorder, maxDuration time.Duration, maxSessions int) *Registry {
	return &Registry{
		camCfg:      camCfg,
		factory:     factory,
		recorder:    recorder,
		maxDuration: maxDuration,
		maxSessions: maxSessions,
		sessions:    make(map[string]*Session),
	}
}

// CreateSession allocates a new session for a court camera. No upstream
// connection is opened yet; that happens lazily on the first preview or
// recording. At most one non-terminal session may exist per scope.
func (r *Registry) CreateSession(scopeID, cameraAddress, protocolKind string) (Snapshot, error) {
	var protocol camera.Protocol
	var err error
	if protocolKind == "" {
		protocol, err = camera.DetectProtocol(cameraAddress)
	} else {
		protocol, err = camera.ParseProtocol(protocolKind)
	}
	if err != nil {
		return Snapshot{}, err
	}

	now := time.Now()
	s := &Session{
		ID:            sessionID(scopeID, now),
		ScopeID:       scopeID,
		CameraAddress: cameraAddress,
		Protocol:      protocol,
	}
	s.state = StateCreated
	s.createdAt = now
	s.lastActivityAt = now

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= r.maxSessions {
		return Snapshot{}, ErrTooManySessions
	}
	for _, existing := range r.sessions {
		existing.mu.Lock()
		active := existing.ScopeID == scopeID && !existing.state.Terminal()
		existing.mu.Unlock()
		if active {
			return Snapshot{}, errors.Wrapf(ErrScopeAlreadyActive, "scope %s", scopeID)
		}
	}

	r.sessions[s.ID] = s
	log.Printf("session: created %s for scope %s (%s %s)", s.ID, scopeID, protocol, cameraAddress)
	return s.snapshotLocked(), nil
}

// sessionID builds a human-traceable, collision-free id from the scope and
// the creation time.
func sessionID(scopeID string, now time.Time) string {
	return fmt.Sprintf("%s-%s-%s", scopeID, now.UTC().Format("20060102T150405"), uuid.NewString()[:8])
}

func (r *Registry) get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// ensureBroadcasterLocked lazily opens the session's single upstream
// connection. Callers hold s.mu.
func (r *Registry) ensureBroadcasterLocked(s *Session) *camera.Broadcaster {
	if s.broadcaster == nil {
		src := r.factory(s.Protocol, s.CameraAddress)
		s.broadcaster = camera.NewBroadcaster(src, r.camCfg)
		s.broadcaster.Start()
	}
	return s.broadcaster
}

// PreviewHandle is one attached preview reader. Release is idempotent and
// detaches only this reader.
type PreviewHandle struct {
	s    *Session
	sub  *camera.Subscriber
	once sync.Once
}

// Frames returns the reader's frame channel. It is closed when the upstream
// becomes unavailable or the session is torn down.
func (h *PreviewHandle) Frames() <-chan []byte {
	return h.sub.C
}

func (h *PreviewHandle) Release() {
	h.once.Do(func() {
		h.s.mu.Lock()
		h.s.previewConsumers--
		if h.s.previewConsumers == 0 && h.s.state == StatePreviewing {
			h.s.state = StateCreated
		}
		h.s.touch()
		b := h.s.broadcaster
		h.s.mu.Unlock()
		if b != nil {
			b.Unsubscribe(h.sub)
		}
	})
}

// AttachPreview attaches a live preview reader to a session, opening the
// upstream connection on first use.
func (r *Registry) AttachPreview(id string) (*PreviewHandle, error) {
	s, err := r.get(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return nil, ErrSessionTerminal
	}

	b := r.ensureBroadcasterLocked(s)
	sub, err := b.Subscribe()
	if err != nil {
		return nil, err
	}

	if s.state == StateCreated {
		s.state = StatePreviewing
	}
	s.previewConsumers++
	s.touch()

	return &PreviewHandle{s: s, sub: sub}, nil
}

// SnapshotFrame returns the most recent frame from the session's feed,
// waiting a bounded time for the first frame when the feed is still warming
// up.
func (r *Registry) SnapshotFrame(id string) ([]byte, error) {
	s, err := r.get(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.state.Terminal() && s.broadcaster == nil {
		s.mu.Unlock()
		return nil, camera.ErrNoFrame
	}
	var b *camera.Broadcaster
	if s.broadcaster != nil {
		b = s.broadcaster
	} else {
		b = r.ensureBroadcasterLocked(s)
	}
	s.touch()
	s.mu.Unlock()

	// The bounded wait happens outside the session lock so status and
	// transition calls are never blocked behind a slow camera.
	return b.Snapshot()
}

// StartRecording transitions the session to RECORDING and spawns the encoder
// fed from the session's broadcaster.
func (r *Registry) StartRecording(id string, seconds int) (Snapshot, error) {
	duration := time.Duration(seconds) * time.Second
	if seconds <= 0 || duration > r.maxDuration {
		return Snapshot{}, errors.Wrapf(ErrInvalidDuration, "%ds (max %v)", seconds, r.maxDuration)
	}

	s, err := r.get(id)
	if err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state.Terminal():
		return Snapshot{}, ErrSessionTerminal
	case s.state == StateRecording, s.state == StateStopping, s.rec != nil:
		return Snapshot{}, ErrAlreadyRecording
	}

	b := r.ensureBroadcasterLocked(s)
	if err := b.Err(); err != nil {
		return Snapshot{}, err
	}

	rec, err := r.recorder.start(s, b, duration)
	if err != nil {
		// Controller failures always resolve the session, never leave it
		// stuck between states.
		s.state = StateFailed
		s.reason = ReasonEncodingFailed
		s.touch()
		r.closeBroadcasterLocked(s)
		return Snapshot{}, err
	}

	s.state = StateRecording
	s.recordingStartedAt = rec.startedAt
	s.requestedDuration = duration
	s.outputPath = rec.tempPath
	s.rec = rec
	s.touch()

	rec.timer = time.AfterFunc(duration, func() { r.autoStop(id) })
	go r.watchEncoder(s, rec)

	return s.snapshotLocked(), nil
}

// autoStop is the duration-timer path. It takes the same graceful route as
// an explicit stop; both converge on the same terminal state and output.
func (r *Registry) autoStop(id string) {
	if _, err := r.StopRecording(id); err != nil &&
		!errors.Is(err, ErrNotRecording) && !errors.Is(err, ErrSessionNotFound) {
		log.Printf("session: duration-triggered stop of %s failed: %v", id, err)
	}
}

// watchEncoder notices an encoder that exits on its own outside a requested
// stop and resolves the session to FAILED.
func (r *Registry) watchEncoder(s *Session, rec *recording) {
	<-rec.exited

	s.mu.Lock()
	if s.rec != rec || s.state != StateRecording {
		// A stop path owns this process now.
		s.mu.Unlock()
		return
	}
	log.Printf("session: encoder for %s exited unexpectedly: %v", s.ID, rec.exitErr)
	s.rec = nil
	s.state = StateFailed
	s.reason = ReasonEncoderCrashed
	s.touch()
	b := s.broadcaster
	r.closeBroadcasterLocked(s)
	s.mu.Unlock()

	r.recorder.release(s, rec, b)
}

// StopRecording finalizes a recording. Concurrent and repeated stops are
// idempotent: every caller resolves to the same terminal state and the same
// output path.
func (r *Registry) StopRecording(id string) (string, error) {
	s, err := r.get(id)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	switch s.state {
	case StateRecording:
		// This caller performs the stop.
	case StateStopping:
		// Another caller is stopping; wait for its outcome.
		done := s.stopDone
		s.mu.Unlock()
		<-done
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state == StateStopped {
			return s.finalPath, nil
		}
		if s.stopErr != nil {
			return "", s.stopErr
		}
		return "", ErrNotRecording
	case StateStopped:
		out := s.finalPath
		s.mu.Unlock()
		return out, nil
	case StateFailed, StateExpired:
		stopErr := s.stopErr
		s.mu.Unlock()
		if stopErr != nil {
			return "", stopErr
		}
		return "", ErrNotRecording
	default:
		s.mu.Unlock()
		return "", ErrNotRecording
	}

	s.state = StateStopping
	done := make(chan struct{})
	s.stopDone = done
	rec := s.rec
	b := s.broadcaster
	s.mu.Unlock()

	stopErr := r.recorder.stop(s, rec, b)

	s.mu.Lock()
	defer s.mu.Unlock()
	defer close(done)

	if s.state != StateStopping {
		// A forced termination won while the encoder was winding down.
		// The output stays a .part file; a terminal session must never
		// gain a downloadable recording after the fact.
		if s.stopErr == nil {
			s.stopErr = errors.Errorf("session forcibly terminated: %s", s.reason)
		}
		return "", s.stopErr
	}

	s.rec = nil
	s.touch()
	if stopErr != nil {
		s.state = StateFailed
		s.reason = ReasonEncodingFailed
		s.stopErr = errors.Wrap(stopErr, "encoding failed")
		r.closeBroadcasterLocked(s)
		return "", s.stopErr
	}

	// The rename happens under the session lock so the STOPPED transition
	// and the final file appear together.
	out, err := r.recorder.finalize(s, rec)
	if err != nil {
		s.state = StateFailed
		s.reason = ReasonEncodingFailed
		s.stopErr = err
		r.closeBroadcasterLocked(s)
		return "", s.stopErr
	}
	s.state = StateStopped
	s.finalPath = out
	return out, nil
}

// Status returns a read-only snapshot and refreshes the activity clock.
func (r *Registry) Status(id string) (Snapshot, error) {
	s, err := r.get(id)
	if err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Terminal() {
		s.touch()
	}
	return s.snapshotLocked(), nil
}

// ListActive returns snapshots of every non-terminal session.
func (r *Registry) ListActive() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshots := make([]Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		s.mu.Lock()
		if !s.state.Terminal() {
			snapshots = append(snapshots, s.snapshotLocked())
		}
		s.mu.Unlock()
	}
	return snapshots
}

// ActiveCount returns the number of non-terminal sessions.
func (r *Registry) ActiveCount() int {
	return len(r.ListActive())
}

// ForceTerminate pushes a session into a terminal state and releases its
// process and stream resources unconditionally. Used by the sweeper and at
// process shutdown; never raises to callers of normal operations.
func (r *Registry) ForceTerminate(id string, reason Reason) error {
	s, err := r.get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return nil
	}
	rec := s.rec
	s.rec = nil
	b := s.broadcaster

	switch reason {
	case ReasonDurationExceeded, ReasonAbandoned, ReasonShutdown:
		s.state = StateExpired
	default:
		s.state = StateFailed
	}
	s.reason = reason
	s.touch()
	s.mu.Unlock()

	if rec != nil {
		r.recorder.release(s, rec, b)
	}
	if b != nil {
		b.Close()
	}
	log.Printf("session: %s force-terminated (%s)", id, reason)
	return nil
}

// closeBroadcasterLocked shuts the upstream feed down on failure paths.
// Callers hold s.mu; the broadcaster's pull loop never takes the session
// lock, so closing under it cannot deadlock.
func (r *Registry) closeBroadcasterLocked(s *Session) {
	if s.broadcaster != nil {
		s.broadcaster.Close()
	}
}

// evict removes a terminal session from the registry and deletes a partial
// output that never became downloadable. Only the sweeper calls this, and
// only after verifying the session holds no process or consumers.
func (r *Registry) evict(s *Session) {
	s.mu.Lock()
	if !s.state.Terminal() || s.previewConsumers > 0 || s.rec != nil {
		s.mu.Unlock()
		return
	}
	if s.broadcaster != nil {
		b := s.broadcaster
		s.broadcaster = nil
		s.mu.Unlock()
		b.Close()
		s.mu.Lock()
	}
	removePartial := s.state != StateStopped && s.finalPath == "" && s.outputPath != ""
	partial := s.outputPath
	id := s.ID
	s.mu.Unlock()

	if removePartial {
		if err := os.Remove(partial); err != nil && !os.IsNotExist(err) {
			log.Printf("session: could not remove partial output %s: %v", partial, err)
		}
	}

	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
	log.Printf("session: evicted %s", id)
}

// all returns every session for the sweeper to inspect.
func (r *Registry) all() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// Shutdown forcibly terminates every non-terminal session. Called once at
// process exit; in-memory state is not recoverable across restarts.
func (r *Registry) Shutdown() {
	for _, s := range r.all() {
		r.ForceTerminate(s.ID, ReasonShutdown)
	}
}
