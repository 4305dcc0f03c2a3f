package session

import (
	"sync"
	"time"

	"courtcam/internal/camera"
)

// State is a session's lifecycle position. Transitions run
// CREATED → PREVIEWING → RECORDING → STOPPING → STOPPED, with FAILED and
// EXPIRED reachable from any non-terminal state. CREATED and PREVIEWING move
// between each other freely since preview is independent of recording.
type State string

const (
	StateCreated    State = "CREATED"
	StatePreviewing State = "PREVIEWING"
	StateRecording  State = "RECORDING"
	StateStopping   State = "STOPPING"
	StateStopped    State = "STOPPED"
	StateFailed     State = "FAILED"
	StateExpired    State = "EXPIRED"
)

// Terminal reports whether no further transitions are permitted.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed || s == StateExpired
}

// Reason records why a session was forced into a terminal state.
type Reason string

const (
	ReasonEncoderCrashed      Reason = "EncoderCrashed"
	ReasonEncodingFailed      Reason = "EncodingFailed"
	ReasonDurationExceeded    Reason = "DurationExceeded"
	ReasonAbandoned           Reason = "Abandoned"
	ReasonUpstreamUnavailable Reason = "UpstreamUnavailable"
	ReasonShutdown            Reason = "Shutdown"
)

// Session is the unit of camera-to-recording work for one court. All state
// mutation goes through the Registry under the session mutex; other
// components only observe snapshots.
type Session struct {
	ID            string
	ScopeID       string
	CameraAddress string
	Protocol      camera.Protocol

	mu                 sync.Mutex
	state              State
	reason             Reason
	createdAt          time.Time
	recordingStartedAt time.Time
	requestedDuration  time.Duration
	lastActivityAt     time.Time
	previewConsumers   int

	broadcaster *camera.Broadcaster
	rec         *recording
	outputPath  string // reserved .part path while recording
	finalPath   string // set once the output file is verified
	stopDone    chan struct{}
	stopErr     error
}

// touch refreshes the abandonment clock. Callers hold s.mu.
func (s *Session) touch() {
	s.lastActivityAt = time.Now()
}

// Snapshot is the read-only view returned by status and list calls.
type Snapshot struct {
	ID                 string          `json:"id"`
	ScopeID            string          `json:"scope_id"`
	CameraAddress      string          `json:"camera_address"`
	Protocol           camera.Protocol `json:"protocol"`
	State              State           `json:"state"`
	Reason             Reason          `json:"reason,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	RecordingStartedAt *time.Time      `json:"recording_started_at,omitempty"`
	RequestedSeconds   int             `json:"requested_seconds,omitempty"`
	ElapsedSeconds     int             `json:"elapsed_seconds,omitempty"`
	RemainingSeconds   int             `json:"remaining_seconds,omitempty"`
	PreviewConsumers   int             `json:"preview_consumers"`
	OutputPath         string          `json:"output_path,omitempty"`
}

// snapshotLocked builds a Snapshot. Callers hold s.mu.
func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:               s.ID,
		ScopeID:          s.ScopeID,
		CameraAddress:    s.CameraAddress,
		Protocol:         s.Protocol,
		State:            s.state,
		Reason:           s.reason,
		CreatedAt:        s.createdAt,
		PreviewConsumers: s.previewConsumers,
	}
	if !s.recordingStartedAt.IsZero() {
		t := s.recordingStartedAt
		snap.RecordingStartedAt = &t
		snap.RequestedSeconds = int(s.requestedDuration / time.Second)
		elapsed := time.Since(s.recordingStartedAt)
		snap.ElapsedSeconds = int(elapsed / time.Second)
		if s.state == StateRecording {
			remaining := s.requestedDuration - elapsed
			if remaining < 0 {
				remaining = 0
			}
			snap.RemainingSeconds = int(remaining / time.Second)
		}
	}
	// The output file is only visible once the session stopped cleanly.
	if s.state == StateStopped {
		snap.OutputPath = s.finalPath
	}
	return snap
}
