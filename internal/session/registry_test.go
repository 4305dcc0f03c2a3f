package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"courtcam/internal/camera"
	"courtcam/internal/config"
)

// stubSource feeds frames pushed by the test through the real broadcaster.
type stubSource struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func newStubSource() *stubSource {
	return &stubSource{
		frames: make(chan []byte, 256),
		done:   make(chan struct{}),
	}
}

func (s *stubSource) Connect(ctx context.Context) error { return nil }

func (s *stubSource) NextFrame() ([]byte, error) {
	select {
	case frame := <-s.frames:
		return frame, nil
	case <-s.done:
		return nil, io.EOF
	}
}

func (s *stubSource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// feedFrames pushes a frame every few milliseconds until the returned stop
// function is called.
func feedFrames(src *stubSource) func() {
	quit := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		frame := []byte{0xFF, 0xD8, 0x00, 0x01, 0x02, 0x03, 0xFF, 0xD9}
		for {
			select {
			case <-quit:
				return
			case <-ticker.C:
				select {
				case src.frames <- frame:
				default:
				}
			}
		}
	}()
	return func() { close(quit) }
}

// stubEncoder builds shell commands standing in for the encoder process. The
// script gets the output path substituted for %q.
func stubEncoder(script string) func(string, time.Duration) *exec.Cmd {
	return func(outputPath string, _ time.Duration) *exec.Cmd {
		return exec.Command("sh", "-c", fmt.Sprintf(script, outputPath))
	}
}

func newTestRegistry(t *testing.T) (*Registry, *stubSource) {
	t.Helper()

	src := newStubSource()
	factory := func(camera.Protocol, string) camera.Source { return src }

	camCfg := camera.Config{
		ConnectTimeout:   time.Second,
		MaxRetries:       3,
		BackoffBase:      time.Millisecond,
		BackoffMax:       5 * time.Millisecond,
		SnapshotWait:     200 * time.Millisecond,
		SubscriberBuffer: 16,
		ChunkSize:        1024,
	}
	recCfg := config.RecordingConfig{
		StoragePath: t.TempDir(),
		LogPath:     t.TempDir(),
		FFmpegPath:  "ffmpeg",
		MaxDuration: time.Hour,
		StopGrace:   time.Second,
		MaxSessions: 4,
	}

	recorder := NewRecorder(recCfg, NewFFmpegService(recCfg.FFmpegPath))
	recorder.encodeCmd = stubEncoder("cat > %q")

	return NewRegistry(camCfg, factory, recorder, recCfg.MaxDuration, recCfg.MaxSessions), src
}

// waitForOutput blocks until the in-flight output file has content, so stop
// verification cannot race the first frames.
func waitForOutput(t *testing.T, r *Registry, id string) {
	t.Helper()
	s, err := r.get(id)
	if err != nil {
		t.Fatalf("get(%s) error = %v", id, err)
	}
	s.mu.Lock()
	path := s.outputPath
	s.mu.Unlock()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if info, err := os.Stat(path); err == nil && info.Size() > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("output %s never received data", path)
}

// sessionState reads the live state directly, without the activity-clock
// refresh Status performs.
func sessionState(t *testing.T, r *Registry, id string) State {
	t.Helper()
	s, err := r.get(id)
	if err != nil {
		t.Fatalf("get(%s) error = %v", id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// waitForState polls until the session reaches the wanted state.
func waitForState(t *testing.T, r *Registry, id string, want State) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := r.Status(id)
		if err != nil {
			t.Fatalf("Status(%s) error = %v", id, err)
		}
		if snap.State == want {
			return snap
		}
		time.Sleep(20 * time.Millisecond)
	}
	snap, _ := r.Status(id)
	t.Fatalf("session %s state = %s, want %s", id, snap.State, want)
	return Snapshot{}
}

func TestCreateSession(t *testing.T) {
	r, _ := newTestRegistry(t)

	snap, err := r.CreateSession("court-1", "http://192.168.1.50/axis-cgi/mjpg/video.cgi", "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if snap.State != StateCreated {
		t.Errorf("state = %s, want %s", snap.State, StateCreated)
	}
	if snap.Protocol != camera.ProtocolMJPEG {
		t.Errorf("detected protocol = %s, want %s", snap.Protocol, camera.ProtocolMJPEG)
	}
	if snap.ScopeID != "court-1" {
		t.Errorf("scope = %s, want court-1", snap.ScopeID)
	}
	if !strings.HasPrefix(snap.ID, "court-1-") {
		t.Errorf("session id %q should start with the scope", snap.ID)
	}
	if snap.PreviewConsumers != 0 {
		t.Errorf("preview consumers = %d, want 0", snap.PreviewConsumers)
	}
	if snap.OutputPath != "" {
		t.Errorf("output path = %q, want empty before any recording", snap.OutputPath)
	}
}

func TestCreateSessionExplicitProtocol(t *testing.T) {
	r, _ := newTestRegistry(t)

	snap, err := r.CreateSession("court-1", "rtsp://192.168.1.50/stream", "rtsp")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if snap.Protocol != camera.ProtocolRTSP {
		t.Errorf("protocol = %s, want %s", snap.Protocol, camera.ProtocolRTSP)
	}

	if _, err := r.CreateSession("court-2", "http://cam/feed", "webrtc"); !errors.Is(err, camera.ErrUnsupportedProtocol) {
		t.Errorf("CreateSession(webrtc) error = %v, want ErrUnsupportedProtocol", err)
	}
}

func TestCreateSessionScopeExclusive(t *testing.T) {
	r, _ := newTestRegistry(t)

	first, err := r.CreateSession("court-1", "http://cam-1/mjpg", "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	if _, err := r.CreateSession("court-1", "http://cam-1/mjpg", ""); !errors.Is(err, ErrScopeAlreadyActive) {
		t.Fatalf("second CreateSession on same scope error = %v, want ErrScopeAlreadyActive", err)
	}

	// Other scopes are unaffected.
	if _, err := r.CreateSession("court-2", "http://cam-2/mjpg", ""); err != nil {
		t.Fatalf("CreateSession on other scope error = %v", err)
	}

	// Once the first session is terminal the scope frees up.
	if err := r.ForceTerminate(first.ID, ReasonAbandoned); err != nil {
		t.Fatalf("ForceTerminate() error = %v", err)
	}
	if _, err := r.CreateSession("court-1", "http://cam-1/mjpg", ""); err != nil {
		t.Errorf("CreateSession after terminal error = %v, want success", err)
	}
}

func TestCreateSessionLimit(t *testing.T) {
	r, _ := newTestRegistry(t)

	for i := 0; i < 4; i++ {
		if _, err := r.CreateSession(fmt.Sprintf("court-%d", i), "http://cam/mjpg", ""); err != nil {
			t.Fatalf("CreateSession %d error = %v", i, err)
		}
	}
	if _, err := r.CreateSession("court-overflow", "http://cam/mjpg", ""); !errors.Is(err, ErrTooManySessions) {
		t.Errorf("CreateSession over limit error = %v, want ErrTooManySessions", err)
	}
}

func TestSessionIDUnique(t *testing.T) {
	seen := make(map[string]struct{})
	now := time.Now()
	for i := 0; i < 50; i++ {
		id := sessionID("court-1", now)
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate session id %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestAttachPreviewLifecycle(t *testing.T) {
	r, src := newTestRegistry(t)
	stop := feedFrames(src)
	defer stop()

	snap, err := r.CreateSession("court-1", "http://cam/mjpg", "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	first, err := r.AttachPreview(snap.ID)
	if err != nil {
		t.Fatalf("AttachPreview() error = %v", err)
	}

	select {
	case frame, ok := <-first.Frames():
		if !ok {
			t.Fatal("preview channel closed unexpectedly")
		}
		if len(frame) == 0 {
			t.Fatal("empty preview frame")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no preview frame arrived")
	}

	status, err := r.Status(snap.ID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.State != StatePreviewing {
		t.Errorf("state = %s, want %s", status.State, StatePreviewing)
	}
	if status.PreviewConsumers != 1 {
		t.Errorf("preview consumers = %d, want 1", status.PreviewConsumers)
	}

	second, err := r.AttachPreview(snap.ID)
	if err != nil {
		t.Fatalf("second AttachPreview() error = %v", err)
	}
	if status, _ = r.Status(snap.ID); status.PreviewConsumers != 2 {
		t.Errorf("preview consumers = %d, want 2", status.PreviewConsumers)
	}

	first.Release()
	first.Release() // idempotent
	if status, _ = r.Status(snap.ID); status.PreviewConsumers != 1 || status.State != StatePreviewing {
		t.Errorf("after one release: consumers = %d state = %s, want 1 %s",
			status.PreviewConsumers, status.State, StatePreviewing)
	}

	second.Release()
	if status, _ = r.Status(snap.ID); status.PreviewConsumers != 0 || status.State != StateCreated {
		t.Errorf("after last release: consumers = %d state = %s, want 0 %s",
			status.PreviewConsumers, status.State, StateCreated)
	}
}

func TestAttachPreviewTerminalSession(t *testing.T) {
	r, _ := newTestRegistry(t)

	snap, err := r.CreateSession("court-1", "http://cam/mjpg", "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := r.ForceTerminate(snap.ID, ReasonAbandoned); err != nil {
		t.Fatalf("ForceTerminate() error = %v", err)
	}

	if _, err := r.AttachPreview(snap.ID); !errors.Is(err, ErrSessionTerminal) {
		t.Errorf("AttachPreview() error = %v, want ErrSessionTerminal", err)
	}
	if _, err := r.AttachPreview("no-such-session"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("AttachPreview(unknown) error = %v, want ErrSessionNotFound", err)
	}
}

func TestSnapshotFrame(t *testing.T) {
	r, src := newTestRegistry(t)
	stop := feedFrames(src)
	defer stop()

	snap, err := r.CreateSession("court-1", "http://cam/mjpg", "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	frame, err := r.SnapshotFrame(snap.ID)
	if err != nil {
		t.Fatalf("SnapshotFrame() error = %v", err)
	}
	if len(frame) == 0 {
		t.Error("empty snapshot frame")
	}

	if _, err := r.SnapshotFrame("no-such-session"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("SnapshotFrame(unknown) error = %v, want ErrSessionNotFound", err)
	}
}

func TestStartRecordingValidation(t *testing.T) {
	r, _ := newTestRegistry(t)

	snap, err := r.CreateSession("court-1", "http://cam/mjpg", "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	for _, seconds := range []int{0, -5, 3601} {
		if _, err := r.StartRecording(snap.ID, seconds); !errors.Is(err, ErrInvalidDuration) {
			t.Errorf("StartRecording(%d) error = %v, want ErrInvalidDuration", seconds, err)
		}
	}
	if _, err := r.StartRecording("no-such-session", 60); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("StartRecording(unknown) error = %v, want ErrSessionNotFound", err)
	}
}

func TestRecordingRoundTrip(t *testing.T) {
	r, src := newTestRegistry(t)
	stop := feedFrames(src)
	defer stop()

	created, err := r.CreateSession("court-1", "http://cam/mjpg", "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	snap, err := r.StartRecording(created.ID, 60)
	if err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	if snap.State != StateRecording {
		t.Errorf("state = %s, want %s", snap.State, StateRecording)
	}
	if snap.RequestedSeconds != 60 {
		t.Errorf("requested seconds = %d, want 60", snap.RequestedSeconds)
	}

	if _, err := r.StartRecording(created.ID, 60); !errors.Is(err, ErrAlreadyRecording) {
		t.Errorf("second StartRecording() error = %v, want ErrAlreadyRecording", err)
	}

	waitForOutput(t, r, created.ID)

	output, err := r.StopRecording(created.ID)
	if err != nil {
		t.Fatalf("StopRecording() error = %v", err)
	}
	if !strings.HasSuffix(output, ".mp4") {
		t.Errorf("output path = %q, want .mp4 suffix", output)
	}
	info, err := os.Stat(output)
	if err != nil {
		t.Fatalf("output file missing: %v", err)
	}
	if info.Size() == 0 {
		t.Error("output file is empty")
	}
	if _, err := os.Stat(output + ".part"); !os.IsNotExist(err) {
		t.Error("temporary .part file should be gone after finalize")
	}

	status, err := r.Status(created.ID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.State != StateStopped {
		t.Errorf("state = %s, want %s", status.State, StateStopped)
	}
	if status.OutputPath != output {
		t.Errorf("status output = %q, want %q", status.OutputPath, output)
	}

	// A repeated stop resolves to the same output.
	again, err := r.StopRecording(created.ID)
	if err != nil {
		t.Fatalf("repeated StopRecording() error = %v", err)
	}
	if again != output {
		t.Errorf("repeated stop output = %q, want %q", again, output)
	}

	// Stopped is terminal; nothing can be attached or restarted.
	if _, err := r.AttachPreview(created.ID); !errors.Is(err, ErrSessionTerminal) {
		t.Errorf("AttachPreview after stop error = %v, want ErrSessionTerminal", err)
	}
	if _, err := r.StartRecording(created.ID, 60); !errors.Is(err, ErrSessionTerminal) {
		t.Errorf("StartRecording after stop error = %v, want ErrSessionTerminal", err)
	}
}

func TestRecordingDurationAutoStop(t *testing.T) {
	r, src := newTestRegistry(t)
	stop := feedFrames(src)
	defer stop()

	created, err := r.CreateSession("court-1", "http://cam/mjpg", "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if _, err := r.StartRecording(created.ID, 1); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	waitForOutput(t, r, created.ID)

	status := waitForState(t, r, created.ID, StateStopped)
	if status.OutputPath == "" {
		t.Fatal("auto-stopped session has no output path")
	}
	if info, err := os.Stat(status.OutputPath); err != nil || info.Size() == 0 {
		t.Errorf("auto-stop output missing or empty: %v", err)
	}
}

func TestStopRecordingConcurrent(t *testing.T) {
	r, src := newTestRegistry(t)
	stop := feedFrames(src)
	defer stop()

	created, err := r.CreateSession("court-1", "http://cam/mjpg", "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if _, err := r.StartRecording(created.ID, 60); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	waitForOutput(t, r, created.ID)

	type result struct {
		output string
		err    error
	}
	results := make(chan result, 4)
	for i := 0; i < 4; i++ {
		go func() {
			out, err := r.StopRecording(created.ID)
			results <- result{out, err}
		}()
	}

	var outputs []string
	for i := 0; i < 4; i++ {
		res := <-results
		if res.err != nil {
			t.Errorf("concurrent StopRecording() error = %v", res.err)
			continue
		}
		outputs = append(outputs, res.output)
	}
	for _, out := range outputs {
		if out != outputs[0] {
			t.Errorf("concurrent stops diverged: %q vs %q", out, outputs[0])
		}
	}
}

func TestStopRecordingWithoutRecording(t *testing.T) {
	r, _ := newTestRegistry(t)

	created, err := r.CreateSession("court-1", "http://cam/mjpg", "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if _, err := r.StopRecording(created.ID); !errors.Is(err, ErrNotRecording) {
		t.Errorf("StopRecording on CREATED error = %v, want ErrNotRecording", err)
	}
	if _, err := r.StopRecording("no-such-session"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("StopRecording(unknown) error = %v, want ErrSessionNotFound", err)
	}
}

func TestForceTerminateReasons(t *testing.T) {
	tests := []struct {
		reason Reason
		want   State
	}{
		{ReasonDurationExceeded, StateExpired},
		{ReasonAbandoned, StateExpired},
		{ReasonShutdown, StateExpired},
		{ReasonEncoderCrashed, StateFailed},
		{ReasonEncodingFailed, StateFailed},
		{ReasonUpstreamUnavailable, StateFailed},
	}

	for i, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			r, _ := newTestRegistry(t)
			snap, err := r.CreateSession(fmt.Sprintf("court-%d", i), "http://cam/mjpg", "")
			if err != nil {
				t.Fatalf("CreateSession() error = %v", err)
			}
			if err := r.ForceTerminate(snap.ID, tt.reason); err != nil {
				t.Fatalf("ForceTerminate() error = %v", err)
			}
			status, err := r.Status(snap.ID)
			if err != nil {
				t.Fatalf("Status() error = %v", err)
			}
			if status.State != tt.want {
				t.Errorf("state = %s, want %s", status.State, tt.want)
			}
			if status.Reason != tt.reason {
				t.Errorf("reason = %s, want %s", status.Reason, tt.reason)
			}

			// Terminal sessions are left untouched by further terminations.
			if err := r.ForceTerminate(snap.ID, ReasonShutdown); err != nil {
				t.Errorf("repeated ForceTerminate() error = %v", err)
			}
			if status, _ = r.Status(snap.ID); status.Reason != tt.reason {
				t.Errorf("reason after repeat = %s, want %s", status.Reason, tt.reason)
			}
		})
	}
}

func TestListActive(t *testing.T) {
	r, _ := newTestRegistry(t)

	first, err := r.CreateSession("court-1", "http://cam-1/mjpg", "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if _, err := r.CreateSession("court-2", "http://cam-2/mjpg", ""); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	if n := r.ActiveCount(); n != 2 {
		t.Errorf("ActiveCount() = %d, want 2", n)
	}

	if err := r.ForceTerminate(first.ID, ReasonAbandoned); err != nil {
		t.Fatalf("ForceTerminate() error = %v", err)
	}

	active := r.ListActive()
	if len(active) != 1 {
		t.Fatalf("ListActive() returned %d sessions, want 1", len(active))
	}
	if active[0].ScopeID != "court-2" {
		t.Errorf("remaining active scope = %s, want court-2", active[0].ScopeID)
	}
}

func TestShutdownTerminatesEverything(t *testing.T) {
	r, src := newTestRegistry(t)
	stop := feedFrames(src)
	defer stop()

	idle, err := r.CreateSession("court-1", "http://cam-1/mjpg", "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	recording, err := r.CreateSession("court-2", "http://cam-2/mjpg", "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if _, err := r.StartRecording(recording.ID, 60); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}

	r.Shutdown()

	for _, id := range []string{idle.ID, recording.ID} {
		status, err := r.Status(id)
		if err != nil {
			t.Fatalf("Status(%s) error = %v", id, err)
		}
		if status.State != StateExpired {
			t.Errorf("session %s state = %s, want %s", id, status.State, StateExpired)
		}
		if status.Reason != ReasonShutdown {
			t.Errorf("session %s reason = %s, want %s", id, status.Reason, ReasonShutdown)
		}
	}
	if n := r.ActiveCount(); n != 0 {
		t.Errorf("ActiveCount() after shutdown = %d, want 0", n)
	}
}
