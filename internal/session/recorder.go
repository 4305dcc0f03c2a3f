package session

import (
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"courtcam/internal/camera"
	"courtcam/internal/config"
)

// recording is the controller's exclusive handle on one encoder process. It
// is owned by the session's Recorder and never duplicated.
type recording struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	feed     *camera.Subscriber
	feedDone chan struct{}
	logFile  *os.File
	timer    *time.Timer

	exited  chan struct{}
	exitErr error

	tempPath  string
	finalPath string
	startedAt time.Time
}

// processExited reports whether the encoder has terminated, without blocking.
func (rec *recording) processExited() bool {
	select {
	case <-rec.exited:
		return true
	default:
		return false
	}
}

// Recorder drives the external encoder process for recording sessions: spawn,
// feed, graceful stop with kill escalation, and output verification. State
// transitions stay with the Registry; the Recorder only manages the process.
type Recorder struct {
	cfg    config.RecordingConfig
	ffmpeg *FFmpegService

	// encodeCmd builds the encoder invocation; tests swap in stub commands.
	encodeCmd func(outputPath string, bound time.Duration) *exec.Cmd
}

func NewRecorder(cfg config.RecordingConfig, ffmpeg *FFmpegService) *Recorder {
	return &Recorder{
		cfg:       cfg,
		ffmpeg:    ffmpeg,
		encodeCmd: ffmpeg.EncodeCommand,
	}
}

// start spawns the encoder for a session, fed from the session's broadcaster
// over stdin so the upstream camera connection is never duplicated. The
// output goes to a .part file that is renamed only after a verified stop.
func (r *Recorder) start(s *Session, b *camera.Broadcaster, duration time.Duration) (*recording, error) {
	scopeDir := filepath.Join(r.cfg.StoragePath, s.ScopeID)
	if err := os.MkdirAll(scopeDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "recorder: storage dir")
	}
	if err := os.MkdirAll(r.cfg.LogPath, 0o755); err != nil {
		return nil, errors.Wrap(err, "recorder: log dir")
	}

	finalPath := filepath.Join(scopeDir, s.ID+".mp4")
	tempPath := finalPath + ".part"

	// Session-scoped encoder diagnostics, append-only, never read here.
	logFile, err := os.OpenFile(
		filepath.Join(r.cfg.LogPath, s.ID+".log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "recorder: log file")
	}

	// The -t bound gets the stop grace as slack so the controller's own
	// timer always initiates the stop first.
	cmd := r.encodeCmd(tempPath, duration+r.cfg.StopGrace)
	cmd.Stderr = logFile

	stdin, err := cmd.StdinPipe()
	if err != nil {
		logFile.Close()
		return nil, errors.Wrap(err, "recorder: stdin pipe")
	}

	feed, err := b.Subscribe()
	if err != nil {
		logFile.Close()
		return nil, errors.Wrap(err, "recorder: subscribe feed")
	}

	if err := cmd.Start(); err != nil {
		b.Unsubscribe(feed)
		logFile.Close()
		return nil, errors.Wrap(err, "recorder: encoder start")
	}

	rec := &recording{
		cmd:       cmd,
		stdin:     stdin,
		feed:      feed,
		feedDone:  make(chan struct{}),
		logFile:   logFile,
		exited:    make(chan struct{}),
		tempPath:  tempPath,
		finalPath: finalPath,
		startedAt: time.Now(),
	}

	go func() {
		rec.exitErr = cmd.Wait()
		close(rec.exited)
	}()

	go func() {
		defer close(rec.feedDone)
		defer rec.stdin.Close()
		for frame := range feed.C {
			if _, err := rec.stdin.Write(frame); err != nil {
				return
			}
		}
	}()

	log.Printf("recorder: started encoder pid=%d session=%s output=%s",
		cmd.Process.Pid, s.ID, tempPath)
	return rec, nil
}

// stop winds a recording down: the frame feed is closed so the encoder sees
// EOF and writes the container trailer, with a kill escalation after the
// grace period. The output must exist non-empty and the process must have
// exited cleanly; promotion of the .part file is left to finalize so the
// caller can tie it to the session's state transition.
func (r *Recorder) stop(s *Session, rec *recording, b *camera.Broadcaster) error {
	if rec.timer != nil {
		rec.timer.Stop()
	}

	// Graceful signal: detach the feed, which closes the encoder's stdin
	// once the feeder drains.
	b.Unsubscribe(rec.feed)

	graceful := true
	select {
	case <-rec.exited:
	case <-time.After(r.cfg.StopGrace):
		log.Printf("recorder: encoder for session %s ignored stop, killing", s.ID)
		graceful = false
		rec.cmd.Process.Kill()
		<-rec.exited
	}
	<-rec.feedDone
	rec.logFile.Close()

	info, statErr := os.Stat(rec.tempPath)
	switch {
	case !graceful:
		return errors.Errorf("recorder: encoder did not exit within %v grace", r.cfg.StopGrace)
	case rec.exitErr != nil:
		return errors.Wrap(rec.exitErr, "recorder: encoder exited with error")
	case statErr != nil:
		return errors.Wrap(statErr, "recorder: output file missing")
	case info.Size() == 0:
		return errors.New("recorder: output file empty")
	}
	return nil
}

// finalize promotes the verified .part output to its final name. Callers hold
// the session lock, so a forced termination can never interleave between the
// rename and the STOPPED transition.
func (r *Recorder) finalize(s *Session, rec *recording) (string, error) {
	if err := os.Rename(rec.tempPath, rec.finalPath); err != nil {
		return "", errors.Wrap(err, "recorder: finalize output")
	}
	log.Printf("recorder: finalized session=%s output=%s", s.ID, rec.finalPath)
	return rec.finalPath, nil
}

// release tears a recording down without finalizing output: the process is
// killed if still alive and the partial file is preserved for diagnosis.
func (r *Recorder) release(s *Session, rec *recording, b *camera.Broadcaster) {
	if rec.timer != nil {
		rec.timer.Stop()
	}
	if b != nil && rec.feed != nil {
		b.Unsubscribe(rec.feed)
	}
	if rec.cmd != nil {
		if !rec.processExited() {
			rec.cmd.Process.Kill()
		}
		<-rec.exited
	}
	if rec.feedDone != nil {
		<-rec.feedDone
	}
	if rec.logFile != nil {
		rec.logFile.Close()
	}
	log.Printf("recorder: released encoder for session %s, partial output kept at %s",
		s.ID, rec.tempPath)
}
