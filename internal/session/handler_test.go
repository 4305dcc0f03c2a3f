package session

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// brokenWriter fails every write, like a socket whose peer went away.
type brokenWriter struct{}

func (brokenWriter) Write(p []byte) (int, error) {
	return 0, errors.New("connection reset by peer")
}

func TestWriteMJPEGStreamDetectsDisconnectWithoutFrames(t *testing.T) {
	frames := make(chan []byte) // the camera never delivers
	defer close(frames)

	done := make(chan struct{})
	go func() {
		defer close(done)
		writeMJPEGStream(bufio.NewWriter(brokenWriter{}), frames, 10*time.Millisecond)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream writer did not notice the dropped viewer")
	}
}

func TestWriteMJPEGStreamFrameFormat(t *testing.T) {
	frames := make(chan []byte, 2)
	frames <- []byte{0xFF, 0xD8, 0xFF, 0xD9}
	frames <- []byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9}
	close(frames)

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	writeMJPEGStream(w, frames, time.Minute)

	out := buf.String()
	if got := strings.Count(out, "--frame\r\nContent-Type: image/jpeg\r\n"); got != 2 {
		t.Errorf("wrote %d multipart parts, want 2", got)
	}
	if !strings.Contains(out, "Content-Length: 4\r\n\r\n\xff\xd8\xff\xd9\r\n") {
		t.Errorf("first part malformed:\n%q", out)
	}
	if !strings.Contains(out, "Content-Length: 5\r\n\r\n") {
		t.Errorf("second part header malformed:\n%q", out)
	}
}

func TestWriteMJPEGStreamStopsWhenViewerDropsMidFrame(t *testing.T) {
	frames := make(chan []byte, 1)
	frames <- []byte{0xFF, 0xD8, 0xFF, 0xD9}
	defer close(frames)

	done := make(chan struct{})
	go func() {
		defer close(done)
		writeMJPEGStream(bufio.NewWriter(brokenWriter{}), frames, time.Minute)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream writer kept running after a failed frame write")
	}
}
