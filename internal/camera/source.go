package camera

import (
	"bufio"
	"context"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Protocol identifies how a camera feed is pulled.
type Protocol string

const (
	ProtocolMJPEG Protocol = "MJPEG"
	ProtocolRTSP  Protocol = "RTSP"
	ProtocolHTTP  Protocol = "HTTP_GENERIC"
)

var ErrUnsupportedProtocol = errors.New("camera: unsupported protocol")

// DetectProtocol infers the pull protocol from the camera address. Axis-style
// MJPEG endpoints carry "mjpg"/"mjpeg" in the path; any other HTTP address is
// treated as a generic byte stream.
func DetectProtocol(address string) (Protocol, error) {
	parsed, err := url.Parse(address)
	if err != nil {
		return "", errors.Wrap(err, "camera: invalid address")
	}
	switch strings.ToLower(parsed.Scheme) {
	case "rtsp", "rtsps":
		return ProtocolRTSP, nil
	case "http", "https":
		lower := strings.ToLower(address)
		if strings.Contains(lower, "mjpg") || strings.Contains(lower, "mjpeg") {
			return ProtocolMJPEG, nil
		}
		return ProtocolHTTP, nil
	default:
		return "", errors.Wrapf(ErrUnsupportedProtocol, "scheme %q", parsed.Scheme)
	}
}

// ParseProtocol validates an explicitly requested protocol kind.
func ParseProtocol(kind string) (Protocol, error) {
	switch Protocol(strings.ToUpper(kind)) {
	case ProtocolMJPEG:
		return ProtocolMJPEG, nil
	case ProtocolRTSP:
		return ProtocolRTSP, nil
	case ProtocolHTTP:
		return ProtocolHTTP, nil
	default:
		return "", errors.Wrapf(ErrUnsupportedProtocol, "kind %q", kind)
	}
}

// Config bounds the upstream connection and the fan-out buffering.
type Config struct {
	ConnectTimeout   time.Duration
	ReadTimeout      time.Duration
	MaxRetries       int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	SnapshotWait     time.Duration
	SubscriberBuffer int
	ChunkSize        int
	FFmpegPath       string
}

// Source is a session's single upstream camera connection. Connect opens the
// connection, NextFrame blocks for the next frame (or chunk for generic HTTP
// feeds), Close releases the connection. Implementations are not safe for
// concurrent use; the Broadcaster's pull loop is the only caller.
type Source interface {
	Connect(ctx context.Context) error
	NextFrame() ([]byte, error)
	Close() error
}

// Factory builds a Source for a camera address. Tests inject fakes here so
// the registry and broadcaster can be exercised without a real camera.
type Factory func(protocol Protocol, address string) Source

// NewFactory returns the production factory: MJPEG and generic HTTP pull over
// net/http, RTSP through an ffmpeg relay subprocess that re-emits the feed as
// MJPEG on stdout.
func NewFactory(cfg Config) Factory {
	return func(protocol Protocol, address string) Source {
		switch protocol {
		case ProtocolRTSP:
			return &relaySource{cfg: cfg, address: address}
		default:
			return &httpSource{cfg: cfg, address: address, mjpeg: protocol == ProtocolMJPEG}
		}
	}
}

// httpSource pulls an HTTP camera feed. For MJPEG cameras the response is a
// multipart/x-mixed-replace stream and NextFrame returns one JPEG part; for
// generic feeds NextFrame returns fixed-size chunks of the body.
type httpSource struct {
	cfg     Config
	address string
	mjpeg   bool

	mu     sync.Mutex
	cancel context.CancelFunc
	body   io.ReadCloser

	parts  *multipart.Reader
	reader *bufio.Reader
}

func (s *httpSource) Connect(ctx context.Context) error {
	// The request context outlives Connect: it governs the streaming body
	// and is only canceled by Close. The connect phase itself is bounded by
	// the dial and response-header timeouts.
	reqCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, s.address, nil)
	if err != nil {
		cancel()
		return errors.Wrap(err, "camera: bad request")
	}
	req.Header.Set("User-Agent", "courtcam/1.0")

	client := &http.Client{
		Transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: s.cfg.ConnectTimeout}).DialContext,
			ResponseHeaderTimeout: s.cfg.ConnectTimeout,
			DisableCompression:    true,
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return errors.Wrap(err, "camera: connect failed")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return errors.Errorf("camera: upstream returned %d", resp.StatusCode)
	}
	if err := ctx.Err(); err != nil {
		resp.Body.Close()
		cancel()
		return err
	}

	s.mu.Lock()
	s.cancel = cancel
	s.body = resp.Body
	s.mu.Unlock()

	if s.mjpeg {
		mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
		if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
			// Some cameras answer with a bare JPEG stream instead of a
			// proper multipart envelope.
			s.parts = nil
			s.reader = bufio.NewReader(resp.Body)
			return nil
		}
		s.parts = multipart.NewReader(resp.Body, params["boundary"])
	} else {
		s.reader = bufio.NewReader(resp.Body)
	}
	return nil
}

func (s *httpSource) NextFrame() ([]byte, error) {
	if s.parts == nil && s.reader == nil {
		return nil, errors.New("camera: not connected")
	}
	if s.mjpeg {
		if s.parts != nil {
			part, err := s.parts.NextPart()
			if err != nil {
				return nil, errors.Wrap(err, "camera: multipart read")
			}
			frame, err := io.ReadAll(part)
			part.Close()
			if err != nil {
				return nil, errors.Wrap(err, "camera: frame read")
			}
			return frame, nil
		}
		return nextJPEG(s.reader)
	}

	chunk := make([]byte, s.cfg.ChunkSize)
	n, err := s.reader.Read(chunk)
	if n > 0 {
		return chunk[:n], nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "camera: stream read")
	}
	return nil, errors.New("camera: empty read")
}

// Close is safe to call while NextFrame is blocked; canceling the request
// context unblocks any pending body read.
func (s *httpSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	var err error
	if s.body != nil {
		err = s.body.Close()
		s.body = nil
	}
	return err
}

// relaySource pulls an RTSP feed through ffmpeg, which re-emits it as a raw
// MJPEG stream on stdout. The relay process is the session's single upstream
// connection; killing it closes the camera socket.
type relaySource struct {
	cfg     Config
	address string

	mu     sync.Mutex
	cmd    *exec.Cmd
	reader *bufio.Reader
}

func (s *relaySource) Connect(ctx context.Context) error {
	ffmpeg := s.cfg.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	cmd := exec.Command(ffmpeg,
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-rtsp_transport", "tcp",
		"-rtsp_flags", "prefer_tcp",
		"-fflags", "nobuffer",
		"-flags", "low_delay",
		"-i", s.address,
		"-f", "mjpeg",
		"-q:v", "5",
		"-",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "camera: relay pipe")
	}
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "camera: relay start")
	}

	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()
	s.reader = bufio.NewReaderSize(stdout, 256*1024)

	if err := ctx.Err(); err != nil {
		s.Close()
		return err
	}
	return nil
}

func (s *relaySource) NextFrame() ([]byte, error) {
	if s.reader == nil {
		return nil, errors.New("camera: not connected")
	}
	return nextJPEG(s.reader)
}

// Close kills the relay process, which also unblocks any pending stdout read.
func (s *relaySource) Close() error {
	s.mu.Lock()
	cmd := s.cmd
	s.cmd = nil
	s.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
		cmd.Wait()
	}
	return nil
}

// nextJPEG scans a concatenated JPEG stream for the next SOI..EOI frame.
func nextJPEG(r *bufio.Reader) ([]byte, error) {
	// Seek the start-of-image marker.
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, errors.Wrap(err, "camera: jpeg scan")
		}
		if b != 0xFF {
			continue
		}
		next, err := r.ReadByte()
		if err != nil {
			return nil, errors.Wrap(err, "camera: jpeg scan")
		}
		if next == 0xD8 {
			break
		}
	}

	frame := []byte{0xFF, 0xD8}
	prev := byte(0)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, errors.Wrap(err, "camera: jpeg truncated")
		}
		frame = append(frame, b)
		if prev == 0xFF && b == 0xD9 {
			return frame, nil
		}
		prev = b
	}
}
