package session

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// FFmpegService handles FFmpeg operations
type FFmpegService struct {
	ffmpegPath string
}

// NewFFmpegService creates a new FFmpeg service
func NewFFmpegService(path string) *FFmpegService {
	if path == "" {
		path = "ffmpeg" // Assumes ffmpeg is in PATH
	}
	return &FFmpegService{ffmpegPath: path}
}

// CheckAvailable checks if FFmpeg is installed and available
func (f *FFmpegService) CheckAvailable() error {
	cmd := exec.Command(f.ffmpegPath, "-version")
	output, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("ffmpeg not found: %w", err)
	}

	// Check if output contains FFmpeg version info
	if !strings.Contains(string(output), "ffmpeg version") {
		return fmt.Errorf("ffmpeg not properly installed")
	}

	return nil
}

// Version returns the first line of the ffmpeg version banner.
func (f *FFmpegService) Version() (string, error) {
	cmd := exec.Command(f.ffmpegPath, "-version")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("ffmpeg version failed: %w", err)
	}

	lines := strings.Split(string(output), "\n")
	if len(lines) > 0 {
		return strings.TrimSpace(lines[0]), nil
	}

	return "FFmpeg found but no version info", nil
}

// EncodeCommand builds the encoder invocation for one recording: an MJPEG
// feed arriving on stdin is transcoded to a web-playable mp4. The -t bound
// backstops the controller's own duration timer.
func (f *FFmpegService) EncodeCommand(outputPath string, maxDuration time.Duration) *exec.Cmd {
	args := []string{
		"-hide_banner", "-loglevel", "error", "-stats",
		"-f", "mjpeg",
		"-use_wallclock_as_timestamps", "1",
		"-i", "pipe:0",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-crf", "23",
		"-pix_fmt", "yuv420p",
		"-vf", "scale=1280:720:force_original_aspect_ratio=decrease:force_divisible_by=2,fps=25",
		"-movflags", "+faststart",
		"-f", "mp4",
		"-max_muxing_queue_size", "1024",
		"-t", strconv.Itoa(int(maxDuration / time.Second)),
		"-y",
		outputPath,
	}
	return exec.Command(f.ffmpegPath, args...)
}
