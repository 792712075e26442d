// Package audio provides raw PCM sources for speech recognition.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/charmbracelet/log"
)

// DefaultCaptureCommand records 16 kHz 16-bit mono PCM to stdout.
var DefaultCaptureCommand = []string{"arecord", "-q", "-f", "S16_LE", "-r", "16000", "-c", "1", "-t", "raw"}

const readBufferBytes = 3200

// CommandSource captures audio from an external recorder. Each Stream call
// starts a fresh process that lives until the context ends.
type CommandSource struct {
	Command []string
	Logger  *log.Logger
}

func (s CommandSource) Stream(ctx context.Context) (<-chan []byte, error) {
	command := s.Command
	if len(command) == 0 {
		command = DefaultCaptureCommand
	}
	logger := s.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.WithPrefix("capture")

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", command[0], err)
	}

	out := make(chan []byte, 8)
	go func() {
		defer close(out)
		pump(ctx, stdout, out)
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			logger.Warn("capture exited", "cmd", command[0], "err", err, "stderr", stderr.String())
		}
	}()
	return out, nil
}

// FileSource replays a PCM or WAV file at real-time pace.
type FileSource struct {
	Path string
	// BytesPerSecond of the PCM data; 32000 for 16 kHz 16-bit mono.
	BytesPerSecond int
}

func (s FileSource) Stream(ctx context.Context) (<-chan []byte, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read audio file: %w", err)
	}
	data = stripWAVHeader(data)
	if len(data) == 0 {
		return nil, errors.New("audio file is empty")
	}

	rate := s.BytesPerSecond
	if rate <= 0 {
		rate = 32000
	}
	interval := time.Duration(readBufferBytes) * time.Second / time.Duration(rate)

	out := make(chan []byte)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for off := 0; off < len(data); off += readBufferBytes {
			end := min(off+readBufferBytes, len(data))
			select {
			case out <- data[off:end]:
			case <-ctx.Done():
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// stripWAVHeader drops a canonical 44-byte RIFF header.
func stripWAVHeader(data []byte) []byte {
	if len(data) >= 44 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")) {
		return data[44:]
	}
	return data
}

func pump(ctx context.Context, r io.Reader, out chan<- []byte) {
	for {
		buf := make([]byte, readBufferBytes)
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case out <- buf[:n]:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			return
		}
	}
}
