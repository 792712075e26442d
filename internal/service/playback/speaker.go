// Package playback turns assistant replies into audible speech: the backend
// synthesizes, players render.
package playback

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/zhouzirui/autoform/client/internal/model/speech"
	"github.com/zhouzirui/autoform/client/internal/service/events"
)

// Synthesizer produces audio for text.
type Synthesizer interface {
	TextToSpeech(ctx context.Context, text string) (speech.Audio, error)
}

// Player renders synthesized audio.
type Player interface {
	Play(ctx context.Context, audio speech.Audio) error
}

// Speaker synthesizes once and hands the audio to every player.
type Speaker struct {
	synth   Synthesizer
	players []Player
	logger  *log.Logger
}

// NewSpeaker returns a speaker; with no players audio is synthesized and
// discarded.
func NewSpeaker(synth Synthesizer, logger *log.Logger, players ...Player) *Speaker {
	if logger == nil {
		logger = log.Default()
	}
	return &Speaker{synth: synth, players: players, logger: logger.WithPrefix("playback")}
}

// Speak blocks until every player has finished.
func (s *Speaker) Speak(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	audio, err := s.synth.TextToSpeech(ctx, text)
	if err != nil {
		return fmt.Errorf("synthesize speech: %w", err)
	}
	s.logger.Debug("synthesized", "bytes", len(audio.Data), "format", audio.Format)

	var errs []error
	for _, p := range s.players {
		if err := p.Play(ctx, audio); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CommandPlayer pipes audio into an external program such as
// "ffplay -nodisp -autoexit -" or "aplay -q".
type CommandPlayer struct {
	Command []string
}

func (p CommandPlayer) Play(ctx context.Context, audio speech.Audio) error {
	if len(p.Command) == 0 {
		return errors.New("player command is empty")
	}
	cmd := exec.CommandContext(ctx, p.Command[0], p.Command[1:]...)
	cmd.Stdin = bytes.NewReader(audio.Data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("run %s: %w: %s", p.Command[0], err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// DirPlayer writes every clip to a directory.
type DirPlayer struct {
	Dir string
	Now func() time.Time
}

func (p DirPlayer) Play(_ context.Context, audio speech.Audio) error {
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return fmt.Errorf("create audio dir: %w", err)
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	format := audio.Format
	if format == "" {
		format = "bin"
	}
	path := filepath.Join(p.Dir, fmt.Sprintf("reply-%d.%s", now().UnixNano(), format))
	if err := os.WriteFile(path, audio.Data, 0o644); err != nil {
		return fmt.Errorf("write audio: %w", err)
	}
	return nil
}

// Publisher accepts session events.
type Publisher interface {
	Publish(events.Event)
}

// BroadcastPlayer forwards clips to event subscribers so a browser can play
// them.
type BroadcastPlayer struct {
	Events Publisher
}

func (p BroadcastPlayer) Play(_ context.Context, audio speech.Audio) error {
	p.Events.Publish(events.Event{
		Type:   events.TypeAudio,
		Audio:  base64.StdEncoding.EncodeToString(audio.Data),
		Format: audio.Format,
	})
	return nil
}
