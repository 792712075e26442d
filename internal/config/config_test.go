package config

import (
	"testing"

	"github.com/charmbracelet/log"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "AUTOFORM_BACKEND_URL", "SPEECH_APP_ID", "SPEECH_ACCESS_TOKEN", "SPEECH_API_KEY",
		"AUDIO_SOURCE", "AUDIO_CAPTURE_CMD", "AUDIO_PLAYER_CMD", "AUDIO_OUTPUT_DIR", "LOG_LEVEL",
		"SPEECH_END_WINDOW_MS", "SPEECH_TIMEOUT", "SPEECH_SAMPLE_RATE", "SPEECH_CONCURRENT", "AUDIO_BROADCAST",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if cfg.Server.Addr != ":8090" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Backend.URL != "http://localhost:5000" {
		t.Errorf("Backend URL = %q", cfg.Backend.URL)
	}
	if cfg.Speech.Enabled {
		t.Error("speech should be disabled without credentials")
	}
	if cfg.Audio.Source != SourceWebSocket || !cfg.Audio.Broadcast {
		t.Errorf("unexpected audio config %+v", cfg.Audio)
	}
	if cfg.LogLevel != log.InfoLevel {
		t.Errorf("LogLevel = %v", cfg.LogLevel)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "127.0.0.1:9000")
	t.Setenv("AUTOFORM_BACKEND_URL", "https://forms.example.com/")
	t.Setenv("SPEECH_APP_ID", "app")
	t.Setenv("SPEECH_API_KEY", "key")
	t.Setenv("SPEECH_END_WINDOW_MS", "600")
	t.Setenv("AUDIO_SOURCE", "command")
	t.Setenv("AUDIO_CAPTURE_CMD", "arecord -q -f S16_LE")
	t.Setenv("AUDIO_PLAYER_CMD", "ffplay -nodisp -autoexit -")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9000" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Backend.URL != "https://forms.example.com" {
		t.Errorf("Backend URL = %q", cfg.Backend.URL)
	}
	if !cfg.Speech.Enabled || cfg.Speech.Recognizer.EndWindowSize != 600 {
		t.Errorf("unexpected speech config %+v", cfg.Speech)
	}
	if len(cfg.Audio.CaptureCommand) != 3 || cfg.Audio.PlayerCommand[0] != "ffplay" {
		t.Errorf("unexpected audio config %+v", cfg.Audio)
	}
	if cfg.LogLevel != log.DebugLevel {
		t.Errorf("LogLevel = %v", cfg.LogLevel)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"port with space", "PORT", "80 80"},
		{"backend scheme", "AUTOFORM_BACKEND_URL", "ftp://example.com"},
		{"audio source", "AUDIO_SOURCE", "tape"},
		{"bool", "SPEECH_CONCURRENT", "maybe"},
		{"int", "SPEECH_TIMEOUT", "soon"},
		{"log level", "LOG_LEVEL", "loud"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestNormalizeAddr(t *testing.T) {
	for in, want := range map[string]string{"8080": ":8080", ":9090": ":9090", "0.0.0.0:1": "0.0.0.0:1"} {
		got, err := NormalizeAddr(in)
		if err != nil || got != want {
			t.Errorf("NormalizeAddr(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
}
