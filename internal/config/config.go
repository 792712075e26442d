package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"

	speechmodel "github.com/zhouzirui/autoform/client/internal/model/speech"
)

// Audio source kinds.
const (
	SourceCommand   = "command"
	SourceWebSocket = "websocket"
	SourceNone      = "none"
)

// Config aggregates everything the client reads from the environment.
type Config struct {
	Server   ServerConfig
	Backend  BackendConfig
	Speech   SpeechConfig
	Audio    AudioConfig
	LogLevel log.Level
}

// Load reads the configuration from environment variables.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	backend, err := loadBackendConfig()
	if err != nil {
		return nil, err
	}

	speech, err := loadSpeechConfig()
	if err != nil {
		return nil, err
	}

	audio, err := loadAudioConfig()
	if err != nil {
		return nil, err
	}

	level, err := log.ParseLevel(getEnvOrDefault("LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	return &Config{Server: server, Backend: backend, Speech: speech, Audio: audio, LogLevel: level}, nil
}

// ServerConfig is the local control surface listener.
type ServerConfig struct {
	Addr string
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8090"
	}
	return ServerConfig{}.withAddr(port)
}

// withAddr accepts "8090", ":8090" or "127.0.0.1:8090".
func (ServerConfig) withAddr(port string) (ServerConfig, error) {
	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}
	if strings.Contains(port, ":") {
		return ServerConfig{Addr: port}, nil
	}
	return ServerConfig{Addr: ":" + port}, nil
}

// NormalizeAddr applies the PORT rules to a flag value.
func NormalizeAddr(port string) (string, error) {
	cfg, err := ServerConfig{}.withAddr(strings.TrimSpace(port))
	return cfg.Addr, err
}

// BackendConfig locates the AutoForm REST API.
type BackendConfig struct {
	URL string
}

func loadBackendConfig() (BackendConfig, error) {
	raw := getEnvOrDefault("AUTOFORM_BACKEND_URL", "http://localhost:5000")
	if err := ValidateBackendURL(raw); err != nil {
		return BackendConfig{}, err
	}
	return BackendConfig{URL: strings.TrimRight(raw, "/")}, nil
}

// ValidateBackendURL requires an absolute http(s) URL.
func ValidateBackendURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid AUTOFORM_BACKEND_URL %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid AUTOFORM_BACKEND_URL %q: want http(s)://host[:port]", raw)
	}
	return nil
}

// SpeechConfig holds the recognizer settings. Enabled is false when no
// credentials are present, which runs sessions without voice input.
type SpeechConfig struct {
	Recognizer speechmodel.RecognizerConfig
	Enabled    bool
}

func loadSpeechConfig() (SpeechConfig, error) {
	concurrent, err := parseBoolEnv("SPEECH_CONCURRENT", false)
	if err != nil {
		return SpeechConfig{}, err
	}

	endWindow, err := parseOptionalIntEnv("SPEECH_END_WINDOW_MS")
	if err != nil {
		return SpeechConfig{}, err
	}

	timeout, err := parseOptionalIntEnv("SPEECH_TIMEOUT")
	if err != nil {
		return SpeechConfig{}, err
	}

	sampleRate, err := parseOptionalIntEnv("SPEECH_SAMPLE_RATE")
	if err != nil {
		return SpeechConfig{}, err
	}

	cfg := speechmodel.RecognizerConfig{
		AppID:          strings.TrimSpace(os.Getenv("SPEECH_APP_ID")),
		AccessToken:    strings.TrimSpace(os.Getenv("SPEECH_ACCESS_TOKEN")),
		APIKey:         strings.TrimSpace(os.Getenv("SPEECH_API_KEY")),
		Endpoint:       getEnvOrDefault("SPEECH_ASR_ENDPOINT", ""),
		ConcurrentMode: concurrent,
		Model:          getEnvOrDefault("SPEECH_ASR_MODEL", "bigmodel"),
		Language:       getEnvOrDefault("SPEECH_ASR_LANGUAGE", "en-US"),
	}
	if endWindow != nil {
		cfg.EndWindowSize = *endWindow
	}
	if timeout != nil {
		cfg.HandshakeTimeout = *timeout
	}
	if sampleRate != nil {
		cfg.SampleRate = *sampleRate
	}

	token := cfg.AccessToken
	if token == "" {
		token = cfg.APIKey
	}
	return SpeechConfig{Recognizer: cfg, Enabled: cfg.AppID != "" && token != ""}, nil
}

// AudioConfig selects where microphone audio comes from and where replies
// are played.
type AudioConfig struct {
	Source         string
	CaptureCommand []string
	PlayerCommand  []string
	OutputDir      string
	Broadcast      bool
}

func loadAudioConfig() (AudioConfig, error) {
	source := strings.ToLower(getEnvOrDefault("AUDIO_SOURCE", SourceWebSocket))
	switch source {
	case SourceCommand, SourceWebSocket, SourceNone:
	default:
		return AudioConfig{}, fmt.Errorf("invalid AUDIO_SOURCE value %q", source)
	}

	broadcast, err := parseBoolEnv("AUDIO_BROADCAST", true)
	if err != nil {
		return AudioConfig{}, err
	}

	return AudioConfig{
		Source:         source,
		CaptureCommand: strings.Fields(os.Getenv("AUDIO_CAPTURE_CMD")),
		PlayerCommand:  strings.Fields(os.Getenv("AUDIO_PLAYER_CMD")),
		OutputDir:      strings.TrimSpace(os.Getenv("AUDIO_OUTPUT_DIR")),
		Broadcast:      broadcast,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
