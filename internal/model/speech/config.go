package speech

// RecognizerConfig configures the Volcengine streaming recognizer.
type RecognizerConfig struct {
	AppID          string `json:"appId"`
	AccessToken    string `json:"accessToken"`
	APIKey         string `json:"apiKey,omitempty"` // legacy alias for AccessToken
	Endpoint       string `json:"endpoint"`
	ConcurrentMode bool   `json:"concurrentMode"` // false selects the duration-billed resource

	Model    string `json:"model"`
	Language string `json:"language"`

	// PCM input, 16 kHz / 16 bit / mono unless overridden.
	SampleRate int `json:"sampleRate"`
	Bits       int `json:"bits"`
	Channels   int `json:"channels"`

	// EndWindowSize is the silence (ms) after which an utterance is marked definite.
	EndWindowSize int `json:"endWindowSize"`
	// HandshakeTimeout in seconds.
	HandshakeTimeout int `json:"handshakeTimeout"`
}
