package speech

import (
	"errors"
	"strings"

	speechmodel "github.com/zhouzirui/autoform/client/internal/model/speech"
)

// ErrMissingCredentials means the recognizer cannot authenticate.
var ErrMissingCredentials = errors.New("speech credentials missing app id or access token")

// resolveCredentials returns the trimmed app id and access token, falling
// back to APIKey for the token.
func resolveCredentials(cfg speechmodel.RecognizerConfig) (string, string, error) {
	appID := strings.TrimSpace(cfg.AppID)
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		token = strings.TrimSpace(cfg.APIKey)
	}
	if appID == "" || token == "" {
		return "", "", ErrMissingCredentials
	}
	return appID, token, nil
}

// Configured reports whether cfg carries usable credentials.
func Configured(cfg speechmodel.RecognizerConfig) bool {
	_, _, err := resolveCredentials(cfg)
	return err == nil
}
