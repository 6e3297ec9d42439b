package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shawkym/mxview/pkg/config"
	"github.com/shawkym/mxview/pkg/log"
	"github.com/shawkym/mxview/pkg/metrics"
)

// OptionsFromConfig maps the matrix section of the config to client options.
func OptionsFromConfig(cfg config.MatrixConfig, m *metrics.Metrics) Options {
	return Options{
		Timeout:    cfg.RequestTimeout,
		RateLimit:  cfg.RateLimit,
		Burst:      cfg.RateLimitBurst,
		WriteRate:  cfg.WriteRate,
		MaxRetries: cfg.MaxRetries,
		Metrics:    m,
	}
}

// Connect returns a client for the configured account, logging in with the
// password when no access token is configured.
func Connect(ctx context.Context, cfg config.MatrixConfig, m *metrics.Metrics) (*Client, error) {
	if cfg.Homeserver == "" {
		return nil, fmt.Errorf("homeserver is required")
	}
	opts := OptionsFromConfig(cfg, m)

	token := cfg.AccessToken
	userID := cfg.UserID
	if token == "" {
		if cfg.UserID == "" || cfg.Password == "" {
			return nil, fmt.Errorf("access token or user ID and password are required")
		}
		var err error
		token, userID, err = LoginWithPassword(ctx, cfg.Homeserver, cfg.UserID, cfg.Password, opts)
		if err != nil {
			return nil, fmt.Errorf("login as %s: %w", cfg.UserID, err)
		}
		log.WithField("user_id", userID).Info("logged in with password")
	}
	if userID == "" {
		userID = cfg.UserID
	}

	return NewClient(cfg.Homeserver, token, userID, opts), nil
}

// BuildSyncFilter returns an inline sync filter limited to roomID, with
// timeline events capped at limit and typing notifications included.
func BuildSyncFilter(roomID string, limit int) string {
	if limit <= 0 {
		limit = 50
	}
	filter := map[string]interface{}{
		"presence":     map[string]interface{}{"types": []string{}},
		"account_data": map[string]interface{}{"types": []string{}},
		"room": map[string]interface{}{
			"rooms":     []string{roomID},
			"timeline":  map[string]interface{}{"limit": limit},
			"ephemeral": map[string]interface{}{"types": []string{"m.typing"}},
			"state":     map[string]interface{}{"lazy_load_members": true},
		},
	}
	data, err := json.Marshal(filter)
	if err != nil {
		return ""
	}
	return string(data)
}

// FormatSenderName returns the localpart of a Matrix user ID.
func FormatSenderName(sender string) string {
	if name := localpart(sender); name != "" {
		return name
	}
	return strings.TrimPrefix(sender, "@")
}
