package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	API      APIConfig      `json:"api"`
	Realtime RealtimeConfig `json:"realtime"`
	Auth     AuthConfig     `json:"auth"`
	Download DownloadConfig `json:"download"`
	Logging  LoggingConfig  `json:"logging"`
}

type APIConfig struct {
	BaseURL          string `json:"base_url" env:"CONSOLE_API_BASE_URL"`
	RequestTimeoutMS int    `json:"request_timeout_ms" env:"CONSOLE_API_REQUEST_TIMEOUT_MS"`
}

type RealtimeConfig struct {
	BaseURL            string `json:"base_url" env:"CONSOLE_REALTIME_BASE_URL"`
	MaxRetryConnection int    `json:"max_retry_connection" env:"CONSOLE_REALTIME_MAX_RETRY_CONNECTION"`
	ProbeText          string `json:"probe_text" env:"CONSOLE_REALTIME_PROBE_TEXT"`
	HandshakeTimeoutMS int    `json:"handshake_timeout_ms" env:"CONSOLE_REALTIME_HANDSHAKE_TIMEOUT_MS"`
}

type AuthConfig struct {
	SignInURL        string `json:"sign_in_url" env:"CONSOLE_AUTH_SIGN_IN_URL"`
	ExpiredSentinel  string `json:"expired_sentinel" env:"CONSOLE_AUTH_EXPIRED_SENTINEL"`
	UserIDClaim      string `json:"user_id_claim" env:"CONSOLE_AUTH_USER_ID_CLAIM"`
	FallbackIDClaims string `json:"fallback_id_claims" env:"CONSOLE_AUTH_FALLBACK_ID_CLAIMS"`
}

type DownloadConfig struct {
	Dir string `json:"dir" env:"CONSOLE_DOWNLOAD_DIR"`
}

type LoggingConfig struct {
	Level       string `json:"level" env:"CONSOLE_LOGGING_LEVEL"`
	FileEnabled bool   `json:"file_enabled" env:"CONSOLE_LOGGING_FILE_ENABLED"`
	FilePath    string `json:"file_path" env:"CONSOLE_LOGGING_FILE_PATH"`
}

func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:          "https://postgres.ai/api/general",
			RequestTimeoutMS: 30000,
		},
		Realtime: RealtimeConfig{
			BaseURL:            "wss://postgres.ai/websockets",
			MaxRetryConnection: 5,
			ProbeText:          "?",
			HandshakeTimeoutMS: 10000,
		},
		Auth: AuthConfig{
			SignInURL:        "/signin",
			ExpiredSentinel:  "JWT expired",
			UserIDClaim:      "user_id",
			FallbackIDClaims: "id",
		},
		Download: DownloadConfig{
			Dir: "~/.console/downloads",
		},
		Logging: LoggingConfig{
			Level:       "info",
			FileEnabled: false,
			FilePath:    "~/.console/console.log",
		},
	}
}

// LoadConfig reads path on top of defaults and applies CONSOLE_* env
// overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) DownloadPath() string {
	return expandHome(c.Download.Dir)
}

func (c *Config) LogFilePath() string {
	return expandHome(c.Logging.FilePath)
}

// IDClaims returns the ordered list of JWT claims checked for the
// numeric user id.
func (c *Config) IDClaims() []string {
	claims := []string{c.Auth.UserIDClaim}
	for _, extra := range strings.Split(c.Auth.FallbackIDClaims, ",") {
		extra = strings.TrimSpace(extra)
		if extra != "" {
			claims = append(claims, extra)
		}
	}
	return claims
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
