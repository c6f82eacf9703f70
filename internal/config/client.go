// Package config provides configuration management for the minitube client.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultMaxUploadBytes is the largest file accepted for upload (100 MiB).
const DefaultMaxUploadBytes int64 = 100 * 1024 * 1024

// DefaultAllowedTypes lists the video container types accepted for upload.
var DefaultAllowedTypes = []string{"video/mp4", "video/quicktime", "video/x-matroska"}

// DefaultConfigDir returns the default config directory (~/.minitube).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".minitube"), nil
}

// DefaultConfigPath returns the default config file path (~/.minitube/config.yml).
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yml"), nil
}

// ClientConfig holds the client's configuration.
type ClientConfig struct {
	APIURL     string         `yaml:"api_url,omitempty"`
	WSURL      string         `yaml:"ws_url,omitempty"`
	Token      string         `yaml:"token,omitempty"`
	OIDC       *OIDCConfig    `yaml:"oidc,omitempty"`
	Proxy      *ProxyConfig   `yaml:"proxy,omitempty"`
	Upload     UploadConfig   `yaml:"upload,omitempty"`
	Comments   CommentsConfig `yaml:"comments,omitempty"`
	Storage    *StorageConfig `yaml:"storage,omitempty"`
	HistoryDir string         `yaml:"history_dir,omitempty"`
	LogLevel   string         `yaml:"log_level,omitempty"`
}

// OIDCConfig holds refresh-token settings for an OpenID Connect identity provider.
type OIDCConfig struct {
	Issuer       string   `yaml:"issuer"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret,omitempty"`
	RefreshToken string   `yaml:"refresh_token"`
	Scopes       []string `yaml:"scopes,omitempty"`
}

// ProxyConfig holds outbound proxy settings.
type ProxyConfig struct {
	HTTPProxy   string `yaml:"http_proxy,omitempty"`
	HTTPSProxy  string `yaml:"https_proxy,omitempty"`
	SOCKS5Proxy string `yaml:"socks5_proxy,omitempty"`
	NoProxy     string `yaml:"no_proxy,omitempty"`
}

// HasProxy returns true if any proxy is configured.
func (p *ProxyConfig) HasProxy() bool {
	return p != nil && (p.HTTPProxy != "" || p.HTTPSProxy != "" || p.SOCKS5Proxy != "")
}

// UploadConfig holds upload validation and transfer settings.
type UploadConfig struct {
	MaxBytes     int64    `yaml:"max_bytes,omitempty"`
	AllowedTypes []string `yaml:"allowed_types,omitempty"`
	// Mode is "direct" (signed URL, default) or "multipart".
	Mode string `yaml:"mode,omitempty"`
}

// CommentsConfig holds live comment stream settings.
type CommentsConfig struct {
	// Policy is "authenticated" (default) or "permissive".
	Policy    string          `yaml:"policy,omitempty"`
	Reconnect ReconnectConfig `yaml:"reconnect,omitempty"`
}

// ReconnectConfig bounds the live channel reconnect backoff.
type ReconnectConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval,omitempty"`
	MaxInterval     time.Duration `yaml:"max_interval,omitempty"`
	MaxAttempts     *int          `yaml:"max_attempts,omitempty"`
}

// StorageConfig holds object storage credentials used for orphan cleanup.
type StorageConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region,omitempty"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// Validate checks that the configuration has required fields for operation.
func (c *ClientConfig) Validate() error {
	if c.APIURL == "" {
		return errors.New("api_url is required")
	}
	if err := validateURL(c.APIURL, "http", "https"); err != nil {
		return fmt.Errorf("api_url: %w", err)
	}
	if c.WSURL != "" {
		if err := validateURL(c.WSURL, "ws", "wss"); err != nil {
			return fmt.Errorf("ws_url: %w", err)
		}
	}
	switch c.Upload.Mode {
	case "", "direct", "multipart":
	default:
		return fmt.Errorf("upload.mode must be direct or multipart, got %q", c.Upload.Mode)
	}
	switch c.Comments.Policy {
	case "", "authenticated", "permissive":
	default:
		return fmt.Errorf("comments.policy must be authenticated or permissive, got %q", c.Comments.Policy)
	}
	if c.Upload.MaxBytes < 0 {
		return errors.New("upload.max_bytes must not be negative")
	}
	if c.OIDC != nil {
		if c.OIDC.Issuer == "" || c.OIDC.ClientID == "" || c.OIDC.RefreshToken == "" {
			return errors.New("oidc requires issuer, client_id and refresh_token")
		}
	}
	return nil
}

// IsConfigured returns true if an API URL has been set.
func (c *ClientConfig) IsConfigured() bool {
	return c.APIURL != ""
}

// HasIdentity returns true if a token or identity provider is configured.
func (c *ClientConfig) HasIdentity() bool {
	return c.Token != "" || c.OIDC != nil
}

// WebSocketURL returns the live channel base URL, derived from the API URL when unset.
func (c *ClientConfig) WebSocketURL() string {
	if c.WSURL != "" {
		return strings.TrimSuffix(c.WSURL, "/")
	}
	base := strings.TrimSuffix(c.APIURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

// MaxUploadBytes returns the configured upload size cap or the default.
func (c *ClientConfig) MaxUploadBytes() int64 {
	if c.Upload.MaxBytes > 0 {
		return c.Upload.MaxBytes
	}
	return DefaultMaxUploadBytes
}

// AllowedUploadTypes returns the configured content type allow-list or the default.
func (c *ClientConfig) AllowedUploadTypes() []string {
	if len(c.Upload.AllowedTypes) > 0 {
		return c.Upload.AllowedTypes
	}
	return DefaultAllowedTypes
}

// HistoryPath returns the directory holding the local upload history database.
func (c *ClientConfig) HistoryPath() (string, error) {
	if c.HistoryDir != "" {
		return c.HistoryDir, nil
	}
	return DefaultConfigDir()
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			if parsed.Host == "" {
				return errors.New("URL must include a host")
			}
			return nil
		}
	}
	return fmt.Errorf("URL must use %s scheme", strings.Join(schemes, " or "))
}

// Load reads the configuration from the given path and applies environment overrides.
// If the file does not exist, an empty config is returned.
func Load(path string) (*ClientConfig, error) {
	var cfg ClientConfig

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg.applyEnv()
	return &cfg, nil
}

// LoadDefault loads the configuration from the default path.
func LoadDefault() (*ClientConfig, error) {
	path, err := DefaultConfigPath()
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// Save writes the configuration to the given path, creating directories as needed.
func (c *ClientConfig) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	// Tokens live in this file; keep it user-only.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// SaveDefault saves the configuration to the default path.
func (c *ClientConfig) SaveDefault() error {
	path, err := DefaultConfigPath()
	if err != nil {
		return err
	}
	return c.Save(path)
}
