package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	Server         Server `toml:"server"`
	Engine         Engine `toml:"engine"`
}

// Server locates the chat backend and the credentials used against it.
type Server struct {
	BaseURL   string `toml:"base_url"`
	ChatPath  string `toml:"chat_path"`
	APIPrefix string `toml:"api_prefix"`
	UserID    int64  `toml:"user_id"`
	TokenFile string `toml:"token_file"`
	// Token is only read from the environment, never persisted.
	Token string `toml:"-"`
}

// Engine holds the timing and retry knobs of the sync engine.
type Engine struct {
	ConnectTimeout       Duration `toml:"connect_timeout"`
	HeartbeatInterval    Duration `toml:"heartbeat_interval"`
	PongTimeout          Duration `toml:"pong_timeout"`
	BackoffInitial       Duration `toml:"backoff_initial"`
	BackoffMultiplier    float64  `toml:"backoff_multiplier"`
	BackoffMax           Duration `toml:"backoff_max"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	MaxSendRetries       int      `toml:"max_send_retries"`
	TypingExpiry         Duration `toml:"typing_expiry"`
	ConversationTTL      Duration `toml:"conversation_ttl"`
	CachedPageSize       int      `toml:"cached_page_size"`
	HTTPTimeout          Duration `toml:"http_timeout"`
}

// Duration is a time.Duration that reads and writes as "10s" in toml.
type Duration struct {
	time.Duration
}

// D wraps d.
func D(d time.Duration) Duration { return Duration{d} }

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Server: Server{
			BaseURL:   "http://localhost:8000",
			ChatPath:  "/ws/chat",
			APIPrefix: "/api/v1",
		},
		Engine: DefaultEngine(),
	}
}

// DefaultEngine returns the stock timing constants.
func DefaultEngine() Engine {
	return Engine{
		ConnectTimeout:       D(10 * time.Second),
		HeartbeatInterval:    D(30 * time.Second),
		PongTimeout:          D(10 * time.Second),
		BackoffInitial:       D(time.Second),
		BackoffMultiplier:    1.5,
		BackoffMax:           D(30 * time.Second),
		MaxReconnectAttempts: 10,
		MaxSendRetries:       5,
		TypingExpiry:         D(3 * time.Second),
		ConversationTTL:      D(5 * time.Minute),
		CachedPageSize:       50,
		HTTPTimeout:          D(15 * time.Second),
	}
}

// Load reads config from the given path on top of the defaults.
// Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// ApplyEnv overlays CHATSYNC_* variables onto cfg. Values come from the
// optional dotenv file first, then from the process environment, which wins.
func (cfg *Config) ApplyEnv(envFile string) error {
	vars := map[string]string{}
	if envFile != "" {
		fileVars, err := godotenv.Read(envFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("read %s: %w", envFile, err)
		}
		for k, v := range fileVars {
			vars[k] = v
		}
	}
	for _, key := range []string{"CHATSYNC_BASE_URL", "CHATSYNC_CHAT_PATH", "CHATSYNC_USER_ID", "CHATSYNC_TOKEN_FILE", "CHATSYNC_TOKEN"} {
		if v, ok := os.LookupEnv(key); ok {
			vars[key] = v
		}
	}

	if v := vars["CHATSYNC_BASE_URL"]; v != "" {
		cfg.Server.BaseURL = v
	}
	if v := vars["CHATSYNC_CHAT_PATH"]; v != "" {
		cfg.Server.ChatPath = v
	}
	if v := vars["CHATSYNC_USER_ID"]; v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CHATSYNC_USER_ID: %w", err)
		}
		cfg.Server.UserID = id
	}
	if v := vars["CHATSYNC_TOKEN_FILE"]; v != "" {
		cfg.Server.TokenFile = v
	}
	if v := vars["CHATSYNC_TOKEN"]; v != "" {
		cfg.Server.Token = v
	}
	return nil
}

// Validate rejects settings the engine cannot run with.
func (cfg *Config) Validate() error {
	e := cfg.Engine
	switch {
	case cfg.Server.BaseURL == "":
		return errors.New("server.base_url is required")
	case e.BackoffMultiplier < 1:
		return fmt.Errorf("engine.backoff_multiplier must be >= 1, got %v", e.BackoffMultiplier)
	case e.BackoffInitial.Duration <= 0 || e.BackoffMax.Duration < e.BackoffInitial.Duration:
		return errors.New("engine.backoff_initial must be positive and not above backoff_max")
	case e.HeartbeatInterval.Duration <= 0 || e.PongTimeout.Duration <= 0 || e.ConnectTimeout.Duration <= 0:
		return errors.New("engine timeouts must be positive")
	case e.MaxReconnectAttempts < 1 || e.MaxSendRetries < 1:
		return errors.New("engine retry ceilings must be at least 1")
	}
	return nil
}
