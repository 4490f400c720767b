// Package config loads hub and peer configuration from defaults, an optional
// TOML file and environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
)

// AppMode selects the demo application core run by the hub.
type AppMode string

const (
	AppEcho      AppMode = "echo"
	AppBroadcast AppMode = "broadcast"
)

// HubConfig holds the hub process settings.
type HubConfig struct {
	ListenAddr     string
	Path           string
	DBPath         string
	App            AppMode
	LogLevel       string
	LogFormat      string
	SendQueue      int
	EventBuffer    int
	History        int
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
}

// PeerConfig holds the peer process settings.
type PeerConfig struct {
	Endpoint          string
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	DialTimeout       time.Duration
	PongWait          time.Duration
	MessageBuffer     int
	ConnectivityQueue int
	LogLevel          string
	LogFormat         string
}

// DefaultHubConfig returns the hub defaults. The journal lives in memory
// unless a DBPath is configured.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		ListenAddr:     ":8001",
		Path:           "/ws",
		DBPath:         ":memory:",
		App:            AppBroadcast,
		LogLevel:       "info",
		LogFormat:      "text",
		SendQueue:      256,
		EventBuffer:    1024,
		History:        32,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		MaxMessageSize: 64 * 1024,
	}
}

// DefaultPeerConfig returns the peer defaults.
func DefaultPeerConfig() PeerConfig {
	return PeerConfig{
		Endpoint:          "ws://localhost:8001/ws",
		BaseDelay:         time.Second,
		MaxDelay:          10 * time.Second,
		DialTimeout:       5 * time.Second,
		PongWait:          60 * time.Second,
		MessageBuffer:     64,
		ConnectivityQueue: 8,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

type hubFile struct {
	Listen         string `toml:"listen"`
	Path           string `toml:"path"`
	DBPath         string `toml:"db_path"`
	App            string `toml:"app"`
	LogLevel       string `toml:"log_level"`
	LogFormat      string `toml:"log_format"`
	SendQueue      int    `toml:"send_queue"`
	EventBuffer    int    `toml:"event_buffer"`
	History        int    `toml:"history"`
	WriteWait      string `toml:"write_wait"`
	PongWait       string `toml:"pong_wait"`
	MaxMessageSize int64  `toml:"max_message_size"`
}

type peerFile struct {
	Endpoint          string `toml:"endpoint"`
	BaseDelay         string `toml:"base_delay"`
	MaxDelay          string `toml:"max_delay"`
	DialTimeout       string `toml:"dial_timeout"`
	PongWait          string `toml:"pong_wait"`
	MessageBuffer     int    `toml:"message_buffer"`
	ConnectivityQueue int    `toml:"connectivity_queue"`
	LogLevel          string `toml:"log_level"`
	LogFormat         string `toml:"log_format"`
}

// LoadHub builds a HubConfig. path may be empty to skip the file stage.
func LoadHub(path string) (HubConfig, error) {
	cfg := DefaultHubConfig()

	if path != "" {
		var raw hubFile
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return HubConfig{}, fmt.Errorf("load hub config: %w", err)
		}
		if err := applyHubFile(&cfg, raw, meta); err != nil {
			return HubConfig{}, err
		}
	}

	if err := applyHubEnv(&cfg); err != nil {
		return HubConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return HubConfig{}, err
	}
	return cfg, nil
}

// LoadPeer builds a PeerConfig. path may be empty to skip the file stage.
func LoadPeer(path string) (PeerConfig, error) {
	cfg := DefaultPeerConfig()

	if path != "" {
		var raw peerFile
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return PeerConfig{}, fmt.Errorf("load peer config: %w", err)
		}
		if err := applyPeerFile(&cfg, raw, meta); err != nil {
			return PeerConfig{}, err
		}
	}

	if err := applyPeerEnv(&cfg); err != nil {
		return PeerConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return PeerConfig{}, err
	}
	return cfg, nil
}

func applyHubFile(cfg *HubConfig, raw hubFile, meta toml.MetaData) error {
	if meta.IsDefined("listen") {
		cfg.ListenAddr = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("path") {
		cfg.Path = strings.TrimSpace(raw.Path)
	}
	if meta.IsDefined("db_path") {
		cfg.DBPath = strings.TrimSpace(raw.DBPath)
	}
	if meta.IsDefined("app") {
		cfg.App = AppMode(strings.TrimSpace(raw.App))
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_format") {
		cfg.LogFormat = strings.TrimSpace(raw.LogFormat)
	}
	if meta.IsDefined("send_queue") {
		cfg.SendQueue = raw.SendQueue
	}
	if meta.IsDefined("event_buffer") {
		cfg.EventBuffer = raw.EventBuffer
	}
	if meta.IsDefined("history") {
		cfg.History = raw.History
	}
	if meta.IsDefined("max_message_size") {
		cfg.MaxMessageSize = raw.MaxMessageSize
	}
	if meta.IsDefined("write_wait") {
		d, err := parseDuration("write_wait", raw.WriteWait)
		if err != nil {
			return err
		}
		cfg.WriteWait = d
	}
	if meta.IsDefined("pong_wait") {
		d, err := parseDuration("pong_wait", raw.PongWait)
		if err != nil {
			return err
		}
		cfg.PongWait = d
	}
	return nil
}

func applyPeerFile(cfg *PeerConfig, raw peerFile, meta toml.MetaData) error {
	if meta.IsDefined("endpoint") {
		cfg.Endpoint = strings.TrimSpace(raw.Endpoint)
	}
	if meta.IsDefined("message_buffer") {
		cfg.MessageBuffer = raw.MessageBuffer
	}
	if meta.IsDefined("connectivity_queue") {
		cfg.ConnectivityQueue = raw.ConnectivityQueue
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_format") {
		cfg.LogFormat = strings.TrimSpace(raw.LogFormat)
	}

	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"base_delay", raw.BaseDelay, &cfg.BaseDelay},
		{"max_delay", raw.MaxDelay, &cfg.MaxDelay},
		{"dial_timeout", raw.DialTimeout, &cfg.DialTimeout},
		{"pong_wait", raw.PongWait, &cfg.PongWait},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := parseDuration(d.key, d.val)
		if err != nil {
			return err
		}
		*d.dst = v
	}
	return nil
}

func applyHubEnv(cfg *HubConfig) error {
	cfg.ListenAddr = getEnv("RELAY_LISTEN", cfg.ListenAddr)
	cfg.DBPath = getEnv("RELAY_DB_PATH", cfg.DBPath)
	cfg.App = AppMode(getEnv("RELAY_APP", string(cfg.App)))
	cfg.LogLevel = getEnv("RELAY_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("RELAY_LOG_FORMAT", cfg.LogFormat)

	// PORT is kept for parity with common process managers.
	if port := os.Getenv("PORT"); port != "" && os.Getenv("RELAY_LISTEN") == "" {
		if _, err := strconv.Atoi(port); err != nil {
			return fmt.Errorf("parse PORT: %w", err)
		}
		cfg.ListenAddr = ":" + port
	}
	return nil
}

func applyPeerEnv(cfg *PeerConfig) error {
	cfg.Endpoint = getEnv("RELAY_ENDPOINT", cfg.Endpoint)
	cfg.LogLevel = getEnv("RELAY_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("RELAY_LOG_FORMAT", cfg.LogFormat)

	if v := os.Getenv("RELAY_BASE_DELAY"); v != "" {
		d, err := parseDuration("RELAY_BASE_DELAY", v)
		if err != nil {
			return err
		}
		cfg.BaseDelay = d
	}
	if v := os.Getenv("RELAY_MAX_DELAY"); v != "" {
		d, err := parseDuration("RELAY_MAX_DELAY", v)
		if err != nil {
			return err
		}
		cfg.MaxDelay = d
	}
	return nil
}

// Validate reports every invalid hub setting at once.
func (c HubConfig) Validate() error {
	var errs error
	if c.ListenAddr == "" {
		errs = multierror.Append(errs, fmt.Errorf("listen address is empty"))
	}
	if !strings.HasPrefix(c.Path, "/") {
		errs = multierror.Append(errs, fmt.Errorf("path %q must start with /", c.Path))
	}
	if c.DBPath == "" {
		errs = multierror.Append(errs, fmt.Errorf("db_path is empty"))
	}
	if c.App != AppEcho && c.App != AppBroadcast {
		errs = multierror.Append(errs, fmt.Errorf("unknown app %q", c.App))
	}
	if c.SendQueue <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("send_queue must be positive, got %d", c.SendQueue))
	}
	if c.EventBuffer < 0 {
		errs = multierror.Append(errs, fmt.Errorf("event_buffer must not be negative, got %d", c.EventBuffer))
	}
	if c.History < 0 {
		errs = multierror.Append(errs, fmt.Errorf("history must not be negative, got %d", c.History))
	}
	if c.WriteWait <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("write_wait must be positive"))
	}
	if c.PongWait <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("pong_wait must be positive"))
	}
	if c.MaxMessageSize <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("max_message_size must be positive"))
	}
	return errs
}

// Validate reports every invalid peer setting at once.
func (c PeerConfig) Validate() error {
	var errs error
	if !strings.HasPrefix(c.Endpoint, "ws://") && !strings.HasPrefix(c.Endpoint, "wss://") {
		errs = multierror.Append(errs, fmt.Errorf("endpoint %q must be a ws:// or wss:// URL", c.Endpoint))
	}
	if c.BaseDelay <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("base_delay must be positive"))
	}
	if c.MaxDelay < c.BaseDelay {
		errs = multierror.Append(errs, fmt.Errorf("max_delay %s is below base_delay %s", c.MaxDelay, c.BaseDelay))
	}
	if c.DialTimeout <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("dial_timeout must be positive"))
	}
	if c.PongWait <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("pong_wait must be positive"))
	}
	if c.MessageBuffer < 0 || c.ConnectivityQueue < 0 {
		errs = multierror.Append(errs, fmt.Errorf("buffer sizes must not be negative"))
	}
	return errs
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
