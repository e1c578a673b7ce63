// Package config provides configuration management for rescale-bulk.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/rescale/rescale-bulk/internal/constants"
)

// Backend names accepted in [connection] backend.
const (
	BackendMemory = "memory"
	BackendS3     = "s3"
	BackendAzure  = "azure"
)

// Proxy modes accepted in [connection] proxy_mode.
const (
	ProxyModeNone   = "no-proxy"
	ProxyModeSystem = "system"
	ProxyModeBasic  = "basic"
	ProxyModeNTLM   = "ntlm"
)

// Config is the on-disk configuration.
//
// INI format:
//
//	[connection]
//	backend = s3
//	endpoint = https://s3.us-west-2.amazonaws.com
//	bucket = my-bucket
//	prefix = projects/
//	region = us-west-2
//	access_key = AKIA...
//	secret_key = ...
//	sas_url = https://account.blob.core.windows.net/container?sv=...
//	proxy_mode = no-proxy
//	proxy_host =
//	proxy_port = 0
//	proxy_user =
//	no_proxy = localhost,127.0.0.1
//
//	[transfer]
//	max_connections = 10
//	initial_connections = 1
//	max_attempts = 5
//	delete_on_cancel = false
//	skip_blocked = false
//
//	[logging]
//	level = info
//	file =
type Config struct {
	// [connection]
	Backend      string
	Endpoint     string
	Bucket       string // bucket for s3, container for azure
	Prefix       string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	SASURL       string

	ProxyMode     string
	ProxyHost     string
	ProxyPort     int
	ProxyUser     string
	ProxyPassword string // never written to disk
	NoProxy       string
	ProxyWarmup   bool

	// [transfer]
	MaxConnections     int
	InitialConnections int
	MaxAttempts        int
	DeleteOnCancel     bool
	SkipBlocked        bool

	// [logging]
	LogLevel string
	LogFile  string
}

// Validation errors
var (
	ErrUnknownBackend         = errors.New("backend must be one of memory, s3, azure")
	ErrMissingBucket          = errors.New("bucket is required for the s3 backend")
	ErrMissingSASURL          = errors.New("sas_url is required for the azure backend")
	ErrUnknownProxyMode       = errors.New("proxy_mode must be one of no-proxy, system, basic, ntlm")
	ErrMissingProxyHost       = errors.New("proxy_host is required for basic and ntlm proxy modes")
	ErrInvalidMaxConnections  = fmt.Errorf("max_connections must be between %d and %d", constants.MinTargetConnections, constants.MaxTargetConnections)
	ErrInvalidInitConnections = errors.New("initial_connections must be between 1 and max_connections")
	ErrInvalidMaxAttempts     = errors.New("max_attempts must be at least 1")
	ErrUnknownLogLevel        = errors.New("level must be one of debug, info, warn, error")
)

// Defaults returns a Config with default values.
func Defaults() *Config {
	return &Config{
		Backend:            BackendMemory,
		ProxyMode:          ProxyModeNone,
		MaxConnections:     constants.MaxTargetConnections,
		InitialConnections: constants.DefaultTargetConnections,
		MaxAttempts:        constants.MaxAttempts,
		LogLevel:           "info",
	}
}

// DefaultPath returns the default config file location.
// - Windows: %USERPROFILE%\.config\rescale-bulk\config.ini
// - Unix: ~/.config/rescale-bulk/config.ini
func DefaultPath() (string, error) {
	dir, err := Directory()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.ini"), nil
}

// Load reads configuration from an INI file. A missing file yields the
// defaults and no error. Environment variables override file values.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			cfg.applyEnv()
			return cfg, nil
		}
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg.applyEnv()
		return cfg, nil
	}

	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	conn := f.Section("connection")
	cfg.Backend = conn.Key("backend").MustString(cfg.Backend)
	cfg.Endpoint = conn.Key("endpoint").String()
	cfg.Bucket = conn.Key("bucket").String()
	cfg.Prefix = conn.Key("prefix").String()
	cfg.Region = conn.Key("region").String()
	cfg.AccessKey = conn.Key("access_key").String()
	cfg.SecretKey = conn.Key("secret_key").String()
	cfg.SessionToken = conn.Key("session_token").String()
	cfg.SASURL = conn.Key("sas_url").String()
	cfg.ProxyMode = conn.Key("proxy_mode").MustString(cfg.ProxyMode)
	cfg.ProxyHost = conn.Key("proxy_host").String()
	cfg.ProxyPort = conn.Key("proxy_port").MustInt(0)
	cfg.ProxyUser = conn.Key("proxy_user").String()
	cfg.NoProxy = conn.Key("no_proxy").String()
	cfg.ProxyWarmup = conn.Key("proxy_warmup").MustBool(false)

	xfer := f.Section("transfer")
	cfg.MaxConnections = xfer.Key("max_connections").MustInt(cfg.MaxConnections)
	cfg.InitialConnections = xfer.Key("initial_connections").MustInt(cfg.InitialConnections)
	cfg.MaxAttempts = xfer.Key("max_attempts").MustInt(cfg.MaxAttempts)
	cfg.DeleteOnCancel = xfer.Key("delete_on_cancel").MustBool(false)
	cfg.SkipBlocked = xfer.Key("skip_blocked").MustBool(false)

	logs := f.Section("logging")
	cfg.LogLevel = logs.Key("level").MustString(cfg.LogLevel)
	cfg.LogFile = logs.Key("file").String()

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv lets credentials come from the environment instead of the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("RESCALE_BULK_SECRET_KEY"); v != "" {
		c.SecretKey = v
	}
	if v := os.Getenv("RESCALE_BULK_SAS_URL"); v != "" {
		c.SASURL = v
	}
	if v := os.Getenv("RESCALE_BULK_PROXY_PASSWORD"); v != "" {
		c.ProxyPassword = v
	}
}

// Save writes cfg to path (the default path when empty). Parent directories
// are created. The proxy password is never written.
func Save(cfg *Config, path string) error {
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return fmt.Errorf("failed to determine config path: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f := ini.Empty()

	conn, err := f.NewSection("connection")
	if err != nil {
		return fmt.Errorf("failed to create connection section: %w", err)
	}
	conn.Key("backend").SetValue(cfg.Backend)
	conn.Key("endpoint").SetValue(cfg.Endpoint)
	conn.Key("bucket").SetValue(cfg.Bucket)
	conn.Key("prefix").SetValue(cfg.Prefix)
	conn.Key("region").SetValue(cfg.Region)
	conn.Key("access_key").SetValue(cfg.AccessKey)
	conn.Key("secret_key").SetValue(cfg.SecretKey)
	conn.Key("session_token").SetValue(cfg.SessionToken)
	conn.Key("sas_url").SetValue(cfg.SASURL)
	conn.Key("proxy_mode").SetValue(cfg.ProxyMode)
	conn.Key("proxy_host").SetValue(cfg.ProxyHost)
	conn.Key("proxy_port").SetValue(strconv.Itoa(cfg.ProxyPort))
	conn.Key("proxy_user").SetValue(cfg.ProxyUser)
	conn.Key("no_proxy").SetValue(cfg.NoProxy)
	conn.Key("proxy_warmup").SetValue(strconv.FormatBool(cfg.ProxyWarmup))

	xfer, err := f.NewSection("transfer")
	if err != nil {
		return fmt.Errorf("failed to create transfer section: %w", err)
	}
	xfer.Key("max_connections").SetValue(strconv.Itoa(cfg.MaxConnections))
	xfer.Key("initial_connections").SetValue(strconv.Itoa(cfg.InitialConnections))
	xfer.Key("max_attempts").SetValue(strconv.Itoa(cfg.MaxAttempts))
	xfer.Key("delete_on_cancel").SetValue(strconv.FormatBool(cfg.DeleteOnCancel))
	xfer.Key("skip_blocked").SetValue(strconv.FormatBool(cfg.SkipBlocked))

	logs, err := f.NewSection("logging")
	if err != nil {
		return fmt.Errorf("failed to create logging section: %w", err)
	}
	logs.Key("level").SetValue(cfg.LogLevel)
	logs.Key("file").SetValue(cfg.LogFile)

	// Temporary file + rename; the file may hold credentials.
	tmpPath := path + ".tmp"
	if err := f.SaveTo(tmpPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if runtime.GOOS != "windows" {
		if err := os.Chmod(tmpPath, 0600); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to set config permissions: %w", err)
		}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// Validate checks that the configuration can open a session.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendS3:
		if strings.TrimSpace(c.Bucket) == "" {
			return ErrMissingBucket
		}
	case BackendAzure:
		if strings.TrimSpace(c.SASURL) == "" {
			return ErrMissingSASURL
		}
	default:
		return ErrUnknownBackend
	}

	switch c.ProxyMode {
	case "", ProxyModeNone, ProxyModeSystem:
	case ProxyModeBasic, ProxyModeNTLM:
		if strings.TrimSpace(c.ProxyHost) == "" {
			return ErrMissingProxyHost
		}
	default:
		return ErrUnknownProxyMode
	}

	if c.MaxConnections < constants.MinTargetConnections || c.MaxConnections > constants.MaxTargetConnections {
		return ErrInvalidMaxConnections
	}
	if c.InitialConnections < 1 || c.InitialConnections > c.MaxConnections {
		return ErrInvalidInitConnections
	}
	if c.MaxAttempts < 1 {
		return ErrInvalidMaxAttempts
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return ErrUnknownLogLevel
	}
	return nil
}

// Keys lists the settable keys, as accepted by Set.
func Keys() []string {
	return []string{
		"backend", "endpoint", "bucket", "prefix", "region", "access_key", "secret_key",
		"session_token", "sas_url", "proxy_mode", "proxy_host", "proxy_port", "proxy_user",
		"no_proxy", "proxy_warmup", "max_connections", "initial_connections", "max_attempts",
		"delete_on_cancel", "skip_blocked", "level", "file",
	}
}

// Set assigns one key by name, parsing the value for numeric and boolean keys.
func (c *Config) Set(key, value string) error {
	var err error
	switch key {
	case "backend":
		c.Backend = value
	case "endpoint":
		c.Endpoint = value
	case "bucket":
		c.Bucket = value
	case "prefix":
		c.Prefix = value
	case "region":
		c.Region = value
	case "access_key":
		c.AccessKey = value
	case "secret_key":
		c.SecretKey = value
	case "session_token":
		c.SessionToken = value
	case "sas_url":
		c.SASURL = value
	case "proxy_mode":
		c.ProxyMode = value
	case "proxy_host":
		c.ProxyHost = value
	case "proxy_port":
		c.ProxyPort, err = strconv.Atoi(value)
	case "proxy_user":
		c.ProxyUser = value
	case "no_proxy":
		c.NoProxy = value
	case "proxy_warmup":
		c.ProxyWarmup, err = strconv.ParseBool(value)
	case "max_connections":
		c.MaxConnections, err = strconv.Atoi(value)
	case "initial_connections":
		c.InitialConnections, err = strconv.Atoi(value)
	case "max_attempts":
		c.MaxAttempts, err = strconv.Atoi(value)
	case "delete_on_cancel":
		c.DeleteOnCancel, err = strconv.ParseBool(value)
	case "skip_blocked":
		c.SkipBlocked, err = strconv.ParseBool(value)
	case "level":
		c.LogLevel = value
	case "file":
		c.LogFile = value
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return nil
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() Config {
	out := *c
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	out.SecretKey = mask(out.SecretKey)
	out.SessionToken = mask(out.SessionToken)
	out.ProxyPassword = mask(out.ProxyPassword)
	if i := strings.Index(out.SASURL, "?"); i >= 0 {
		out.SASURL = out.SASURL[:i] + "?****"
	}
	return out
}

// NeedsProxyPassword reports whether the proxy mode authenticates and no password is set yet.
func (c *Config) NeedsProxyPassword() bool {
	return (c.ProxyMode == ProxyModeBasic || c.ProxyMode == ProxyModeNTLM) &&
		c.ProxyUser != "" && c.ProxyPassword == ""
}
