// Package config holds the options consumed by the transfer engine.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"
)

// Action names accepted for duplicate-file handling.
const (
	ActionOverwrite = "overwrite"
	ActionResume    = "resume"
	ActionRename    = "rename"
	ActionSkip      = "skip"
	ActionAsk       = "ask"
)

// Sync policy names.
const (
	SyncMirror   = "mirror"
	SyncDownload = "download"
	SyncUpload   = "upload"
)

// DirectionConfig holds the options that exist once per transfer direction.
type DirectionConfig struct {
	// FileExists is the duplicate-file action for a normal run.
	FileExists string `json:"file_exists"`
	// ReloadFileExists is the duplicate-file action when a transfer is reloaded.
	ReloadFileExists string `json:"reload_file_exists"`

	PreserveDate bool `json:"preserve_date"`
	// PreserveDateFallback adjusts the local timestamp when the server refuses to set its own.
	PreserveDateFallback bool `json:"preserve_date_fallback,omitempty"`

	ChangePermissions     bool        `json:"change_permissions"`
	PermissionsUseDefault bool        `json:"permissions_use_default"`
	FilePermission        os.FileMode `json:"file_permission"`
	FolderPermission      os.FileMode `json:"folder_permission"`

	SkipEnable bool   `json:"skip_enable"`
	SkipRegex  string `json:"skip_regex"`

	// Bandwidth is the ceiling in bytes per second; -1 means unlimited.
	Bandwidth int64 `json:"bandwidth"`
}

// Config is the full option set. A loaded Config is treated as immutable.
type Config struct {
	MaxTransfers int `json:"max_transfers"`

	Download DirectionConfig `json:"download"`
	Upload   DirectionConfig `json:"upload"`

	SyncDefaultAction   string `json:"sync_default_action"`
	PromptDefaultAction string `json:"prompt_default_action"`

	ConnectTimeout    time.Duration `json:"connect_timeout"`
	Retry             int           `json:"retry"`
	RetryDelay        time.Duration `json:"retry_delay"`
	KeepAlive         bool          `json:"keepalive"`
	KeepAliveInterval time.Duration `json:"keepalive_interval"`
	TranscriptLength  int           `json:"transcript_length"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
}

const (
	defaultDownloadSkip = `.*~\..*|\.DS_Store|\.svn|CVS|RCS|SCCS|\.git|\.bzr|\.bzrignore|\.bzrtags|\.hg|\.hgignore|\.hgtags|_darcs`
	defaultUploadSkip   = `.*~\..*|\.DS_Store|\.svn|CVS`
)

// Default returns the stock configuration.
func Default() Config {
	return Config{
		MaxTransfers: 5,
		Download: DirectionConfig{
			FileExists:        ActionAsk,
			ReloadFileExists:  ActionAsk,
			PreserveDate:      true,
			ChangePermissions: true,
			FilePermission:    0644,
			FolderPermission:  0755,
			SkipEnable:        true,
			SkipRegex:         defaultDownloadSkip,
			Bandwidth:         -1,
		},
		Upload: DirectionConfig{
			FileExists:        ActionAsk,
			ReloadFileExists:  ActionAsk,
			PreserveDate:      true,
			ChangePermissions: true,
			FilePermission:    0644,
			FolderPermission:  0755,
			SkipEnable:        true,
			SkipRegex:         defaultUploadSkip,
			Bandwidth:         -1,
		},
		SyncDefaultAction:   SyncUpload,
		PromptDefaultAction: ActionOverwrite,
		ConnectTimeout:      30 * time.Second,
		Retry:               1,
		RetryDelay:          10 * time.Second,
		KeepAlive:           false,
		KeepAliveInterval:   30 * time.Second,
		TranscriptLength:    1000,
		LogLevel:            "info",
		LogFormat:           "console",
	}
}

// Load reads a JSON file over the defaults and then applies environment
// overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	var err error
	if c.MaxTransfers, err = envInt("SKIFF_MAX_TRANSFERS", c.MaxTransfers); err != nil {
		return err
	}
	if c.Retry, err = envInt("SKIFF_RETRY", c.Retry); err != nil {
		return err
	}
	if c.ConnectTimeout, err = envSeconds("SKIFF_TIMEOUT", c.ConnectTimeout); err != nil {
		return err
	}
	if c.RetryDelay, err = envSeconds("SKIFF_RETRY_DELAY", c.RetryDelay); err != nil {
		return err
	}
	if c.Download.Bandwidth, err = envInt64("SKIFF_BANDWIDTH_DOWNLOAD", c.Download.Bandwidth); err != nil {
		return err
	}
	if c.Upload.Bandwidth, err = envInt64("SKIFF_BANDWIDTH_UPLOAD", c.Upload.Bandwidth); err != nil {
		return err
	}
	c.LogLevel = envOr("SKIFF_LOG_LEVEL", c.LogLevel)
	return nil
}

// Validate checks the configuration for values the engine cannot use.
func (c *Config) Validate() error {
	if c.MaxTransfers < 1 {
		return fmt.Errorf("max_transfers must be at least 1, got %d", c.MaxTransfers)
	}
	if c.Retry < 0 {
		return fmt.Errorf("retry cannot be negative, got %d", c.Retry)
	}
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("connect_timeout cannot be negative")
	}
	for name, d := range map[string]DirectionConfig{"download": c.Download, "upload": c.Upload} {
		if !isAction(d.FileExists) {
			return fmt.Errorf("%s.file_exists: unknown action %q", name, d.FileExists)
		}
		if !isAction(d.ReloadFileExists) {
			return fmt.Errorf("%s.reload_file_exists: unknown action %q", name, d.ReloadFileExists)
		}
		if d.SkipEnable && d.SkipRegex != "" {
			if _, err := regexp.Compile(d.SkipRegex); err != nil {
				return fmt.Errorf("%s.skip_regex: %w", name, err)
			}
		}
	}
	switch c.SyncDefaultAction {
	case SyncMirror, SyncDownload, SyncUpload:
	default:
		return fmt.Errorf("sync_default_action: unknown policy %q", c.SyncDefaultAction)
	}
	if !isAction(c.PromptDefaultAction) || c.PromptDefaultAction == ActionAsk {
		return fmt.Errorf("prompt_default_action: invalid action %q", c.PromptDefaultAction)
	}
	return nil
}

// SkipPattern returns the compiled skip regex or nil when skipping is off.
func (d DirectionConfig) SkipPattern() *regexp.Regexp {
	if !d.SkipEnable || d.SkipRegex == "" {
		return nil
	}
	re, err := regexp.Compile(`^(?:` + d.SkipRegex + `)$`)
	if err != nil {
		return nil
	}
	return re
}

func isAction(s string) bool {
	switch s {
	case ActionOverwrite, ActionResume, ActionRename, ActionSkip, ActionAsk:
		return true
	}
	return false
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envSeconds(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return time.Duration(n) * time.Second, nil
}
