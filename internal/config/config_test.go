package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.MaxTransfers != 5 {
		t.Errorf("MaxTransfers = %d, want 5", cfg.MaxTransfers)
	}
	if cfg.Download.Bandwidth != -1 || cfg.Upload.Bandwidth != -1 {
		t.Error("bandwidth should default to unlimited")
	}
	if cfg.SyncDefaultAction != SyncUpload {
		t.Errorf("SyncDefaultAction = %q, want upload", cfg.SyncDefaultAction)
	}
}

func TestLoad(t *testing.T) {
	t.Run("Missing File Uses Defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.MaxTransfers != 5 {
			t.Errorf("MaxTransfers = %d, want 5", cfg.MaxTransfers)
		}
	})

	t.Run("File Overrides Defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "skiff.json")
		data := `{"max_transfers": 2, "download": {"file_exists": "resume", "reload_file_exists": "ask", "bandwidth": 1024}}`
		if err := os.WriteFile(path, []byte(data), 0644); err != nil {
			t.Fatal(err)
		}
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.MaxTransfers != 2 {
			t.Errorf("MaxTransfers = %d, want 2", cfg.MaxTransfers)
		}
		if cfg.Download.FileExists != ActionResume {
			t.Errorf("Download.FileExists = %q, want resume", cfg.Download.FileExists)
		}
		if cfg.Download.Bandwidth != 1024 {
			t.Errorf("Download.Bandwidth = %d, want 1024", cfg.Download.Bandwidth)
		}
	})

	t.Run("Environment Overrides File", func(t *testing.T) {
		t.Setenv("SKIFF_MAX_TRANSFERS", "9")
		t.Setenv("SKIFF_TIMEOUT", "5")
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.MaxTransfers != 9 {
			t.Errorf("MaxTransfers = %d, want 9", cfg.MaxTransfers)
		}
		if cfg.ConnectTimeout != 5*time.Second {
			t.Errorf("ConnectTimeout = %v, want 5s", cfg.ConnectTimeout)
		}
	})

	t.Run("Bad Environment Value", func(t *testing.T) {
		t.Setenv("SKIFF_RETRY", "often")
		if _, err := Load(""); err == nil {
			t.Fatal("expected error for non-numeric SKIFF_RETRY")
		}
	})

	t.Run("Malformed JSON", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.json")
		if err := os.WriteFile(path, []byte("{"), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Fatal("expected parse error")
		}
	})
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"Zero Max Transfers", func(c *Config) { c.MaxTransfers = 0 }, "max_transfers"},
		{"Unknown Action", func(c *Config) { c.Upload.FileExists = "merge" }, "upload.file_exists"},
		{"Bad Regex", func(c *Config) { c.Download.SkipRegex = "(" }, "download.skip_regex"},
		{"Unknown Sync Policy", func(c *Config) { c.SyncDefaultAction = "both" }, "sync_default_action"},
		{"Ask As Prompt Default", func(c *Config) { c.PromptDefaultAction = ActionAsk }, "prompt_default_action"},
		{"Negative Retry", func(c *Config) { c.Retry = -1 }, "retry"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestSkipPattern(t *testing.T) {
	cfg := Default()
	re := cfg.Download.SkipPattern()
	if re == nil {
		t.Fatal("expected a compiled pattern")
	}
	for _, name := range []string{".DS_Store", ".git", "CVS", "notes~.txt"} {
		if !re.MatchString(name) {
			t.Errorf("%q should be skipped", name)
		}
	}
	for _, name := range []string{"report.txt", "my.git.txt", "CVSROOT"} {
		if re.MatchString(name) {
			t.Errorf("%q should not be skipped", name)
		}
	}

	cfg.Download.SkipEnable = false
	if cfg.Download.SkipPattern() != nil {
		t.Error("disabled skip should yield nil pattern")
	}
}
