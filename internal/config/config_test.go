package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"focusstack/internal/focus"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("FOCUSSTACK_CONFIG", filepath.Join(t.TempDir(), "absent.json"))
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Stacking.BlurKernel != 5 || cfg.Stacking.EdgeKernel != 5 {
		t.Fatalf("kernels = %d/%d, want 5/5", cfg.Stacking.BlurKernel, cfg.Stacking.EdgeKernel)
	}
	if cfg.Stacking.Detector != "orb" || cfg.Stacking.OnFailure != "abort" {
		t.Fatalf("unexpected stacking defaults: %+v", cfg.Stacking)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Setenv("FOCUSSTACK_CONFIG", writeConfig(t, `{
		"stacking": {"blur_kernel": 3, "on_failure": "skip", "detector": "gradient"},
		"watch": {"settle": "500ms"}
	}`))
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Stacking.BlurKernel != 3 {
		t.Fatalf("blur = %d, want 3", cfg.Stacking.BlurKernel)
	}
	if cfg.Stacking.EdgeKernel != 5 {
		t.Fatalf("edge = %d, want default 5", cfg.Stacking.EdgeKernel)
	}
	opts, err := cfg.Stacking.Options(3)
	if err != nil {
		t.Fatalf("Options: %v", err)
	}
	if opts.FailurePolicy != focus.PolicySkip || opts.Detector != "gradient" || opts.Workers != 3 {
		t.Fatalf("unexpected options: %+v", opts)
	}
	settle, err := cfg.Watch.SettleDuration()
	if err != nil || settle != 500*time.Millisecond {
		t.Fatalf("settle = %v, %v", settle, err)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"even kernel":  `{"stacking": {"edge_kernel": 4}}`,
		"detector":     `{"stacking": {"detector": "surf"}}`,
		"policy":       `{"stacking": {"on_failure": "retry"}}`,
		"codec":        `{"stacking": {"codec": "heif"}}`,
		"backend":      `{"stacking": {"backend": "cuda"}}`,
		"settle":       `{"watch": {"settle": "soon"}}`,
		"parallel":     `{"processing": {"parallel_jobs": 0}}`,
		"bad json":     `{"stacking": `,
		"reprojection": `{"stacking": {"reproj_threshold": -1}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("FOCUSSTACK_CONFIG", writeConfig(t, body))
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s", body)
			}
		})
	}
}

func TestExpandUser(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := expandUser("~/.config/focusstack/config.json")
	if err != nil {
		t.Fatalf("expandUser: %v", err)
	}
	if !strings.HasPrefix(got, home) {
		t.Fatalf("expandUser = %q, want prefix %q", got, home)
	}
	if got, _ := expandUser("/abs/path"); got != "/abs/path" {
		t.Fatalf("absolute path changed: %q", got)
	}
}
