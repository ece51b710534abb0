package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Prismer-AI/directmsg"
)

func TestSetConfigValue(t *testing.T) {
	tests := []struct {
		key     string
		value   string
		wantErr bool
		check   func(*Config) bool
	}{
		{"default.base_url", "http://dev:8080", false, func(c *Config) bool { return c.Default.BaseURL == "http://dev:8080" }},
		{"default.log_format", "json", false, func(c *Config) bool { return c.Default.LogFormat == "json" }},
		{"default.log_format", "xml", true, nil},
		{"auth.token", "tok", false, func(c *Config) bool { return c.Auth.Token == "tok" }},
		{"auth.user_id", "alice", false, func(c *Config) bool { return c.Auth.UserID == "alice" }},
		{"auth.password", "x", true, nil},
		{"server.port", "1", true, nil},
		{"token", "x", true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			var cfg Config
			err := setConfigValue(&cfg, tt.key, tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil && !tt.check(&cfg) {
				t.Errorf("config = %+v", cfg)
			}
		})
	}
}

func TestConfigRoundTrip(t *testing.T) {
	t.Setenv("DMCTL_HOME", t.TempDir())

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig on empty dir: %v", err)
	}
	if cfg.Auth.Token != "" {
		t.Errorf("fresh config = %+v", cfg)
	}

	cfg.Default.BaseURL = "http://dev:8080"
	cfg.Auth.Token = "tok"
	cfg.Auth.UserID = "alice"
	if err := saveConfig(cfg); err != nil {
		t.Fatalf("saveConfig: %v", err)
	}

	got, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if *got != *cfg {
		t.Errorf("loaded %+v, want %+v", got, cfg)
	}

	t.Setenv("DMCTL_USER_ID", "bob")
	t.Setenv("DMCTL_BASE_URL", "")
	applyEnv(got)
	if got.Auth.UserID != "bob" || got.Default.BaseURL != "http://dev:8080" {
		t.Errorf("after env = %+v", got)
	}
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DMCTL_HOME", dir)

	if err := saveConfig(&Config{Auth: ConfigAuth{Token: "tok"}}); err != nil {
		t.Fatalf("saveConfig: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "config.toml" {
		t.Errorf("config dir = %v", entries)
	}
	info, err := os.Stat(filepath.Join(dir, "config.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("mode = %o", perm)
	}

	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte("[auth]\ntokn = \"x\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(); err == nil || !strings.Contains(err.Error(), "tokn") {
		t.Errorf("unknown key: err = %v", err)
	}
}

func TestLogFormatFlag(t *testing.T) {
	var f logFormat
	if err := f.Set("json"); err != nil || f.String() != "json" {
		t.Errorf("Set(json) = %v, %q", err, f.String())
	}
	if err := f.Set("yaml"); err == nil {
		t.Error("Set(yaml) accepted")
	}
	if f.String() != "json" {
		t.Errorf("rejected value changed the flag: %q", f.String())
	}
}

func TestMaskToken(t *testing.T) {
	if got := maskToken("short"); got != "****" {
		t.Errorf("short = %q", got)
	}
	if got := maskToken("abcdefghijklmnopqrstuvwxyz"); got != "abcdef...wxyz" {
		t.Errorf("long = %q", got)
	}
}

func TestPrintItems(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msgs := []directmsg.Message{
		{ID: "m1", Sender: directmsg.UserRef{ID: "u1", Username: "alice"}, Content: "hello", CreatedAt: base},
		{ID: "m2", Sender: directmsg.UserRef{ID: "u1", Username: "alice"}, Content: "are you there", CreatedAt: base.Add(time.Minute)},
		{TempID: "temp-1", Sender: directmsg.UserRef{ID: "u2"}, Content: "sending", Optimistic: true, CreatedAt: base.Add(2 * time.Minute)},
	}

	var buf bytes.Buffer
	printed := map[string]bool{}
	printItems(&buf, directmsg.Items(msgs, time.UTC), printed)
	out := buf.String()

	if strings.Count(out, "---") != 2 {
		t.Errorf("want one separator line:\n%s", out)
	}
	if strings.Count(out, "alice") != 1 {
		t.Errorf("grouped sender repeated:\n%s", out)
	}
	if strings.Contains(out, "sending") {
		t.Errorf("pending message printed:\n%s", out)
	}

	// Entries without a server id are tracked by their local key.
	buf.Reset()
	printItems(&buf, directmsg.Items([]directmsg.Message{
		{TempID: "push-1", Sender: directmsg.UserRef{ID: "u2", Username: "bob"}, Content: "first", CreatedAt: base.Add(90 * time.Second)},
		{TempID: "push-2", Sender: directmsg.UserRef{ID: "u2", Username: "bob"}, Content: "second", CreatedAt: base.Add(100 * time.Second)},
	}, time.UTC), map[string]bool{})
	if out := buf.String(); !strings.Contains(out, "first") || !strings.Contains(out, "second") {
		t.Errorf("id-less entries collapsed:\n%s", out)
	}

	// A second pass after a new message prints only the new line.
	msgs = append(msgs[:2], directmsg.Message{ID: "m3", Sender: directmsg.UserRef{ID: "u2", Username: "bob"}, Content: "yes", CreatedAt: base.Add(3 * time.Minute)})
	buf.Reset()
	printItems(&buf, directmsg.Items(msgs, time.UTC), printed)
	if got := strings.TrimSpace(buf.String()); !strings.HasSuffix(got, "yes") || strings.Contains(got, "---") || strings.Count(got, "\n") != 0 {
		t.Errorf("second pass:\n%s", buf.String())
	}
}
