package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFindConfig_Explicit(t *testing.T) {
	// Create a temp config file
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("http:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("http:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("crm:\n  api_token: ${AGGREGATOR_TEST_TOKEN}\n"), 0600)
	os.Setenv("AGGREGATOR_TEST_TOKEN", "secret123")
	defer os.Unsetenv("AGGREGATOR_TEST_TOKEN")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.CRM.APIToken != "secret123" {
		t.Errorf("api_token = %q, want %q", cfg.CRM.APIToken, "secret123")
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("mqtt:\n  broker_url: mqtt://broker:1883\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MQTT.Topic != "#" {
		t.Errorf("topic = %q, want %q", cfg.MQTT.Topic, "#")
	}
	if cfg.StaleCheckins.StaleAfter() != 5*time.Hour {
		t.Errorf("stale after = %v, want 5h", cfg.StaleCheckins.StaleAfter())
	}
	if cfg.Chores.Horizon() != 90*24*time.Hour {
		t.Errorf("horizon = %v, want 90 days", cfg.Chores.Horizon())
	}
}

func TestLoad_Sections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(
		"timezone: Europe/Amsterdam\n"+
			"email:\n  host: smtp.example.org\n  port: 587\n  starttls: true\n  from_address: Bot <bot@example.org>\n"+
			"chores:\n  timeframe_in_days: 30\n"+
			"list:\n  address: members@example.org\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Email.Host != "smtp.example.org" || !cfg.Email.StartTLS {
		t.Errorf("email = %+v", cfg.Email)
	}
	if cfg.Chores.TimeframeDays != 30 {
		t.Errorf("timeframe = %d, want 30", cfg.Chores.TimeframeDays)
	}
	if cfg.List.Address != "members@example.org" {
		t.Errorf("list address = %q", cfg.List.Address)
	}
	loc, err := cfg.Location()
	if err != nil || loc.String() != "Europe/Amsterdam" {
		t.Errorf("location = %v, %v", loc, err)
	}
}

func TestParseLogLevel(t *testing.T) {
	if _, err := ParseLogLevel("nope"); err == nil {
		t.Error("ParseLogLevel(\"nope\") should error")
	}
	lvl, err := ParseLogLevel("TRACE")
	if err != nil || lvl != LevelTrace {
		t.Errorf("ParseLogLevel(TRACE) = %v, %v", lvl, err)
	}
}
