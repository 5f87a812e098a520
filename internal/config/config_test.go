package config

import "testing"

func TestLoadAppliesDefaults(t *testing.T) {
	for _, key := range []string{
		"HOST", "PORT", "DOUBAO_REALTIME_BASE_URL", "DOUBAO_APP_ID",
		"DOUBAO_RECV_TIMEOUT", "DOUBAO_INPUT_MOD", "SAVE_HISTORY",
		"LEGACY_MODEL", "LEGACY_API_KEY", "LEGACY_ACCESS_KEY", "LEGACY_SECRET_KEY",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("server addr: got %q want :8080", cfg.Server.Addr)
	}
	if cfg.Session.RecvTimeoutSeconds != 60 {
		t.Errorf("recv timeout default: got %d want 60", cfg.Session.RecvTimeoutSeconds)
	}
	if cfg.Session.InputModality != "audio" {
		t.Errorf("input modality default: got %q want audio", cfg.Session.InputModality)
	}
	if !cfg.Journal.SaveHistory {
		t.Errorf("save history should default to true")
	}
	if cfg.Legacy.Enabled() {
		t.Errorf("legacy chat model should be disabled without credentials")
	}
}

func TestLoadRejectsOutOfRangeRecvTimeout(t *testing.T) {
	t.Setenv("DOUBAO_RECV_TIMEOUT", "5")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for recv timeout below minimum")
	}

	t.Setenv("DOUBAO_RECV_TIMEOUT", "121")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for recv timeout above maximum")
	}
}

func TestLoadRejectsInvalidInputModality(t *testing.T) {
	t.Setenv("DOUBAO_RECV_TIMEOUT", "")
	t.Setenv("DOUBAO_INPUT_MOD", "video")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for invalid input modality")
	}
}

func TestLegacyEnabledRequiresModelAndCredentials(t *testing.T) {
	cfg := LegacyConfig{Model: "doubao-pro"}
	if cfg.Enabled() {
		t.Fatalf("expected disabled without any credential")
	}

	cfg.APIKey = "key"
	if !cfg.Enabled() {
		t.Fatalf("expected enabled with model + api key")
	}

	cfg = LegacyConfig{Model: "doubao-pro", AccessKey: "ak", SecretKey: "sk"}
	if !cfg.Enabled() {
		t.Fatalf("expected enabled with model + access/secret key pair")
	}
}
