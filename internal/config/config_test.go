package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	os.Unsetenv("PORT")
	os.Unsetenv("LOG_LEVEL")
	os.Unsetenv("ENV")
	os.Unsetenv("PROVIDER")
	os.Unsetenv("PROCESSOR_INTERVAL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.LogLevel)
	}
	if cfg.Provider != ProviderStub {
		t.Errorf("expected stub provider, got %s", cfg.Provider)
	}
	if cfg.ProcessorInterval != time.Minute {
		t.Errorf("expected 1m processor interval, got %s", cfg.ProcessorInterval)
	}
	if cfg.RateLimitPerMin != 60 {
		t.Errorf("expected rate limit 60, got %d", cfg.RateLimitPerMin)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("PROVIDER", "whatsapp")
	t.Setenv("WHATSAPP_API_URL", "https://graph.example.com/v19.0")
	t.Setenv("WHATSAPP_PHONE_NUMBER_ID", "12345")
	t.Setenv("WHATSAPP_ACCESS_TOKEN", "tok")
	t.Setenv("PROCESSOR_INTERVAL", "30s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Port)
	}
	if cfg.Provider != ProviderWhatsApp {
		t.Errorf("expected whatsapp provider, got %s", cfg.Provider)
	}
	if cfg.WhatsAppPhoneID != "12345" {
		t.Errorf("expected phone id 12345, got %s", cfg.WhatsAppPhoneID)
	}
	if cfg.ProcessorInterval != 30*time.Second {
		t.Errorf("expected 30s interval, got %s", cfg.ProcessorInterval)
	}
}

func TestLoad_InvalidProvider(t *testing.T) {
	t.Setenv("PROVIDER", "carrier-pigeon")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestLoad_InvalidPort(t *testing.T) {
	t.Setenv("PORT", "not-a-number")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid PORT")
	}
}
