package conf

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Smtp.Listen.Port != 25 {
		t.Errorf("Expected SMTP port 25, got %d", cfg.Smtp.Listen.Port)
	}
	if cfg.Imap.Listen.Port != 143 {
		t.Errorf("Expected IMAP port 143, got %d", cfg.Imap.Listen.Port)
	}
	if cfg.Smtp.RecipientLimit != 100 {
		t.Errorf("Expected recipient limit 100, got %d", cfg.Smtp.RecipientLimit)
	}
	if len(cfg.Smtp.AuthMethods) != 3 {
		t.Errorf("Expected 3 auth methods, got %v", cfg.Smtp.AuthMethods)
	}
}

func TestLoadConfigFile(t *testing.T) {
	content := `
domain: example.com
db_path: /tmp/test.db
smtp:
  listen:
    host: 127.0.0.1
    port: 2525
  hostname: mail.example.com
  auth_methods: [LOGIN, CRAM-MD5]
  recipient_limit: 5
imap:
  listen:
    host: 127.0.0.1
    port: 1430
relay:
  smarthost: smtp.upstream.test:25
webhook:
  url: https://hooks.example.com/mail
blob_storage:
  enabled: true
  bucket: mail-blobs
`
	path := filepath.Join(t.TempDir(), "pbmail.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Domain != "example.com" {
		t.Errorf("Expected domain 'example.com', got %q", cfg.Domain)
	}
	if cfg.Smtp.Listen.Port != 2525 {
		t.Errorf("Expected SMTP port 2525, got %d", cfg.Smtp.Listen.Port)
	}
	if cfg.Smtp.Hostname != "mail.example.com" {
		t.Errorf("Expected hostname 'mail.example.com', got %q", cfg.Smtp.Hostname)
	}
	if cfg.Smtp.RecipientLimit != 5 {
		t.Errorf("Expected recipient limit 5, got %d", cfg.Smtp.RecipientLimit)
	}
	if cfg.Relay.Smarthost != "smtp.upstream.test:25" {
		t.Errorf("Unexpected smarthost: %q", cfg.Relay.Smarthost)
	}
	if !cfg.BlobStorage.Enabled || cfg.BlobStorage.Bucket != "mail-blobs" {
		t.Errorf("Unexpected blob storage config: %+v", cfg.BlobStorage)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WEBHOOK_API", "https://hooks.override.test/mail")
	t.Setenv("WEBHOOK_SECRET", "hunter2")
	t.Setenv("DB_PATH", "/var/lib/pbmail/mail.db")

	path := filepath.Join(t.TempDir(), "pbmail.yaml")
	if err := os.WriteFile(path, []byte("domain: example.com\n"), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Webhook.URL != "https://hooks.override.test/mail" {
		t.Errorf("Expected webhook URL override, got %q", cfg.Webhook.URL)
	}
	if cfg.Webhook.Secret != "hunter2" {
		t.Errorf("Expected webhook secret override, got %q", cfg.Webhook.Secret)
	}
	if cfg.DBPath != "/var/lib/pbmail/mail.db" {
		t.Errorf("Expected DB path override, got %q", cfg.DBPath)
	}
}
