package conf

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"pbmail/internal/blobstorage"
)

// ListenConfig is one protocol listener endpoint.
type ListenConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// SmtpConfig configures the SMTP ingress/relay server.
type SmtpConfig struct {
	Listen         ListenConfig `yaml:"listen"`
	Hostname       string       `yaml:"hostname"`
	AuthMethods    []string     `yaml:"auth_methods"`
	RecipientLimit int          `yaml:"recipient_limit"`
}

// ImapConfig configures the IMAP access server.
type ImapConfig struct {
	Listen ListenConfig `yaml:"listen"`
}

// RelayConfig configures outbound mail submission.
type RelayConfig struct {
	Smarthost string `yaml:"smarthost"`
}

// WebhookConfig configures new-mail notifications to the web frontend.
type WebhookConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

type Config struct {
	Domain      string             `yaml:"domain"`
	DBPath      string             `yaml:"db_path"`
	Smtp        SmtpConfig         `yaml:"smtp"`
	Imap        ImapConfig         `yaml:"imap"`
	Relay       RelayConfig        `yaml:"relay"`
	Webhook     WebhookConfig      `yaml:"webhook"`
	BlobStorage blobstorage.Config `yaml:"blob_storage"`
}

// DefaultConfig returns the configuration used when no file is found.
func DefaultConfig() *Config {
	return &Config{
		DBPath: "./data/pbmail.db",
		Smtp: SmtpConfig{
			Listen:         ListenConfig{Host: "0.0.0.0", Port: 25},
			AuthMethods:    []string{"LOGIN", "PLAIN", "CRAM-MD5"},
			RecipientLimit: 100,
		},
		Imap: ImapConfig{
			Listen: ListenConfig{Host: "0.0.0.0", Port: 143},
		},
	}
}

func LoadConfig() (*Config, error) {
	// Try multiple possible paths
	configPaths := []string{
		"/etc/pbmail/pbmail.yaml",
		"./config/pbmail.yaml",
		"./pbmail.yaml",
		"config/pbmail.yaml",
	}

	var data []byte
	var err error
	for _, path := range configPaths {
		data, err = os.ReadFile(filepath.Clean(path))
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	return parseConfig(data)
}

// LoadConfigFile loads a configuration from an explicit path.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Environment overrides for the secrets that usually live in .env
	if v := os.Getenv("WEBHOOK_API"); v != "" {
		cfg.Webhook.URL = v
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.Secret = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}

	return cfg, nil
}
