/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads the resolved configuration record from the mounted
// config volume and overlays credentials from the mounted secrets volume.
// Everything is read once at startup; the engine never reloads.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"sigs.k8s.io/yaml"
)

const configFileName = "config.json"

// Secret file names inside the secrets volume.
const (
	secretEmailUsername = "email-username"
	secretEmailPassword = "email-password"
	secretWebhookURL    = "webhook-url"
	secretChatEndpoint  = "chat-endpoint"
)

type Config struct {
	Email      EmailConfig      `json:"email"`
	Prometheus PrometheusConfig `json:"prometheus"`
	Alert      AlertConfig      `json:"alert"`
	Monitoring MonitoringConfig `json:"monitoring"`
	Log        LogConfig        `json:"log"`
}

type EmailConfig struct {
	SMTPServer string   `json:"smtpServer"`
	SMTPPort   int      `json:"smtpPort"`
	Username   string   `json:"username"`
	Password   string   `json:"password"`
	From       string   `json:"from"`
	To         []string `json:"to"`
	UseTLS     bool     `json:"useTLS"`
	UseSSL     bool     `json:"useSSL"`
}

type PrometheusConfig struct {
	URL string `json:"url"`
}

type AlertConfig struct {
	WebhookURL      string            `json:"webhookUrl"`
	WebhookHeaders  map[string]string `json:"webhookHeaders"`
	ChatEndpoint    string            `json:"chatEndpoint"`
	DefaultChannels []string          `json:"defaultChannels"`
}

type MonitoringConfig struct {
	MetricsServerURL    string `json:"metricsServerUrl"`
	MaxConcurrentChecks int    `json:"maxConcurrentChecks"`
}

type LogConfig struct {
	Level string `json:"level"`
}

// Default returns the record used when the config volume is absent.
func Default() *Config {
	return &Config{
		Email: EmailConfig{
			SMTPServer: "smtp.gmail.com",
			SMTPPort:   587,
			From:       "nodeguardian@example.com",
			To:         []string{"admin@example.com"},
			UseTLS:     true,
		},
		Prometheus: PrometheusConfig{
			URL: "http://prometheus-k8s.monitoring.svc:9090",
		},
		Alert: AlertConfig{
			DefaultChannels: []string{"log", "email"},
		},
		Monitoring: MonitoringConfig{
			MetricsServerURL:    "https://kubernetes.default.svc:443/apis/metrics.k8s.io/v1beta1",
			MaxConcurrentChecks: 10,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the config record and overlays mounted secrets. Missing files
// fall back to defaults; a malformed record is an error.
func Load(fs afero.Fs, configDir, secretsDir string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(configDir, configFileName)
	if exists, _ := afero.Exists(fs, path); exists {
		raw, err := afero.ReadFile(fs, path)
		if err != nil {
			return nil, fmt.Errorf("reading config record %s, %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parsing config record %s, %w", path, err)
		}
	}

	if username := readSecret(fs, secretsDir, secretEmailUsername); username != "" {
		cfg.Email.Username = username
	}
	if password := readSecret(fs, secretsDir, secretEmailPassword); password != "" {
		cfg.Email.Password = password
	}
	if url := readSecret(fs, secretsDir, secretWebhookURL); url != "" {
		cfg.Alert.WebhookURL = url
	}
	if endpoint := readSecret(fs, secretsDir, secretChatEndpoint); endpoint != "" {
		cfg.Alert.ChatEndpoint = endpoint
	}

	if cfg.Monitoring.MaxConcurrentChecks <= 0 {
		cfg.Monitoring.MaxConcurrentChecks = 10
	}
	return cfg, nil
}

func readSecret(fs afero.Fs, secretsDir, name string) string {
	raw, err := afero.ReadFile(fs, filepath.Join(secretsDir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}
