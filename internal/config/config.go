// Package config loads the service's ini configuration file and its
// sibling webhooks JSON side file, per SPEC_FULL.md's Configuration
// section.
package config

import (
	"encoding/base64"
	"encoding/json"
	"io/ioutil"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/vaughan0/go-ini"

	"github.com/warthog618/goatsms/internal/events"
)

// Config is the fully parsed, validated configuration.
type Config struct {
	Database DatabaseConfig
	Modem    ModemConfig
	HTTP     HTTPConfig
	Webhooks []events.WebhookTarget
}

// DatabaseConfig is the [database] section.
type DatabaseConfig struct {
	DatabaseURL   string
	EncryptionKey []byte
}

// ModemConfig is the [modem] section.
type ModemConfig struct {
	Device               string
	Baud                 int
	GNSSEnabled          bool
	GNSSReportInterval   time.Duration
	CmdChannelBufferSize int
	ReadBufferSize       int
	LineBufferSize       int
}

// HTTPConfig is the [http] section.
type HTTPConfig struct {
	Enabled                     bool
	Address                     string
	RequireAuthentication       bool
	AuthToken                   string
	WebsocketEnabled            bool
	SendInternationalFormatOnly bool
}

// Load reads the ini file at path and the webhooks side file it
// references, returning a fully populated Config. A missing required
// field, a malformed encryption_key or an unreadable webhooks file is an
// error, matching `cmd/dashboard/main.go`'s original treatment of config
// failures; an optional value that is missing or fails to parse falls
// back to its default.
func Load(path string) (Config, error) {
	file, err := ini.LoadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "config: loading ini file")
	}

	var cfg Config

	dbURL, ok := file.Get("database", "database_url")
	if !ok {
		return Config{}, errors.New("config: missing [database] database_url")
	}
	cfg.Database.DatabaseURL = dbURL

	keyB64, ok := file.Get("database", "encryption_key")
	if !ok {
		return Config{}, errors.New("config: missing [database] encryption_key")
	}
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return Config{}, errors.Wrap(err, "config: decoding encryption_key")
	}
	if len(key) != 32 {
		return Config{}, errors.New("config: encryption_key must decode to 32 bytes")
	}
	cfg.Database.EncryptionKey = key

	device, ok := file.Get("modem", "device")
	if !ok {
		return Config{}, errors.New("config: missing [modem] device")
	}
	cfg.Modem.Device = device
	cfg.Modem.Baud = getInt(file, "modem", "baud", 115200)
	cfg.Modem.GNSSEnabled = getBool(file, "modem", "gnss_enabled", false)
	cfg.Modem.GNSSReportInterval = getDuration(file, "modem", "gnss_report_interval", 30*time.Second)
	cfg.Modem.CmdChannelBufferSize = getInt(file, "modem", "cmd_channel_buffer_size", 32)
	cfg.Modem.ReadBufferSize = getInt(file, "modem", "read_buffer_size", 4096)
	cfg.Modem.LineBufferSize = getInt(file, "modem", "line_buffer_size", 4096)

	cfg.HTTP.Enabled = getBool(file, "http", "enabled", true)
	cfg.HTTP.Address = getString(file, "http", "address", ":8080")
	cfg.HTTP.RequireAuthentication = getBool(file, "http", "require_authentication", false)
	cfg.HTTP.AuthToken, _ = file.Get("http", "auth_token")
	cfg.HTTP.WebsocketEnabled = getBool(file, "http", "websocket_enabled", true)
	cfg.HTTP.SendInternationalFormatOnly = getBool(file, "http", "send_international_format_only", false)

	if webhooksPath, ok := file.Get("webhooks", "config_path"); ok && webhooksPath != "" {
		targets, err := loadWebhooks(webhooksPath)
		if err != nil {
			return Config{}, errors.Wrap(err, "config: loading webhooks")
		}
		cfg.Webhooks = targets
	}

	return cfg, nil
}

func loadWebhooks(path string) ([]events.WebhookTarget, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading webhooks file")
	}
	var targets []events.WebhookTarget
	if err := json.Unmarshal(data, &targets); err != nil {
		return nil, errors.Wrap(err, "parsing webhooks JSON")
	}
	return targets, nil
}

func getString(file ini.File, section, key, def string) string {
	if v, ok := file.Get(section, key); ok {
		return v
	}
	return def
}

func getInt(file ini.File, section, key string, def int) int {
	v, ok := file.Get(section, key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getBool(file ini.File, section, key string, def bool) bool {
	v, ok := file.Get(section, key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getDuration(file ini.File, section, key string, def time.Duration) time.Duration {
	v, ok := file.Get(section, key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
