package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/e2openplugins/webgrab/internal/logging"
)

type Config struct {
	Port                  int    `toml:"port"`
	GrabPath              string `toml:"grabPath"`         // capture binary
	PanelCommand          string `toml:"panelCommand"`     // copies the panel dump into the staging dir
	LcdDumpPath           string `toml:"lcdDumpPath"`      // image refreshed by the panel driver
	PanelDumpControl      string `toml:"panelDumpControl"` // optional proc file enabling panel dumps
	StagingDir            string `toml:"stagingDir"`
	JpegQuality           int    `toml:"jpegQuality"`
	ChunkSize             int    `toml:"chunkSize"` // stdout read size in bytes
	CaptureTimeoutSeconds int    `toml:"captureTimeoutSeconds"`
	Architecture          string `toml:"architecture"` // empty means detect
	GrabPip               string `toml:"grabPip"`      // "auto", "yes" or "no"
	ScreenshotChannelName bool   `toml:"screenshotChannelName"`
	LogDir                string `toml:"logDir"`
	Verbose               bool   `toml:"verbose"`
	MQTT                  MQTT   `toml:"mqtt"`
}

// MQTT holds the connection to the broker publishing playback changes.
type MQTT struct {
	Broker      string `toml:"broker"` // e.g. tcp://127.0.0.1:1883 or "auto", empty disables the monitor
	ClientID    string `toml:"clientId"`
	TopicPrefix string `toml:"topicPrefix"`
}

const (
	DefaultPort        = 8090
	DefaultGrabPath    = "/usr/bin/grab"
	DefaultChunkSize   = 32768
	DefaultJpegQuality = 95
)

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Port:                  DefaultPort,
		GrabPath:              DefaultGrabPath,
		PanelCommand:          "/bin/cp",
		LcdDumpPath:           "/tmp/lcd.png",
		StagingDir:            "/tmp",
		JpegQuality:           DefaultJpegQuality,
		ChunkSize:             DefaultChunkSize,
		CaptureTimeoutSeconds: 30,
		GrabPip:               "auto",
		LogDir:                "./logs",
		MQTT: MQTT{
			ClientID:    "webgrab",
			TopicPrefix: "enigma2",
		},
	}
}

// LoadConfig reads the TOML file at path on top of the defaults. A missing
// file is not an error.
func LoadConfig(path string) (Config, error) {
	config := Default()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &config); err != nil {
			return config, fmt.Errorf("error reading %s: %w", path, err)
		}
	} else {
		logging.WarningLogger.Printf("%s file not found, using default configuration", path)
	}

	applyEnv(&config)
	return config, config.Validate()
}

func applyEnv(config *Config) {
	if path := os.Getenv("GRAB_PATH"); path != "" {
		config.GrabPath = path
	}
	if port := os.Getenv("WEBGRAB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Port = p
		} else {
			logging.WarningLogger.Printf("Ignoring WEBGRAB_PORT=%q: %v", port, err)
		}
	}
	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		config.MQTT.Broker = broker
	}
}

// Validate rejects values the capture path cannot work with.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.GrabPath == "" {
		return fmt.Errorf("grabPath must be set")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunkSize must be positive, got %d", c.ChunkSize)
	}
	if c.JpegQuality < 1 || c.JpegQuality > 100 {
		return fmt.Errorf("jpegQuality must be between 1 and 100, got %d", c.JpegQuality)
	}
	if c.CaptureTimeoutSeconds < 0 {
		return fmt.Errorf("captureTimeoutSeconds must not be negative")
	}
	switch c.GrabPip {
	case "", "auto", "yes", "no":
	default:
		return fmt.Errorf("grabPip must be auto, yes or no, got %q", c.GrabPip)
	}
	return nil
}

// CaptureTimeout returns the bound on a single capture process. Zero disables it.
func (c Config) CaptureTimeout() time.Duration {
	return time.Duration(c.CaptureTimeoutSeconds) * time.Second
}
