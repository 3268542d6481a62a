package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Tracker TrackerConfig `yaml:"tracker"`
	GPS     GPSConfig     `yaml:"gps"`
	Modem   ModemConfig   `yaml:"modem"`
	LEDs    LEDConfig     `yaml:"leds"`
}

type TrackerConfig struct {
	// AdminPhone receives startup notifications and periodic location
	// reports. Empty disables both; inbound commands are still answered.
	AdminPhone string `yaml:"admin_phone"`

	PollIntervalMs     int `yaml:"poll_interval_ms"`
	RegCheckIntervalMs int `yaml:"reg_check_interval_ms"`

	// Pointers so an explicit 0 (disabled) survives defaulting.
	ReportIntervalMs     *int `yaml:"report_interval_ms"`
	LogSummaryIntervalMs *int `yaml:"log_summary_interval_ms"`

	// InboxLimit bounds both the driver's inbound FIFO and the reply outbox.
	InboxLimit int `yaml:"inbox_limit"`
}

type GPSConfig struct {
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
}

type ModemConfig struct {
	// Device may be empty to run GPS-only with SMS disabled.
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`

	CommandTimeoutMs int `yaml:"command_timeout_ms"`
	SendTimeoutMs    int `yaml:"send_timeout_ms"`
	PromptTimeoutMs  int `yaml:"prompt_timeout_ms"`

	// APN, when set, adds an AT+CGDCONT step to modem initialization.
	APN string `yaml:"apn"`
}

type LEDConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Chip     string `yaml:"chip"`
	PowerPin int    `yaml:"power_pin"`
	NetPin   int    `yaml:"net_pin"`
	FixPin   int    `yaml:"fix_pin"`
}

// supportedBauds mirrors the rates the serial layer can program.
var supportedBauds = map[int]bool{
	4800:   true,
	9600:   true,
	19200:  true,
	38400:  true,
	57600:  true,
	115200: true,
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if strings.Contains(err.Error(), "not found in type") {
			return Config{}, fmt.Errorf("config contains unknown fields: %v", err)
		}
		return Config{}, fmt.Errorf("config parse: %w", err)
	}

	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if cfg.Tracker.PollIntervalMs == 0 {
		cfg.Tracker.PollIntervalMs = 50
	}
	if cfg.Tracker.RegCheckIntervalMs == 0 {
		cfg.Tracker.RegCheckIntervalMs = 10000
	}
	if cfg.Tracker.ReportIntervalMs == nil {
		v := 60000
		cfg.Tracker.ReportIntervalMs = &v
	}
	if cfg.Tracker.LogSummaryIntervalMs == nil {
		v := 60000
		cfg.Tracker.LogSummaryIntervalMs = &v
	}
	if cfg.Tracker.InboxLimit == 0 {
		cfg.Tracker.InboxLimit = 8
	}
	cfg.Tracker.AdminPhone = strings.TrimSpace(cfg.Tracker.AdminPhone)

	if cfg.GPS.Baud == 0 {
		cfg.GPS.Baud = 9600
	}
	if cfg.Modem.Baud == 0 {
		cfg.Modem.Baud = 115200
	}
	if cfg.Modem.CommandTimeoutMs == 0 {
		cfg.Modem.CommandTimeoutMs = 2000
	}
	if cfg.Modem.SendTimeoutMs == 0 {
		cfg.Modem.SendTimeoutMs = 10000
	}
	if cfg.Modem.PromptTimeoutMs == 0 {
		cfg.Modem.PromptTimeoutMs = 5000
	}
	if cfg.LEDs.Chip == "" {
		cfg.LEDs.Chip = "gpiochip0"
	}

	if cfg.Tracker.PollIntervalMs < 0 {
		return fmt.Errorf("tracker.poll_interval_ms must be > 0")
	}
	if cfg.Tracker.RegCheckIntervalMs < 0 {
		return fmt.Errorf("tracker.reg_check_interval_ms must be > 0")
	}
	if *cfg.Tracker.ReportIntervalMs < 0 {
		return fmt.Errorf("tracker.report_interval_ms must be >= 0")
	}
	if *cfg.Tracker.LogSummaryIntervalMs < 0 {
		return fmt.Errorf("tracker.log_summary_interval_ms must be >= 0")
	}
	if cfg.Tracker.InboxLimit < 0 {
		return fmt.Errorf("tracker.inbox_limit must be > 0")
	}

	if strings.TrimSpace(cfg.GPS.Device) == "" {
		return fmt.Errorf("gps.device is required")
	}
	if !supportedBauds[cfg.GPS.Baud] {
		return fmt.Errorf("gps.baud %d is not supported", cfg.GPS.Baud)
	}

	if strings.TrimSpace(cfg.Modem.Device) != "" {
		if !supportedBauds[cfg.Modem.Baud] {
			return fmt.Errorf("modem.baud %d is not supported", cfg.Modem.Baud)
		}
		if cfg.Modem.CommandTimeoutMs < 0 {
			return fmt.Errorf("modem.command_timeout_ms must be > 0")
		}
		if cfg.Modem.SendTimeoutMs < 0 {
			return fmt.Errorf("modem.send_timeout_ms must be > 0")
		}
		if cfg.Modem.PromptTimeoutMs < 0 {
			return fmt.Errorf("modem.prompt_timeout_ms must be > 0")
		}
	}

	if cfg.LEDs.Enabled {
		if strings.TrimSpace(cfg.LEDs.Chip) == "" {
			return fmt.Errorf("leds.chip is required when leds.enabled is true")
		}
		if cfg.LEDs.PowerPin < 0 || cfg.LEDs.NetPin < 0 || cfg.LEDs.FixPin < 0 {
			return fmt.Errorf("leds pins must be >= 0")
		}
	}

	return nil
}

// Duration getters so callers never deal with the *_ms fields directly.

func (t TrackerConfig) PollInterval() time.Duration {
	return time.Duration(t.PollIntervalMs) * time.Millisecond
}

func (t TrackerConfig) RegCheckInterval() time.Duration {
	return time.Duration(t.RegCheckIntervalMs) * time.Millisecond
}

// ReportInterval returns 0 when periodic reporting is disabled.
func (t TrackerConfig) ReportInterval() time.Duration {
	if t.ReportIntervalMs == nil {
		return 0
	}
	return time.Duration(*t.ReportIntervalMs) * time.Millisecond
}

// LogSummaryInterval returns 0 when the periodic summary is disabled.
func (t TrackerConfig) LogSummaryInterval() time.Duration {
	if t.LogSummaryIntervalMs == nil {
		return 0
	}
	return time.Duration(*t.LogSummaryIntervalMs) * time.Millisecond
}

func (m ModemConfig) CommandTimeout() time.Duration {
	return time.Duration(m.CommandTimeoutMs) * time.Millisecond
}

func (m ModemConfig) SendTimeout() time.Duration {
	return time.Duration(m.SendTimeoutMs) * time.Millisecond
}

func (m ModemConfig) PromptTimeout() time.Duration {
	return time.Duration(m.PromptTimeoutMs) * time.Millisecond
}
