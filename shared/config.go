package shared

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Environment variable keys
const (
	EnvRelayURL         = "CONSULT_RELAY_URL"
	EnvAPIURL           = "CONSULT_API_URL"
	EnvToken            = "CONSULT_TOKEN"
	EnvCallSetupTimeout = "CONSULT_CALL_SETUP_TIMEOUT"
	EnvReconnectTries   = "CONSULT_RECONNECT_ATTEMPTS"
	EnvMediaCapture     = "CONSULT_MEDIA_CAPTURE"
	EnvLogFile          = "CONSULT_LOG_FILE"
	EnvLogLevel         = "CONSULT_LOG_LEVEL"
	EnvMetricsAddr      = "CONSULT_METRICS_ADDR"
)

type ReconnectConfig struct {
	Attempts int           `yaml:"attempts" json:"attempts"`
	Delay    time.Duration `yaml:"delay" json:"delay"`
}

type LogConfig struct {
	File       string `yaml:"file" json:"file"`
	Level      string `yaml:"level" json:"level"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

type MediaConfig struct {
	// Capture false means this process may not open camera/microphone at all.
	Capture   bool `yaml:"capture" json:"capture"`
	Video     bool `yaml:"video" json:"video"`
	Audio     bool `yaml:"audio" json:"audio"`
	MaxWidth  int  `yaml:"max_width" json:"max_width"`
	MaxHeight int  `yaml:"max_height" json:"max_height"`
}

type Config struct {
	RelayURL    string   `yaml:"relay_url" json:"relay_url"`
	APIURL      string   `yaml:"api_url" json:"api_url"`
	Credential  string   `yaml:"credential" json:"credential"`
	STUNServers []string `yaml:"stun_servers" json:"stun_servers"`

	Reconnect ReconnectConfig `yaml:"reconnect" json:"reconnect"`
	Keepalive time.Duration   `yaml:"keepalive" json:"keepalive"`

	// CallSetupTimeout bounds Offering/Ringing. Zero leaves them unbounded.
	CallSetupTimeout time.Duration `yaml:"call_setup_timeout" json:"call_setup_timeout"`
	TypingIdle       time.Duration `yaml:"typing_idle" json:"typing_idle"`
	PresenceTTL      time.Duration `yaml:"presence_ttl" json:"presence_ttl"`

	Media       MediaConfig `yaml:"media" json:"media"`
	Log         LogConfig   `yaml:"log" json:"log"`
	MetricsAddr string      `yaml:"metrics_addr" json:"metrics_addr"`
}

func DefaultConfig() *Config {
	return &Config{
		RelayURL: "ws://localhost:5000/ws",
		APIURL:   "http://localhost:5000/api",
		STUNServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		},
		Reconnect: ReconnectConfig{
			Attempts: 5,
			Delay:    time.Second,
		},
		Keepalive:   30 * time.Second,
		TypingIdle:  2 * time.Second,
		PresenceTTL: 2 * time.Second,
		Media: MediaConfig{
			Capture:   true,
			Video:     true,
			Audio:     true,
			MaxWidth:  640,
			MaxHeight: 480,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 2,
			MaxAgeDays: 3,
		},
	}
}

// LoadConfig reads path (optional) over the defaults, then applies .env and
// environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	_ = godotenv.Load(".env")
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() (err error) {
	if c.RelayURL, err = Getenv(GetenvString, EnvRelayURL, false, c.RelayURL); err != nil {
		return err
	}
	if c.APIURL, err = Getenv(GetenvString, EnvAPIURL, false, c.APIURL); err != nil {
		return err
	}
	if c.Credential, err = Getenv(GetenvString, EnvToken, false, c.Credential); err != nil {
		return err
	}
	if c.CallSetupTimeout, err = Getenv(GetenvDuration, EnvCallSetupTimeout, false, c.CallSetupTimeout); err != nil {
		return err
	}
	if c.Reconnect.Attempts, err = Getenv(GetenvInt, EnvReconnectTries, false, c.Reconnect.Attempts); err != nil {
		return err
	}
	if c.Media.Capture, err = Getenv(GetenvBool, EnvMediaCapture, false, c.Media.Capture); err != nil {
		return err
	}
	if c.Log.File, err = Getenv(GetenvString, EnvLogFile, false, c.Log.File); err != nil {
		return err
	}
	if c.Log.Level, err = Getenv(GetenvString, EnvLogLevel, false, c.Log.Level); err != nil {
		return err
	}
	if c.MetricsAddr, err = Getenv(GetenvString, EnvMetricsAddr, false, c.MetricsAddr); err != nil {
		return err
	}
	return nil
}

func (c *Config) Validate() error {
	if c.RelayURL == "" {
		return fmt.Errorf("%w: relay_url is empty", ErrNoConfig)
	}
	if c.Reconnect.Attempts <= 0 {
		return fmt.Errorf("%w: reconnect.attempts must be positive", ErrNoConfig)
	}
	if c.Reconnect.Delay < 0 || c.CallSetupTimeout < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrNoConfig)
	}
	if c.TypingIdle <= 0 || c.PresenceTTL <= 0 {
		return fmt.Errorf("%w: typing_idle and presence_ttl must be positive", ErrNoConfig)
	}
	return nil
}

// Dump renders the config as YAML with the credential masked.
func (c *Config) Dump() ([]byte, error) {
	cp := *c
	if len(cp.Credential) > 8 {
		cp.Credential = cp.Credential[:8] + "..."
	}
	return yaml.Marshal(&cp)
}
