package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/norasector/biostream/pkg/biostream/types"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	DriverSynthetic = "synthetic"
	DriverFile      = "file"
)

type Config struct {
	OutputPath string   `yaml:"output_path" env:"BIOSTREAM_OUTPUT_PATH"`
	LogLevel   string   `yaml:"log_level" env:"BIOSTREAM_LOG_LEVEL"`
	Devices    []Device `yaml:"devices"`
	Monitoring struct {
		Enabled        bool          `yaml:"enabled" env:"BIOSTREAM_MONITORING_ENABLED"`
		Port           int           `yaml:"port" env:"BIOSTREAM_MONITORING_PORT"`
		UpdateInterval time.Duration `yaml:"update_interval_ms" env:"BIOSTREAM_MONITORING_UPDATE_INTERVAL"`
	} `yaml:"monitoring"`
	InfluxDB struct {
		Host         string `yaml:"host" env:"BIOSTREAM_INFLUXDB_HOST"`
		Token        string `yaml:"token" env:"BIOSTREAM_INFLUXDB_TOKEN"`
		Organization string `yaml:"organization" env:"BIOSTREAM_INFLUXDB_ORG"`
		Bucket       string `yaml:"bucket" env:"BIOSTREAM_INFLUXDB_BUCKET"`
	} `yaml:"influxdb"`
}

type Device struct {
	Name             string                 `yaml:"name"`
	Driver           string                 `yaml:"driver"`
	Channels         int                    `yaml:"channels"`
	SamplingRate     int                    `yaml:"sampling_rate"`
	SavingMode       types.SavingMode       `yaml:"saving_mode"`
	Header           []string               `yaml:"header,flow"`
	PlaybackLocation string                 `yaml:"playback_location"`
	Loop             bool                   `yaml:"loop"`
	PollInterval     time.Duration          `yaml:"poll_interval"`
	PadTriggerColumn *bool                  `yaml:"pad_trigger_column"`
	TriggerPlacement types.TriggerPlacement `yaml:"trigger_placement"`
}

// PadTrigger reports whether rows are padded with an empty trigger column. Defaults to true.
func (d Device) PadTrigger() bool {
	return d.PadTriggerColumn == nil || *d.PadTriggerColumn
}

func defaults() Config {
	var c Config
	c.OutputPath = "output"
	c.LogLevel = "info"
	c.Monitoring.Enabled = true
	c.Monitoring.Port = 9330
	c.Monitoring.UpdateInterval = 500 * time.Millisecond
	return c
}

// Load reads the YAML file at path, loads envFile into the environment when it exists and
// applies BIOSTREAM_* overrides.
func Load(path, envFile string) (Config, error) {
	c := defaults()

	contents, err := os.ReadFile(path)
	if err != nil {
		return c, errors.Wrap(err, "config: reading file failed")
	}
	if err := yaml.Unmarshal(contents, &c); err != nil {
		return c, errors.Wrap(err, "config: unmarshaling yaml failed")
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return c, errors.Wrap(err, "config: loading env file failed")
		}
	}
	if err := env.Parse(&c); err != nil {
		return c, errors.Wrap(err, "config: parsing environment failed")
	}

	return c, c.Validate()
}

func (c Config) Validate() error {
	if len(c.Devices) == 0 {
		return errors.New("config: at least one device is required")
	}
	seen := make(map[string]struct{}, len(c.Devices))
	for i, d := range c.Devices {
		if d.Name == "" {
			return errors.Errorf("config: device %d has no name", i)
		}
		if _, ok := seen[d.Name]; ok {
			return errors.Errorf("config: duplicate device name %q", d.Name)
		}
		seen[d.Name] = struct{}{}

		if d.SamplingRate <= 0 {
			return errors.Errorf("config: device %q: sampling_rate must be positive", d.Name)
		}
		switch d.Driver {
		case DriverSynthetic:
			if d.Channels <= 0 {
				return errors.Errorf("config: device %q: channels must be positive", d.Name)
			}
		case DriverFile:
			if d.PlaybackLocation == "" {
				return errors.Errorf("config: device %q: playback_location is required", d.Name)
			}
		default:
			return errors.Errorf("config: device %q: unknown driver %q", d.Name, d.Driver)
		}
	}
	if c.Monitoring.Enabled && c.Monitoring.UpdateInterval <= 0 {
		return errors.New("config: monitoring update interval must be positive")
	}
	return nil
}
