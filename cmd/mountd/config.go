package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/w1xm/espmount/coord"
	"github.com/w1xm/espmount/espmount"
	"github.com/w1xm/espmount/mount"
	"github.com/w1xm/espmount/transit"
	"gopkg.in/yaml.v3"
)

// Angles is a horizontal direction in decimal degrees.
type Angles struct {
	Alt float64 `yaml:"alt" json:"alt"`
	Az  float64 `yaml:"az" json:"az"`
}

type SatelliteConfig struct {
	// URL serves element sets in the Celestrak gp.php format.
	URL      string `yaml:"url"`
	CacheDir string `yaml:"cache_dir"`
	// Lookahead is how far ahead passes are searched.
	Lookahead    time.Duration `yaml:"lookahead"`
	MinElevation float64       `yaml:"min_elevation"`
	// Points is the number of track points uploaded per pass.
	Points int `yaml:"points"`
	// Lead is how long before rise the virtual clock is set when a pass is
	// rehearsed.
	Lead time.Duration `yaml:"lead"`
}

type SimulatorConfig struct {
	CPR        int           `yaml:"cpr"`
	BufferSize int           `yaml:"buffer_size"`
	SlewRate   float64       `yaml:"slew_rate"`
	BrakeTime  time.Duration `yaml:"brake_time"`
}

type Config struct {
	Serial  string        `yaml:"serial"`
	Baud    int           `yaml:"baud"`
	Timeout time.Duration `yaml:"timeout"`
	Verbose bool          `yaml:"verbose"`

	Simulate  bool            `yaml:"simulate"`
	Simulator SimulatorConfig `yaml:"simulator"`

	Listen  string `yaml:"listen"`
	Rotctld string `yaml:"rotctld"`

	Location coord.Location `yaml:"location"`
	// Axis is the direction of the mount's primary axis.
	Axis Angles `yaml:"axis"`
	// Calibration, if set, is where the mount points when it connects.
	Calibration      *Angles       `yaml:"calibration"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	PrecheckCapacity bool          `yaml:"precheck_capacity"`

	Satellites SatelliteConfig `yaml:"satellites"`
}

func DefaultConfig() Config {
	return Config{
		Baud:    espmount.DefaultBaud,
		Timeout: espmount.DefaultTimeout,
		Simulator: SimulatorConfig{
			CPR:        3600,
			BufferSize: 1024,
			SlewRate:   10,
			BrakeTime:  500 * time.Millisecond,
		},
		Listen:           "127.0.0.1:8503",
		Axis:             Angles{Alt: 90},
		PollInterval:     mount.DefaultPollInterval,
		PrecheckCapacity: true,
		Satellites: SatelliteConfig{
			URL:          transit.CelestrakURL,
			Lookahead:    24 * time.Hour,
			MinElevation: 10,
			Points:       600,
			Lead:         2 * time.Minute,
		},
	}
}

// LoadConfig reads a YAML file over the defaults. An empty path returns the
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Serial == "" && !c.Simulate {
		return errors.New("a serial port is required unless simulating")
	}
	if c.Location.Latitude < -90 || c.Location.Latitude > 90 {
		return fmt.Errorf("latitude %v out of range", c.Location.Latitude)
	}
	if c.Axis.Alt < -90 || c.Axis.Alt > 90 {
		return fmt.Errorf("axis altitude %v out of range", c.Axis.Alt)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", c.PollInterval)
	}
	if c.Satellites.Points <= 0 {
		return fmt.Errorf("satellite track points must be positive, got %d", c.Satellites.Points)
	}
	if c.Simulate && (c.Simulator.CPR <= 0 || c.Simulator.BufferSize <= 0 || c.Simulator.SlewRate <= 0) {
		return fmt.Errorf("invalid simulator configuration %+v", c.Simulator)
	}
	return nil
}

// MountConfig returns the controller configuration at time t.
func (c Config) MountConfig(t time.Time) mount.Config {
	return mount.Config{
		Axis:             coord.NewHorizontal(c.Axis.Alt, c.Axis.Az, t, c.Location),
		PollInterval:     c.PollInterval,
		PrecheckCapacity: c.PrecheckCapacity,
	}
}

func (c Config) Finder() *transit.Finder {
	return &transit.Finder{BaseURL: c.Satellites.URL, CacheDir: c.Satellites.CacheDir}
}
