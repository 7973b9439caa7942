// Package config loads the livemap JSON configuration: the map widget props
// plus the position source, storage and server settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/livemap/internal/gps"
	"github.com/banshee-data/livemap/internal/projection"
	"github.com/banshee-data/livemap/internal/render"
)

// Source kinds.
const (
	SourceGPS       = "gps"
	SourceSimulator = "simulator"
	SourceNone      = "none"
)

const (
	minViewport = 16
	maxViewport = 4096
)

// MapConfig is the root configuration. Every field is optional; the Get*
// methods supply defaults for anything the file omits.
type MapConfig struct {
	// Widget props
	Height              *int     `json:"height,omitempty"`
	Width               *int     `json:"width,omitempty"`
	Zoom                *int     `json:"zoom,omitempty"`
	ShowAccuracyCircle  *bool    `json:"show_accuracy_circle,omitempty"`
	ShowGeodesicOutline *bool    `json:"show_geodesic_outline,omitempty"`
	EnableLiveTracking  *bool    `json:"enable_live_tracking,omitempty"`
	Style               *string  `json:"style,omitempty"`
	MaxAccuracyRadius   *float64 `json:"max_accuracy_radius,omitempty"`

	// Position source
	Source            *string  `json:"source,omitempty"` // gps, simulator or none
	GPSPort           *string  `json:"gps_port,omitempty"`
	GPSBaudRate       *int     `json:"gps_baud_rate,omitempty"`
	GPSDataBits       *int     `json:"gps_data_bits,omitempty"`
	GPSStopBits       *int     `json:"gps_stop_bits,omitempty"`
	GPSParity         *string  `json:"gps_parity,omitempty"`
	SimulatorSpeedMPS *float64 `json:"simulator_speed_mps,omitempty"`
	SimulatorInterval *string  `json:"simulator_interval,omitempty"` // duration string like "1s"

	// Controller
	Timeout    *string `json:"timeout,omitempty"`     // duration string like "10s"
	StaleAfter *string `json:"stale_after,omitempty"` // duration string like "5s"

	// Storage and server
	DBPath *string `json:"db_path,omitempty"`
	Listen *string `json:"listen,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyMapConfig returns a MapConfig with all fields nil.
func EmptyMapConfig() *MapConfig {
	return &MapConfig{}
}

// DefaultMapConfig returns a MapConfig with every field set to its default.
func DefaultMapConfig() *MapConfig {
	return &MapConfig{
		Height:              ptrInt(300),
		Width:               ptrInt(400),
		Zoom:                ptrInt(15),
		ShowAccuracyCircle:  ptrBool(true),
		ShowGeodesicOutline: ptrBool(false),
		EnableLiveTracking:  ptrBool(false),
		Style:               ptrString(string(render.StyleLight)),
		MaxAccuracyRadius:   ptrFloat64(render.DefaultMaxAccuracyRadius),
		Source:              ptrString(SourceGPS),
		GPSPort:             ptrString("/dev/ttyUSB0"),
		GPSBaudRate:         ptrInt(gps.DefaultBaudRate),
		GPSDataBits:         ptrInt(8),
		GPSStopBits:         ptrInt(1),
		GPSParity:           ptrString("N"),
		SimulatorSpeedMPS:   ptrFloat64(1.4),
		SimulatorInterval:   ptrString("1s"),
		Timeout:             ptrString("10s"),
		StaleAfter:          ptrString("5s"),
		DBPath:              ptrString("livemap.db"),
		Listen:              ptrString("localhost:8080"),
	}
}

// LoadMapConfig loads a MapConfig from a JSON file. The path must have a
// .json extension and the file must be under 1MB. Omitted fields fall back
// to the Get* defaults, so partial configs are safe.
func LoadMapConfig(path string) (*MapConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyMapConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *MapConfig) Validate() error {
	if c.Zoom != nil && (*c.Zoom < projection.MinZoom || *c.Zoom > projection.MaxZoom) {
		return fmt.Errorf("zoom must be between %d and %d, got %d", projection.MinZoom, projection.MaxZoom, *c.Zoom)
	}
	if c.Height != nil && (*c.Height < minViewport || *c.Height > maxViewport) {
		return fmt.Errorf("height must be between %d and %d, got %d", minViewport, maxViewport, *c.Height)
	}
	if c.Width != nil && (*c.Width < minViewport || *c.Width > maxViewport) {
		return fmt.Errorf("width must be between %d and %d, got %d", minViewport, maxViewport, *c.Width)
	}
	if c.Style != nil {
		if _, err := render.ParseStyle(*c.Style); err != nil {
			return err
		}
	}
	if c.MaxAccuracyRadius != nil && *c.MaxAccuracyRadius <= 0 {
		return fmt.Errorf("max_accuracy_radius must be positive, got %f", *c.MaxAccuracyRadius)
	}

	if c.Source != nil {
		switch *c.Source {
		case SourceGPS, SourceSimulator, SourceNone:
		default:
			return fmt.Errorf("unsupported source %q: expected gps, simulator or none", *c.Source)
		}
	}
	if c.GPSPort != nil && *c.GPSPort == "" {
		return fmt.Errorf("gps_port must not be empty")
	}
	if _, err := c.GetPortOptions().Normalize(); err != nil {
		return fmt.Errorf("invalid gps port options: %w", err)
	}
	if c.SimulatorSpeedMPS != nil && !(*c.SimulatorSpeedMPS >= 0) {
		return fmt.Errorf("simulator_speed_mps must be non-negative, got %f", *c.SimulatorSpeedMPS)
	}

	for name, v := range map[string]*string{
		"simulator_interval": c.SimulatorInterval,
		"timeout":            c.Timeout,
		"stale_after":        c.StaleAfter,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, *v)
		}
	}

	if c.DBPath != nil && *c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// GetHeight returns the viewport height in pixels.
func (c *MapConfig) GetHeight() int {
	if c.Height == nil {
		return 300
	}
	return *c.Height
}

// GetWidth returns the viewport width in pixels.
func (c *MapConfig) GetWidth() int {
	if c.Width == nil {
		return 400
	}
	return *c.Width
}

// GetZoom returns the initial zoom level, clamped to the supported range.
func (c *MapConfig) GetZoom() int {
	if c.Zoom == nil {
		return 15
	}
	return projection.ClampZoom(*c.Zoom)
}

func (c *MapConfig) GetShowAccuracyCircle() bool {
	if c.ShowAccuracyCircle == nil {
		return true
	}
	return *c.ShowAccuracyCircle
}

func (c *MapConfig) GetShowGeodesicOutline() bool {
	if c.ShowGeodesicOutline == nil {
		return false
	}
	return *c.ShowGeodesicOutline
}

// GetEnableLiveTracking reports whether tracking starts automatically once
// permission is granted.
func (c *MapConfig) GetEnableLiveTracking() bool {
	if c.EnableLiveTracking == nil {
		return false
	}
	return *c.EnableLiveTracking
}

// GetStyle returns the map style; unknown values fall back to light.
func (c *MapConfig) GetStyle() render.Style {
	if c.Style == nil {
		return render.StyleLight
	}
	s, err := render.ParseStyle(*c.Style)
	if err != nil {
		return render.StyleLight
	}
	return s
}

func (c *MapConfig) GetMaxAccuracyRadius() float64 {
	if c.MaxAccuracyRadius == nil || *c.MaxAccuracyRadius <= 0 {
		return render.DefaultMaxAccuracyRadius
	}
	return *c.MaxAccuracyRadius
}

// RenderConfig assembles the initial scene configuration.
func (c *MapConfig) RenderConfig() render.Config {
	return render.Config{
		Zoom:                c.GetZoom(),
		Style:               c.GetStyle(),
		ShowAccuracyCircle:  c.GetShowAccuracyCircle(),
		ShowGeodesicOutline: c.GetShowGeodesicOutline(),
		Viewport:            projection.Size{Width: c.GetWidth(), Height: c.GetHeight()},
		MaxAccuracyRadius:   c.GetMaxAccuracyRadius(),
	}
}

func (c *MapConfig) GetSource() string {
	if c.Source == nil || *c.Source == "" {
		return SourceGPS
	}
	return *c.Source
}

func (c *MapConfig) GetGPSPort() string {
	if c.GPSPort == nil || *c.GPSPort == "" {
		return "/dev/ttyUSB0"
	}
	return *c.GPSPort
}

// GetPortOptions returns the serial options. Unset values are left zero for
// gps.PortOptions.Normalize to fill in.
func (c *MapConfig) GetPortOptions() gps.PortOptions {
	var opts gps.PortOptions
	if c.GPSBaudRate != nil {
		opts.BaudRate = *c.GPSBaudRate
	}
	if c.GPSDataBits != nil {
		opts.DataBits = *c.GPSDataBits
	}
	if c.GPSStopBits != nil {
		opts.StopBits = *c.GPSStopBits
	}
	if c.GPSParity != nil {
		opts.Parity = *c.GPSParity
	}
	return opts
}

// GetSimulatorConfig returns the simulator settings over the default route.
func (c *MapConfig) GetSimulatorConfig() gps.SimulatorConfig {
	speed := 1.4
	if c.SimulatorSpeedMPS != nil {
		speed = *c.SimulatorSpeedMPS
	}
	return gps.SimulatorConfig{
		Route:    gps.DefaultRoute,
		SpeedMPS: speed,
		Interval: durationOr(c.SimulatorInterval, time.Second),
	}
}

// GetTimeout returns the one-shot fetch timeout.
func (c *MapConfig) GetTimeout() time.Duration {
	return durationOr(c.Timeout, 10*time.Second)
}

// GetStaleAfter returns how long the receiver waits for a fix before
// reporting a timeout.
func (c *MapConfig) GetStaleAfter() time.Duration {
	return durationOr(c.StaleAfter, gps.DefaultStaleAfter)
}

func (c *MapConfig) GetDBPath() string {
	if c.DBPath == nil || *c.DBPath == "" {
		return "livemap.db"
	}
	return *c.DBPath
}

func (c *MapConfig) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return "localhost:8080"
	}
	return *c.Listen
}
