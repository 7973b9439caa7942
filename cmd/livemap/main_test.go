package main

import (
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/livemap/internal/config"
	"github.com/banshee-data/livemap/internal/gps"
	"github.com/banshee-data/livemap/internal/timeutil"
)

// setFlag points a string flag at v for the duration of the test.
func setFlag(t *testing.T, f **string, v string) {
	t.Helper()
	orig := *f
	*f = &v
	t.Cleanup(func() { *f = orig })
}

func TestFlagDefaults(t *testing.T) {
	assert.Equal(t, "", *configPath)
	assert.Equal(t, "", *listen)
	assert.Equal(t, "mps", *units)
	assert.False(t, *verbose)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "localhost:8080", cfg.GetListen())
	assert.Equal(t, config.SourceGPS, cfg.GetSource())
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	setFlag(t, &configPath, "../../config/livemap.example.json")
	setFlag(t, &listen, ":9090")
	setFlag(t, &source, "none")
	setFlag(t, &dbPath, "other.db")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.GetListen())
	assert.Equal(t, config.SourceNone, cfg.GetSource())
	assert.Equal(t, "other.db", cfg.GetDBPath())
	assert.Equal(t, 640, cfg.GetWidth())
}

func TestLoadConfig_InvalidSource(t *testing.T) {
	setFlag(t, &source, "compass")
	_, err := loadConfig()
	assert.Error(t, err)
}

func TestOpenSource(t *testing.T) {
	clock := timeutil.NewMockClock(timeutil.RealClock{}.Now())

	cfg := config.DefaultMapConfig()
	none := config.SourceNone
	cfg.Source = &none
	src, err := openSource(cfg, clock)
	require.NoError(t, err)
	assert.Nil(t, src.source)
	assert.Nil(t, src.receiver)

	sim := config.SourceSimulator
	cfg.Source = &sim
	src, err = openSource(cfg, clock)
	require.NoError(t, err)
	require.NotNil(t, src.receiver)
	assert.Same(t, src.receiver, src.source)
	src.receiver.Close()

	missing := filepath.Join(t.TempDir(), "no-such-tty")
	gpsSrc := config.SourceGPS
	cfg.Source = &gpsSrc
	cfg.GPSPort = &missing
	src, err = openSource(cfg, clock)
	require.NoError(t, err)
	assert.Nil(t, src.receiver)
	_, ok := src.source.(*gps.Unavailable)
	assert.True(t, ok, "source = %T", src.source)
}

func TestWriteSnapshot(t *testing.T) {
	cfg := config.DefaultMapConfig()
	none := config.SourceNone
	cfg.Source = &none
	out := filepath.Join(t.TempDir(), "frame.png")

	require.NoError(t, writeSnapshot(cfg, out))

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, cfg.GetWidth(), img.Bounds().Dx())
	assert.Equal(t, cfg.GetHeight(), img.Bounds().Dy())
}

func TestWriteSnapshot_RejectsBadPath(t *testing.T) {
	cfg := config.DefaultMapConfig()
	assert.Error(t, writeSnapshot(cfg, filepath.Join(t.TempDir(), "frame.jpg")))
	assert.Error(t, writeSnapshot(cfg, "/etc/livemap.png"))
}
