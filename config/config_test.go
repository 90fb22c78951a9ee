package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tyrese/avmux/av"
	"github.com/tyrese/avmux/format/flv"
	"github.com/tyrese/avmux/format/mp4"
	"github.com/tyrese/avmux/format/ts"
)

func TestDefaults(t *testing.T) {
	cfg, err := FromViper(New(""))
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, cfg.LogLevel)
	assert.Empty(t, cfg.LogFile)
	assert.Equal(t, ts.DefaultOptions(), cfg.TS)
	assert.Equal(t, mp4.DefaultOptions(), cfg.MP4)
	assert.Equal(t, flv.DefaultOptions(), cfg.FLV)
	assert.True(t, cfg.SyncEnabled)
	assert.Empty(t, cfg.MetricsAddr)

	opts := cfg.FormatOptions(25)
	assert.Equal(t, 25, opts.FPS)
	assert.Equal(t, cfg.TS, opts.TS)
}

func TestEnvironment(t *testing.T) {
	t.Setenv("AVMUX_TS_AAC_FRAMING", "latm")
	t.Setenv("AVMUX_TS_PCR_OFFSET", "500")
	t.Setenv("AVMUX_MP4_FRAGMENTED", "false")
	t.Setenv("AVMUX_LOG_LEVEL", "debug")

	cfg, err := FromViper(New(""))
	require.NoError(t, err)
	assert.Equal(t, ts.LATM, cfg.TS.AACFraming)
	assert.Equal(t, 500*time.Microsecond, cfg.TS.PCROffset)
	assert.False(t, cfg.MP4.Fragmented)
	assert.Equal(t, logrus.DebugLevel, cfg.LogLevel)
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "avmux.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: warn
  file: /var/log/avmux.log
ts:
  table_interval: 250ms
  service_name: cam1
mp4:
  fragment_duration: 4s
  chunk_size: 1mb
flv:
  write_file_header: false
metrics:
  addr: ":9100"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, cfg.LogLevel)
	assert.Equal(t, "/var/log/avmux.log", cfg.LogFile)
	assert.Equal(t, 250*time.Millisecond, cfg.TS.TableInterval)
	assert.Equal(t, "cam1", cfg.TS.ServiceName)
	assert.Equal(t, "avmux", cfg.TS.ProviderName)
	assert.Equal(t, 4*time.Second, cfg.MP4.FragmentDuration)
	assert.Equal(t, 1<<20, cfg.MP4.ChunkSize)
	assert.False(t, cfg.FLV.WriteFileHeader)
	assert.True(t, cfg.FLV.AlsoWriteSequenceHeader)
	assert.Equal(t, ":9100", cfg.MetricsAddr)
}

func TestInvalid(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "an explicit file must exist")

	t.Setenv("AVMUX_TS_AAC_FRAMING", "mp3")
	_, err = FromViper(New(""))
	assert.True(t, errors.Is(err, av.ErrConfiguration))

	t.Setenv("AVMUX_TS_AAC_FRAMING", "adts")
	t.Setenv("AVMUX_LOG_LEVEL", "loud")
	_, err = FromViper(New(""))
	assert.Error(t, err)

	t.Setenv("AVMUX_LOG_LEVEL", "info")
	t.Setenv("AVMUX_MP4_CHUNK_DURATION", "0s")
	_, err = FromViper(New(""))
	assert.Error(t, err)
}
