// Package config loads avmux settings from avmux.yaml and AVMUX_*
// environment variables.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/tyrese/avmux/format"
	"github.com/tyrese/avmux/format/flv"
	"github.com/tyrese/avmux/format/mp4"
	"github.com/tyrese/avmux/format/ts"
)

var searchPaths = []string{
	".",
	"$HOME/.avmux",
	"/etc/avmux",
}

type Config struct {
	LogLevel logrus.Level
	LogFile  string

	TS  ts.Options
	MP4 mp4.Options
	FLV flv.Options

	SyncEnabled bool
	MetricsAddr string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	// microseconds
	v.SetDefault("ts.pcr_offset", 300)
	v.SetDefault("ts.table_interval", "100ms")
	v.SetDefault("ts.aac_framing", "adts")
	v.SetDefault("ts.service_name", "avmux")
	v.SetDefault("ts.provider_name", "avmux")

	v.SetDefault("mp4.fragmented", true)
	v.SetDefault("mp4.fragment_duration", "2s")
	v.SetDefault("mp4.chunk_duration", "1s")
	v.SetDefault("mp4.chunk_size", "4mb")

	v.SetDefault("flv.also_write_sequence_header", true)
	v.SetDefault("flv.write_file_header", true)

	v.SetDefault("sync.enabled", true)
	v.SetDefault("metrics.addr", "")
}

// New returns a viper instance with the avmux defaults and environment
// bindings. file, when not empty, replaces the search paths.
func New(file string) *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("avmux")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		return v
	}
	v.SetConfigName("avmux")
	v.SetConfigType("yaml")
	for _, path := range searchPaths {
		v.AddConfigPath(os.ExpandEnv(path))
	}
	return v
}

// Load reads the config file if there is one. A missing file in the
// search paths is not an error, an explicit one is.
func Load(file string) (*Config, error) {
	v := New(file)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || file != "" {
			return nil, errors.Wrap(err, "config: read")
		}
	}
	return FromViper(v)
}

func FromViper(v *viper.Viper) (cfg *Config, err error) {
	cfg = &Config{
		LogFile:     v.GetString("log.file"),
		SyncEnabled: v.GetBool("sync.enabled"),
		MetricsAddr: v.GetString("metrics.addr"),
	}
	if cfg.LogLevel, err = logrus.ParseLevel(v.GetString("log.level")); err != nil {
		return nil, errors.Wrap(err, "config: log.level")
	}

	cfg.TS = ts.Options{
		PCROffset:     time.Duration(v.GetInt64("ts.pcr_offset")) * time.Microsecond,
		TableInterval: v.GetDuration("ts.table_interval"),
		ServiceName:   v.GetString("ts.service_name"),
		ProviderName:  v.GetString("ts.provider_name"),
	}
	if cfg.TS.AACFraming, err = ts.ParseAACFraming(v.GetString("ts.aac_framing")); err != nil {
		return nil, err
	}
	if cfg.TS.PCROffset < 0 || cfg.TS.TableInterval < 0 {
		return nil, errors.New("config: ts durations must not be negative")
	}

	cfg.MP4 = mp4.Options{
		Fragmented:       v.GetBool("mp4.fragmented"),
		FragmentDuration: v.GetDuration("mp4.fragment_duration"),
		ChunkDuration:    v.GetDuration("mp4.chunk_duration"),
		ChunkSize:        int(v.GetSizeInBytes("mp4.chunk_size")),
	}
	if cfg.MP4.FragmentDuration <= 0 || cfg.MP4.ChunkDuration <= 0 || cfg.MP4.ChunkSize <= 0 {
		return nil, errors.New("config: mp4 thresholds must be positive")
	}

	cfg.FLV = flv.Options{
		AlsoWriteSequenceHeader: v.GetBool("flv.also_write_sequence_header"),
		WriteFileHeader:         v.GetBool("flv.write_file_header"),
	}
	return
}

// FormatOptions gives the per-container options for format.Register.
func (self *Config) FormatOptions(fps int) format.Options {
	return format.Options{
		TS:  self.TS,
		MP4: self.MP4,
		FLV: self.FLV,
		FPS: fps,
	}
}
