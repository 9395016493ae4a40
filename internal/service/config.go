package service

import (
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultTimeout = 30 * time.Minute
	DefaultGrace   = 10 * time.Second
)

// ToolsConfig describes the download tools. It is read through viper, so
// MEDIAGATE_TOOLS_* environment variables override the file.
type ToolsConfig struct {
	YTDLP struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"ytdlp"`
	FFmpeg struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"ffmpeg"`
	Env     map[string]string `mapstructure:"env"`
	Timeout time.Duration     `mapstructure:"timeout"`
	Grace   time.Duration     `mapstructure:"grace"`
}

func ParseConfig(key string) (ToolsConfig, error) {
	var cfg ToolsConfig
	err := viper.UnmarshalKey(key, &cfg)
	if err != nil {
		return cfg, err
	}
	// UnmarshalKey ignores environment values of nested keys
	if p := viper.GetString(key + ".ytdlp.path"); p != "" {
		cfg.YTDLP.Path = p
	}
	if p := viper.GetString(key + ".ffmpeg.path"); p != "" {
		cfg.FFmpeg.Path = p
	}
	if d := viper.GetDuration(key + ".timeout"); d > 0 {
		cfg.Timeout = d
	}
	if d := viper.GetDuration(key + ".grace"); d > 0 {
		cfg.Grace = d
	}
	if cfg.YTDLP.Path == "" {
		cfg.YTDLP.Path = "yt-dlp"
	}
	if cfg.FFmpeg.Path == "" {
		cfg.FFmpeg.Path = "ffmpeg"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	return cfg, nil
}

// Environ returns the static environment of a tool, sorted by name. Values
// starting with $ are expanded from the environment of the server.
func (c ToolsConfig) Environ() []string {
	env := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	sort.Strings(env)
	return env
}
