package model

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version    int        `json:"version" yaml:"version"` // fixed 0 for now
	Server     Server     `json:"server" yaml:"server"`
	Storage    Storage    `json:"storage" yaml:"storage"`
	Scheduler  Scheduler  `json:"scheduler" yaml:"scheduler"`
	Cleanup    Cleanup    `json:"cleanup" yaml:"cleanup"`
	Limits     Limits     `json:"limits" yaml:"limits"`
	Validation Validation `json:"validation" yaml:"validation"`
	Mirror     *Mirror    `json:"mirror,omitempty" yaml:"mirror,omitempty"`
	Tools      *Tools     `json:"tools,omitempty" yaml:"tools,omitempty"`
	Service    Service    `json:"service" yaml:"service"`
}

type Server struct {
	Listen         string         `json:"listen" yaml:"listen"`
	TrustedProxies []netip.Prefix `json:"trusted_proxies,omitempty" yaml:"trusted_proxies,omitempty"`
	CORSOrigins    []string       `json:"cors_origins" yaml:"cors_origins"` // origin prefixes
	MaxRPS         float64        `json:"max_rps" yaml:"max_rps"`           // process-wide ingress rate
	Burst          int            `json:"burst" yaml:"burst"`
	MaxBody        int64          `json:"max_body" yaml:"max_body"`
}

// Storage is the root of all job directories, root/<job-id>/...
type Storage struct {
	Root      string      `json:"root" yaml:"root"`
	Retention ISODuration `json:"retention" yaml:"retention"`
}

type Scheduler struct {
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent"`
	QueueCapacity int `json:"queue_capacity" yaml:"queue_capacity"`
}

// Cleanup defines how often the retention sweeper runs. Cron takes
// a precedence over Interval.
type Cleanup struct {
	Interval    *ISODuration `json:"interval,omitempty" yaml:"interval,omitempty"`
	Cron        string       `json:"cron,omitempty" yaml:"cron,omitempty"`
	Parallelism int          `json:"parallelism" yaml:"parallelism"`
}

type Ceilings struct {
	Second int `json:"second" yaml:"second"`
	Minute int `json:"minute" yaml:"minute"`
	Hour   int `json:"hour" yaml:"hour"`
	Day    int `json:"day" yaml:"day"`
}

type Abuse struct {
	Strikes  int         `json:"strikes" yaml:"strikes"`
	Window   ISODuration `json:"window" yaml:"window"`
	Block    ISODuration `json:"block" yaml:"block"`
	MaxBlock ISODuration `json:"max_block" yaml:"max_block"`
}

type Limits struct {
	Download Ceilings `json:"download" yaml:"download"`
	Status   Ceilings `json:"status" yaml:"status"`
	Abuse    Abuse    `json:"abuse" yaml:"abuse"`
}

type Validation struct {
	MaxURL         int         `json:"max_url" yaml:"max_url"`
	MaxFilename    int         `json:"max_filename" yaml:"max_filename"`
	MaxDescriptor  int         `json:"max_descriptor" yaml:"max_descriptor"`
	MaxCookies     int         `json:"max_cookies" yaml:"max_cookies"`
	MaxDepth       int         `json:"max_depth" yaml:"max_depth"`
	MaxHeaders     int         `json:"max_headers" yaml:"max_headers"`
	ResolveTimeout ISODuration `json:"resolve_timeout" yaml:"resolve_timeout"`
}

type Mirror struct {
	Redis *Redis `json:"redis,omitempty" yaml:"redis,omitempty"`
}

type Redis struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

// Tools is validated by the schema but consumed through viper, so
// environment variables can override it.
type Tools struct {
	YTDLP   *ToolPath         `json:"ytdlp,omitempty" yaml:"ytdlp,omitempty"`
	FFmpeg  *ToolPath         `json:"ffmpeg,omitempty" yaml:"ffmpeg,omitempty"`
	Timeout string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Grace   string            `json:"grace,omitempty" yaml:"grace,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

type ToolPath struct {
	Path string `json:"path" yaml:"path"`
}

type Service struct {
	Verbose bool   `json:"verbose" yaml:"verbose"`
	Log     string `json:"log" yaml:"log"` // "stderr"|"stdout"|"discard"|path
}

// DefaultConfig returns the configuration written on a first start.
func DefaultConfig(dataDir string) Config {
	return Config{
		Version: 0,
		Server: Server{
			Listen:      ":8080",
			CORSOrigins: []string{"chrome-extension://", "moz-extension://"},
			MaxRPS:      50,
			Burst:       100,
			MaxBody:     96 * 1024,
		},
		Storage: Storage{
			Root:      filepath.Join(dataDir, "jobs"),
			Retention: ISODuration(2 * time.Hour),
		},
		Scheduler: Scheduler{
			MaxConcurrent: 3,
			QueueCapacity: 256,
		},
		Cleanup: Cleanup{
			Interval:    ptr(ISODuration(10 * time.Minute)),
			Parallelism: 4,
		},
		Limits: Limits{
			Download: Ceilings{Second: 2, Minute: 5, Hour: 20, Day: 50},
			Status:   Ceilings{Second: 10, Minute: 120, Hour: 2000, Day: 20000},
			Abuse: Abuse{
				Strikes:  3,
				Window:   ISODuration(10 * time.Minute),
				Block:    ISODuration(15 * time.Minute),
				MaxBlock: ISODuration(24 * time.Hour),
			},
		},
		Validation: Validation{
			MaxURL:         2048,
			MaxFilename:    255,
			MaxDescriptor:  64 * 1024,
			MaxCookies:     32 * 1024,
			MaxDepth:       5,
			MaxHeaders:     32,
			ResolveTimeout: ISODuration(2 * time.Second),
		},
		Tools: &Tools{
			YTDLP:   &ToolPath{Path: "yt-dlp"},
			FFmpeg:  &ToolPath{Path: "ffmpeg"},
			Timeout: "30m",
			Grace:   "10s",
		},
		Service: Service{
			Log: LogStderr,
		},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	if err := out.Validate(); err != nil {
		return Config{}, err
	}
	out.Storage.Root = os.ExpandEnv(out.Storage.Root)
	return out, nil
}

// Validate checks the constraints the schema can't express. The
// configuration is immutable once it passes.
func (c Config) Validate() error {
	var errs []error
	if c.Storage.Root == "" {
		errs = append(errs, errors.New("storage.root: must not be empty"))
	}
	if c.Storage.Retention.Duration() <= 0 {
		errs = append(errs, errors.New("storage.retention: must be positive"))
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("scheduler.max_concurrent: must be positive"))
	}
	if c.Scheduler.QueueCapacity <= 0 {
		errs = append(errs, errors.New("scheduler.queue_capacity: must be positive"))
	}

	switch {
	case c.Cleanup.Cron != "":
		if _, err := ParseCron(c.Cleanup.Cron); err != nil {
			errs = append(errs, fmt.Errorf("cleanup.cron: %w", err))
		}
	case c.Cleanup.Interval != nil && c.Cleanup.Interval.Duration() <= 0:
		errs = append(errs, errors.New("cleanup.interval: must be positive"))
	}

	for name, ceil := range map[string]Ceilings{"download": c.Limits.Download, "status": c.Limits.Status} {
		if err := ceil.validate(); err != nil {
			errs = append(errs, fmt.Errorf("limits.%s: %w", name, err))
		}
	}
	abuse := c.Limits.Abuse
	if abuse.Strikes <= 0 || abuse.Window.Duration() <= 0 || abuse.Block.Duration() <= 0 {
		errs = append(errs, errors.New("limits.abuse: strikes, window and block must be positive"))
	}
	if abuse.MaxBlock.Duration() < abuse.Block.Duration() {
		errs = append(errs, errors.New("limits.abuse.max_block: must not be lower than block"))
	}
	if c.Validation.ResolveTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("validation.resolve_timeout: must be positive"))
	}
	if c.Mirror != nil && c.Mirror.Redis != nil && c.Mirror.Redis.Enabled && c.Mirror.Redis.Addr == "" {
		errs = append(errs, errors.New("mirror.redis.addr: must not be empty"))
	}
	return errors.Join(errs...)
}

func (c Ceilings) validate() error {
	if c.Second <= 0 || c.Minute <= 0 || c.Hour <= 0 || c.Day <= 0 {
		return errors.New("all ceilings must be positive")
	}
	if c.Second > c.Minute || c.Minute > c.Hour || c.Hour > c.Day {
		return errors.New("ceilings must not decrease with a longer window")
	}
	return nil
}

// IsLogFile returns true if service.log points to a file
func (s Service) IsLogFile() bool {
	switch strings.ToLower(s.Log) {
	case "", LogStderr, LogStdout, LogDiscard:
		return false
	}
	return true
}

func ptr[T any](v T) *T {
	return &v
}
