package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/CZERTAINLY/mediagate/internal/api"
	"github.com/CZERTAINLY/mediagate/internal/log"
	"github.com/CZERTAINLY/mediagate/internal/model"
	"github.com/CZERTAINLY/mediagate/internal/ratelimit"
	"github.com/CZERTAINLY/mediagate/internal/service"
	"github.com/CZERTAINLY/mediagate/internal/store"
	"github.com/CZERTAINLY/mediagate/internal/validate"
)

var (
	flagDescriptor string // value of validate --descriptor
	flagOptions    string // value of validate --options
)

func doServe(cmd *cobra.Command, args []string) error {
	attrs := slog.Group("mediagate",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	)
	ctx := log.ContextAttrs(cmd.Context(), attrs)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tools, err := service.ParseConfig("tools")
	if err != nil {
		return fmt.Errorf("parsing tools config: %w", err)
	}
	root, err := openRoot(config.Storage)
	if err != nil {
		return err
	}
	defer root.Close()

	retention := config.Storage.Retention.Duration()
	var mirror store.Mirror
	if r := redisConfig(config); r != nil {
		rds, err := store.NewRedis(ctx, *r, retention)
		if err != nil {
			return err
		}
		defer func() {
			if err := rds.Close(); err != nil {
				slog.WarnContext(ctx, "closing redis", "error", err)
			}
		}()
		mirror = rds
		slog.InfoContext(ctx, "status mirror enabled", "addr", r.Addr)
	}
	st := store.New(mirror)

	executor := service.NewExecutor(root, tools)
	for _, t := range executor.Tools() {
		if !t.Available {
			slog.WarnContext(ctx, "download tool not found", "tool", string(t.Tool))
		}
	}
	scheduler := service.NewScheduler(service.SchedulerConfig{
		MaxConcurrent: config.Scheduler.MaxConcurrent,
		QueueCapacity: config.Scheduler.QueueCapacity,
		Retention:     retention,
	}, st, executor)
	sweeper := service.NewSweeper(st, root, retention, config.Cleanup.Parallelism)
	limiter := ratelimit.New(ratelimit.ConfigFromLimits(config.Limits))

	srv := api.New(config.Server, api.Deps{
		Jobs:      scheduler,
		Status:    store.NewStatus(st),
		Validator: validate.New(validate.LimitsFromConfig(config.Validation), nil),
		Limiter:   limiter,
		Tools:     executor,
		Root:      root,
	})

	supervisor, err := service.NewSupervisor(ctx, config.Cleanup, scheduler, sweeper, limiter.GC, srv)
	if err != nil {
		return err
	}
	return supervisor.Do(ctx)
}

func doCheck(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "config:  %s\n", configPath)

	tools, err := service.ParseConfig("tools")
	if err != nil {
		return fmt.Errorf("parsing tools config: %w", err)
	}
	root, err := openRoot(config.Storage)
	if err != nil {
		return err
	}
	defer root.Close()
	fmt.Fprintf(out, "storage: %s\n", root.Name())

	var errs []error
	if r := redisConfig(config); r != nil {
		rds, err := store.NewRedis(ctx, *r, config.Storage.Retention.Duration())
		if err != nil {
			errs = append(errs, err)
			fmt.Fprintf(out, "redis:   %s unreachable\n", r.Addr)
		} else {
			_ = rds.Close()
			fmt.Fprintf(out, "redis:   %s ok\n", r.Addr)
		}
	}

	statuses := service.NewExecutor(root, tools).Tools()
	for _, t := range statuses {
		state := "missing"
		if t.Available {
			state = "ok " + t.Path
		}
		fmt.Fprintf(out, "%-8s %s\n", string(t.Tool)+":", state)
	}
	if !slices.ContainsFunc(statuses, func(t service.ToolStatus) bool { return t.Available }) {
		errs = append(errs, errors.New("no download tool is available"))
	}
	return errors.Join(errs...)
}

// doValidate runs a request through the validator, nothing is downloaded
func doValidate(cmd *cobra.Command, args []string) error {
	var opts model.RawOptions
	if flagOptions != "" {
		if err := json.Unmarshal([]byte(flagOptions), &opts); err != nil {
			return fmt.Errorf("parsing --options: %w", err)
		}
	}

	var req model.JobRequest
	switch {
	case flagDescriptor != "" && len(args) > 0:
		return errors.New("either url or --descriptor is allowed")
	case flagDescriptor != "":
		desc, err := readDescriptor(cmd.InOrStdin(), flagDescriptor)
		if err != nil {
			return err
		}
		req = model.DescriptorRequest{Descriptor: desc, Options: opts}
	case len(args) == 1:
		req = model.SimpleURLRequest{URL: args[0], Options: opts}
	default:
		return errors.New("url or --descriptor is required")
	}

	v := validate.New(validate.LimitsFromConfig(config.Validation), nil)
	vreq, err := v.Validate(cmd.Context(), req)
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	var verr *model.ValidationError
	if errors.As(err, &verr) {
		if err := enc.Encode(verr); err != nil {
			return err
		}
		return errors.New("request is invalid")
	} else if err != nil {
		return err
	}
	return enc.Encode(api.Summarize(vreq))
}

func readDescriptor(stdin io.Reader, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(io.LimitReader(stdin, int64(config.Validation.MaxDescriptor)+1))
	}
	desc, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("reading descriptor: %w", err)
	}
	return desc, nil
}

// openRoot opens the storage root by its absolute path, tools run with the
// job directory as their working directory
func openRoot(cfg model.Storage) (*os.Root, error) {
	dir, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("storage root: %w", err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating storage root: %w", err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("opening storage root: %w", err)
	}
	return root, nil
}

func redisConfig(cfg model.Config) *model.Redis {
	if cfg.Mirror == nil || cfg.Mirror.Redis == nil || !cfg.Mirror.Redis.Enabled {
		return nil
	}
	return cfg.Mirror.Redis
}

// compile time checks of the wiring
var (
	_ api.Jobs           = (*service.Scheduler)(nil)
	_ api.Status         = (*store.Status)(nil)
	_ api.Tools          = (*service.Executor)(nil)
	_ service.Downloader = (*service.Executor)(nil)
	_ service.Server     = (*api.Server)(nil)
)
