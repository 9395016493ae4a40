package main

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/CZERTAINLY/mediagate/internal/log"
	"github.com/CZERTAINLY/mediagate/internal/model"
)

const configName = "mediagate.yaml"

var (
	userConfigPath string // /default/config/path/mediagate on given OS
	userDataPath   string // default parent of the storage root
	configPath     string // actual config file used
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "mediagate")
	if d, err = os.UserCacheDir(); err != nil {
		d = os.TempDir()
	}
	userDataPath = filepath.Join(d, "mediagate")
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("mediagate failed", "error", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree, flags are bound to the package
// variables and reset to their defaults
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "mediagate",
		Short:        "Job broker downloading media for browser extensions",
		SilenceUsage: true,
		// never print messages
		SilenceErrors: true,
		// parse or create a config, setup logging
		PersistentPreRunE: initMediagate,
	}
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+configName+" in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "serve starts the HTTP API and the job scheduler",
		Args:  cobra.NoArgs,
		RunE:  doServe,
	}
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "check verifies the configuration, the storage and the download tools",
		Args:  cobra.NoArgs,
		RunE:  doCheck,
	}
	validateCmd := &cobra.Command{
		Use:   "validate [url]",
		Short: "validate checks a download request without submitting it",
		Args:  cobra.MaximumNArgs(1),
		RunE:  doValidate,
	}
	validateCmd.Flags().StringVar(&flagDescriptor, "descriptor", "", "JSON descriptor file to validate, - reads stdin")
	validateCmd.Flags().StringVar(&flagOptions, "options", "", "download options as a JSON object")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "version provide version of a mediagate",
		Run:   doVersion,
	}

	rootCmd.AddCommand(serveCmd, checkCmd, validateCmd, versionCmd)
	return rootCmd
}

func doVersion(cmd *cobra.Command, _ []string) {
	out := cmd.OutOrStdout()
	info, ok := debug.ReadBuildInfo()
	if !ok {
		fmt.Fprintln(out, "mediagate: version info not available")
		return
	}

	if configPath != "" {
		fmt.Fprintf(out, "config:    %s\n", configPath)
	}
	fmt.Fprintf(out, "mediagate: %s\n", info.Main.Version)
	fmt.Fprintf(out, "go:        %s\n", info.GoVersion)
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			fmt.Fprintf(out, "commit:    %s\n", s.Value)
		case "vcs.time":
			fmt.Fprintf(out, "date:      %s\n", s.Value)
		case "vcs.modified":
			fmt.Fprintf(out, "dirty:     %s\n", s.Value)
		}
	}
	fmt.Fprintln(out)
}

func initMediagate(cmd *cobra.Command, _ []string) error {
	configPath = ""
	if envConfig, ok := os.LookupEnv("MEDIAGATECONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{".", userConfigPath} {
			path := filepath.Join(d, configName)
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	var raw []byte
	if configPath == "" {
		// store default configuration
		config = model.DefaultConfig(userDataPath)
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(config); err != nil {
			return fmt.Errorf("encoding configuration: %w", err)
		}
		raw = buf.Bytes()

		configPath = filepath.Join(userConfigPath, configName)
		if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}
		if err := os.WriteFile(configPath, raw, 0o600); err != nil {
			return fmt.Errorf("storing configuration %s: %w", configPath, err)
		}
	} else {
		var err error
		raw, err = os.ReadFile(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		config, err = model.LoadConfig(bytes.NewReader(raw))
		if err != nil {
			for i, d := range model.CueErrDetails(err) {
				slog.Error("invalid configuration", d.Attr(fmt.Sprintf("detail%d", i)))
			}
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// the tools section is read by viper, which lets the environment override it
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("MEDIAGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadConfig(bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("reading config into viper: %w", err)
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	w, err := logWriter(config.Service)
	if err != nil {
		return err
	}
	slog.SetDefault(log.New(config.Service.Verbose, w))

	slog.Debug("mediagate run", "configPath", configPath)
	slog.Debug("mediagate run", "listen", config.Server.Listen, "storage", config.Storage.Root)
	return nil
}

// logWriter opens the sink of service.log. A log file stays open for the
// process lifetime.
func logWriter(cfg model.Service) (io.Writer, error) {
	switch strings.ToLower(cfg.Log) {
	case "", model.LogStderr:
		return os.Stderr, nil
	case model.LogStdout:
		return os.Stdout, nil
	case model.LogDiscard:
		return io.Discard, nil
	}
	f, err := os.OpenFile(os.ExpandEnv(cfg.Log), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
