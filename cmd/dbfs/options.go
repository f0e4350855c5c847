package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"

	"github.com/dbfs/dbfs/internal/config"
	"github.com/dbfs/dbfs/pkg/utils"
)

// cliOptions holds the command line. Zero values leave the settings
// file and environment in charge.
type cliOptions struct {
	mountPath   string
	confFile    string
	dumpPath    string
	verbose     bool
	logFile     string
	settings    string
	metricsPort int
	help        bool

	metricsPortSet bool
}

func newFlagSet(opts *cliOptions) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("dbfs", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.mountPath, "mount-path", "m", "", "directory to mount the filesystem on (required)")
	flagSet.StringVarP(&opts.confFile, "conf-file", "c", "", "INI file defining the database servers (required)")
	flagSet.StringVarP(&opts.dumpPath, "dump-path", "d", "", "directory holding the generated files; must not exist (default <tmp>/dbfs_<epoch>)")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "log debug messages")
	flagSet.StringVarP(&opts.logFile, "log-file", "l", "", "write logs to this file instead of stderr")
	flagSet.StringVar(&opts.settings, "settings", "", "YAML file with process settings")
	flagSet.IntVar(&opts.metricsPort, "metrics-port", 0, "serve /metrics and /health on this port")
	flagSet.BoolVarP(&opts.help, "help", "h", false, "show help")
	return flagSet
}

func parseFlags(args []string, stderr io.Writer) (*cliOptions, error) {
	opts := &cliOptions{}
	flagSet := newFlagSet(opts)
	flagSet.SetOutput(stderr)

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			opts.help = true
			return opts, nil
		}
		return nil, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	opts.metricsPortSet = flagSet.Changed("metrics-port")
	return opts, nil
}

func printHelp(w io.Writer) {
	flagSet := newFlagSet(&cliOptions{})
	fmt.Fprintf(w, `dbfs exposes the system views of database servers as files.

Every server defined in the configuration file becomes a directory under the
mount point. Opening a view file runs a query against the server and returns
its current result. Queries placed in a server's query directory are re-run
in the background and published under <server>/customQueries.

Usage:
  dbfs -m MOUNT_PATH -c CONF_FILE [flags]

Flags:
%s`, flagSet.FlagUsages())
}

// buildConfig layers the command line over the settings file and the
// environment, then resolves every path to an absolute one.
func buildConfig(opts *cliOptions, now time.Time) (*config.Configuration, error) {
	cfg := config.NewDefault()
	if opts.settings != "" {
		if err := cfg.LoadFromFile(opts.settings); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	if opts.mountPath != "" {
		cfg.Mount.MountPoint = opts.mountPath
	}
	if opts.confFile != "" {
		cfg.Mount.ConfigFile = opts.confFile
	}
	if opts.dumpPath != "" {
		cfg.Mount.DumpPath = opts.dumpPath
	}
	if opts.verbose {
		cfg.Global.LogLevel = "DEBUG"
	}
	if opts.logFile != "" {
		cfg.Global.LogFile = opts.logFile
	}
	if opts.metricsPortSet {
		cfg.Global.MetricsPort = opts.metricsPort
	}

	if cfg.Mount.DumpPath == "" {
		cfg.Mount.DumpPath = filepath.Join(os.TempDir(), fmt.Sprintf("dbfs_%d", now.Unix()))
	}

	if cfg.Mount.MountPoint == "" {
		return nil, fmt.Errorf("a mount path is required (-m)")
	}
	if cfg.Mount.ConfigFile == "" {
		return nil, fmt.Errorf("a configuration file is required (-c)")
	}

	for _, p := range []*string{&cfg.Mount.MountPoint, &cfg.Mount.ConfigFile, &cfg.Mount.DumpPath} {
		abs, err := filepath.Abs(*p)
		if err != nil {
			return nil, fmt.Errorf("cannot resolve %s: %w", *p, err)
		}
		*p = abs
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// checkEnvironment enforces the startup preconditions.
func checkEnvironment(cfg *config.Configuration, euid int) error {
	if euid == 0 {
		return fmt.Errorf("refusing to run as root")
	}

	info, err := os.Stat(cfg.Mount.MountPoint)
	if err != nil {
		return fmt.Errorf("mount path %s: %w", cfg.Mount.MountPoint, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount path %s is not a directory", cfg.Mount.MountPoint)
	}

	info, err = os.Stat(cfg.Mount.ConfigFile)
	if err != nil {
		return fmt.Errorf("configuration file %s: %w", cfg.Mount.ConfigFile, err)
	}
	if info.IsDir() {
		return fmt.Errorf("configuration file %s is a directory", cfg.Mount.ConfigFile)
	}

	if _, err := os.Lstat(cfg.Mount.DumpPath); err == nil {
		return fmt.Errorf("dump path %s already exists", cfg.Mount.DumpPath)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("dump path %s: %w", cfg.Mount.DumpPath, err)
	}

	if utils.Within(cfg.Mount.MountPoint, cfg.Mount.DumpPath) {
		return fmt.Errorf("dump path %s must not be inside the mount path", cfg.Mount.DumpPath)
	}
	return nil
}
