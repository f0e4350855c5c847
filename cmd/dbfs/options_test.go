package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"-m", "/mnt/db", "-c", "servers.ini", "-d", "/tmp/dump", "-v", "-l", "dbfs.log", "--metrics-port", "9100"}, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, "/mnt/db", opts.mountPath)
	assert.Equal(t, "servers.ini", opts.confFile)
	assert.Equal(t, "/tmp/dump", opts.dumpPath)
	assert.True(t, opts.verbose)
	assert.Equal(t, "dbfs.log", opts.logFile)
	assert.Equal(t, 9100, opts.metricsPort)
	assert.True(t, opts.metricsPortSet)
	assert.False(t, opts.help)
}

func TestParseFlagsLongNames(t *testing.T) {
	opts, err := parseFlags([]string{"--mount-path=/mnt/db", "--conf-file=servers.ini", "--verbose"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "/mnt/db", opts.mountPath)
	assert.Equal(t, "servers.ini", opts.confFile)
	assert.True(t, opts.verbose)
	assert.False(t, opts.metricsPortSet)
}

func TestParseFlagsErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown flag", []string{"--nope"}},
		{"positional argument", []string{"-m", "/mnt/db", "extra"}},
		{"missing value", []string{"-m"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseFlags(tt.args, io.Discard)
			assert.Error(t, err)
		})
	}
}

func TestParseFlagsHelp(t *testing.T) {
	opts, err := parseFlags([]string{"-h"}, io.Discard)
	require.NoError(t, err)
	assert.True(t, opts.help)
}

func TestBuildConfig(t *testing.T) {
	now := time.Unix(1700000000, 0)

	t.Run("flags and defaults", func(t *testing.T) {
		cfg, err := buildConfig(&cliOptions{mountPath: "/mnt/db", confFile: "/etc/servers.ini", verbose: true}, now)
		require.NoError(t, err)
		assert.Equal(t, "/mnt/db", cfg.Mount.MountPoint)
		assert.Equal(t, filepath.Join(os.TempDir(), "dbfs_1700000000"), cfg.Mount.DumpPath)
		assert.Equal(t, "DEBUG", cfg.Global.LogLevel)
	})

	t.Run("relative paths become absolute", func(t *testing.T) {
		cfg, err := buildConfig(&cliOptions{mountPath: "mnt", confFile: "servers.ini", dumpPath: "dump"}, now)
		require.NoError(t, err)
		assert.True(t, filepath.IsAbs(cfg.Mount.MountPoint))
		assert.True(t, filepath.IsAbs(cfg.Mount.ConfigFile))
		assert.True(t, filepath.IsAbs(cfg.Mount.DumpPath))
	})

	t.Run("flags override the settings file", func(t *testing.T) {
		settings := filepath.Join(t.TempDir(), "settings.yaml")
		require.NoError(t, os.WriteFile(settings, []byte("global:\n  metrics_port: 9000\nmount:\n  mount_point: /mnt/from-file\n  config_file: /etc/from-file.ini\n"), 0o600))

		cfg, err := buildConfig(&cliOptions{settings: settings, mountPath: "/mnt/db", metricsPort: 9100, metricsPortSet: true}, now)
		require.NoError(t, err)
		assert.Equal(t, "/mnt/db", cfg.Mount.MountPoint)
		assert.Equal(t, "/etc/from-file.ini", cfg.Mount.ConfigFile)
		assert.Equal(t, 9100, cfg.Global.MetricsPort)
	})

	t.Run("mount path required", func(t *testing.T) {
		_, err := buildConfig(&cliOptions{confFile: "/etc/servers.ini"}, now)
		assert.Error(t, err)
	})

	t.Run("config file required", func(t *testing.T) {
		_, err := buildConfig(&cliOptions{mountPath: "/mnt/db"}, now)
		assert.Error(t, err)
	})
}

func TestCheckEnvironment(t *testing.T) {
	base := t.TempDir()
	mount := filepath.Join(base, "mnt")
	conf := filepath.Join(base, "servers.ini")
	require.NoError(t, os.Mkdir(mount, 0o755))
	require.NoError(t, os.WriteFile(conf, []byte("[s1]\n"), 0o644))
	existing := filepath.Join(base, "existing")
	require.NoError(t, os.Mkdir(existing, 0o755))

	tests := []struct {
		name    string
		mount   string
		conf    string
		dump    string
		euid    int
		wantErr string
	}{
		{"ok", mount, conf, filepath.Join(base, "dump"), 1000, ""},
		{"root", mount, conf, filepath.Join(base, "dump"), 0, "root"},
		{"missing mount", filepath.Join(base, "nope"), conf, filepath.Join(base, "dump"), 1000, "mount path"},
		{"mount is a file", conf, conf, filepath.Join(base, "dump"), 1000, "not a directory"},
		{"missing config", mount, filepath.Join(base, "nope.ini"), filepath.Join(base, "dump"), 1000, "configuration file"},
		{"dump exists", mount, conf, existing, 1000, "already exists"},
		{"dump inside mount", mount, conf, filepath.Join(mount, "dump"), 1000, "inside the mount path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := buildConfig(&cliOptions{mountPath: tt.mount, confFile: tt.conf, dumpPath: tt.dump}, time.Now())
			require.NoError(t, err)

			err = checkEnvironment(cfg, tt.euid)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
