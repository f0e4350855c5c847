/*
Package config holds the process settings of dbfs.

Settings are layered, later sources overriding earlier ones:

	defaults (NewDefault) → YAML file (--settings) → DBFS_* environment → CLI flags

The database servers themselves are not configured here. They are defined
in the INI file named by mount.config_file (-c on the command line) and
parsed by package ini.

# Usage

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("/etc/dbfs/settings.yaml"); err != nil {
		return err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	cfg.Mount.MountPoint = "/mnt/db"
	if err := cfg.Validate(); err != nil {
		return err
	}

# File format

	global:
	  log_level: INFO
	  log_file: /var/log/dbfs.log
	  log_format: console
	  metrics_port: 9100

	mount:
	  mount_point: /mnt/db
	  config_file: /etc/dbfs/servers.ini
	  allow_other: false
	  attr_timeout: 1s

	poller:
	  enabled: true
	  interval: 5s

	query:
	  login_timeout: 3s
	  query_timeout: 5s
	  max_open_conns: 4
	  retry:
	    max_attempts: 3
	    initial_delay: 250ms
	  circuit_breaker:
	    failure_threshold: 5
	    timeout: 30s

# Environment

	DBFS_LOG_LEVEL, DBFS_LOG_FILE, DBFS_LOG_FORMAT, DBFS_METRICS_PORT
	DBFS_MOUNT_PATH, DBFS_DUMP_PATH, DBFS_CONF_FILE, DBFS_ALLOW_OTHER
	DBFS_POLLER_ENABLED, DBFS_POLL_INTERVAL
	DBFS_LOGIN_TIMEOUT, DBFS_QUERY_TIMEOUT

Malformed numeric or duration values are reported by LoadFromEnv.
*/
package config
