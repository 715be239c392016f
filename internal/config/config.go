// Package config reads the daemon's static configuration file: the
// changer device, drive serial, tape capacity, source/exclude folders,
// and SMTP/NFS settings. Optional keys fall back to documented
// defaults; a handful of mandatory keys cause a startup failure when
// absent, mirroring ConfigReader.get(section, attribute, default) from
// the Python prototype this daemon replaces.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/units"
	"github.com/spf13/viper"
)

// ErrMissingRequired is returned (wrapped with the offending key) when
// a mandatory configuration value is absent.
var ErrMissingRequired = errors.New("missing required configuration key")

// SMTPConfig holds outbound mail settings used by internal/mailer.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	To       string
	Username string
	Password string
	StartTLS bool
}

// Config is a read-only typed view over a parsed TOML file.
type Config struct {
	v *viper.Viper
}

// defaults applied before the file is read, so Get-family calls never
// need a caller-supplied fallback for well-known optional keys.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetDefault("general.exclude_folders", []string{})
	v.SetDefault("general.source_folders", []string{})
	v.SetDefault("nfs.export_options", "ro,async,no_subtree_check")
	v.SetDefault("smtp.port", 25)
	v.SetDefault("smtp.starttls", true)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9124")
	return v
}

// Load reads and parses the TOML file at path, validating that every
// mandatory key is present.
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	c := &Config{v: v}
	if err := c.validateRequired(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validateRequired() error {
	for _, key := range []string{"device.library", "device.drive_serial", "general.tape_max_size"} {
		if !c.v.IsSet(key) {
			return fmt.Errorf("%w: %s", ErrMissingRequired, key)
		}
	}
	return nil
}

// DriveSerial is the tape drive's serial number, passed to `ltfs
// -o devname=`.
func (c *Config) DriveSerial() string { return c.v.GetString("device.drive_serial") }

// LibraryDevice is the changer's device path, passed to `mtx -f`.
func (c *Config) LibraryDevice() string { return c.v.GetString("device.library") }

// MaxSize is the usable tape capacity in kilobytes. The config value
// may be a bare integer (kilobytes) or a human-friendly size such as
// "17GB", parsed via alecthomas/units.
func (c *Config) MaxSize() (int64, error) {
	raw := c.v.Get("general.tape_max_size")
	switch v := raw.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case string:
		trimmed := strings.TrimSpace(v)
		if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return n, nil
		}
		bytes, err := units.ParseStrictBytes(trimmed)
		if err != nil {
			return 0, fmt.Errorf("config: general.tape_max_size %q: %w", v, err)
		}
		return bytes / 1024, nil
	default:
		return 0, fmt.Errorf("config: general.tape_max_size has unsupported type %T", raw)
	}
}

// SourceFolders is the ordered list of folders inventory defaults to
// when the client omits an explicit list.
func (c *Config) SourceFolders() []string { return c.v.GetStringSlice("general.source_folders") }

// ExcludeFolders lists subpath names excluded from archive's `find`
// enumeration (translated to repeated `-not -path ./X/*` clauses).
func (c *Config) ExcludeFolders() []string { return c.v.GetStringSlice("general.exclude_folders") }

// SMTP returns the outbound mail settings for internal/mailer.
func (c *Config) SMTP() SMTPConfig {
	return SMTPConfig{
		Host:     c.v.GetString("smtp.host"),
		Port:     c.v.GetInt("smtp.port"),
		From:     c.v.GetString("smtp.from"),
		To:       c.v.GetString("smtp.to"),
		Username: c.v.GetString("smtp.username"),
		Password: c.v.GetString("smtp.password"),
		StartTLS: c.v.GetBool("smtp.starttls"),
	}
}

// NFSExportOptions is passed verbatim to `exportfs -o` by the explore
// task.
func (c *Config) NFSExportOptions() string { return c.v.GetString("nfs.export_options") }

// MetricsEnabled reports whether the ambient metrics HTTP listener
// should start.
func (c *Config) MetricsEnabled() bool { return c.v.GetBool("metrics.enabled") }

// MetricsListen is the loopback address the metrics listener binds.
func (c *Config) MetricsListen() string { return c.v.GetString("metrics.listen") }
