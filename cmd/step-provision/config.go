package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"

	"github.com/manchtools/step-provision/internal/journal"
	"github.com/manchtools/step-provision/internal/provisioner"
)

// defaultConfigFile is read when present and --config is not given.
const defaultConfigFile = "/etc/step-provision/config.json"

// envPrefix prefixes the environment variable of every global flag, e.g.
// STEP_PROVISION_CA_URL for --ca-url.
const envPrefix = "STEP_PROVISION_"

// Config holds the global settings. Each field is a persistent flag; the
// config file and environment fill in flags not given on the command line.
type Config struct {
	ConfigFile string

	// Logging and output
	LogLevel  string
	LogFormat string
	Output    string

	// CA connection
	CAPath      string
	CARoot      string
	CAURL       string
	Fingerprint string
	StepBinary  string
	RunAs       string

	// Certificate lifetimes for new provisioners
	X509MinDur     string
	X509MaxDur     string
	X509DefaultDur string

	Timeout     time.Duration
	LockTimeout time.Duration
	Debug       bool

	// Local state
	JournalDir      string
	NoJournal       bool
	MetricsTextfile string
}

func bindFlags(f *pflag.FlagSet, cfg *Config) {
	f.StringVar(&cfg.ConfigFile, "config", "", "Config file (JSON with comments), default "+defaultConfigFile+" if present")
	f.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	f.StringVar(&cfg.LogFormat, "log-format", "text", "Log format (text, json)")
	f.StringVarP(&cfg.Output, "output", "o", "json", "Output format (json, yaml, table)")

	f.StringVar(&cfg.CAPath, "ca-path", "", "CA configuration directory (STEPPATH), default from 'step path'")
	f.StringVar(&cfg.CARoot, "ca-root", "", "Root certificate used to verify the CA")
	f.StringVar(&cfg.CAURL, "ca-url", "", "URL of the CA")
	f.StringVar(&cfg.Fingerprint, "fingerprint", "", "SHA-256 fingerprint of the root certificate")
	f.StringVar(&cfg.StepBinary, "step-binary", provisioner.DefaultStepBinary, "step executable")
	f.StringVar(&cfg.RunAs, "run-as", "", "Account to run step as (requires root)")

	f.StringVar(&cfg.X509MinDur, "x509-min-dur", "", "Minimum certificate lifetime for new provisioners")
	f.StringVar(&cfg.X509MaxDur, "x509-max-dur", "", "Maximum certificate lifetime for new provisioners")
	f.StringVar(&cfg.X509DefaultDur, "x509-default-dur", "", "Default certificate lifetime for new provisioners")

	f.DurationVar(&cfg.Timeout, "timeout", 0, "Kill step commands running longer than this (0 disables)")
	f.DurationVar(&cfg.LockTimeout, "lock-timeout", 30*time.Second, "How long to wait for another run's CA lock")
	f.BoolVar(&cfg.Debug, "debug", false, "Log every step command line")

	f.StringVar(&cfg.JournalDir, "journal-dir", journal.DefaultDir, "Directory of the run journal")
	f.BoolVar(&cfg.NoJournal, "no-journal", false, "Do not record runs in the journal")
	f.StringVar(&cfg.MetricsTextfile, "metrics-textfile", "", "Write Prometheus metrics to this file after each run")
}

// envName returns the environment variable for a flag name.
func envName(flag string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// loadConfig fills every global flag not set on the command line, first
// from its environment variable and then from the config file.
func (a *app) loadConfig(flags *pflag.FlagSet) error {
	path := a.cfg.ConfigFile
	if path == "" {
		path = a.getenv(envName("config"))
	}
	explicit := path != ""
	if !explicit {
		path = defaultConfigFile
	}

	file, err := readConfigFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			file = nil
		} else {
			return err
		}
	}

	for key := range file {
		if key == "config" || flags.Lookup(key) == nil {
			return fmt.Errorf("unknown setting %q in %s (known: %s)", key, path, strings.Join(settingNames(flags), ", "))
		}
	}

	var setErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if setErr != nil || f.Changed || f.Name == "config" {
			return
		}
		if v := a.getenv(envName(f.Name)); v != "" {
			if err := flags.Set(f.Name, v); err != nil {
				setErr = fmt.Errorf("%s: %w", envName(f.Name), err)
			}
			return
		}
		raw, ok := file[f.Name]
		if !ok {
			return
		}
		v, err := settingValue(raw)
		if err == nil {
			err = flags.Set(f.Name, v)
		}
		if err != nil {
			setErr = fmt.Errorf("setting %q in %s: %w", f.Name, path, err)
		}
	})
	if setErr != nil {
		return setErr
	}

	switch a.cfg.Output {
	case "json", "yaml", "table":
	default:
		return fmt.Errorf("unsupported output format %q (json, yaml, table)", a.cfg.Output)
	}
	return nil
}

func readConfigFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var file map[string]any
	if err := json.Unmarshal(jsonc.ToJSON(data), &file); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return file, nil
}

// settingValue renders a decoded JSON value in the syntax pflag parses.
func settingValue(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", raw)
	}
}

// caContext builds the CA context from the resolved settings. Without
// --ca-path the directory step itself uses is asked for.
func (a *app) caContext(ctx context.Context) (provisioner.CAContext, error) {
	ca := provisioner.CAContext{
		CAPath:         a.cfg.CAPath,
		CARoot:         a.cfg.CARoot,
		CAURL:          a.cfg.CAURL,
		Fingerprint:    a.cfg.Fingerprint,
		RunAs:          a.cfg.RunAs,
		X509MinDur:     a.cfg.X509MinDur,
		X509MaxDur:     a.cfg.X509MaxDur,
		X509DefaultDur: a.cfg.X509DefaultDur,
		Debug:          a.cfg.Debug,
		Timeout:        a.cfg.Timeout,
		StepBinary:     a.cfg.StepBinary,
	}
	if ca.CAPath == "" {
		path, err := provisioner.StepPath(ctx, a.executor(), ca.StepBinary, ca.RunAs)
		if err != nil {
			return ca, err
		}
		a.logger.Debug("using step path", "path", path)
		ca.CAPath = path
	}
	if err := ca.Validate(); err != nil {
		return ca, err
	}
	return ca, nil
}

// settingNames lists the keys a config file may contain, in flag order.
func settingNames(flags *pflag.FlagSet) []string {
	var names []string
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Name != "config" {
			names = append(names, f.Name)
		}
	})
	return names
}
