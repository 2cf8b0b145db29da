package main

import (
	"io"
	"os"
	"time"

	"github.com/adwski/mirror-bridge/client/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var version = "dev"

type app struct {
	cfgFile string
	cfg     *config.Config
	logger  zerolog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "mirror-bridge",
		Short: "Mirror playback and calendar state to a display on the local network",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd.Flags())
		},
		SilenceUsage: true,
	}
	fs := root.PersistentFlags()
	fs.StringVarP(&a.cfgFile, "config", "c", "", "config file (default: ~/.config/mirror-bridge/config.toml)")
	fs.StringP("log-level", "l", "", "log level")
	fs.String("log-format", "", "log format, json or console")

	root.AddCommand(
		newRunCmd(a),
		newDiscoverCmd(a),
		newProbeCmd(a),
		newForgetCmd(a),
		newVersionCmd(),
	)
	return root
}

func (a *app) init(fs *pflag.FlagSet) error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return err
	}
	if err = applyFlags(fs, cfg); err != nil {
		return err
	}
	if err = cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = newLogger(cfg.Log, os.Stdout)
	return nil
}

func newLogger(cfg config.LogConfig, out io.Writer) zerolog.Logger {
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	}
	logger := zerolog.New(out).With().Timestamp().Logger()
	lvl, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}

// applyFlags copies explicitly set flags over file and environment values.
func applyFlags(fs *pflag.FlagSet, cfg *config.Config) error {
	var err error
	str := func(name string, dst *string) {
		if err == nil && fs.Lookup(name) != nil && fs.Changed(name) {
			*dst, err = fs.GetString(name)
		}
	}
	integer := func(name string, dst *int) {
		if err == nil && fs.Lookup(name) != nil && fs.Changed(name) {
			*dst, err = fs.GetInt(name)
		}
	}

	str("log-level", &cfg.Log.Level)
	str("log-format", &cfg.Log.Format)
	str("host", &cfg.Discovery.Host)
	integer("port", &cfg.Discovery.Port)
	str("path", &cfg.Discovery.Path)
	integer("request-port", &cfg.Request.Port)
	str("preferred", &cfg.Discovery.Preferred)
	str("api-listen-addr", &cfg.API.ListenAddr)
	str("feed-listen-addr", &cfg.API.FeedListenAddr)
	return err
}

// endpointFlags are shared by the commands that may skip discovery.
func endpointFlags(fs *pflag.FlagSet) {
	fs.String("host", "", "display host, skips discovery")
	fs.Int("port", 0, "display transport port (with --host)")
	fs.String("path", "", "display transport path (with --host)")
	fs.Int("request-port", 0, "display request port")
	fs.String("preferred", "", "resolve services whose name contains this substring")
}
