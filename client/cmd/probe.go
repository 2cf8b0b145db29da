package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/adwski/mirror-bridge/client/discovery"
	"github.com/adwski/mirror-bridge/client/model"
	"github.com/adwski/mirror-bridge/client/storage/file"
	sw "github.com/adwski/mirror-bridge/client/switch"
	"github.com/spf13/cobra"
)

func newProbeCmd(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Connect to the display, send a test message and print the connection state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return a.probe(ctx, cmd.OutOrStdout())
		},
	}
	fs := cmd.Flags()
	endpointFlags(fs)
	fs.DurationVarP(&timeout, "timeout", "t", 30*time.Second, "overall timeout")
	return cmd
}

func (a *app) probe(ctx context.Context, out io.Writer) error {
	ep, err := a.resolveOnce(ctx)
	if err != nil {
		return err
	}
	printEndpoint(out, ep)

	logger := &a.logger
	handler := sw.NewSwitch(sw.Config{
		Logger: logger,
		Commands: sw.CommandFuncs{
			OnTogglePlayPause: func() { logger.Info().Msg("display asked to toggle playback") },
			OnNextTrack:       func() { logger.Info().Msg("display asked for the next track") },
			OnPreviousTrack:   func() { logger.Info().Msg("display asked for the previous track") },
		},
	})
	svc := newService(a.cfg, logger, handler, nil)
	defer svc.Close()

	svc.AdoptEndpoint(ctx, ep)
	svc.SendTestProbe(ctx)

	b, err := json.Marshal(svc.ConnectionState())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "state %s\n", b)
	return err
}

// resolveOnce prefers the static endpoint, then the remembered one, then discovery.
func (a *app) resolveOnce(ctx context.Context) (model.Endpoint, error) {
	if ep, ok := a.cfg.StaticEndpoint(); ok {
		return ep, nil
	}
	if !a.cfg.State.Disabled {
		ep, err := file.NewEndpointStore(a.cfg.State.File).Load()
		if err == nil {
			return ep, nil
		}
		if !errors.Is(err, file.ErrNoEndpoint) {
			a.logger.Warn().Err(err).Msg("unable to load remembered display")
		}
	}
	lcfg, err := locatorConfig(a.cfg, &a.logger)
	if err != nil {
		return model.Endpoint{}, err
	}
	return discovery.Discover(ctx, lcfg)
}
