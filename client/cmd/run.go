package main

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/adwski/mirror-bridge/client/discovery"
	"github.com/adwski/mirror-bridge/client/model"
	httpServer "github.com/adwski/mirror-bridge/client/server/http"
	websocketServer "github.com/adwski/mirror-bridge/client/server/websocket"
	"github.com/adwski/mirror-bridge/client/service"
	"github.com/adwski/mirror-bridge/client/storage/file"
	sw "github.com/adwski/mirror-bridge/client/switch"
	"github.com/spf13/cobra"
)

func newRunCmd(a *app) *cobra.Command {
	var forget bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bridge: discovery, local API, local feed and calendar refresh",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd.Context(), forget)
		},
	}
	fs := cmd.Flags()
	endpointFlags(fs)
	fs.StringP("api-listen-addr", "a", "", "local api listen address")
	fs.StringP("feed-listen-addr", "w", "", "local websocket feed listen address")
	fs.BoolVar(&forget, "forget", false, "forget the remembered display before starting")
	return cmd
}

func (a *app) run(ctx context.Context, forget bool) error {
	cfg, logger := a.cfg, &a.logger

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	endpoints := file.NewEndpointStore(cfg.State.File)
	if forget {
		if err := endpoints.Clear(); err != nil {
			return err
		}
	}

	feed := websocketServer.NewServer(websocketServer.Config{
		Logger:     logger,
		ListenAddr: cfg.API.FeedListenAddr,
	})
	book := service.NewEventBook(cfg.Calendar.RangeDays, nil, time.Local)
	svc := newService(cfg, logger, sw.NewSwitch(sw.Config{
		Logger:     logger,
		Commands:   feed,
		VolumeStep: cfg.Policy.VolumeStep,
	}), book)
	defer svc.Close()

	apiSrv := httpServer.NewServer(httpServer.Config{
		Logger:         logger,
		Service:        svc,
		EventBook:      book,
		ListenAddr:     cfg.API.ListenAddr,
		AllowedOrigins: cfg.API.AllowedOrigins,
	})

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 3)
	)
	wg.Add(2)
	go apiSrv.Run(ctx, wg, errc)
	go feed.Run(ctx, wg, errc)
	go feed.ForwardState(ctx, svc.Watch(ctx))

	// runs on the locator's dispatcher, adoption must not block it
	adopt := func(ep model.Endpoint) {
		svc.OfferEndpoint(ep)
		if cfg.State.Disabled {
			return
		}
		if err := endpoints.Save(ep); err != nil {
			logger.Warn().Err(err).Msg("unable to remember display")
		}
	}

	if ep, ok := cfg.StaticEndpoint(); ok {
		logger.Info().Str("endpoint", ep.String()).Msg("using static display endpoint")
		svc.AdoptEndpoint(ctx, ep)
	} else {
		if !cfg.State.Disabled {
			ep, err := endpoints.Load()
			switch {
			case err == nil:
				logger.Info().Str("endpoint", ep.String()).Msg("adopting remembered display")
				svc.AdoptEndpoint(ctx, ep)
			case !errors.Is(err, file.ErrNoEndpoint):
				logger.Warn().Err(err).Msg("unable to load remembered display")
			}
		}

		lcfg, err := locatorConfig(cfg, logger)
		if err != nil {
			cancel()
			wg.Wait()
			return err
		}
		lcfg.OnEndpoint = adopt
		locator := discovery.NewLocator(lcfg)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if errL := locator.Run(ctx); errL != nil {
				errc <- errL
			}
		}()
	}

	if !cfg.Calendar.DisableDaily {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.RunDaily(ctx, book)
		}()
	}

	var err error
	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
	return err
}
