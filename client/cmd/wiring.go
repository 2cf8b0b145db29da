package main

import (
	"github.com/adwski/mirror-bridge/client/config"
	"github.com/adwski/mirror-bridge/client/discovery"
	"github.com/adwski/mirror-bridge/client/model"
	"github.com/adwski/mirror-bridge/client/service"
	request "github.com/adwski/mirror-bridge/client/transport/http"
	transport "github.com/adwski/mirror-bridge/client/transport/websocket"
	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
)

func pairFactory(cfg *config.Config, logger *zerolog.Logger, h transport.Handler) service.PairFactory {
	return func(ep model.Endpoint, onChange func()) *service.Pair {
		return &service.Pair{
			Endpoint:  ep,
			Transport: transport.NewChannel(transportConfig(cfg, logger, ep, h, onChange)),
			Request: request.NewChannel(request.Config{
				Logger:               logger,
				Endpoint:             ep,
				Timeout:              cfg.Request.Timeout,
				OnReachabilityChange: func(bool) { onChange() },
			}),
		}
	}
}

func transportConfig(cfg *config.Config, logger *zerolog.Logger, ep model.Endpoint, h transport.Handler, onChange func()) transport.Config {
	tc := transport.Config{
		Logger:        logger,
		Endpoint:      ep,
		Handler:       h,
		DialTimeout:   cfg.Transport.DialTimeout,
		WriteTimeout:  cfg.Transport.WriteTimeout,
		PingInterval:  cfg.Transport.PingInterval,
		PongWait:      cfg.Transport.PongWait,
		QueueLimit:    cfg.Transport.QueueLimit,
		OnStateChange: func(transport.State) { onChange() },
	}
	if cfg.Transport.DisableKeepalive {
		// zero interval disables pings and the read deadline
		tc.PingInterval = 0
		tc.PongWait = 0
	}
	return tc
}

func newService(cfg *config.Config, logger *zerolog.Logger, h transport.Handler, provider service.CalendarProvider) *service.Service {
	return service.NewService(service.Config{
		Logger:           logger,
		NewPair:          pairFactory(cfg, logger, h),
		CalendarProvider: provider,
		RestInterval:     cfg.Policy.RestInterval,
		DuplicateDelay:   cfg.Policy.DuplicateDelay,
		ReadyGrace:       cfg.Policy.ReadyGrace,
	})
}

func locatorConfig(cfg *config.Config, logger *zerolog.Logger) (discovery.Config, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return discovery.Config{}, err
	}
	return discovery.Config{
		Logger:          logger,
		Resolver:        resolver,
		Service:         cfg.Discovery.Service,
		Domain:          cfg.Discovery.Domain,
		Preferred:       cfg.Discovery.Preferred,
		MaxAttempts:     cfg.Discovery.MaxAttempts,
		AttemptTimeouts: cfg.Discovery.AttemptTimeouts,
		RequestPort:     cfg.Request.Port,
		PreferAddress:   !cfg.Discovery.PreferHostName,
	}, nil
}
