package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/adwski/mirror-bridge/client/discovery"
	"github.com/adwski/mirror-bridge/client/model"
	"github.com/davecgh/go-spew/spew"
	"github.com/grandcat/zeroconf"
	"github.com/spf13/cobra"
)

func newDiscoverCmd(a *app) *cobra.Command {
	var (
		timeout time.Duration
		dump    bool
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Browse the local network for mirror displays and print them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return a.discover(ctx, cmd.OutOrStdout(), dump)
		},
	}
	fs := cmd.Flags()
	fs.DurationVarP(&timeout, "timeout", "t", 10*time.Second, "how long to browse")
	fs.BoolVar(&dump, "dump", false, "dump raw service entries")
	fs.String("preferred", "", "resolve services whose name contains this substring")
	return cmd
}

func (a *app) discover(ctx context.Context, out io.Writer, dump bool) error {
	lcfg, err := locatorConfig(a.cfg, &a.logger)
	if err != nil {
		return err
	}

	var mx sync.Mutex
	lcfg.OnEntry = func(entry *zeroconf.ServiceEntry) {
		mx.Lock()
		defer mx.Unlock()
		if dump {
			spew.Fdump(out, entry)
			return
		}
		state := "found"
		if entry.TTL == 0 {
			state = "gone"
		}
		_, _ = fmt.Fprintf(out, "%-6s %s\n", state, entry.Instance)
	}
	lcfg.OnEndpoint = func(ep model.Endpoint) {
		mx.Lock()
		defer mx.Unlock()
		printEndpoint(out, ep)
	}
	return discovery.NewLocator(lcfg).Run(ctx)
}

func printEndpoint(out io.Writer, ep model.Endpoint) {
	b, _ := json.Marshal(ep)
	_, _ = fmt.Fprintf(out, "endpoint %s\n", b)
}
