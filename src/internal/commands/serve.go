package commands

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/maksimkurb/fwsync/src/internal/api"
	"github.com/maksimkurb/fwsync/src/internal/hostaddr"
	"github.com/maksimkurb/fwsync/src/internal/log"
)

// localAddressRefresh is how often protected host addresses are re-read.
const localAddressRefresh = time.Minute

func NewServeCmd(app *AppContext) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Restore firewall state and serve the admin API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			deps, err := app.Dependencies(ctx)
			if err != nil {
				return err
			}

			cfg := deps.Config()
			if listen == "" && cfg.API.Enabled {
				listen = cfg.API.Listen
			}

			g, ctx := errgroup.WithContext(ctx)
			if listen != "" {
				server := api.NewServer(listen, deps.Firewall(), deps.Metrics().Handler())
				g.Go(func() error {
					return Supervisor{Name: "API server", MaxRestarts: 5}.Run(ctx, server.Serve)
				})
			} else {
				log.Infof("Admin API disabled")
			}

			if local := deps.LocalAddresses(); local != nil {
				g.Go(func() error {
					refreshLocalAddresses(ctx, local, localAddressRefresh)
					return nil
				})
			}

			log.Infof("fwsync is running, press Ctrl+C to stop")
			<-ctx.Done()
			err = g.Wait()
			log.Infof("fwsync stopped")
			log.Sync()
			return err
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Serve the admin API on host:port, overriding [api]")
	return cmd
}

func refreshLocalAddresses(ctx context.Context, local *hostaddr.Set, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := local.Refresh(); err != nil {
				log.Warnf("Failed to refresh local addresses: %v", err)
			}
		}
	}
}
