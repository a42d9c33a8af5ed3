package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nostrlink/internal/bunker"
	"github.com/nextlevelbuilder/nostrlink/internal/config"
	"github.com/nextlevelbuilder/nostrlink/internal/login"
	"github.com/nextlevelbuilder/nostrlink/internal/retry"
)

// pinger is implemented by remote signers.
type pinger interface {
	Ping(ctx context.Context) error
}

func daemonCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Keep the stored login active and watch the config file",
		Long: `Restore the stored login and keep it alive until interrupted.

Remote signers are pinged periodically; a signer that stops answering is
reported but not logged out. Log level changes in the config file apply
without a restart.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := loadConfig()
			if !verbose {
				setLogLevel(cfg.LogLevel)
			}
			a := mustApp(ctx, cfg)
			defer a.Close()

			cred, err := a.supervisor.Restore(ctx)
			if err != nil {
				slog.Error("daemon: restore failed", "error", err)
			} else {
				slog.Info("daemon: restored login", "method", cred.Method(), "state", a.supervisor.Resolver().State())
			}

			if w, err := config.NewWatcher(resolveConfigPath(), cfg); err != nil {
				slog.Warn("daemon: config watcher unavailable", "error", err)
			} else {
				w.OnChange(applyReload)
				if err := w.Start(); err != nil {
					slog.Warn("daemon: config watcher unavailable", "error", err)
				}
				defer w.Stop()
			}

			keepAlive(ctx, a.supervisor, interval)
			fmt.Println()
			slog.Info("daemon: shutting down")
		},
	}
	cmd.Flags().DurationVar(&interval, "ping-interval", time.Minute, "how often to ping a remote signer")
	return cmd
}

// applyReload applies the parts of a reloaded config that can change at
// runtime and logs the rest.
func applyReload(prev, next *config.Config) {
	if next.LogLevel != prev.LogLevel && !verbose {
		setLogLevel(next.LogLevel)
		slog.Info("config: log level changed", "level", next.LogLevel)
	}
	if !slices.Equal(next.Relays, prev.Relays) {
		slog.Info("config: relays changed, restart to apply", "relays", next.Relays)
	}
	if next.Storage != prev.Storage {
		slog.Warn("config: storage changed, restart to apply")
	}
}

var pingRetry = retry.Default()

// pingOnce pings with a per-attempt timeout. A closed or rejecting signer
// will not recover by retrying.
func pingOnce(ctx context.Context, p pinger) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	err := p.Ping(ctx)
	if errors.Is(err, bunker.ErrClosed) || errors.Is(err, bunker.ErrRejected) {
		return retry.Permanent(err)
	}
	return err
}

// keepAlive pings the active remote signer every interval until ctx ends.
func keepAlive(ctx context.Context, sup *login.Supervisor, interval time.Duration) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sig, method, ok := sup.Resolver().Active()
			if !ok {
				continue
			}
			p, ok := sig.(pinger)
			if !ok {
				continue
			}
			attempts, err := retry.Do(ctx, pingRetry, func(ctx context.Context) error {
				return pingOnce(ctx, p)
			})
			if err != nil {
				slog.Warn("daemon: remote signer not answering", "method", method, "attempts", attempts, "error", err)
			} else {
				slog.Debug("daemon: remote signer alive", "method", method, "attempts", attempts)
			}
		}
	}
}
