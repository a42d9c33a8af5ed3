package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/nextlevelbuilder/nostrlink/internal/bunker"
	"github.com/nextlevelbuilder/nostrlink/internal/config"
	"github.com/nextlevelbuilder/nostrlink/internal/crypto"
	"github.com/nextlevelbuilder/nostrlink/internal/login"
	"github.com/nextlevelbuilder/nostrlink/internal/pairing"
	"github.com/nextlevelbuilder/nostrlink/internal/profile"
	"github.com/nextlevelbuilder/nostrlink/internal/relay"
	"github.com/nextlevelbuilder/nostrlink/internal/signer"
	"github.com/nextlevelbuilder/nostrlink/internal/store"
	"github.com/nextlevelbuilder/nostrlink/internal/store/backends"
)

// app holds the components a command needs, wired from config.
type app struct {
	cfg        *config.Config
	store      store.Store
	pool       *relay.Pool
	supervisor *login.Supervisor
	profiles   *profile.Cache
	keychain   signer.Keychain
	shutdown   func(context.Context)
	closeOnce  sync.Once
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	sealer, err := crypto.NewSealer(cfg.Storage.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("storage.encryption_key: %w", err)
	}
	st, err := backends.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Backend, err)
	}

	pool := relay.NewPool(
		relay.WithConnectTimeout(cfg.ConnectTimeout()),
		relay.WithPublishLimit(cfg.Relay.PublishRPM, cfg.Relay.PublishBurst),
	)
	dialer := bunker.NewDialer(pool,
		bunker.WithRequestTimeout(cfg.BunkerTimeout()),
		bunker.WithDefaultRelays(cfg.Relays),
	)
	kc := signer.Keychain{Service: cfg.Keychain.Service, User: cfg.Keychain.User}
	resolver := login.NewResolver(&signer.Slot{}, kc, login.BunkerSigners{
		Dialer: dialer,
		Perms:  cfg.Pairing.Perms,
	})
	engine := pairing.NewEngine(pool,
		pairing.WithTimeout(cfg.PairingTimeout()),
		pairing.WithAppName(cfg.AppName),
	)

	ns := cfg.Storage.Namespace
	profiles := profile.NewCache(st, ns, pool, cfg.Relays)
	sup := login.NewSupervisor(st, ns, login.NewCodec(sealer), resolver, engine,
		login.WithLogoutHook(profiles.Clear))

	return &app{
		cfg:        cfg,
		store:      st,
		pool:       pool,
		supervisor: sup,
		profiles:   profiles,
		keychain:   kc,
		shutdown:   initOTelExporter(ctx, cfg),
	}, nil
}

// mustApp builds the app or exits.
func mustApp(ctx context.Context, cfg *config.Config) *app {
	a, err := newApp(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	return a
}

// Close releases the active signer's relay subscriptions, the pool and the
// store, and flushes traces. Later calls do nothing.
func (a *app) Close() {
	a.closeOnce.Do(func() {
		if sig, _, ok := a.supervisor.Resolver().Active(); ok {
			sig.Close()
		}
		a.pool.Close()
		if err := a.store.Close(); err != nil {
			slog.Warn("close store", "error", err)
		}
		if a.shutdown != nil {
			a.shutdown(context.Background())
		}
	})
}

// exit closes the app and ends the process. Deferred calls do not run
// after os.Exit, so commands use this instead of exiting directly.
func (a *app) exit(code int) {
	a.Close()
	os.Exit(code)
}
