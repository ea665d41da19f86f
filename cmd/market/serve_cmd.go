package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/helm-market/pkg/config"
	"github.com/Mindburn-Labs/helm-market/pkg/contracts"
	"github.com/Mindburn-Labs/helm-market/pkg/crypto"
	"github.com/Mindburn-Labs/helm-market/pkg/negotiation"
	"github.com/Mindburn-Labs/helm-market/pkg/observability"
	"github.com/Mindburn-Labs/helm-market/pkg/store"
	"github.com/Mindburn-Labs/helm-market/pkg/transport"
)

// runServeCmd implements `market serve`. Configuration comes from the
// environment (see config.Load); flags describe what to publish.
func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	cmd.SetOutput(stderr)
	var props, constraints string
	var ttl, sweep time.Duration
	cmd.StringVar(&props, "properties", "", "offer/demand properties JSON, or @file; nothing is published when empty")
	cmd.StringVar(&constraints, "constraints", "()", "offer/demand constraints")
	cmd.DurationVar(&ttl, "ttl", time.Hour, "subscription lifetime")
	cmd.DurationVar(&sweep, "expiry-interval", 30*time.Second, "how often stale proposals and agreements are expired")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if props != "" {
		s, err := readArg(props)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		props = s
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := serve(ctx, cfg, []byte(props), constraints, ttl, sweep); err != nil {
		slog.Error("node stopped", "error", err)
		return 1
	}
	return 0
}

func openStore(cfg *config.Config) (store.Repository, func() error, error) {
	switch cfg.Store {
	case config.StoreSQLite, config.StorePostgres:
		s, err := store.Open(cfg.Store, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return store.NewMemoryStore(), func() error { return nil }, nil
}

func identityFor(cfg *config.Config) (*crypto.Ed25519Identity, error) {
	if len(cfg.NodeSeed) == 0 {
		return crypto.NewEd25519Identity()
	}
	return crypto.DeriveIdentity(cfg.NodeSeed, cfg.NodeLabel)
}

func serve(ctx context.Context, cfg *config.Config, props []byte, constraints string, ttl, sweep time.Duration) error {
	logger := slog.Default().With("component", "market")

	id, err := identityFor(cfg)
	if err != nil {
		return err
	}
	repo, closeRepo, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer func() { _ = closeRepo() }()

	obs, err := observability.New(ctx, cfg.Observability())
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	chain, err := config.LoadChain(cfg.NegotiatorsPath)
	if err != nil {
		return fmt.Errorf("negotiators: %w", err)
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = client.Close() }()
	delivery := transport.NewRedisDelivery(client, id)

	role := contracts.OwnerProvider
	var topics []string
	if cfg.Role == config.RoleRequestor {
		role = contracts.OwnerRequestor
		topics = append(topics, transport.TopicOffers)
	}
	engine, err := negotiation.New(role, id, repo, delivery,
		negotiation.WithChain(chain),
		negotiation.WithObservability(obs),
		negotiation.WithLockTimeout(cfg.LockTimeout),
		negotiation.WithProposalTTL(cfg.ProposalTTL),
	)
	if err != nil {
		return err
	}
	limiter := transport.RateLimit(engine, cfg.InboundRPS, cfg.InboundBurst)
	logger.InfoContext(ctx, "node starting", "role", cfg.Role, "node_id", id.NodeID(), "store", cfg.Store,
		"negotiators", chain.Names())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return delivery.Serve(gctx, limiter, topics...) })
	g.Go(func() error {
		ticker := time.NewTicker(sweep)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if _, err := engine.ExpireStale(gctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.WarnContext(gctx, "expiry sweep failed", "error", err)
				}
				limiter.Prune(10 * sweep)
			}
		}
	})

	if len(props) > 0 {
		sub, err := engine.Subscribe(ctx, negotiation.SubscribeRequest{Properties: props, Constraints: constraints, TTL: ttl})
		if err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		logger.InfoContext(ctx, "published", "subscription_id", sub.ID, "kind", sub.Kind, "expires_at", sub.ExpiresAt)
		g.Go(func() error { return newAgent(engine, sub, cfg.AgreementTTL, nil).run(gctx) })
	}

	return g.Wait()
}
