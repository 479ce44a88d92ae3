package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradebridge/internal/api"
	"tradebridge/internal/bridge"
	"tradebridge/internal/events"
	"tradebridge/internal/headless"
	"tradebridge/internal/monitor"
	"tradebridge/internal/registry"
	"tradebridge/internal/tradesync"
	"tradebridge/pkg/cache"
	"tradebridge/pkg/config"
	"tradebridge/pkg/connectors/ctrader"
	"tradebridge/pkg/crypto"
	"tradebridge/pkg/db"
	"tradebridge/pkg/logger"
	"tradebridge/pkg/mq"
)

const version = "1.2.0"

// protectionStore adapts the queries layer to the amender's writer contract.
// A nil side clears the stored level; the row keeps whichever values the
// broker last confirmed.
type protectionStore struct {
	queries *db.Queries
}

func (p protectionStore) UpdateProtection(ctx context.Context, positionID string, stopLoss, takeProfit *float64) error {
	var sl, tp float64
	if stopLoss != nil {
		sl = *stopLoss
	}
	if takeProfit != nil {
		tp = *takeProfit
	}
	return p.queries.UpdateProtection(ctx, positionID, sl, tp)
}

func main() {
	log := logger.WithComponent("main")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("config load failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	keyring, err := crypto.NewKeyring()
	if err != nil {
		log.WithError(err).Fatal("credential keyring unavailable")
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.WithError(err).WithField("path", cfg.DBPath).Fatal("database open failed")
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.WithError(err).Fatal("migrations failed")
	}
	queries := db.NewQueries(database)

	var ttlCache cache.TTLCache
	if cfg.RedisAddr != "" {
		redisCache, err := cache.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.WithError(err).Fatal("redis unreachable")
		}
		defer redisCache.Close()
		ttlCache = redisCache
		log.WithField("addr", cfg.RedisAddr).Info("using redis cache")
	} else {
		memCache := cache.NewMemory()
		defer memCache.Close()
		ttlCache = memCache
		log.Info("using in-memory cache")
	}

	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()

	// The orchestrator and the registry need each other: connectors reach
	// subscriptions through the orchestrator, and the orchestrator resolves
	// its upstream through the registry. The closure breaks the cycle.
	var reg *registry.Manager
	var factory *registry.Factory

	orch := headless.New(bus, func(ctx context.Context, accountID string) (headless.Upstream, error) {
		account, err := queries.GetAccount(ctx, accountID)
		if err != nil {
			return nil, err
		}
		platform, err := registry.NormalizePlatform(account.Platform)
		if err != nil {
			return nil, err
		}
		if platform == registry.PlatformCTrader {
			// cTrader market data arrives over the event bridge.
			return headless.NoopUpstream{}, nil
		}
		if _, err := reg.GetOrCreate(ctx, accountID); err != nil {
			return nil, err
		}
		client, ok := factory.Sessions().Get(accountID)
		if !ok {
			return nil, fmt.Errorf("no live session for account %s", accountID)
		}
		return client, nil
	})

	factory = registry.NewFactory(queries, keyring,
		registry.MT5Settings{
			BaseURL:       cfg.MT5BaseURL,
			ServiceToken:  cfg.MT5ServiceToken,
			EnableWS:      cfg.MT5EnableWS,
			WSURL:         cfg.MT5WSURL,
			RequestBudget: cfg.MT5RequestBudget,
		},
		registry.CTraderSettings{
			BaseURL:      cfg.CTraderBaseURL,
			ServiceToken: cfg.CTraderServiceToken,
			APIPrefix:    cfg.CTraderAPIPrefix,
		},
		registry.WithSubscriptions(orch, orch),
		registry.WithProtectionWriter(protectionStore{queries: queries}),
		registry.WithAmendPolicy(ctrader.Policy{
			Attempts: cfg.AmendAttempts,
			Delay:    cfg.AmendDelay,
		}),
	)
	reg = registry.NewManager(factory, registry.DefaultConfig())
	reg.Start(ctx)
	defer reg.Stop()

	syncer := tradesync.NewWorker(func(ctx context.Context, accountID string) ([]db.SyncedDeal, error) {
		if _, err := reg.GetOrCreate(ctx, accountID); err != nil {
			return nil, err
		}
		client, ok := factory.Sessions().Get(accountID)
		if !ok {
			return nil, fmt.Errorf("no live session for account %s", accountID)
		}
		deals, err := client.SyncData(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]db.SyncedDeal, 0, len(deals))
		for _, d := range deals {
			out = append(out, db.SyncedDeal{
				AccountID: accountID,
				DealID:    d.ID,
				Symbol:    d.Symbol,
				Side:      string(d.Side),
				Volume:    d.Volume,
				Price:     d.Price,
				Profit:    d.Profit,
				ClosedAt:  d.ClosedAt,
			})
		}
		return out, nil
	}, queries, 100)
	go syncer.Run(ctx)

	// Event bridge: AMQP deliveries in, bus groups out.
	if cfg.AMQPURL != "" {
		resolver := bridge.NewResolver(queries, ttlCache, cfg.DedupeTTL)
		br := bridge.New(resolver, ttlCache, cfg.DedupeTTL, bus, syncer).
			WithStats(bridge.Stats{
				Consumed: metrics.IncrementEventsConsumed,
				Deduped:  metrics.IncrementEventsDeduped,
				Ticks:    metrics.IncrementTicks,
			})

		consumer, err := mq.NewConsumer(mq.ConsumerConfig{
			URL:         cfg.AMQPURL,
			Exchange:    cfg.EventsExchange,
			Queue:       cfg.EventsQueue,
			BindingKeys: bridge.BindingKeys,
		})
		if err != nil {
			log.WithError(err).Fatal("event consumer setup failed")
		}
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx, br.Handle); err != nil && ctx.Err() == nil {
				log.WithError(err).Error("event consumer stopped")
			}
		}()
		log.WithFields(logger.Fields{
			"exchange": cfg.EventsExchange,
			"queue":    cfg.EventsQueue,
		}).Info("event bridge running")
	} else {
		log.Warn("AMQP_URL not set, event bridge disabled")
	}

	server := api.NewServer(bus, reg, orch, syncer, queries, metrics, api.SystemMeta{
		Version:        version,
		FeedMode:       cfg.FeedMode,
		EventsExchange: cfg.EventsExchange,
		AMQPEnabled:    cfg.AMQPURL != "",
		RedisEnabled:   cfg.RedisAddr != "",
	}, cfg.JWTSecret, cfg.AuthServiceKey)

	// Refresh pool gauges on a slow cadence for scrapes that skip /api/metrics.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.SetPoolStats(reg.Stats())
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Port).Info("tradebridge listening")
		errCh <- server.Start(":" + cfg.Port)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		log.WithError(err).Error("http server exited")
		os.Exit(1)
	}
}
