// Package app assembles the daemon from its parts: store, ledger, broker
// backends, execution gateway, reconciliation loops and the admin HTTP
// server.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tessera/internal/broker"
	"tessera/internal/broker/alpaca"
	"tessera/internal/broker/mock"
	"tessera/internal/broker/webull"
	"tessera/internal/config"
	"tessera/internal/domain"
	"tessera/internal/events"
	"tessera/internal/gateway"
	"tessera/internal/ledger"
	"tessera/internal/logger"
	"tessera/internal/pkg/circuit"
	"tessera/internal/reconcile"
	"tessera/internal/scheduler"
	"tessera/internal/store"
	"tessera/internal/store/gormstore"
	adminhttp "tessera/internal/transport/http"

	"github.com/shopspring/decimal"
)

// openOrderPollInterval drives the loop that refreshes working orders and
// retries the existence check for unresolved submissions.
const openOrderPollInterval = 30 * time.Second

type App struct {
	cfg *config.Config

	Store      store.Store
	Ledger     *ledger.Ledger
	Broker     broker.BrokerProvider
	Data       broker.MarketDataProvider
	News       broker.NewsProvider
	Gateway    *gateway.Gateway
	Reconciler *reconcile.Engine

	server *adminhttp.Server
}

// newRegistry wires every known backend. Registration is explicit so the
// binary's capability set is visible in one place.
func newRegistry() *broker.Registry {
	r := broker.NewRegistry()
	r.RegisterBroker("alpaca", alpaca.NewFromConfig)
	r.RegisterData("alpaca", alpaca.NewDataFromConfig)
	r.RegisterNews("alpaca", alpaca.NewNewsFromConfig)
	r.RegisterBroker("webull", webull.NewFromConfig)
	r.RegisterData("webull", webull.NewDataFromConfig)
	r.RegisterBroker("mock", mock.NewFromConfig)
	r.RegisterData("mock", mock.NewDataFromConfig)
	return r
}

func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger.SetLevel(cfg.App.LogLevel)

	st, err := gormstore.New(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	publisher := events.Fanout{events.LogPublisher{}, events.StorePublisher{Store: st}}

	match, err := ledger.ParseMatchPolicy(cfg.Ledger.LotMatch)
	if err != nil {
		st.Close()
		return nil, err
	}
	led := ledger.New(st, publisher, ledger.Options{
		Match:        match,
		MergeSameDay: cfg.Ledger.MergeSameDay,
	})
	if err := led.Load(ctx); err != nil {
		st.Close()
		return nil, err
	}

	registry := newRegistry()
	deps := broker.Deps{Store: st}
	brk, err := registry.CreateBroker(cfg.Broker, deps)
	if err != nil {
		st.Close()
		return nil, err
	}
	data, err := registry.CreateDataProvider(cfg.DataConfig(), deps)
	if err != nil {
		st.Close()
		return nil, err
	}
	newsCfg := cfg.News
	if strings.TrimSpace(newsCfg.Provider) == "" {
		newsCfg = cfg.DataConfig()
	}
	news, err := registry.CreateNewsProvider(newsCfg, deps)
	if err != nil {
		st.Close()
		return nil, err
	}
	logger.Infof("providers resolved: broker=%s data=%s news=%s(supported=%v)",
		brk.BrokerName(), data.ProviderName(), news.ProviderName(), news.Supported())

	if err := seedLedger(ctx, cfg, led, brk); err != nil {
		st.Close()
		return nil, err
	}

	breaker := circuit.NewBreaker("trading", cfg.Reconcile.HaltAfterDirtyPasses, 0)
	gw := gateway.New(brk, led, gateway.Options{
		RecentWindow: time.Duration(cfg.Reconcile.RecentWindowSeconds) * time.Second,
		Events:       publisher,
		Breaker:      breaker,
	})
	rec := reconcile.New(brk, led, reconcile.Options{
		ShareTolerance: decimal.NewFromFloat(cfg.Reconcile.ShareTolerance),
		CashTolerance:  decimal.NewFromFloat(cfg.Reconcile.CashTolerance),
		Events:         publisher,
		Breaker:        breaker,
		Recent:         gw,
	})

	a := &App{
		cfg:        cfg,
		Store:      st,
		Ledger:     led,
		Broker:     brk,
		Data:       data,
		News:       news,
		Gateway:    gw,
		Reconciler: rec,
	}
	if cfg.HTTP.Enabled {
		server, err := adminhttp.NewServer(adminhttp.ServerConfig{
			Addr: cfg.HTTP.Listen,
			Handler: &adminhttp.Handler{
				Broker:    brk,
				Ledger:    led,
				Gateway:   gw,
				Reconcile: rec,
				Store:     st,
			},
		})
		if err != nil {
			st.Close()
			return nil, err
		}
		a.server = server
	}
	return a, nil
}

// seedLedger funds the pool on first run and registers any strategies from
// the allocations manifest that the ledger does not know yet.
func seedLedger(ctx context.Context, cfg *config.Config, led *ledger.Ledger, brk broker.BrokerProvider) error {
	if led.TotalCash().IsZero() && len(led.VirtualAccounts()) == 0 {
		info, err := brk.GetAccount(ctx)
		if err != nil {
			return fmt.Errorf("fetching account for initial funding: %w", err)
		}
		if info.Cash.Sign() > 0 {
			if err := led.Deposit(ctx, info.Cash); err != nil {
				return err
			}
			logger.Infof("ledger funded from broker account: %s %s", info.Cash, info.Currency)
		}
	}
	if cfg.Ledger.AllocationsPath == "" {
		return nil
	}
	allocations, err := config.LoadAllocations(cfg.Ledger.AllocationsPath)
	if err != nil {
		return err
	}
	for _, alloc := range allocations {
		if led.Registered(alloc.StrategyID) {
			continue
		}
		cash := decimal.NewFromFloat(alloc.Cash)
		if err := led.RegisterStrategy(ctx, alloc.StrategyID, cash); err != nil {
			return fmt.Errorf("registering strategy %s: %w", alloc.StrategyID, err)
		}
		logger.Infof("strategy %s registered with %s", alloc.StrategyID, cash)
	}
	return nil
}

// Run starts the background loops and blocks until ctx ends.
func (a *App) Run(ctx context.Context) error {
	reconInterval, ok := scheduler.ParseIntervalDuration(a.cfg.Reconcile.Interval)
	if !ok {
		parsed, err := time.ParseDuration(a.cfg.Reconcile.Interval)
		if err != nil {
			return fmt.Errorf("invalid reconcile.interval %q", a.cfg.Reconcile.Interval)
		}
		reconInterval = parsed
	}

	reconSched := scheduler.NewIntervalScheduler(ctx, "reconcile", reconInterval)
	reconSched.RunImmediately = true
	go reconSched.Start(func() {
		if _, err := a.Reconciler.Run(ctx); err != nil {
			logger.Errorf("reconciliation pass failed: %v", err)
		}
	})

	pollSched := scheduler.NewIntervalScheduler(ctx, "orders", openOrderPollInterval)
	go pollSched.Start(func() {
		if err := a.Gateway.ResolveAmbiguous(ctx); err != nil {
			logger.Warnf("ambiguity resolution: %v", err)
		}
		if err := a.Gateway.PollOpenOrders(ctx); err != nil {
			logger.Warnf("open order poll: %v", err)
		}
	})

	var serveErr error
	if a.server != nil {
		logger.Infof("admin http listening on %s", a.server.Addr())
		serveErr = a.server.Start(ctx)
	} else {
		<-ctx.Done()
	}
	if err := a.Store.Close(); err != nil {
		logger.Warnf("closing store: %v", err)
	}
	return serveErr
}

// ProcessSignals translates a strategy's signals into intents and submits
// them with the configured worker bound and per-order timeout.
func (a *App) ProcessSignals(ctx context.Context, strategyID string, signals []domain.Signal) []gateway.BatchResult {
	intents := make([]gateway.Intent, 0, len(signals))
	for _, sig := range signals {
		if sig.Action == domain.SignalHold {
			continue
		}
		intent, err := gateway.FromSignal(sig)
		if err != nil {
			logger.Warnf("skipping signal %s %s: %v", sig.Action, sig.Symbol, err)
			continue
		}
		intents = append(intents, intent)
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(a.cfg.Execution.TimeoutSeconds)*time.Second)
	defer cancel()
	return a.Gateway.SubmitBatch(ctx, strategyID, intents, a.cfg.Execution.Workers)
}
