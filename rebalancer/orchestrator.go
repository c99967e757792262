package rebalancer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"markd/balances"
	"markd/bridge"
	"markd/chain"
	"markd/config"
	"markd/observability"
	"markd/storage"
)

// BalanceSource produces a frozen inventory snapshot. Satisfied by
// balances.Oracle.
type BalanceSource interface {
	Snapshot(ctx context.Context) (balances.Snapshot, error)
}

// Orchestrator composes the engine: each tick it sweeps expirations, advances
// in-flight operations, and evaluates every route against a fresh balance
// snapshot. Routes sharing an origin chain run sequentially so their nonces
// never race; distinct origin chains run in parallel.
type Orchestrator struct {
	store    *storage.Store
	registry *config.Registry
	routes   []config.RoutePolicy
	bridges  *bridge.Registry
	chains   chain.Service
	oracle   BalanceSource

	sweeper   *Sweeper
	callbacks *CallbackEngine

	metrics *observability.RebalancerMetrics
	logger  *slog.Logger
	tracer  trace.Tracer

	tickInterval time.Duration
	rpcTimeout   time.Duration
}

// Options bundles the orchestrator's collaborators.
type Options struct {
	Store    *storage.Store
	Registry *config.Registry
	Routes   []config.RoutePolicy
	Bridges  *bridge.Registry
	Chains   chain.Service
	Oracle   BalanceSource
	Logger   *slog.Logger

	TickInterval    time.Duration
	RPCTimeout      time.Duration
	EarmarkTTL      time.Duration
	OperationTTL    time.Duration
	CallbackWorkers int
}

// New constructs the orchestrator and its sweeper and callback engine.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("rebalancer: store required")
	case opts.Registry == nil:
		return nil, errors.New("rebalancer: chain registry required")
	case opts.Bridges == nil:
		return nil, errors.New("rebalancer: bridge registry required")
	case opts.Chains == nil:
		return nil, errors.New("rebalancer: chain service required")
	case opts.Oracle == nil:
		return nil, errors.New("rebalancer: balance source required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 30 * time.Second
	}
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = 15 * time.Second
	}
	if opts.EarmarkTTL <= 0 {
		opts.EarmarkTTL = 24 * time.Hour
	}
	if opts.OperationTTL <= 0 {
		opts.OperationTTL = 24 * time.Hour
	}
	metrics := observability.Rebalancer()
	return &Orchestrator{
		store:        opts.Store,
		registry:     opts.Registry,
		routes:       opts.Routes,
		bridges:      opts.Bridges,
		chains:       opts.Chains,
		oracle:       opts.Oracle,
		sweeper:      NewSweeper(opts.Store, metrics, opts.Logger, opts.EarmarkTTL, opts.OperationTTL),
		callbacks:    NewCallbackEngine(opts.Store, opts.Registry, opts.Bridges, opts.Chains, metrics, opts.Logger, opts.CallbackWorkers),
		metrics:      metrics,
		logger:       opts.Logger.With("component", "orchestrator"),
		tracer:       otel.Tracer("markd/rebalancer"),
		tickInterval: opts.TickInterval,
		rpcTimeout:   opts.RPCTimeout,
	}, nil
}

// Run drives ticks until the context is cancelled. The first tick fires
// immediately.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.tickInterval)
	defer ticker.Stop()
	for {
		if err := o.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.logger.Error("tick failed", "err", err)
			o.metrics.RecordTick("error")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs one full engine pass: sweep, advance callbacks, then issue
// new transfers unless rebalancing is paused. The pause gates issuance only;
// in-flight operations keep converging while paused.
func (o *Orchestrator) Tick(ctx context.Context) error {
	ctx, span := o.tracer.Start(ctx, "rebalancer.tick")
	defer span.End()

	if err := o.sweeper.Run(ctx); err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	if err := o.callbacks.Run(ctx); err != nil {
		return fmt.Errorf("advance callbacks: %w", err)
	}

	paused, err := o.store.IsPaused(ctx, storage.PauseRebalance)
	if err != nil {
		return fmt.Errorf("read pause state: %w", err)
	}
	if paused {
		o.logger.Info("rebalancing paused; skipping issuance")
		o.metrics.RecordTick("paused")
		return nil
	}

	snapshot, err := o.oracle.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("balance snapshot: %w", err)
	}
	span.SetAttributes(attribute.Int("routes", len(o.routes)))

	inflight, err := o.inflightRoutes(ctx)
	if err != nil {
		return fmt.Errorf("load in-flight routes: %w", err)
	}

	byOrigin := make(map[uint64][]config.RoutePolicy)
	for _, policy := range o.routes {
		byOrigin[policy.Origin] = append(byOrigin[policy.Origin], policy)
	}

	var wg sync.WaitGroup
	for origin, policies := range byOrigin {
		wg.Add(1)
		go func(origin uint64, policies []config.RoutePolicy) {
			defer wg.Done()
			for _, policy := range policies {
				o.evaluateAndDispatch(ctx, snapshot, policy, inflight)
			}
		}(origin, policies)
	}
	wg.Wait()

	o.metrics.RecordTick("ok")
	return nil
}

func (o *Orchestrator) evaluateAndDispatch(ctx context.Context, snapshot balances.Snapshot, policy config.RoutePolicy, inflight map[routeKey]bool) {
	action, skip, err := EvaluateRoute(snapshot, policy, o.registry)
	if err != nil {
		o.logger.Error("route evaluation failed",
			"origin", policy.Origin, "destination", policy.Destination, "err", err)
		return
	}
	if action == nil {
		o.logger.Debug("route skipped",
			"origin", policy.Origin, "destination", policy.Destination, "reason", skip)
		return
	}
	if inflight[routeKeyFor(policy, action)] {
		o.logger.Debug("route has an in-flight operation",
			"origin", policy.Origin, "destination", policy.Destination)
		return
	}
	if err := o.dispatchRoute(ctx, action); err != nil {
		if errors.Is(err, errNoBridge) {
			o.logger.Warn("no bridge could serve route",
				"origin", policy.Origin, "destination", policy.Destination,
				"amount", action.AmountCanonical.String())
			return
		}
		o.logger.Error("route dispatch failed",
			"origin", policy.Origin, "destination", policy.Destination, "err", err)
	}
}

// routeKey identifies a rebalancing lane for in-flight deduplication.
type routeKey struct {
	origin      uint64
	destination uint64
	ticker      string
}

func routeKeyFor(policy config.RoutePolicy, action *RouteAction) routeKey {
	return routeKey{origin: policy.Origin, destination: policy.Destination, ticker: action.Asset.TickerHash.Hex()}
}

// inflightRoutes collects the lanes that already have a live operation so a
// tick never stacks a second transfer onto inventory that is still moving.
func (o *Orchestrator) inflightRoutes(ctx context.Context) (map[routeKey]bool, error) {
	ops, err := o.store.ListOperations(ctx, storage.OperationFilter{
		Statuses: []storage.OperationStatus{storage.OperationPending, storage.OperationAwaitingCallback},
		Limit:    storage.MaxListLimit,
	})
	if err != nil {
		return nil, err
	}
	out := make(map[routeKey]bool, len(ops))
	for _, op := range ops {
		out[routeKey{origin: op.OriginChainID, destination: op.DestinationChainID, ticker: op.TickerHash}] = true
	}
	return out, nil
}
