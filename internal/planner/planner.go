// Package planner runs one planning pass end to end: it loads the contract,
// samples recent call history, builds the dependency graph, ranks functions
// by usage and schedules the gas-bounded initialization batches.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/migrationplanner/internal/chain"
	"github.com/gateway-fm/migrationplanner/internal/graph"
	"github.com/gateway-fm/migrationplanner/internal/layout"
	"github.com/gateway-fm/migrationplanner/internal/metrics"
	"github.com/gateway-fm/migrationplanner/internal/ranking"
	"github.com/gateway-fm/migrationplanner/internal/schedule"
	"github.com/gateway-fm/migrationplanner/internal/solidity"
	"github.com/gateway-fm/migrationplanner/internal/storage"
	"github.com/gateway-fm/migrationplanner/pkg/types"
)

// DefaultGasPerSlot is the gas budgeted for writing one storage slot.
const DefaultGasPerSlot = 30000

// DefaultHistoryWindowBlocks is how many recent blocks are sampled.
const DefaultHistoryWindowBlocks = 100

var (
	// ErrInvalidRequest marks requests that cannot be planned as given.
	ErrInvalidRequest = errors.New("invalid plan request")
	// ErrContract marks failures to compile, read or select the contract.
	ErrContract = errors.New("failed to load contract")
)

// EventSink receives plan progress events.
type EventSink interface {
	Broadcast(event types.PlanEvent)
}

// Defaults fill the zero fields of a PlanRequest.
type Defaults struct {
	Contract            string
	Address             string
	GasPerSlot          uint64
	GasLimit            uint64
	HistoryWindowBlocks uint64
	MaxTransactions     int
}

// Config for creating a Planner. Only Source is required. Without Chain,
// plans need a gas limit and carry no usage history.
type Config struct {
	Source   Source
	Chain    chain.Provider
	Cache    storage.HistoryCache
	Store    storage.Storage
	Metrics  *metrics.PrometheusMetrics
	Events   EventSink
	ChainID  uint64
	Defaults Defaults
	Logger   *slog.Logger
}

// Planner runs planning passes. It holds no per-plan state and is safe for
// concurrent use.
type Planner struct {
	source   Source
	chain    chain.Provider
	cache    storage.HistoryCache
	store    storage.Storage
	metrics  *metrics.PrometheusMetrics
	events   EventSink
	chainID  uint64
	defaults Defaults
	logger   *slog.Logger
}

// New creates a new Planner.
func New(cfg Config) *Planner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := cfg.Defaults
	if d.GasPerSlot == 0 {
		d.GasPerSlot = DefaultGasPerSlot
	}
	if d.HistoryWindowBlocks == 0 {
		d.HistoryWindowBlocks = DefaultHistoryWindowBlocks
	}
	if d.MaxTransactions <= 0 {
		d.MaxTransactions = chain.DefaultMaxTransactions
	}

	return &Planner{
		source:   cfg.Source,
		chain:    cfg.Chain,
		cache:    cfg.Cache,
		store:    cfg.Store,
		metrics:  cfg.Metrics,
		events:   cfg.Events,
		chainID:  cfg.ChainID,
		defaults: d,
		logger:   logger,
	}
}

// Defaults returns the request defaults in effect.
func (p *Planner) Defaults() Defaults {
	return p.defaults
}

func (p *Planner) withDefaults(req types.PlanRequest) types.PlanRequest {
	if req.Contract == "" {
		req.Contract = p.defaults.Contract
	}
	if req.Address == "" {
		req.Address = p.defaults.Address
	}
	if req.GasPerSlot == 0 {
		req.GasPerSlot = p.defaults.GasPerSlot
	}
	if req.GasLimit == 0 {
		req.GasLimit = p.defaults.GasLimit
	}
	if req.HistoryWindowBlocks == 0 {
		req.HistoryWindowBlocks = p.defaults.HistoryWindowBlocks
	}
	if req.MaxTransactions <= 0 {
		req.MaxTransactions = p.defaults.MaxTransactions
	}
	return req
}

// Run computes a plan. The plan is persisted when a store is configured,
// whether or not it succeeds. On failure the returned artifact carries the
// failed status and error, and no batches.
func (p *Planner) Run(ctx context.Context, req types.PlanRequest) (*types.PlanArtifact, error) {
	req = p.withDefaults(req)
	start := time.Now()

	plan := &types.PlanArtifact{
		ID:         uuid.NewString(),
		Status:     types.PlanStatusCompleted,
		CreatedAt:  start.UTC(),
		Contract:   req.Contract,
		ChainID:    p.chainID,
		GasPerSlot: req.GasPerSlot,
	}
	logger := p.logger.With("plan", plan.ID)
	logger.Info("plan started", "contract", req.Contract, "address", req.Address)
	p.emit(types.PlanEvent{Type: types.EventPlanStarted, PlanID: plan.ID})

	err := p.execute(ctx, logger, req, plan)
	plan.DurationMs = time.Since(start).Milliseconds()

	if err != nil {
		plan.Status = types.PlanStatusFailed
		plan.Error = err.Error()
		logger.Error("plan failed", "error", err, "durationMs", plan.DurationMs)
		if p.metrics != nil {
			p.metrics.RecordPlan(false, 0, 0, 0)
		}
		p.persist(ctx, logger, plan)
		p.emit(types.PlanEvent{Type: types.EventPlanFailed, PlanID: plan.ID, Error: plan.Error})
		return plan, err
	}

	logger.Info("plan completed",
		"batches", len(plan.Batches),
		"capacity", plan.BatchCapacity,
		"functions", plan.FunctionCount,
		"variables", plan.VariableCount,
		"durationMs", plan.DurationMs,
	)
	if p.metrics != nil {
		p.metrics.RecordPlan(true, len(plan.Batches), plan.FunctionCount, plan.VariableCount)
	}
	p.persist(ctx, logger, plan)
	summary := plan.Summary()
	p.emit(types.PlanEvent{Type: types.EventPlanCompleted, PlanID: plan.ID, Summary: &summary})
	return plan, nil
}

func (p *Planner) execute(ctx context.Context, logger *slog.Logger, req types.PlanRequest, plan *types.PlanArtifact) error {
	if p.source == nil {
		return errors.New("no contract source configured")
	}

	var addr common.Address
	sampling := req.Address != ""
	if sampling {
		if !common.IsHexAddress(req.Address) {
			return fmt.Errorf("%w: invalid contract address %q", ErrInvalidRequest, req.Address)
		}
		addr = common.HexToAddress(req.Address)
		plan.Address = addr.Hex()
	}
	if p.chain == nil {
		if sampling {
			return fmt.Errorf("%w: sampling call history needs a chain provider", ErrInvalidRequest)
		}
		if req.GasLimit == 0 {
			return fmt.Errorf("%w: gas limit is required without a chain provider", ErrInvalidRequest)
		}
	}

	var (
		contract *solidity.Contract
		head     chain.Block
		observed []types.Selector
	)

	// The contract and the chain data are independent; the first failure
	// cancels the other.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.stage(plan.ID, metrics.StageCompile, func() error {
			c, err := p.source.Load(gctx, req.Contract)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrContract, err)
			}
			contract = c
			return nil
		})
	})
	if p.chain != nil {
		g.Go(func() error {
			err := p.stage(plan.ID, metrics.StageChain, func() error {
				b, err := p.chain.LatestBlock(gctx)
				if err != nil {
					return fmt.Errorf("failed to fetch latest block: %w", err)
				}
				head = b
				return nil
			})
			if err != nil || !sampling {
				return err
			}

			from, to := chain.HistoryWindow(head.Number, req.HistoryWindowBlocks)
			plan.HistoryFrom, plan.HistoryTo = from, to
			return p.stage(plan.ID, metrics.StageHistory, func() error {
				sels, err := p.history(gctx, logger, addr, from, to, req.MaxTransactions)
				if err != nil {
					return fmt.Errorf("failed to sample call history: %w", err)
				}
				observed = sels
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	plan.Contract = contract.Name
	plan.BlockNumber = head.Number
	plan.GasLimit = req.GasLimit
	if plan.GasLimit == 0 {
		plan.GasLimit = head.GasLimit
	}
	plan.TxSampled = len(observed)

	decls, err := contract.ListFunctions()
	if err != nil {
		return fmt.Errorf("%w: failed to list functions: %w", ErrContract, err)
	}
	raw, err := contract.StorageLayout()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrContract, err)
	}
	vars, err := layout.Normalize(raw)
	if err != nil {
		return fmt.Errorf("%w: failed to normalize storage layout: %w", ErrContract, err)
	}

	var dg *graph.Graph
	err = p.stage(plan.ID, metrics.StageGraph, func() error {
		dg, err = graph.Build(decls, vars)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to build dependency graph: %w", err)
	}

	var rk ranking.Ranking
	err = p.stage(plan.ID, metrics.StageRank, func() error {
		index, err := ranking.NewSelectorIndex(decls)
		if err != nil {
			return err
		}
		rk = ranking.Rank(decls, index, observed)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to rank functions: %w", err)
	}

	var (
		order schedule.WriteOrder
		sched *schedule.Plan
	)
	err = p.stage(plan.ID, metrics.StageSchedule, func() error {
		order = schedule.BuildWriteOrder(rk.Order, dg.Closed(), schedule.NewLayout(vars))
		capacity, err := schedule.Capacity(plan.GasLimit, req.GasPerSlot)
		if err != nil {
			return err
		}
		sched, err = schedule.Schedule(order, dg.Closed(), dg.Order(), capacity)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to schedule batches: %w", err)
	}

	a := newAssembler(decls, vars)
	a.fill(plan, dg, rk, order, sched)
	a.advise(plan, vars, dg, rk)

	if p.metrics != nil {
		ignored := 0
		for _, n := range rk.Ignored {
			ignored += n
		}
		if sampling {
			p.metrics.RecordHistory(len(observed), ignored)
		}
		for _, adv := range plan.Advisories {
			p.metrics.RecordAdvisory(string(adv.Kind))
		}
	}
	for _, adv := range plan.Advisories {
		logger.Warn("plan advisory", "kind", adv.Kind, "subject", adv.Subject, "message", adv.Message)
	}
	return nil
}

// history returns the selectors of recent calls to addr, newest first,
// preferring the cache.
func (p *Planner) history(ctx context.Context, logger *slog.Logger, addr common.Address, from, to uint64, limit int) ([]types.Selector, error) {
	key := storage.HistoryKey{
		ChainID:   p.chainID,
		Address:   addr.Hex(),
		FromBlock: from,
		ToBlock:   to,
		Limit:     limit,
	}

	if p.cache != nil {
		entry, err := p.cache.LoadHistory(ctx, key)
		if err != nil {
			logger.Warn("history cache lookup failed", "error", err)
		}
		if p.metrics != nil {
			p.metrics.RecordCache(entry != nil)
		}
		if entry != nil {
			logger.Debug("history cache hit", "from", from, "to", to, "selectors", len(entry.Selectors))
			return entry.Selectors, nil
		}
	}

	txs, err := p.chain.RecentTransactions(ctx, addr, from, to, limit)
	if err != nil {
		return nil, err
	}
	selectors := chain.Selectors(txs)
	logger.Debug("sampled call history", "from", from, "to", to, "transactions", len(txs))

	if p.cache != nil {
		entry := &storage.HistoryEntry{HistoryKey: key, Selectors: selectors, FetchedAt: time.Now()}
		if err := p.cache.SaveHistory(ctx, entry); err != nil {
			logger.Warn("failed to cache history", "error", err)
		}
	}
	return selectors, nil
}

// stage runs fn, timing it and announcing its completion.
func (p *Planner) stage(planID, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	if p.metrics != nil {
		p.metrics.ObserveStage(name, time.Since(start))
	}
	if err == nil {
		p.emit(types.PlanEvent{Type: types.EventStageFinished, PlanID: planID, Stage: name})
	}
	return err
}

func (p *Planner) emit(event types.PlanEvent) {
	if p.events == nil {
		return
	}
	event.Timestamp = time.Now().UnixMilli()
	p.events.Broadcast(event)
}

// persist saves the plan even when ctx was cancelled, so aborted runs are
// still listed.
func (p *Planner) persist(ctx context.Context, logger *slog.Logger, plan *types.PlanArtifact) {
	if p.store == nil {
		return
	}
	if err := p.store.SavePlan(context.WithoutCancel(ctx), plan); err != nil {
		logger.Error("failed to save plan", "error", err)
	}
}

// assembler renders id-keyed results as label-keyed artifacts.
type assembler struct {
	fnLabels  map[types.FunctionID]string
	varLabels map[types.VarID]string
	vars      map[types.VarID]types.StateVariable
	decls     map[types.FunctionID]types.FunctionDecl
}

func newAssembler(decls []types.FunctionDecl, vars []types.StateVariable) *assembler {
	a := &assembler{
		fnLabels:  make(map[types.FunctionID]string, len(decls)),
		varLabels: make(map[types.VarID]string, len(vars)),
		vars:      make(map[types.VarID]types.StateVariable, len(vars)),
		decls:     make(map[types.FunctionID]types.FunctionDecl, len(decls)),
	}

	// Overloads share a name; fall back to the signature, then the id.
	names := make(map[string]int, len(decls))
	for _, d := range decls {
		names[d.Name]++
	}
	for _, d := range decls {
		label := d.Name
		if names[d.Name] > 1 {
			label = fmt.Sprintf("%s#%d", d.Name, d.ID)
			if d.Signature != "" {
				label = d.Signature
			}
		}
		a.fnLabels[d.ID] = label
		a.decls[d.ID] = d
	}

	labels := make(map[string]int, len(vars))
	for _, v := range vars {
		labels[v.Label]++
	}
	for _, v := range vars {
		label := v.Label
		if labels[v.Label] > 1 {
			label = fmt.Sprintf("%s#%d", v.Label, v.ID)
		}
		a.varLabels[v.ID] = label
		a.vars[v.ID] = v
	}
	return a
}

func (a *assembler) functions(ids []types.FunctionID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = a.fnLabels[id]
	}
	return out
}

func (a *assembler) variables(ids []types.VarID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = a.varLabels[id]
	}
	return out
}

func (a *assembler) fill(plan *types.PlanArtifact, dg *graph.Graph, rk ranking.Ranking, order schedule.WriteOrder, sched *schedule.Plan) {
	closed := dg.Closed()

	plan.FunctionCount = len(a.decls)
	plan.VariableCount = len(a.vars)
	plan.BatchCapacity = sched.Capacity

	plan.Dependencies = make(types.DependencyMatrix, len(a.decls))
	for _, id := range dg.Order() {
		labels := a.variables(closed.Sorted(id))
		slices.Sort(labels)
		plan.Dependencies[a.fnLabels[id]] = labels
	}

	plan.Priority = make([]types.PriorityEntry, 0, len(rk.Order))
	for _, id := range rk.Order {
		entry := types.PriorityEntry{Function: a.fnLabels[id], Score: rk.Scores[id]}
		if sel := a.decls[id].Selector; sel != nil {
			entry.Selector = sel.String()
		}
		plan.Priority = append(plan.Priority, entry)
	}

	plan.WriteOrder = a.variables(order)

	plan.Batches = make([]types.BatchArtifact, len(sched.Batches))
	for i, b := range sched.Batches {
		plan.Batches[i] = types.BatchArtifact{
			Index:    b.Index,
			Slots:    a.variables(b.Slots),
			Activate: a.functions(b.Activations),
		}
	}

	for _, id := range order {
		for _, loc := range layout.Locations(a.vars[id]) {
			sl := types.SlotLocation{
				Path:     loc.Path,
				Slot:     loc.Slot,
				Offset:   loc.Offset,
				Encoding: loc.Encoding,
			}
			if loc.DataSlot != (common.Hash{}) {
				data := loc.DataSlot
				sl.DataSlot = &data
			}
			plan.Layout = append(plan.Layout, sl)
		}
	}
}

func (a *assembler) advise(plan *types.PlanArtifact, vars []types.StateVariable, dg *graph.Graph, rk ranking.Ranking) {
	for _, id := range schedule.UnreachableVariables(vars, dg.Closed()) {
		plan.Advisories = append(plan.Advisories, types.Advisory{
			Kind:    types.AdvisoryUnreachableVariable,
			Subject: a.varLabels[id],
			Message: "no function depends on this variable; it is not written by any batch",
		})
	}
	for _, sel := range rk.IgnoredSelectors() {
		plan.Advisories = append(plan.Advisories, types.Advisory{
			Kind:    types.AdvisoryUnknownSelector,
			Subject: sel.String(),
			Message: fmt.Sprintf("%d sampled calls match no declared function", rk.Ignored[sel]),
		})
	}
}
