package txpool

import (
	"context"
	"runtime"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/metrics"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/errgroup"
)

const DefaultSimCacheSize = 16_384

var (
	simSuccessMeter  = metrics.NewRegisteredMeter("txpool/sim/success", nil)
	simRevertedMeter = metrics.NewRegisteredMeter("txpool/sim/reverted", nil)
	simInvalidMeter  = metrics.NewRegisteredMeter("txpool/sim/invalid", nil)
	simTimeHistogram = metrics.NewRegisteredHistogram("txpool/sim/execution_us", nil, metrics.NewExpDecaySample(1028, 0.015))
)

// SimulatingValidator decorates a Validator: every transaction the inner
// validator accepts is simulated and the outcome is attached to its verdict.
// Simulation never changes the verdict.
type SimulatingValidator struct {
	inner       Validator
	simulator   TxSimulator
	outcomes    *lru.Cache
	concurrency int
}

func NewSimulatingValidator(inner Validator, simulator TxSimulator, cacheSize int, concurrency int) (*SimulatingValidator, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultSimCacheSize
	}
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &SimulatingValidator{
		inner:       inner,
		simulator:   simulator,
		outcomes:    cache,
		concurrency: concurrency,
	}, nil
}

func (v *SimulatingValidator) ValidateTransaction(ctx context.Context, origin TxOrigin, tx *types.Transaction) ValidationOutcome {
	outcome := v.inner.ValidateTransaction(ctx, origin, tx)
	if outcome.Valid() {
		sim := v.simulate(ctx, origin, tx)
		outcome.Sim = &sim
	}
	return outcome
}

// ValidateTransactions simulates the accepted transactions concurrently, each
// against its own overlay of the same head. The head is resolved once per
// batch when the simulator supports it.
func (v *SimulatingValidator) ValidateTransactions(ctx context.Context, txs []OriginTx) []ValidationOutcome {
	outcomes := v.inner.ValidateTransactions(ctx, txs)

	simulate := v.simulator.Simulate
	if hs, ok := v.simulator.(HeadSimulator); ok {
		parent := hs.Head()
		simulate = func(ctx context.Context, origin TxOrigin, tx *types.Transaction) SimOutcome {
			return hs.SimulateAt(ctx, parent, origin, tx)
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(v.concurrency)
	for i := range outcomes {
		if !outcomes[i].Valid() || i >= len(txs) {
			continue
		}
		i := i
		g.Go(func() error {
			sim := v.record(outcomes[i].Tx, simulate(ctx, txs[i].Origin, outcomes[i].Tx))
			outcomes[i].Sim = &sim
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (v *SimulatingValidator) OnNewHead(head *types.Header) {
	v.inner.OnNewHead(head)
}

// SimulatedUsage returns the last simulation outcome recorded for hash.
func (v *SimulatingValidator) SimulatedUsage(hash common.Hash) (SimOutcome, bool) {
	res, ok := v.outcomes.Get(hash)
	if !ok {
		return SimOutcome{}, false
	}
	return res.(SimOutcome), true
}

func (v *SimulatingValidator) simulate(ctx context.Context, origin TxOrigin, tx *types.Transaction) SimOutcome {
	return v.record(tx, v.simulator.Simulate(ctx, origin, tx))
}

func (v *SimulatingValidator) record(tx *types.Transaction, sim SimOutcome) SimOutcome {
	switch {
	case !sim.Executed():
		simInvalidMeter.Mark(1)
	case sim.Success:
		simSuccessMeter.Mark(1)
	default:
		simRevertedMeter.Mark(1)
	}
	if sim.Executed() {
		simTimeHistogram.Update(int64(sim.ExecutionTimeUs))
	}
	v.outcomes.Add(tx.Hash(), sim)
	return sim
}
