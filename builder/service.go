package builder

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/metrics/exp"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gorilla/mux"

	bcore "github.com/flashbots/flashblocks-builder/core"
	"github.com/flashbots/flashblocks-builder/core/txpool"
	"github.com/flashbots/flashblocks-builder/flashbotsextra"
	"github.com/flashbots/flashblocks-builder/internal/ethapi"
	"github.com/flashbots/flashblocks-builder/miner"
)

const (
	_PathRPC         = "/"
	_PathFlashblocks = "/ws"
	_PathHealth      = "/healthz"
	_PathMetrics     = "/debug/metrics"

	auditFlushInterval = time.Second
)

var ErrNoChain = errors.New("service has no chain to build on")

// Service owns the stores shared by the RPC surface and the flashblocks
// builder and serves them over HTTP.
type Service struct {
	cfg   *Config
	chain txpool.ChainStateProvider

	srv       *http.Server
	rpcServer *rpc.Server
	publisher *miner.WebsocketPublisher

	metering  *bcore.ResourceMetering
	backruns  *bcore.BackrunBundleStore
	bundles   *bcore.BundlePool
	audit     *bcore.ChannelAuditSink
	db        flashbotsextra.IDatabaseService
	validator txpool.Validator
	sims      *txpool.SimulatingValidator

	blockNumCh chan uint64
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewService wires the builder components. chain may be nil, in which case
// submissions are only decoded and BuildBlock is unavailable.
func NewService(cfg *Config, chain txpool.ChainStateProvider) (*Service, error) {
	s := &Service{
		cfg:        cfg,
		chain:      chain,
		audit:      bcore.NewChannelAuditSink(cfg.AuditBufferSize),
		bundles:    bcore.NewBundlePool(),
		publisher:  miner.NewWebsocketPublisher(),
		blockNumCh: make(chan uint64, 1),
	}
	s.metering = bcore.NewResourceMetering(cfg.MeteringEnabled, cfg.MeteringBufferSize, s.audit)
	s.backruns = bcore.NewBackrunBundleStoreWithAudit(cfg.BackrunStoreSize, s.audit)

	if chain != nil {
		basic := txpool.NewBasicValidator(chain.Config(), chain.CurrentHeader())
		sims, err := txpool.NewSimulatingValidator(basic, txpool.NewOverlaySimulator(chain, txpool.BeaconRootHook), cfg.SimCacheSize, cfg.SimConcurrency)
		if err != nil {
			return nil, fmt.Errorf("creating simulating validator: %w", err)
		}
		s.validator = sims
		s.sims = sims
	}

	if cfg.PostgresDSN != "" {
		ds, err := flashbotsextra.NewDatabaseService(cfg.PostgresDSN)
		if err != nil {
			log.Error("could not connect to the DB", "err", err)
			s.db = flashbotsextra.NilDbService{}
		} else {
			s.db = ds
		}
	} else {
		log.Info("db dsn is not provided, starting nil db svc")
		s.db = flashbotsextra.NilDbService{}
	}

	s.rpcServer = rpc.NewServer()
	if err := s.rpcServer.RegisterName("base", ethapi.NewBaseAPI(s.metering, s.backruns, s.bundles, s.validator)); err != nil {
		return nil, err
	}
	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func (s *Service) Handler() http.Handler {
	router := mux.NewRouter()
	router.Handle(_PathRPC, s.rpcServer).Methods(http.MethodPost)
	router.Handle(_PathFlashblocks, s.publisher).Methods(http.MethodGet)
	router.HandleFunc(_PathHealth, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	router.Handle(_PathMetrics, exp.ExpHandler(metrics.DefaultRegistry)).Methods(http.MethodGet)
	router.Use(loggingMiddleware)
	return router
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Trace("Served http request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "elapsed", time.Since(start))
	})
}

func (s *Service) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if !s.cfg.DisableBundleFetcher {
		flashbotsextra.NewBundleFetcher(s.db, s.bundles, s.blockNumCh, 0).Run(ctx)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		flashbotsextra.ConnectAuditToDatabase(ctx, s.audit.Events(), s.db, auditFlushInterval)
	}()

	go func() {
		log.Info("Service started", "addr", s.cfg.ListenAddr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Builder http server failed", "err", err)
		}
	}()
	return nil
}

func (s *Service) Stop() error {
	s.srv.Close()
	s.publisher.Close()
	s.audit.Close()
	s.wg.Wait()
	if s.cancel != nil {
		s.cancel()
	}
	s.rpcServer.Stop()
	if ds, ok := s.db.(*flashbotsextra.DatabaseService); ok {
		return ds.Close()
	}
	return nil
}

// OnNewHead updates the validator and asks the bundle fetcher for the
// bundles of the next block.
func (s *Service) OnNewHead(head *types.Header) {
	if s.validator != nil {
		s.validator.OnNewHead(head)
	}
	select {
	case s.blockNumCh <- head.Number.Uint64():
	default:
		log.Debug("Bundle fetcher busy, skipping head", "number", head.Number)
	}
}

func (s *Service) flashblocksConfig() miner.FlashblocksConfig {
	return miner.FlashblocksConfig{
		BlockTime:            time.Duration(s.cfg.BlockTimeMs) * time.Millisecond,
		FlashblockTime:       time.Duration(s.cfg.FlashblockTimeMs) * time.Millisecond,
		TxDALimit:            optionalUint64(s.cfg.TxDALimit),
		BlockDALimit:         optionalUint64(s.cfg.BlockDALimit),
		DAFootprintLimit:     optionalUint64(s.cfg.DAFootprintLimit),
		DAFootprintGasScalar: optionalUint16(s.cfg.DAFootprintGasScalar),
		EnforceMetering:      s.cfg.EnforceMetering,
	}
}

// NewFlashblocksBuilder returns a builder reading from the stores of the
// service and publishing to its websocket subscribers.
func (s *Service) NewFlashblocksBuilder(txs miner.TxSource) *miner.FlashblocksBuilder {
	backend := miner.FlashblocksBackend{
		Bundles:   s.bundles,
		Txs:       txs,
		Backruns:  s.backruns,
		Metering:  s.metering,
		DA:        miner.NewBrotliDAEstimator(s.cfg.DACompressionLevel),
		Publisher: s.publisher,
	}
	if s.sims != nil {
		backend.Simulated = s.sims
	}
	return miner.NewFlashblocksBuilder(s.flashblocksConfig(), backend)
}

// BuildBlock builds every flashblock of the block on top of the current head.
func (s *Service) BuildBlock(ctx context.Context, payloadID string, txs miner.TxSource) ([]*miner.Flashblock, error) {
	if s.chain == nil {
		return nil, ErrNoChain
	}
	config := s.chain.Config()
	parent := s.chain.CurrentHeader()
	header, err := txpool.NextBlockHeader(config, parent)
	if err != nil {
		return nil, err
	}
	statedb, err := s.chain.StateAt(parent.Root)
	if err != nil {
		return nil, fmt.Errorf("loading state at %s: %w", parent.Root, err)
	}

	blockCtx := core.NewEVMBlockContext(header, s.chain, &header.Coinbase)
	vmenv := vm.NewEVM(blockCtx, vm.TxContext{}, statedb, config, vm.Config{})
	if err := txpool.BeaconRootHook(vmenv, statedb, header); err != nil {
		return nil, err
	}

	exec := miner.NewGethExecutor(config, s.chain, header, statedb)
	return s.NewFlashblocksBuilder(txs).Run(ctx, miner.BlockAttributes{PayloadID: payloadID, Executor: exec})
}
