package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/flashbots/go-utils/cli"
	redisadapter "github.com/flashbots/sandwich-searcher/adapters/redis"
	"github.com/flashbots/sandwich-searcher/jsonrpcserver"
	"github.com/flashbots/sandwich-searcher/sandwich"
	"github.com/flashbots/sandwich-searcher/txqueue"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// .env must be loaded before the defaults below read the environment
var dotenvErr = godotenv.Load()

var (
	version = "dev" // is set during build process

	// Default values
	defaultDebug              = os.Getenv("DEBUG") == "1"
	defaultLogProd            = os.Getenv("LOG_PROD") == "1"
	defaultLogService         = os.Getenv("LOG_SERVICE")
	defaultMetricsPort        = cli.GetEnv("METRICS_PORT", "8088")
	defaultStatusPort         = cli.GetEnv("STATUS_PORT", "8080")
	defaultStatusToken        = cli.GetEnv("STATUS_TOKEN", "")
	defaultEthEndpoint        = cli.GetEnv("ETH_ENDPOINT", "ws://127.0.0.1:8546")
	defaultSimulationEndpoint = cli.GetEnv("SIMULATION_ENDPOINT", "")
	defaultConfig             = cli.GetEnv("SEARCHER_CONFIG", "searcher.yaml")
	defaultPrivateKey         = cli.GetEnv("SEARCHER_PRIVATE_KEY", "")
	defaultRelayAuthKey       = cli.GetEnv("RELAY_AUTH_KEY", "")
	defaultPostgresDSN        = cli.GetEnv("POSTGRES_DSN", "")
	defaultRedisEndpoint      = cli.GetEnv("REDIS_ENDPOINT", "")
	defaultChannelName        = cli.GetEnv("REDIS_CHANNEL_NAME", "sandwich-bundles")
	defaultWorkers            = cli.GetEnv("WORKERS", "4")
	defaultCandidateRateLimit = cli.GetEnv("CANDIDATE_RATE_LIMIT", "100")

	// Flags
	debugPtr              = flag.Bool("debug", defaultDebug, "print debug output")
	logProdPtr            = flag.Bool("log-prod", defaultLogProd, "log in production mode (json)")
	logServicePtr         = flag.String("log-service", defaultLogService, "'service' tag to logs")
	metricsPortPtr        = flag.String("metrics-port", defaultMetricsPort, "port for metrics and pprof")
	statusPortPtr         = flag.String("status-port", defaultStatusPort, "port for the status json-rpc api, disabled when empty")
	statusTokenPtr        = flag.String("status-token", defaultStatusToken, "bearer token required by the status api, optional")
	ethPtr                = flag.String("eth", defaultEthEndpoint, "eth websocket or ipc endpoint")
	simEndpointPtr        = flag.String("sim-endpoint", defaultSimulationEndpoint, "eth_simulateV1 endpoint, the in-process evm is used when empty")
	configPtr             = flag.String("config", defaultConfig, "searcher config file")
	privateKeyPtr         = flag.String("private-key", defaultPrivateKey, "searcher wallet private key")
	relayAuthKeyPtr       = flag.String("relay-auth-key", defaultRelayAuthKey, "key signing relay requests, random when empty")
	postgresDSNPtr        = flag.String("postgres-dsn", defaultPostgresDSN, "postgres dsn, trades are kept in memory only when empty")
	redisPtr              = flag.String("redis", defaultRedisEndpoint, "redis url string, optional")
	channelPtr            = flag.String("channel", defaultChannelName, "redis pub/sub channel for bundle events")
	workersPtr            = flag.String("workers", defaultWorkers, "number of pipeline workers")
	candidateRateLimitPtr = flag.String("candidate-rate-limit", defaultCandidateRateLimit, "candidates evaluated per second across workers")
)

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	if *logProdPtr {
		atom := zap.NewAtomicLevel()
		if *debugPtr {
			atom.SetLevel(zap.DebugLevel)
		}

		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		logger = zap.New(zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.Lock(os.Stdout),
			atom,
		))
	}
	if *logServicePtr != "" {
		logger = logger.With(zap.String("service", *logServicePtr))
	}

	logger.Info("Starting sandwich-searcher", zap.String("version", version))
	if dotenvErr != nil && !errors.Is(dotenvErr, os.ErrNotExist) {
		logger.Warn("Failed to load .env", zap.Error(dotenvErr))
	}

	err := run(logger)
	_ = logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

func run(logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := sandwich.LoadConfig(*configPtr)
	if err != nil {
		logger.Error("Failed to load config", zap.Error(err))
		return err
	}
	riskParams, err := cfg.RiskParameters()
	if err != nil {
		logger.Error("Invalid risk parameters", zap.Error(err))
		return err
	}
	gasPolicy, err := cfg.GasPolicy()
	if err != nil {
		logger.Error("Invalid gas policy", zap.Error(err))
		return err
	}
	pipelineCfg := cfg.PipelineConfig()

	workers, err := strconv.Atoi(*workersPtr)
	if err != nil || workers < 1 {
		logger.Error("Workers must be a positive number", zap.String("workers", *workersPtr))
		return fmt.Errorf("invalid workers %q", *workersPtr)
	}
	rateLimit, err := strconv.ParseFloat(*candidateRateLimitPtr, 64)
	if err != nil {
		logger.Error("Failed to parse candidate rate limit", zap.Error(err))
		return err
	}

	chain, err := sandwich.DialChainClient(ctx, *ethPtr)
	if err != nil {
		logger.Error("Failed to connect to eth endpoint", zap.Error(err))
		return err
	}
	defer chain.Close()
	chainID, err := chain.ChainID(ctx)
	if err != nil {
		logger.Error("Failed to get chain id", zap.Error(err))
		return err
	}

	signer, err := sandwich.NewKeySigner(*privateKeyPtr, chainID)
	if err != nil {
		logger.Error("Failed to load searcher key", zap.Error(err))
		return err
	}
	authKey, err := relayAuthKey(logger, *relayAuthKeyPtr)
	if err != nil {
		logger.Error("Failed to load relay auth key", zap.Error(err))
		return err
	}

	var relays []sandwich.RelayBackend //nolint:prealloc
	for _, r := range cfg.Relays() {
		relays = append(relays, sandwich.NewJSONRPCRelay(r.URL, authKey, pipelineCfg.SubmitTimeout))
		logger.Info("Relay configured", zap.String("name", r.Name), zap.String("url", r.URL))
	}

	var (
		tradeStore  sandwich.TradeStore
		bundleStore sandwich.BundleStore
	)
	if *postgresDSNPtr != "" {
		dbBackend, err := sandwich.NewDBBackend(*postgresDSNPtr)
		if err != nil {
			logger.Error("Failed to create postgres backend", zap.Error(err))
			return err
		}
		defer dbBackend.Close()
		tradeStore, bundleStore = dbBackend, dbBackend
	}

	var (
		txStatus sandwich.TxStatusCache = sandwich.NewMemoryTxStatusCache(time.Hour)
		events   sandwich.EventPublisher
	)
	if *redisPtr != "" {
		redisOpts, err := redis.ParseURL(*redisPtr)
		if err != nil {
			logger.Error("Failed to parse redis url", zap.Error(err))
			return err
		}
		redisClient := redis.NewClient(redisOpts)
		defer redisClient.Close()
		// mined transactions are only interesting while they could still be announced late
		txStatus = redisadapter.NewTxStatusCache(redisClient, time.Hour, "searcher-mined-")
		events = redisadapter.NewEventPublisher(redisClient, *channelPtr)
	}

	risk, err := sandwich.NewRiskGate(logger, riskParams, tradeStore)
	if err != nil {
		logger.Error("Invalid risk parameters", zap.Error(err))
		return err
	}
	if err := risk.Restore(ctx); err != nil {
		logger.Error("Failed to restore trade ledger", zap.Error(err))
		return err
	}

	checkInterval := cfg.CircuitBreaker.CheckInterval
	if checkInterval == 0 {
		checkInterval = time.Second
	}
	breaker := sandwich.NewCircuitBreaker(logger, risk, riskParams.DailyLossLimit, checkInterval)
	breaker.Check()
	if err := breaker.Allow(); err != nil {
		logger.Error("Daily loss limit already reached, refusing to start", zap.Error(err))
		return err
	}

	var simBackend sandwich.SimulationBackend = sandwich.NewEVMSimulationBackend(chain)
	if *simEndpointPtr != "" {
		simBackend = sandwich.NewJSONRPCSimulationBackend(*simEndpointPtr)
	}

	validity := cfg.Timeouts.BundleValidity
	if validity == 0 {
		validity = 24 * time.Second
	}

	gasOracle := sandwich.NewGasOracle()
	pools := sandwich.NewPoolStateCache(logger, sandwich.NewContractPoolReader(chain), cfg.Pools())
	queue := txqueue.NewQueue[*sandwich.PendingTransaction](logger, "candidates")
	if cfg.Timeouts.Worker != 0 {
		queue.WorkerTimeout = cfg.Timeouts.Worker
	}
	inclusion := sandwich.NewInclusionTracker(logger, chain, risk, bundleStore, events)

	pipeline := sandwich.NewPipeline(logger, sandwich.PipelineComponents{
		Pools:     pools,
		Gas:       gasOracle,
		Sizer:     sandwich.NewSizer(cfg.Strategy(), gasPolicy, riskParams),
		Risk:      risk,
		Simulator: sandwich.NewForkSimulator(logger, simBackend, chain, sandwich.DefaultSimulatorConfig),
		Builder: sandwich.NewBundleConstructor(signer, chain, sandwich.BundleConfig{
			ChainID:        chainID,
			Executor:       cfg.ExecutorAddress(),
			Gas:            gasPolicy,
			ValidityWindow: validity,
		}),
		Relays:   sandwich.NewRelaySubmitter(logger, relays, sandwich.DefaultRelaySubmitterConfig),
		Breaker:  breaker,
		Tracker:  inclusion,
		Victims:  chain,
		TxStatus: txStatus,
	}, pipelineCfg)

	headCfg := sandwich.DefaultHeadTrackerConfig
	headCfg.MaxPriorityFee = gasPolicy.MaxPriorityFee
	heads := sandwich.NewHeadTracker(logger, chain, gasOracle, queue, pools, txStatus, inclusion, headCfg)

	watcherCfg := sandwich.DefaultMempoolWatcherConfig
	watcherCfg.ChainID = chainID
	watcherCfg.WatchSet = cfg.WatchSet()
	watcher := sandwich.NewMempoolWatcher(logger, chain, queue, watcherCfg)

	// seed gas quote and pool snapshots before any candidate is accepted
	head, err := chain.HeaderByNumber(ctx, nil)
	if err != nil {
		logger.Error("Failed to get latest header", zap.Error(err))
		return err
	}
	heads.OnHead(ctx, head)

	startMetricsServer(logger)

	var statusServer *http.Server
	if *statusPortPtr != "" {
		statusAPI := sandwich.NewStatusAPI(risk, breaker, pools, queue, inclusion)
		statusHandler, err := jsonrpcserver.NewHandler(logger, statusAPI.Methods(), *statusTokenPtr)
		if err != nil {
			logger.Error("Failed to create status server", zap.Error(err))
			return err
		}
		statusServer = &http.Server{
			Addr:              fmt.Sprintf(":%s", *statusPortPtr),
			ReadHeaderTimeout: 5 * time.Second,
			Handler:           statusHandler,
		}
	}

	intakeCtx, stopIntake := context.WithCancel(ctx)
	defer stopIntake()
	group, groupCtx := errgroup.WithContext(intakeCtx)
	group.Go(func() error { return watcher.Run(groupCtx) })
	group.Go(func() error { return heads.Run(groupCtx) })
	group.Go(func() error {
		breaker.Run(groupCtx)
		return nil
	})
	if statusServer != nil {
		group.Go(func() error {
			err := statusServer.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Status server failed", zap.Error(err))
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			if err := statusServer.Shutdown(context.Background()); err != nil {
				logger.Error("Failed to shutdown status server", zap.Error(err))
			}
			return nil
		})
	}
	group.Go(func() error {
		select {
		case <-breaker.Tripped():
			return sandwich.ErrCircuitBreakerTripped
		case <-groupCtx.Done():
			return nil
		}
	})
	workersWg := queue.StartProcessLoop(groupCtx,
		txqueue.MultipleWorkers[*sandwich.PendingTransaction](pipeline.Process, workers, rate.Limit(rateLimit), workers))

	logger.Info("Searcher running",
		zap.Uint64("chainId", chainID.Uint64()),
		zap.String("wallet", signer.Address().Hex()),
		zap.Int("pools", len(cfg.Pools())),
		zap.Int("relays", len(relays)),
		zap.Int("workers", workers))

	err = group.Wait()
	logger.Info("Shutting down...")
	stopIntake()
	workersWg.Wait()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer drainCancel()
	inclusion.Drain(drainCtx)

	if errors.Is(err, sandwich.ErrCircuitBreakerTripped) {
		logger.Error("Circuit breaker tripped, exiting",
			zap.String("dailyLoss", risk.DailyLoss(time.Now()).String()),
			zap.String("limit", riskParams.DailyLossLimit.String()))
		return err
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Searcher stopped", zap.Error(err))
		return err
	}
	return nil
}

func relayAuthKey(logger *zap.Logger, hexKey string) (*ecdsa.PrivateKey, error) {
	if hexKey == "" {
		logger.Warn("No relay auth key given, using a random one: relay reputation will not carry over restarts")
		return crypto.GenerateKey()
	}
	return crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
}

func startMetricsServer(logger *zap.Logger) {
	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	go func() {
		metricsMux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
		metricsMux.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
		metricsMux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
		metricsMux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
		metricsMux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))

		metricsServer := &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%s", *metricsPortPtr),
			ReadHeaderTimeout: 5 * time.Second,
			Handler:           metricsMux,
		}

		err := metricsServer.ListenAndServe()
		if err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}()
}
