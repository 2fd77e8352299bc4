package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/sweepstake/keeper/pkg/keeper"
	"github.com/malbeclabs/sweepstake/keeper/pkg/ledger/evm"
	"github.com/malbeclabs/sweepstake/keeper/pkg/metrics"
	"github.com/malbeclabs/sweepstake/keeper/pkg/notify"
	"github.com/malbeclabs/sweepstake/keeper/pkg/server"
	"github.com/malbeclabs/sweepstake/keeper/pkg/syncer"
	"github.com/malbeclabs/sweepstake/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// envConfig holds settings that may come from the environment or a .env file.
// Flags of the same name take precedence.
type envConfig struct {
	RPCURL        string        `env:"SWEEPSTAKE_RPC_URL"`
	Pool          string        `env:"SWEEPSTAKE_POOL_ADDRESS"`
	SignerKey     string        `env:"SWEEPSTAKE_SIGNER_KEY"`
	ListenAddr    string        `env:"SWEEPSTAKE_LISTEN_ADDR" envDefault:"0.0.0.0:8080"`
	MetricsAddr   string        `env:"SWEEPSTAKE_METRICS_ADDR" envDefault:"0.0.0.0:0"`
	CORSOrigins   []string      `env:"SWEEPSTAKE_CORS_ORIGINS" envSeparator:","`
	ActiveTTL     time.Duration `env:"SWEEPSTAKE_ACTIVE_TTL" envDefault:"5s"`
	PausedTTL     time.Duration `env:"SWEEPSTAKE_PAUSED_TTL" envDefault:"60s"`
	MinRetry      time.Duration `env:"SWEEPSTAKE_MIN_RETRY_INTERVAL" envDefault:"15s"`
	ConfirmWait   time.Duration `env:"SWEEPSTAKE_CONFIRM_TIMEOUT" envDefault:"90s"`
	HistorySize   int           `env:"SWEEPSTAKE_HISTORY_SIZE" envDefault:"5"`
	NATSURL       string        `env:"NATS_URL"`
	NATSPrefix    string        `env:"NATS_SUBJECT_PREFIX" envDefault:"sweepstake.events"`
	SlackToken    string        `env:"SLACK_BOT_TOKEN"`
	SlackChannel  string        `env:"SLACK_CHANNEL"`
	SentryDSN     string        `env:"SENTRY_DSN"`
	SentryEnv     string        `env:"SENTRY_ENVIRONMENT" envDefault:"development"`
	LogFormat     string        `env:"LOG_FORMAT" envDefault:"text"`
	Verbose       bool          `env:"VERBOSE"`
	ShutdownGrace time.Duration `env:"SWEEPSTAKE_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	var ec envConfig
	if err := env.Parse(&ec); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}

	verboseFlag := flag.Bool("verbose", ec.Verbose, "enable verbose (debug) logging")
	logFormatFlag := flag.String("log-format", ec.LogFormat, "log format: text or json (or set LOG_FORMAT env var)")
	rpcURLFlag := flag.String("rpc-url", ec.RPCURL, "ledger JSON-RPC endpoint; ws:// enables event push (or set SWEEPSTAKE_RPC_URL env var)")
	poolFlag := flag.String("pool", ec.Pool, "pool contract address (or set SWEEPSTAKE_POOL_ADDRESS env var)")
	signerKeyFlag := flag.String("signer-key", ec.SignerKey, "hex private key used to submit settlements; read-only when empty (or set SWEEPSTAKE_SIGNER_KEY env var)")
	listenAddrFlag := flag.String("listen-addr", ec.ListenAddr, "HTTP listen address (or set SWEEPSTAKE_LISTEN_ADDR env var)")
	metricsAddrFlag := flag.String("metrics-addr", ec.MetricsAddr, "address to listen on for prometheus metrics (or set SWEEPSTAKE_METRICS_ADDR env var)")
	corsOriginsFlag := flag.StringSlice("cors-origin", ec.CORSOrigins, "allowed browser origins; all when empty (or set SWEEPSTAKE_CORS_ORIGINS env var)")
	activeTTLFlag := flag.Duration("active-ttl", ec.ActiveTTL, "round state cache TTL while the round is running")
	pausedTTLFlag := flag.Duration("paused-ttl", ec.PausedTTL, "round state cache TTL while the ledger is paused")
	minRetryFlag := flag.Duration("min-retry-interval", ec.MinRetry, "minimum time between settlement attempts for the same round")
	confirmTimeoutFlag := flag.Duration("confirm-timeout", ec.ConfirmWait, "how long to wait for a settlement confirmation")
	historySizeFlag := flag.Int("history-size", ec.HistorySize, "number of recent winners to keep")
	natsURLFlag := flag.String("nats-url", ec.NATSURL, "NATS server URL; disabled when empty (or set NATS_URL env var)")
	natsPrefixFlag := flag.String("nats-subject-prefix", ec.NATSPrefix, "NATS subject prefix for round events")
	slackChannelFlag := flag.String("slack-channel", ec.SlackChannel, "Slack channel for winner announcements (or set SLACK_CHANNEL env var)")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", ec.ShutdownGrace, "maximum time to wait for the HTTP server to drain")
	flag.Parse()

	log := logger.NewWithFormat(os.Stderr, *logFormatFlag, *verboseFlag)

	if *rpcURLFlag == "" {
		return errors.New("--rpc-url is required")
	}
	if !common.IsHexAddress(*poolFlag) {
		return fmt.Errorf("--pool must be a hex address, got %q", *poolFlag)
	}
	pool := common.HexToAddress(*poolFlag)

	if ec.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         ec.SentryDSN,
			Environment: ec.SentryEnv,
			Release:     version,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, mux); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, err := ethclient.DialContext(ctx, *rpcURLFlag)
	if err != nil {
		return fmt.Errorf("failed to dial ledger rpc: %w", err)
	}
	defer client.Close()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to get chain id: %w", err)
	}

	gwCfg := evm.Config{
		Logger:  log,
		Client:  client,
		Pool:    pool,
		ChainID: chainID,
	}
	if *signerKeyFlag != "" {
		key, err := evm.ParseSignerKey(*signerKeyFlag)
		if err != nil {
			return err
		}
		gwCfg.SignerKey = key
	}
	gateway, err := evm.New(gwCfg)
	if err != nil {
		return fmt.Errorf("failed to create ledger gateway: %w", err)
	}

	instanceID := uuid.New().String()[:8]
	var (
		sinks       []syncer.Sink
		pushSources []syncer.PushSource
	)
	if *natsURLFlag != "" {
		natsCfg := notify.DefaultNATSConfig()
		natsCfg.URL = *natsURLFlag
		bus, err := notify.ConnectNATS(natsCfg, log)
		if err != nil {
			return err
		}
		defer bus.Close()
		sinks = append(sinks, &notify.NATSPublisher{Bus: bus, Prefix: *natsPrefixFlag, Origin: instanceID})
		pushSources = append(pushSources, &notify.NATSWaker{Bus: bus, Prefix: *natsPrefixFlag, Origin: instanceID, Log: log})
	}
	if ec.SlackToken != "" && *slackChannelFlag != "" {
		sinks = append(sinks, notify.NewSlackAnnouncer(ec.SlackToken, *slackChannelFlag, log))
	}

	srv, err := server.New(server.Config{
		ListenAddr:      *listenAddrFlag,
		ShutdownTimeout: *shutdownTimeoutFlag,
		VersionInfo:     server.VersionInfo{Version: version, Commit: commit, Date: date},
		CORSOrigins:     *corsOriginsFlag,
		WebSocket:       true,
		KeeperConfig: keeper.Config{
			Logger:           log,
			Gateway:          gateway,
			Pool:             pool,
			SubmitEnabled:    gateway.CanSubmit(),
			LedgerPush:       isStreamingURL(*rpcURLFlag),
			ActiveTTL:        *activeTTLFlag,
			PausedTTL:        *pausedTTLFlag,
			MinRetryInterval: *minRetryFlag,
			ConfirmTimeout:   *confirmTimeoutFlag,
			HistorySize:      *historySizeFlag,
			PushSources:      pushSources,
			Sinks:            sinks,
			InstanceID:       instanceID,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	log.Info("keeper: starting",
		"version", version,
		"pool", pool.Hex(),
		"chain_id", chainID.String(),
		"submit", gateway.CanSubmit(),
		"instance", instanceID,
	)
	return srv.Run(ctx)
}

// isStreamingURL reports whether the RPC endpoint supports log subscriptions.
func isStreamingURL(u string) bool {
	return strings.HasPrefix(u, "ws://") || strings.HasPrefix(u, "wss://") || strings.HasSuffix(u, ".ipc")
}
