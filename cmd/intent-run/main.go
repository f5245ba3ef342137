// intent-run drives one intent through its full lifecycle: request on
// the rollup, prove the outbound message, execute on the settlement
// chain, wait for the confirmation, finalize. With -mode resume it
// continues a journaled operation that a prior run left unfinished.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veil-intents/intents-veil/internal/artifact"
	"github.com/veil-intents/intents-veil/internal/backoff"
	"github.com/veil-intents/intents-veil/internal/chainproof"
	"github.com/veil-intents/intents-veil/internal/creds"
	"github.com/veil-intents/intents-veil/internal/escrow"
	escrowpg "github.com/veil-intents/intents-veil/internal/escrow/postgres"
	"github.com/veil-intents/intents-veil/internal/events"
	"github.com/veil-intents/intents-veil/internal/intent"
	intentpg "github.com/veil-intents/intents-veil/internal/intent/postgres"
	"github.com/veil-intents/intents-veil/internal/lifecycle"
	"github.com/veil-intents/intents-veil/internal/oplock"
	oplockpg "github.com/veil-intents/intents-veil/internal/oplock/postgres"
	"github.com/veil-intents/intents-veil/internal/rollup"
	"github.com/veil-intents/intents-veil/internal/settlement"
)

func main() {
	var (
		mode = flag.String("mode", "", "deposit | withdraw | resume (required)")

		// Rollup node.
		rollupURL     = flag.String("rollup-url", "", "rollup JSON-RPC URL (required)")
		rollupUserEnv = flag.String("rollup-user-env", "", "env var with rollup RPC username (optional)")
		rollupPassEnv = flag.String("rollup-pass-env", "", "env var with rollup RPC password (optional)")
		rollupTimeout = flag.Duration("rollup-timeout", 15*time.Second, "rollup RPC timeout")

		// Settlement chain.
		evmURL         = flag.String("evm-url", "", "settlement-chain RPC URL (required)")
		evmChainID     = flag.Uint64("evm-chain-id", 0, "settlement chain id (required)")
		poolAddrFlag   = flag.String("pool-address", "", "lending pool contract address (required)")
		relayerKeyRef  = flag.String("relayer-key-ref", "", "relayer private key reference, env:/aws:/file: (required)")
		receiptPoll    = flag.Duration("receipt-poll", 2*time.Second, "receipt poll interval")
		receiptWaitMax = flag.Duration("receipt-wait-max", 5*time.Minute, "max wait for a tx receipt")

		// Identity.
		ownerRef = flag.String("owner-ref", "", "owner signing identity reference, env:/aws:/file: (required)")

		// Intent fields.
		intentIDFlag = flag.String("intent-id", "", "intent id (resume mode)")
		assetFlag    = flag.String("asset", "", "asset address (deposit mode)")
		amountFlag   = flag.String("amount", "", "amount in base units, decimal")
		decimals     = flag.Uint("decimals", 18, "asset decimals (deposit mode)")
		nonceFlag    = flag.String("nonce", "", "originating deposit intent id (withdraw mode)")
		deadlineIn   = flag.Duration("deadline-in", time.Hour, "deadline offset from the rollup's current chain time")
		secretEnv    = flag.String("secret-env", "", "env var holding the finalization secret hex; generated when empty")

		// Polling.
		searchWindow = flag.Uint64("search-window-blocks", 128, "origin-chain blocks scanned per proof attempt")
		maxAttempts  = flag.Int("poll-max-attempts", 30, "max proof/message poll attempts")
		baseDelay    = flag.Duration("poll-base-delay", 2*time.Second, "base poll delay")
		maxDelay     = flag.Duration("poll-max-delay", time.Minute, "poll delay ceiling")

		// Journal.
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN for the journal and escrow (in-memory when empty)")

		// Step events.
		eventsDriver = flag.String("events-driver", "stdio", "step event driver: stdio | kafka")
		kafkaBrokers = flag.String("kafka-brokers", "", "comma-separated Kafka brokers (events-driver=kafka)")
		kafkaTopic   = flag.String("kafka-topic", events.DefaultTopic, "Kafka topic for step events")
		kafkaTLS     = flag.Bool("kafka-tls", false, "enable TLS for Kafka")

		// Journal archive.
		archiveBucket = flag.String("archive-bucket", "", "S3 bucket for terminal operation journals (disabled when empty)")
		archivePrefix = flag.String("archive-prefix", "veil", "S3 key prefix for archived journals")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	switch *mode {
	case "deposit", "withdraw", "resume":
	default:
		fmt.Fprintln(os.Stderr, "error: --mode must be deposit, withdraw, or resume")
		os.Exit(2)
	}
	if *rollupURL == "" || *evmURL == "" {
		fmt.Fprintln(os.Stderr, "error: --rollup-url and --evm-url are required")
		os.Exit(2)
	}
	if *evmChainID == 0 || !common.IsHexAddress(*poolAddrFlag) {
		fmt.Fprintln(os.Stderr, "error: --evm-chain-id and a valid --pool-address are required")
		os.Exit(2)
	}
	if *relayerKeyRef == "" || *ownerRef == "" {
		fmt.Fprintln(os.Stderr, "error: --relayer-key-ref and --owner-ref are required")
		os.Exit(2)
	}
	if *searchWindow == 0 || *maxAttempts <= 0 || *baseDelay <= 0 || *maxDelay < *baseDelay {
		fmt.Fprintln(os.Stderr, "error: polling settings must be > 0 and max-delay >= base-delay")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resolver, err := newCredsResolver(ctx, *relayerKeyRef, *ownerRef, *archiveBucket)
	if err != nil {
		log.Error("init creds resolver", "err", err)
		os.Exit(2)
	}
	relayerKeyHex, err := resolver.Resolve(ctx, *relayerKeyRef)
	if err != nil {
		log.Error("resolve relayer key", "err", err)
		os.Exit(2)
	}
	relayerKey, err := crypto.HexToECDSA(strings.TrimPrefix(relayerKeyHex, "0x"))
	if err != nil {
		log.Error("parse relayer key", "err", err)
		os.Exit(2)
	}
	ownerIdentity, err := resolver.Resolve(ctx, *ownerRef)
	if err != nil {
		log.Error("resolve owner identity", "err", err)
		os.Exit(2)
	}
	ownerHash := crypto.Keccak256Hash([]byte(ownerIdentity))

	var rollupOpts []rollup.Option
	rollupOpts = append(rollupOpts, rollup.WithTimeout(*rollupTimeout))
	if *rollupUserEnv != "" && *rollupPassEnv != "" {
		rollupOpts = append(rollupOpts, rollup.WithBasicAuth(os.Getenv(*rollupUserEnv), os.Getenv(*rollupPassEnv)))
	}
	rollupClient, err := rollup.New(*rollupURL, rollupOpts...)
	if err != nil {
		log.Error("init rollup client", "err", err)
		os.Exit(2)
	}

	evm, err := ethclient.DialContext(ctx, *evmURL)
	if err != nil {
		log.Error("dial settlement chain", "err", err)
		os.Exit(2)
	}
	defer evm.Close()

	sender, err := settlement.NewSender(evm, settlement.NewLocalSigner(relayerKey), settlement.SenderConfig{
		ChainID:             new(big.Int).SetUint64(*evmChainID),
		ReceiptPollInterval: *receiptPoll,
		ReceiptWaitMax:      *receiptWaitMax,
	})
	if err != nil {
		log.Error("init sender", "err", err)
		os.Exit(2)
	}
	pool, err := settlement.NewPool(common.HexToAddress(*poolAddrFlag), evm, sender, log)
	if err != nil {
		log.Error("init pool", "err", err)
		os.Exit(2)
	}

	journal, esc, locks, cleanup, err := newStores(ctx, *postgresDSN)
	if err != nil {
		log.Error("init stores", "err", err)
		os.Exit(2)
	}
	defer cleanup()

	proofResolver, err := chainproof.NewResolver(rollupProofSource{rollupClient}, rollupClient, rollupClient, log)
	if err != nil {
		log.Error("init proof resolver", "err", err)
		os.Exit(2)
	}

	publisher, err := events.New(events.Config{
		Driver:  *eventsDriver,
		Topic:   *kafkaTopic,
		Brokers: splitNonEmpty(*kafkaBrokers),
		TLS:     *kafkaTLS,
	})
	if err != nil {
		log.Error("init step events", "err", err)
		os.Exit(2)
	}
	defer publisher.Close()

	var archive artifact.Archive
	if *archiveBucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			log.Error("load aws config", "err", err)
			os.Exit(2)
		}
		archive, err = artifact.New(artifact.Config{
			Driver:   artifact.DriverS3,
			Bucket:   *archiveBucket,
			Prefix:   *archivePrefix,
			S3Client: s3.NewFromConfig(awsCfg),
		})
		if err != nil {
			log.Error("init journal archive", "err", err)
			os.Exit(2)
		}
	}

	policy := backoff.Policy{
		MaxAttempts: *maxAttempts,
		BaseDelay:   *baseDelay,
		Multiplier:  2,
		MaxDelay:    *maxDelay,
	}
	engine, err := lifecycle.New(lifecycle.Config{
		Rollup:             rollupClient,
		Pool:               pool,
		Resolver:           proofResolver,
		Escrow:             esc,
		Journal:            journal,
		OwnerIdentity:      ownerIdentity,
		OwnerHash:          ownerHash,
		SearchWindowBlocks: *searchWindow,
		ProofPolicy:        policy,
		InboundPolicy:      policy,
		Events:             publisher,
		Archive:            archive,
		Locks:              locks,
		HolderID:           holderID(),
		Log:                log,
	})
	if err != nil {
		log.Error("init lifecycle engine", "err", err)
		os.Exit(2)
	}

	var op intent.Operation
	switch *mode {
	case "deposit":
		if !common.IsHexAddress(*assetFlag) || *amountFlag == "" {
			fmt.Fprintln(os.Stderr, "error: deposit mode needs --asset and --amount")
			os.Exit(2)
		}
		amount, ok := new(big.Int).SetString(*amountFlag, 10)
		if !ok || amount.Sign() <= 0 {
			fmt.Fprintln(os.Stderr, "error: --amount must be a positive decimal")
			os.Exit(2)
		}
		if *decimals > 255 {
			fmt.Fprintln(os.Stderr, "error: --decimals must fit uint8")
			os.Exit(2)
		}
		deadline, err := deadlineFromChain(ctx, rollupClient, *deadlineIn)
		if err != nil {
			log.Error("read chain time", "err", err)
			os.Exit(1)
		}
		op, err = engine.Deposit(ctx, lifecycle.DepositRequest{
			Caller:    ownerHash,
			Asset:     common.HexToAddress(*assetFlag),
			Amount:    amount,
			Decimals:  uint8(*decimals),
			Deadline:  deadline,
			Salt:      randomHash(),
			SecretHex: mustSecret(*secretEnv),
		})
		if err != nil {
			log.Error("deposit failed", "state", op.State, "err", err)
			os.Exit(1)
		}
	case "withdraw":
		if *nonceFlag == "" || *amountFlag == "" {
			fmt.Fprintln(os.Stderr, "error: withdraw mode needs --nonce and --amount")
			os.Exit(2)
		}
		amount, ok := new(big.Int).SetString(*amountFlag, 10)
		if !ok || amount.Sign() <= 0 {
			fmt.Fprintln(os.Stderr, "error: --amount must be a positive decimal")
			os.Exit(2)
		}
		deadline, err := deadlineFromChain(ctx, rollupClient, *deadlineIn)
		if err != nil {
			log.Error("read chain time", "err", err)
			os.Exit(1)
		}
		op, err = engine.Withdraw(ctx, lifecycle.WithdrawRequest{
			Nonce:     common.HexToHash(*nonceFlag),
			Amount:    amount,
			Deadline:  deadline,
			SecretHex: mustSecret(*secretEnv),
		})
		if err != nil {
			log.Error("withdraw failed", "state", op.State, "err", err)
			os.Exit(1)
		}
	case "resume":
		if *intentIDFlag == "" {
			fmt.Fprintln(os.Stderr, "error: resume mode needs --intent-id")
			os.Exit(2)
		}
		op, err = engine.Resume(ctx, common.HexToHash(*intentIDFlag))
		if err != nil {
			log.Error("resume failed", "state", op.State, "err", err)
			os.Exit(1)
		}
	}

	log.Info("operation finished",
		"intentId", op.Intent.IntentID,
		"kind", op.Intent.Kind,
		"state", op.State,
		"steps", len(op.Steps),
	)
}

// rollupProofSource adapts the rollup client's outbox-witness RPC into a
// witness source for outbound-proof scanning.
type rollupProofSource struct {
	client *rollup.Client
}

func (s rollupProofSource) Witness(ctx context.Context, contentHash common.Hash, block uint64) (uint64, []common.Hash, error) {
	w, err := s.client.OutboundWitness(ctx, contentHash, block)
	if err != nil {
		return 0, nil, err
	}
	if !w.Found {
		return 0, nil, chainproof.ErrWitnessNotFound
	}
	return w.LeafIndex, w.SiblingPath, nil
}

func newCredsResolver(ctx context.Context, refs ...string) (*creds.Resolver, error) {
	for _, ref := range refs {
		if strings.HasPrefix(ref, "aws:") {
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				return nil, err
			}
			return creds.NewResolver(creds.WithSecretsManager(secretsmanager.NewFromConfig(awsCfg))), nil
		}
	}
	return creds.NewResolver(), nil
}

func newStores(ctx context.Context, dsn string) (intent.Store, *escrow.Escrow, oplock.Store, func(), error) {
	if dsn == "" {
		esc, err := escrow.New(escrow.NewMemoryStore())
		if err != nil {
			return nil, nil, nil, nil, err
		}
		return intent.NewMemoryStore(), esc, oplock.NewMemoryStore(nil), func() {}, nil
	}

	pgPool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	journal, err := intentpg.New(pgPool)
	if err != nil {
		pgPool.Close()
		return nil, nil, nil, nil, err
	}
	if err := journal.EnsureSchema(ctx); err != nil {
		pgPool.Close()
		return nil, nil, nil, nil, err
	}
	escStore, err := escrowpg.New(pgPool)
	if err != nil {
		pgPool.Close()
		return nil, nil, nil, nil, err
	}
	if err := escStore.EnsureSchema(ctx); err != nil {
		pgPool.Close()
		return nil, nil, nil, nil, err
	}
	esc, err := escrow.New(escStore)
	if err != nil {
		pgPool.Close()
		return nil, nil, nil, nil, err
	}
	locks, err := oplockpg.New(pgPool)
	if err != nil {
		pgPool.Close()
		return nil, nil, nil, nil, err
	}
	if err := locks.EnsureSchema(ctx); err != nil {
		pgPool.Close()
		return nil, nil, nil, nil, err
	}
	return journal, esc, locks, pgPool.Close, nil
}

// holderID identifies this process for intent locks.
func holderID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func deadlineFromChain(ctx context.Context, c *rollup.Client, offset time.Duration) (uint64, error) {
	now, err := c.ChainTime(ctx)
	if err != nil {
		return 0, err
	}
	return now + uint64(offset/time.Second), nil
}

// mustSecret reads the finalization secret from env, or mints a fresh
// random one. The secret never leaves this process except as its hash.
func mustSecret(envName string) string {
	if envName != "" {
		if v := strings.TrimSpace(os.Getenv(envName)); v != "" {
			return v
		}
		fmt.Fprintf(os.Stderr, "error: env %s is empty\n", envName)
		os.Exit(2)
	}
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: generate secret: %v\n", err)
		os.Exit(2)
	}
	return "0x" + hex.EncodeToString(b[:])
}

func randomHash() common.Hash {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: generate salt: %v\n", err)
		os.Exit(2)
	}
	return common.BytesToHash(b[:])
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
