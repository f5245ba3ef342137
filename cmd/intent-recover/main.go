// intent-recover runs the deadline-gated fund recovery paths: cancel a
// stalled deposit or claim back the shares of an unexecuted withdraw.
// Both are safe to replay; a second run fails cleanly once the refund
// has happened.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veil-intents/intents-veil/internal/backoff"
	"github.com/veil-intents/intents-veil/internal/chainproof"
	"github.com/veil-intents/intents-veil/internal/creds"
	"github.com/veil-intents/intents-veil/internal/escrow"
	escrowpg "github.com/veil-intents/intents-veil/internal/escrow/postgres"
	intentpg "github.com/veil-intents/intents-veil/internal/intent/postgres"
	"github.com/veil-intents/intents-veil/internal/lifecycle"
	oplockpg "github.com/veil-intents/intents-veil/internal/oplock/postgres"
	"github.com/veil-intents/intents-veil/internal/rollup"
	"github.com/veil-intents/intents-veil/internal/settlement"
)

func main() {
	var (
		action = flag.String("action", "", "cancel-deposit | claim-refund (required)")

		intentIDFlag = flag.String("intent-id", "", "intent id (required)")

		rollupURL     = flag.String("rollup-url", "", "rollup JSON-RPC URL (required)")
		rollupTimeout = flag.Duration("rollup-timeout", 15*time.Second, "rollup RPC timeout")

		evmURL       = flag.String("evm-url", "", "settlement-chain RPC URL (required)")
		poolAddrFlag = flag.String("pool-address", "", "lending pool contract address (required)")

		ownerRef    = flag.String("owner-ref", "", "owner signing identity reference, env:/aws:/file: (required)")
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN for the journal and escrow (required)")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	switch *action {
	case "cancel-deposit", "claim-refund":
	default:
		fmt.Fprintln(os.Stderr, "error: --action must be cancel-deposit or claim-refund")
		os.Exit(2)
	}
	if *intentIDFlag == "" || *rollupURL == "" || *evmURL == "" {
		fmt.Fprintln(os.Stderr, "error: --intent-id, --rollup-url, and --evm-url are required")
		os.Exit(2)
	}
	if !common.IsHexAddress(*poolAddrFlag) {
		fmt.Fprintln(os.Stderr, "error: --pool-address must be a valid hex address")
		os.Exit(2)
	}
	if *ownerRef == "" || *postgresDSN == "" {
		fmt.Fprintln(os.Stderr, "error: --owner-ref and --postgres-dsn are required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var resolver *creds.Resolver
	if strings.HasPrefix(*ownerRef, "aws:") {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			log.Error("load aws config", "err", err)
			os.Exit(2)
		}
		resolver = creds.NewResolver(creds.WithSecretsManager(secretsmanager.NewFromConfig(awsCfg)))
	} else {
		resolver = creds.NewResolver()
	}
	ownerIdentity, err := resolver.Resolve(ctx, *ownerRef)
	if err != nil {
		log.Error("resolve owner identity", "err", err)
		os.Exit(2)
	}

	rollupClient, err := rollup.New(*rollupURL, rollup.WithTimeout(*rollupTimeout))
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

	// Recovery never executes on the settlement chain: read-only pool.
	pool, err := settlement.NewPool(common.HexToAddress(*poolAddrFlag), evm, nil, log)
	if err != nil {
		log.Error("init pool", "err", err)
		os.Exit(2)
	}

	pgPool, err := pgxpool.New(ctx, *postgresDSN)
	if err != nil {
		log.Error("init pgx pool", "err", err)
		os.Exit(2)
	}
	defer pgPool.Close()

	journal, err := intentpg.New(pgPool)
	if err != nil {
		log.Error("init journal store", "err", err)
		os.Exit(2)
	}
	if err := journal.EnsureSchema(ctx); err != nil {
		log.Error("ensure journal schema", "err", err)
		os.Exit(2)
	}
	escStore, err := escrowpg.New(pgPool)
	if err != nil {
		log.Error("init escrow store", "err", err)
		os.Exit(2)
	}
	if err := escStore.EnsureSchema(ctx); err != nil {
		log.Error("ensure escrow schema", "err", err)
		os.Exit(2)
	}
	esc, err := escrow.New(escStore)
	if err != nil {
		log.Error("init escrow", "err", err)
		os.Exit(2)
	}
	locks, err := oplockpg.New(pgPool)
	if err != nil {
		log.Error("init lock store", "err", err)
		os.Exit(2)
	}
	if err := locks.EnsureSchema(ctx); err != nil {
		log.Error("ensure lock schema", "err", err)
		os.Exit(2)
	}

	proofResolver, err := chainproof.NewResolver(staleProofSource{}, rollupClient, rollupClient, log)
	if err != nil {
		log.Error("init proof resolver", "err", err)
		os.Exit(2)
	}

	engine, err := lifecycle.New(lifecycle.Config{
		Rollup:             rollupClient,
		Pool:               pool,
		Resolver:           proofResolver,
		Escrow:             esc,
		Journal:            journal,
		OwnerIdentity:      ownerIdentity,
		OwnerHash:          crypto.Keccak256Hash([]byte(ownerIdentity)),
		SearchWindowBlocks: 1,
		ProofPolicy:        backoff.Policy{MaxAttempts: 1, BaseDelay: time.Second, Multiplier: 2, MaxDelay: time.Second},
		InboundPolicy:      backoff.Policy{MaxAttempts: 1, BaseDelay: time.Second, Multiplier: 2, MaxDelay: time.Second},
		Locks:              locks,
		HolderID:           holderID(),
		Log:                log,
	})
	if err != nil {
		log.Error("init lifecycle engine", "err", err)
		os.Exit(2)
	}

	intentID := common.HexToHash(*intentIDFlag)
	var txHash common.Hash
	switch *action {
	case "cancel-deposit":
		txHash, err = engine.CancelDeposit(ctx, intentID)
	case "claim-refund":
		txHash, err = engine.ClaimWithdrawRefund(ctx, intentID)
	}
	if err != nil {
		log.Error("recovery failed", "action", *action, "intentId", intentID, "err", err)
		os.Exit(1)
	}
	log.Info("recovery complete", "action", *action, "intentId", intentID, "txHash", txHash)
}

// holderID identifies this process for intent locks.
func holderID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// staleProofSource is never queried: the recovery paths do not fetch
// proofs, but the engine wiring requires a resolver.
type staleProofSource struct{}

func (staleProofSource) Witness(context.Context, common.Hash, uint64) (uint64, []common.Hash, error) {
	return 0, nil, chainproof.ErrWitnessNotFound
}
