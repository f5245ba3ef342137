// intent-inspect is read-only reconnaissance: classify a single intent
// (pending, consumed, cancellable) or rediscover every intent belonging
// to an owner by replaying settlement-chain execution events. It never
// mutates chain or local state.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/veil-intents/intents-veil/internal/recon"
	"github.com/veil-intents/intents-veil/internal/rollup"
	"github.com/veil-intents/intents-veil/internal/settlement"
)

func main() {
	var (
		rollupURL     = flag.String("rollup-url", "", "rollup JSON-RPC URL (required)")
		rollupTimeout = flag.Duration("rollup-timeout", 15*time.Second, "rollup RPC timeout")

		evmURL       = flag.String("evm-url", "", "settlement-chain RPC URL (required)")
		poolAddrFlag = flag.String("pool-address", "", "lending pool contract address (required)")

		intentIDFlag  = flag.String("intent-id", "", "inspect a single intent")
		ownerHashFlag = flag.String("owner-hash", "", "scan for an owner's intents")
		scanWindow    = flag.Uint64("scan-window-blocks", 10_000, "settlement blocks replayed per owner scan")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *rollupURL == "" || *evmURL == "" {
		fmt.Fprintln(os.Stderr, "error: --rollup-url and --evm-url are required")
		os.Exit(2)
	}
	if !common.IsHexAddress(*poolAddrFlag) {
		fmt.Fprintln(os.Stderr, "error: --pool-address must be a valid hex address")
		os.Exit(2)
	}
	if (*intentIDFlag == "") == (*ownerHashFlag == "") {
		fmt.Fprintln(os.Stderr, "error: exactly one of --intent-id or --owner-hash is required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	// Read-only pool: no sender.
	pool, err := settlement.NewPool(common.HexToAddress(*poolAddrFlag), evm, nil, log)
	if err != nil {
		log.Error("init pool", "err", err)
		os.Exit(2)
	}

	scanner, err := recon.NewScanner(pool, rollupClient, log)
	if err != nil {
		log.Error("init scanner", "err", err)
		os.Exit(2)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if *intentIDFlag != "" {
		info, err := scanner.InspectIntentNow(ctx, common.HexToHash(*intentIDFlag))
		if err != nil {
			log.Error("inspect intent", "intentId", *intentIDFlag, "err", err)
			os.Exit(1)
		}
		if err := enc.Encode(info); err != nil {
			log.Error("encode result", "err", err)
			os.Exit(1)
		}
		return
	}

	found, err := scanner.ScanOwnerIntents(ctx, common.HexToHash(*ownerHashFlag), *scanWindow)
	if err != nil {
		log.Error("scan owner intents", "err", err)
		os.Exit(1)
	}
	log.Info("scan complete", "discovered", len(found), "windowBlocks", *scanWindow)
	for _, d := range found {
		if err := enc.Encode(d); err != nil {
			log.Error("encode result", "err", err)
			os.Exit(1)
		}
	}
}
