package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/keygate-io/keygate/pkg/gate"
	"github.com/keygate-io/keygate/pkg/ledger"
	"github.com/keygate-io/keygate/pkg/server"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "~/.keygate/config.toml", "Path to config file")
	listenAddr := flag.String("listen", "", "Listen address (overrides config)")
	rpcURL := flag.String("rpc", "", "Ledger JSON-RPC URL (overrides config)")
	contractAddr := flag.String("contract", "", "Keys contract address (overrides config)")
	devLedger := flag.Bool("dev-ledger", false, "Use an in-memory ledger instead of JSON-RPC (development only)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("keygate %s\n", version)
		return
	}

	if *debug {
		server.EnableDebugLogging()
	}

	tomlCfg, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *listenAddr != "" {
		tomlCfg.Server.ListenAddr = *listenAddr
	}
	if *rpcURL != "" {
		tomlCfg.Ledger.RPCURL = *rpcURL
	}
	if *contractAddr != "" {
		tomlCfg.Ledger.ContractAddress = *contractAddr
	}

	ledgerClient, cleanup, err := buildLedgerClient(tomlCfg, *devLedger)
	if err != nil {
		log.Fatalf("Failed to set up ledger client: %v", err)
	}
	defer cleanup()

	metrics := server.NewMetrics()
	gw := server.NewGateway(tomlCfg.ToGatewayConfig(), gate.New(ledgerClient), metrics)

	if err := gw.Start(); err != nil {
		log.Fatalf("Failed to start gateway: %v", err)
	}
	log.Printf("keygate %s ready", version)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %v, shutting down", sig)

	if err := gw.Stop(); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}

// buildLedgerClient constructs the ledger client from config. The returned
// cleanup closes the trade cache, if any.
func buildLedgerClient(cfg server.TOMLConfig, dev bool) (ledger.Client, func(), error) {
	if dev {
		log.Println("WARNING: using in-memory dev ledger; every identity is admitted to every room")
		dl := ledger.NewStaticClient()
		dl.SetDefaultBalance(1)
		return dl, func() {}, nil
	}

	contract, err := ledger.ParseAddress(cfg.Ledger.ContractAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger.contract_address: %w", err)
	}

	rpc := ledger.NewRPCClient(cfg.Ledger.RPCURL, contract, cfg.RequestTimeout())

	cachePath, err := cfg.TradeCachePath()
	if err != nil {
		return nil, nil, err
	}
	if cachePath == "" {
		return rpc, func() {}, nil
	}

	cache, err := ledger.OpenTradeCache(cachePath)
	if err != nil {
		// The cache only speeds up purchase-history hints; run without it.
		log.Printf("Trade cache unavailable (%v), continuing without it", err)
		return rpc, func() {}, nil
	}
	rpc.SetCache(cache)
	log.Printf("Trade cache at %s", cachePath)
	return rpc, func() { cache.Close() }, nil
}
