package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"

	"slingmarket/config"
	"slingmarket/core"
	"slingmarket/crypto"
	"slingmarket/escrow"
	"slingmarket/market"
	"slingmarket/observability/logging"
	"slingmarket/p2p"
	"slingmarket/rpc"
	"slingmarket/storage"
)

const (
	keystorePassEnv = "SLM_KEYSTORE_PASS"

	// defaultWalletBalance seeds the funding wallet when the config leaves
	// WalletBalance empty, in minor units.
	defaultWalletBalance = 1_000_000_000_000
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("SLM_ENV"))
	logger := logging.Setup("marketd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	privKey, err := crypto.LoadFromKeystore(cfg.KeystorePath, os.Getenv(keystorePassEnv))
	if err != nil {
		panic(fmt.Sprintf("Failed to load node key: %v", err))
	}

	margin, err := config.ParseAmount(cfg.EscrowMargin, big.NewInt(escrow.DefaultFixedMargin))
	if err != nil {
		panic(fmt.Sprintf("Failed to parse escrow margin: %v", err))
	}
	balance, err := config.ParseAmount(cfg.WalletBalance, big.NewInt(defaultWalletBalance))
	if err != nil {
		panic(fmt.Sprintf("Failed to parse wallet balance: %v", err))
	}

	// 1. Rebuild the market registries from the last snapshot.
	store := market.NewStore()
	if err := store.Load(db); err != nil {
		panic(fmt.Sprintf("Failed to load market snapshot: %v", err))
	}

	wallet := escrow.NewWallet(balance)
	coordinator := escrow.NewCoordinator(wallet)
	coordinator.SetMargin(margin)

	// 2. Create the market node.
	node := core.NewNode(privKey, store, coordinator)
	node.SetSnapshotDB(db)

	// 3. Create the P2P server, passing the node as the MessageHandler.
	server := p2p.NewServer(node, privKey, p2p.ServerConfig{
		ListenAddress:   cfg.ListenAddress,
		NetworkName:     cfg.NetworkName,
		ClientVersion:   "marketd/1.0.0",
		Bootnodes:       cfg.Bootnodes,
		PersistentPeers: cfg.PersistentPeers,
	})
	node.SetBroadcaster(server)

	logger.Info("Starting market node",
		slog.String("node_id", server.NodeID()),
		slog.String("address", privKey.PubKey().Address().String()),
		slog.String("listen", cfg.ListenAddress),
		slog.String("rpc", cfg.RPCAddress))

	go func() {
		if err := server.Start(); err != nil {
			panic(fmt.Sprintf("P2P server failed: %v", err))
		}
	}()

	// 4. Serve the JSON-RPC command surface.
	rpcServer := rpc.NewServer(node)
	if err := rpcServer.Start(cfg.RPCAddress); err != nil {
		panic(fmt.Sprintf("RPC server failed: %v", err))
	}
}
