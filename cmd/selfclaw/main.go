package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/selfclaw/selfclaw/internal/chain"
	"github.com/selfclaw/selfclaw/internal/config"
	"github.com/selfclaw/selfclaw/internal/crypto"
	"github.com/selfclaw/selfclaw/internal/escrow"
	"github.com/selfclaw/selfclaw/internal/events"
	"github.com/selfclaw/selfclaw/internal/server"
	"github.com/selfclaw/selfclaw/internal/storage"
	"github.com/selfclaw/selfclaw/internal/verify"
)

func main() {
	// `selfclaw hash-secret <secret>` prints the hex Argon2id hash to put in
	// callback_secret_hash, then exits.
	if len(os.Args) > 2 && os.Args[1] == "hash-secret" {
		fmt.Println(hex.EncodeToString(crypto.HashSecret(os.Args[2])))
		return
	}

	configPath := flag.String("config", os.Getenv("SELFCLAW_CONFIG"), "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}
	db, err := storage.NewDB(cfg.DataDir + "/selfclaw.db")
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := chain.NewRPCReader(cfg.RPCURL)
	broadcaster := chain.NewSignerClient(cfg.SignerURL)

	verifier := verify.NewManager(db, cfg.SessionTTL())
	coordinator := chain.NewCoordinator(db, reader, broadcaster, chain.Config{
		ChainID:         cfg.ChainID,
		FactoryAddress:  cfg.FactoryAddress,
		RegistryAddress: cfg.RegistryAddress,
		GasGrantWei:     cfg.GasGrantWei,
	})
	engine := escrow.NewEngine(db, reader, broadcaster, cfg.EscrowAddress)
	hub := events.NewHub()

	srv := server.New(db, cfg, verifier, coordinator, engine, hub)
	srv.StartWorkers(ctx)

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
	}()

	fmt.Printf("selfclaw running on %s\n", cfg.Listen)
	log.Fatal(http.ListenAndServe(cfg.Listen, srv))
}
