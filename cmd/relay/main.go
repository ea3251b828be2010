package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cocoa007/x402-nostr-relay/internal/store/memory"
	"github.com/cocoa007/x402-nostr-relay/internal/store/sqlite"
	"github.com/cocoa007/x402-nostr-relay/pkg/config"
	"github.com/cocoa007/x402-nostr-relay/pkg/directory"
	"github.com/cocoa007/x402-nostr-relay/pkg/ledger"
	"github.com/cocoa007/x402-nostr-relay/pkg/payment"
	"github.com/cocoa007/x402-nostr-relay/pkg/ratelimit"
	"github.com/cocoa007/x402-nostr-relay/pkg/relay"
	"github.com/cocoa007/x402-nostr-relay/pkg/storage"
)

func main() {
	configPath := flag.String("config", "relay.yaml", "Path to the configuration file")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	// optional .env next to the binary
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.Listen = *addr
	}
	if *dbPath != "" {
		cfg.Database = *dbPath
	}

	store := openStore(cfg.Database)
	defer store.Close()

	if cfg.Payment.PayTo == "" {
		log.Printf("WARNING: payment.pay_to is not configured; all paid writes will be rejected")
	}
	if cfg.Payment.LedgerURL == "" {
		log.Printf("WARNING: payment.ledger_url is not configured; payment proofs cannot be verified")
	}

	ledgerClient := ledger.NewHTTPClient(cfg.Payment.LedgerURL, cfg.Payment.VerifyTimeout)
	payments := payment.NewController(payment.Config{
		Network:            cfg.Payment.Network,
		Asset:              cfg.Payment.Asset,
		AssetSymbol:        cfg.Payment.AssetSymbol,
		AssetDecimals:      cfg.Payment.AssetDecimals,
		PayTo:              cfg.Payment.PayTo,
		Prices:             cfg.Payment.Prices,
		DefaultPrice:       cfg.Payment.DefaultPrice,
		RecipientSurcharge: cfg.Payment.RecipientSurcharge,
		VerifyTimeout:      cfg.Payment.VerifyTimeout,
	}, store, ledgerClient)

	opts := relay.Options{
		VerifySignatures:   cfg.VerifySignatures,
		MaxEventSize:       cfg.Limits.MaxEventSize,
		RecipientSurcharge: cfg.Payment.RecipientSurcharge,
		ResolveTimeout:     cfg.Directory.Timeout,
	}
	if len(cfg.Directory.Endpoints) > 0 {
		opts.Resolver = directory.NewHTTPResolver(cfg.Directory.Endpoints, cfg.Directory.Timeout)
	}
	if cfg.Limits.PublishRate != "" {
		tokens, interval, err := ratelimit.ParseRate(cfg.Limits.PublishRate)
		if err != nil {
			log.Fatalf("Invalid publish rate: %v", err)
		}
		opts.Limiter = ratelimit.NewPerIP(tokens, interval)
	}

	r := relay.New(store, payments, opts)
	defer r.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Starting x402 relay v%s on %s", relay.Version, cfg.Listen)
		if err := r.Start(cfg.Listen); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Relay error: %v", err)
		}
	}()

	<-sigCh
	log.Println("Shutting down relay...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}

// openStore opens the durable SQLite store, or falls back to the in-memory
// store so the relay stays available without a configured volume. The
// fallback trades durability for availability: events, consumed proofs and
// payouts are lost on restart, which is why the fallback is logged loudly.
func openStore(dbPath string) storage.Store {
	if dbPath == "" {
		log.Printf("WARNING: no database configured, using in-memory store (data is lost on restart)")
		return memory.New()
	}

	store, err := sqlite.New(dbPath)
	if err != nil {
		log.Printf("WARNING: failed to open sqlite store at %s (%v), falling back to in-memory store (data is lost on restart)", dbPath, err)
		return memory.New()
	}

	log.Printf("Using sqlite store at %s", dbPath)
	return store
}
