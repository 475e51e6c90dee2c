/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the vault-ledger wallet service. Handles
  configuration, dependency injection, system-wallet seeding, and
  graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Initialize SQLite store
  3. Seed the system wallets (treasury, bonus pool, revenue) if absent
  4. Construct the transfer engine and read service
  5. Configure HTTP router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: 8080)
  -db      SQLite database path (default: vault.db)
           Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
  - ledger/ledger.go: Transfer engine
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/vault-ledger/api"
	"github.com/warp/vault-ledger/ledger"
	"github.com/warp/vault-ledger/store/sqlite"
)

func main() {
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "vault.db", "SQLite database path")
	flag.Parse()

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := seedSystemWallets(ctx, store); err != nil {
		log.Fatalf("Failed to seed system wallets: %v", err)
	}

	engine := ledger.NewEngine(store)
	reads := ledger.NewReadService(store)
	handler := api.NewHandler(engine, reads)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("server starting on http://localhost:%d", *port)
		log.Printf("api available at http://localhost:%d/api", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("server forced to shutdown: %v", err)
	}

	log.Println("server stopped")
}

// seedSystemWallets ensures the treasury, bonus pool, and revenue wallets
// exist. It is idempotent: LookupSystem is checked first so restarts don't
// duplicate rows or reset an existing wallet's id.
func seedSystemWallets(ctx context.Context, store *sqlite.Store) error {
	refs := []struct {
		ref   string
		label string
	}{
		{ledger.SystemTreasury, "System Treasury"},
		{ledger.SystemBonusPool, "System Bonus Pool"},
		{ledger.SystemRevenue, "System Revenue"},
	}

	now := time.Now()
	for _, r := range refs {
		if _, err := store.LookupSystem(ctx, r.ref); err == nil {
			continue
		}
		wallet := ledger.Wallet{
			ID:        ledger.WalletID(r.ref),
			OwnerRef:  r.ref,
			OwnerType: ledger.OwnerSystem,
			Label:     r.label,
			Active:    true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := store.SeedWallet(ctx, wallet); err != nil {
			return fmt.Errorf("seed wallet %s: %w", r.ref, err)
		}
	}
	return nil
}
