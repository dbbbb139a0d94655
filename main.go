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

	"github.com/gluk-w/claworc/webssh/internal/config"
	"github.com/gluk-w/claworc/webssh/internal/database"
	"github.com/gluk-w/claworc/webssh/internal/handlers"
	"github.com/gluk-w/claworc/webssh/internal/logging"
	"github.com/gluk-w/claworc/webssh/internal/relay"
	"github.com/gluk-w/claworc/webssh/internal/sshterminal"
	"github.com/gluk-w/claworc/webssh/internal/vault"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--export-connections":
			runCLICommand("export-connections")
			return
		case "--import-connections":
			runCLICommand("import-connections")
			return
		}
	}

	config.Load()
	cfg := config.Cfg

	logging.Init(cfg.ResolvedLogPath())
	defer logging.Shutdown()

	if err := database.Init(cfg.ResolvedDatabasePath()); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	v := openVault(cfg)
	defer func() {
		if err := v.Close(); err != nil {
			log.Printf("Vault flush: %v", err)
		}
	}()

	reg := sshterminal.NewRegistry(sshterminal.Config{
		DefaultCols:       cfg.TerminalDefaultCols,
		DefaultRows:       cfg.TerminalDefaultRows,
		TermType:          cfg.TerminalType,
		ConnectTimeout:    config.Duration("SSH_CONNECT_TIMEOUT", cfg.SSHConnectTimeout, 30*time.Second),
		KeepaliveInterval: config.Duration("SSH_KEEPALIVE_INTERVAL", cfg.SSHKeepaliveInterval, 30*time.Second),
	})

	idleTimeout := config.Duration("SESSION_IDLE_TIMEOUT", cfg.SessionIdleTimeout, 30*time.Minute)
	reaper, err := sshterminal.NewReaper(reg, cfg.SessionReapSchedule, idleTimeout)
	if err != nil {
		log.Fatalf("Session reaper: %v", err)
	}
	reaper.Start()

	rl := relay.New(reg, relay.Options{
		PingInterval: config.Duration("RELAY_PING_INTERVAL", cfg.RelayPingInterval, 30*time.Second),
		ReadLimit:    cfg.ReadLimit(),
		SendQueue:    cfg.RelaySendQueue,
		RateLimit:    rate.Limit(cfg.RelayRateLimit),
		RateBurst:    cfg.RelayRateBurst,
	})

	api := &handlers.API{Sessions: reg, Vault: v, Relay: rl}

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	api.Routes(r)

	// Graceful shutdown
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	reaper.Stop()
	rl.Close()
	reg.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

// openVault provisions the key and loads the vault from the configured backend.
func openVault(cfg config.Settings) *vault.Vault {
	key, err := vault.ProvisionKey(cfg.VaultKey, cfg.ResolvedVaultKeyFile())
	if err != nil {
		log.Fatalf("Vault key: %v", err)
	}
	if !key.Persisted() && cfg.VaultRequirePersistentKey {
		log.Fatalf("Vault key could not be persisted and CLAWORC_VAULT_REQUIRE_PERSISTENT_KEY is set")
	}

	var store vault.Store
	switch cfg.VaultBackend {
	case "sqlite":
		store = database.NewCollectionStore(database.DB)
	case "file":
		store = vault.NewFileStore(cfg.ResolvedVaultDir())
	default:
		log.Fatalf("Unknown vault backend %q (want sqlite or file)", cfg.VaultBackend)
	}

	v, err := vault.New(store, key)
	if err != nil {
		log.Fatalf("Vault init: %v", err)
	}
	return v
}

func runCLICommand(command string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	file := fs.String("file", "", "YAML file (default stdout/stdin)")
	fs.Parse(os.Args[2:])

	config.Load()
	cfg := config.Cfg
	if err := database.Init(cfg.ResolvedDatabasePath()); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	v := openVault(cfg)
	defer v.Close()

	switch command {
	case "export-connections":
		out := os.Stdout
		if *file != "" {
			f, err := os.OpenFile(*file, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
			if err != nil {
				log.Fatalf("Open %s: %v", *file, err)
			}
			defer f.Close()
			out = f
		}
		if err := v.ExportConnections(out); err != nil {
			log.Fatalf("Export failed: %v", err)
		}
		if *file != "" {
			fmt.Printf("Connections exported to '%s'.\n", *file)
		}

	case "import-connections":
		in := os.Stdin
		if *file != "" {
			f, err := os.Open(*file)
			if err != nil {
				log.Fatalf("Open %s: %v", *file, err)
			}
			defer f.Close()
			in = f
		}
		n, err := v.ImportConnections(in)
		if err != nil {
			log.Fatalf("Import failed: %v", err)
		}
		fmt.Printf("Imported %d connections.\n", n)
	}
}
