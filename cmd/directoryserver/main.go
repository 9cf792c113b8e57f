// Command directoryserver runs the pre-key-bundle directory service: the
// server-side collaborator the e2ee core assumes exists (§1) to publish and
// resolve device bundles for X3DH handshakes.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jaydenbeard/e2ee-messenger/internal/config"
	"github.com/jaydenbeard/e2ee-messenger/internal/directory"
)

func main() {
	cfg, err := config.LoadDirectoryConfig()
	if err != nil {
		log.Fatalf("FATAL: failed to load directory config: %v", err)
	}

	log.Printf("starting e2ee directory service: %s", cfg.ServerID)

	store, err := directory.NewPostgresStore(cfg.PostgresURL)
	if err != nil {
		log.Fatalf("FATAL: failed to connect to directory store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("warning: failed to close directory store: %v", err)
		}
	}()

	registry, err := directory.NewConsulRegistry(cfg.ConsulURL, cfg.ServerID, cfg.ServerPort)
	if err != nil {
		log.Fatalf("FATAL: failed to connect to Consul: %v", err)
	}
	if err := registry.Register(); err != nil {
		log.Fatalf("FATAL: failed to register with Consul: %v", err)
	}

	issuer := directory.NewTokenIssuer(cfg.JWTSecret)
	server := directory.NewServer(":"+cfg.ServerPort, store, issuer)

	go func() {
		log.Printf("directory service listening on port %s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("directory server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("received signal %v, starting graceful shutdown", sig)

	if err := registry.Deregister(); err != nil {
		log.Printf("warning: failed to deregister from Consul: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("warning: directory server shutdown error: %v", err)
	}

	log.Println("directory service stopped gracefully")
}
