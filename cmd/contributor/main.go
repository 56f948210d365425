// Command contributor runs a single contributor node as a standalone OS
// process, driving the same internal/node runtime the façade uses for
// in-process networks.
//
// Configuration (environment variables):
//   - CONTRIBUTOR_ID: node id (default: random opaque token)
//   - CONTRIBUTOR_ADDR: listen address (default: ":9101")
//   - REGISTRY_DSN: PostgreSQL DSN for the shared registry store; if
//     unset, an in-memory registry store is used (single-process only)
//   - NODE_STORE_PATH: SQLite file path for this node's local store
//     (default: ":memory:")
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aggnet/core/internal/messaging"
	"github.com/aggnet/core/internal/node"
	"github.com/aggnet/core/internal/nodestore"
	"github.com/aggnet/core/internal/registrystore"
	"github.com/google/uuid"
)

func main() {
	id := getenv("CONTRIBUTOR_ID", "contributor-"+uuid.New().String()[:8])
	addr := getenv("CONTRIBUTOR_ADDR", ":9101")

	registry, err := openRegistry(context.Background())
	if err != nil {
		log.Fatalf("contributor %s: open registry: %v", id, err)
	}
	defer registry.Close()

	store, err := nodestore.OpenSQLiteStore(getenv("NODE_STORE_PATH", ":memory:"))
	if err != nil {
		log.Fatalf("contributor %s: open store: %v", id, err)
	}
	defer store.Close()

	sender := messaging.NewSender(registry, messaging.DefaultConfig())
	bn := node.NewContributorNode(id, "http://"+addr, registry, store, sender, nil)

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           bn.Mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("contributor %s listening on %s", id, addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("contributor %s: listen: %v", id, err)
		}
	}()

	if err := bn.RegisterSelf(context.Background()); err != nil {
		log.Fatalf("contributor %s: register: %v", id, err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Printf("contributor %s shutting down", id)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := registry.UpdateNodeStatus(ctx, id, registrystore.NodeStopping); err != nil {
		log.Printf("contributor %s: mark stopping: %v", id, err)
	}
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Printf("contributor %s: http shutdown: %v", id, err)
	}
	if err := registry.RemoveNode(ctx, id); err != nil {
		log.Printf("contributor %s: remove from registry: %v", id, err)
	}
	log.Printf("contributor %s stopped", id)
}

func openRegistry(ctx context.Context) (registrystore.Store, error) {
	dsn := os.Getenv("REGISTRY_DSN")
	if dsn == "" {
		log.Println("REGISTRY_DSN not set, using in-memory registry store (single-process only)")
		return registrystore.NewMemoryStore(), nil
	}
	return registrystore.NewPostgresStore(ctx, registrystore.DefaultPostgresConfig(dsn))
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
