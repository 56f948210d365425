// Command coordinator runs a single coordinator node as a standalone OS
// process, driving the same internal/node runtime the façade uses for
// in-process networks.
//
// Configuration (environment variables):
//   - COORDINATOR_ID: node id (default: random opaque token)
//   - COORDINATOR_ADDR: listen address (default: ":9001")
//   - REGISTRY_DSN: PostgreSQL DSN for the shared registry store; if
//     unset, an in-memory registry store is used (single-process only)
//   - NODE_STORE_PATH: SQLite file path for this node's local store
//     (default: ":memory:")
//   - INIT_WINDOW_MS, REVEAL_WINDOW_MS: protocol timing windows
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aggnet/core/internal/messaging"
	"github.com/aggnet/core/internal/node"
	"github.com/aggnet/core/internal/nodestore"
	"github.com/aggnet/core/internal/registrystore"
	"github.com/google/uuid"
)

func main() {
	id := getenv("COORDINATOR_ID", "coordinator-"+uuid.New().String()[:8])
	addr := getenv("COORDINATOR_ADDR", ":9001")

	registry, err := openRegistry(context.Background())
	if err != nil {
		log.Fatalf("coordinator %s: open registry: %v", id, err)
	}
	defer registry.Close()

	store, err := nodestore.OpenSQLiteStore(getenv("NODE_STORE_PATH", ":memory:"))
	if err != nil {
		log.Fatalf("coordinator %s: open store: %v", id, err)
	}
	defer store.Close()

	sender := messaging.NewSender(registry, messaging.DefaultConfig())
	cfg := node.Config{
		InitWindow:   getenvDuration("INIT_WINDOW_MS", 5000),
		RevealWindow: getenvDuration("REVEAL_WINDOW_MS", 10000),
	}

	cn := node.NewCoordinatorNode(id, "http://"+addr, registry, store, sender, cfg)

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           cn.Mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("coordinator %s listening on %s", id, addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("coordinator %s: listen: %v", id, err)
		}
	}()

	if err := cn.RegisterSelf(context.Background()); err != nil {
		log.Fatalf("coordinator %s: register: %v", id, err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Printf("coordinator %s shutting down", id)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := registry.UpdateNodeStatus(ctx, id, registrystore.NodeStopping); err != nil {
		log.Printf("coordinator %s: mark stopping: %v", id, err)
	}
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Printf("coordinator %s: http shutdown: %v", id, err)
	}
	if err := registry.RemoveNode(ctx, id); err != nil {
		log.Printf("coordinator %s: remove from registry: %v", id, err)
	}
	cn.Close()
	log.Printf("coordinator %s stopped", id)
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

func getenvDuration(k string, defMillis int64) time.Duration {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return time.Duration(defMillis) * time.Millisecond
}
