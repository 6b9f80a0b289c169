package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/SubhajL/munbon2-backend-sub009/internal/history"
	"github.com/SubhajL/munbon2-backend-sub009/internal/network"
	"github.com/SubhajL/munbon2-backend-sub009/internal/scheduler"
	"github.com/SubhajL/munbon2-backend-sub009/internal/telemetry"
	"github.com/SubhajL/munbon2-backend-sub009/pkg/messaging"
)

type Config struct {
	NATSUrl       string
	EtcdEndpoints []string
	TopologyKey   string
	RedisURL      string
	PostgresDSN   string
}

func loadConfig() *Config {
	return &Config{
		NATSUrl:       getEnv("NATS_URL", "nats://localhost:4222"),
		EtcdEndpoints: strings.Split(getEnv("ETCD_ENDPOINTS", "localhost:2379"), ","),
		TopologyKey:   getEnv("TOPOLOGY_KEY", "/canal/topology"),
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		PostgresDSN:   os.Getenv("POSTGRES_DSN"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func main() {
	_ = godotenv.Load()
	cfg := loadConfig()

	// Connect to NATS
	msgClient, err := messaging.NewClient(messaging.Config{
		URL:            cfg.NATSUrl,
		Name:           "scheduler-service",
		ReconnectWait:  time.Second,
		MaxReconnects:  60,
		ConnectTimeout: 10 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer msgClient.Close()

	// Load topology from etcd
	etcd, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.EtcdEndpoints,
		DialTimeout: 10 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to connect to etcd: %v", err)
	}
	defer etcd.Close()

	store := network.NewStore(etcd, cfg.TopologyKey)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topo, err := store.Load(ctx)
	if err != nil {
		log.Fatalf("Failed to load topology: %v", err)
	}

	// Mirror of the control service's published state
	holder := network.NewHolder(network.DesignState(topo))

	// Restart idempotency for dispatched operations
	executed := history.NewExecutedSet(cfg.RedisURL, 0)
	defer executed.Close()

	// Gate mode guard fed by control service events
	modes := scheduler.NewModeCache(topo)
	if err := modes.Start(msgClient); err != nil {
		log.Fatalf("Failed to subscribe gate events: %v", err)
	}

	executor := scheduler.NewExecutor(modes, msgClient, executed, nil)
	go executor.Run(ctx)

	svc := scheduler.NewService(topo, holder, executor, msgClient, scheduler.PlanOptions{})
	if err := svc.StartBus(ctx, msgClient); err != nil {
		log.Fatalf("Failed to subscribe request intake: %v", err)
	}
	go svc.PublishDemands(ctx, 30*time.Second)

	// Feed state broadcasts into the mirror and the delivery tracker
	mirror := telemetry.NewStateMirror(holder, svc.Observe)
	if err := mirror.Start(msgClient); err != nil {
		log.Fatalf("Failed to subscribe state broadcasts: %v", err)
	}

	// Audit trail
	if cfg.PostgresDSN != "" {
		db, err := history.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("Failed to connect to postgres: %v", err)
		}
		defer db.Close()

		recorder := history.NewRecorder(db)
		if err := recorder.EnsureSchema(ctx); err != nil {
			log.Fatalf("Failed to ensure audit schema: %v", err)
		}
		if err := history.NewBusRecorder(recorder).Start(ctx, msgClient); err != nil {
			log.Fatalf("Failed to subscribe audit recorder: %v", err)
		}
	}

	// Hot topology reloads
	go func() {
		for topo := range store.Watch(ctx) {
			svc.SetTopology(topo)
		}
	}()

	log.Printf("Scheduler service started: %d zones", len(topo.Zones))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down scheduler service...")
	cancel()
	log.Println("Scheduler service stopped")
}
