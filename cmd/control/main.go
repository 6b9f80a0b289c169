package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/SubhajL/munbon2-backend-sub009/internal/control"
	"github.com/SubhajL/munbon2-backend-sub009/internal/history"
	"github.com/SubhajL/munbon2-backend-sub009/internal/network"
	"github.com/SubhajL/munbon2-backend-sub009/internal/solver"
	"github.com/SubhajL/munbon2-backend-sub009/internal/telemetry"
	"github.com/SubhajL/munbon2-backend-sub009/pkg/messaging"
)

type Config struct {
	NATSUrl       string
	EtcdEndpoints []string
	TopologyKey   string
	SolveInterval time.Duration

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string
}

func loadConfig() *Config {
	return &Config{
		NATSUrl:       getEnv("NATS_URL", "nats://localhost:4222"),
		EtcdEndpoints: strings.Split(getEnv("ETCD_ENDPOINTS", "localhost:2379"), ","),
		TopologyKey:   getEnv("TOPOLOGY_KEY", "/canal/topology"),
		SolveInterval: getDuration("SOLVE_INTERVAL_SECONDS", 10),

		InfluxURL:    os.Getenv("INFLUXDB_URL"),
		InfluxToken:  os.Getenv("INFLUXDB_TOKEN"),
		InfluxOrg:    os.Getenv("INFLUXDB_ORG"),
		InfluxBucket: os.Getenv("INFLUXDB_BUCKET"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getDuration(key string, defaultSeconds int) time.Duration {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return time.Duration(defaultSeconds) * time.Second
}

func main() {
	_ = godotenv.Load()
	cfg := loadConfig()

	// Connect to NATS
	msgClient, err := messaging.NewClient(messaging.Config{
		URL:            cfg.NATSUrl,
		Name:           "control-service",
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

	holder := network.NewHolder(network.DesignState(topo))

	// Gate control layer
	manager := control.NewManager(control.DefaultConfig(), topo, holder.Load(), msgClient)
	go manager.Run(ctx)
	if err := manager.StartBus(ctx, msgClient); err != nil {
		log.Fatalf("Failed to subscribe control commands: %v", err)
	}

	// Telemetry merge buffer, SCADA/field bridge and demand feed
	buffer := telemetry.NewBuffer()
	bridge := telemetry.NewBridge(buffer, manager)
	if err := bridge.Start(msgClient); err != nil {
		log.Fatalf("Failed to subscribe telemetry: %v", err)
	}
	demands := telemetry.NewDemandCache()
	if err := demands.Start(msgClient); err != nil {
		log.Fatalf("Failed to subscribe demands: %v", err)
	}

	// Continuous solve loop
	runner := solver.NewRunner(topo, holder)
	runner.Interval = cfg.SolveInterval
	runner.Telemetry = buffer
	runner.Demands = demands
	runner.Openings = manager
	runner.Bus = msgClient

	if cfg.InfluxURL != "" {
		snapshots := history.NewSnapshotWriter(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket)
		defer snapshots.Close()
		runner.History = snapshots
	}

	go runner.Run(ctx)

	// Hot topology reloads
	go func() {
		for topo := range store.Watch(ctx) {
			runner.SetTopology(topo)
		}
	}()

	log.Printf("Control service started: %d nodes, %d gates, %d reaches",
		len(topo.Nodes), len(topo.Gates), len(topo.Reaches))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down control service...")
	cancel()
	log.Println("Control service stopped")
}
