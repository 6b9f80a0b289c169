package main

import (
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/SubhajL/munbon2-backend-sub009/internal/gateway"
	"github.com/SubhajL/munbon2-backend-sub009/pkg/messaging"
)

type Config struct {
	Port            string
	NATSUrl         string
	RateLimitMax    int
	RateLimitWindow time.Duration
}

func loadConfig() *Config {
	return &Config{
		Port:            getEnv("PORT", "8000"),
		NATSUrl:         getEnv("NATS_URL", "nats://localhost:4222"),
		RateLimitMax:    getInt("RATE_LIMIT_MAX", 100),
		RateLimitWindow: time.Minute,
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			return n
		}
	}
	return defaultVal
}

func main() {
	_ = godotenv.Load()
	cfg := loadConfig()

	// Connect to NATS
	msgClient, err := messaging.NewClient(messaging.Config{
		URL:            cfg.NATSUrl,
		Name:           "gateway",
		ReconnectWait:  time.Second,
		MaxReconnects:  60,
		ConnectTimeout: 10 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer msgClient.Close()

	gw := gateway.NewGateway(gateway.Config{
		Port:            cfg.Port,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
	}, msgClient)

	go func() {
		log.Printf("Gateway starting on port %s", cfg.Port)
		if err := gw.Start(":" + cfg.Port); err != nil {
			log.Fatalf("Failed to start gateway: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down gateway...")
	log.Println("Gateway stopped")
}
