package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/limaxs/chat-gateway/internal/auth"
	"github.com/limaxs/chat-gateway/internal/ban"
	"github.com/limaxs/chat-gateway/internal/gateway"
	"github.com/limaxs/chat-gateway/internal/message"
	"github.com/limaxs/chat-gateway/internal/messaging"
	"github.com/limaxs/chat-gateway/internal/metrics"
	"github.com/limaxs/chat-gateway/internal/presence"
	"github.com/limaxs/chat-gateway/internal/ratelimit"
	"github.com/limaxs/chat-gateway/internal/room"
	"github.com/limaxs/chat-gateway/internal/session"
	signaling "github.com/limaxs/chat-gateway/internal/signal"
	"github.com/limaxs/chat-gateway/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	metricsAddr := ":9090"
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		metricsAddr = v
	}

	// --- JWT verification key ---
	keyPath := os.Getenv("JWT_PUBLIC_KEY_PATH")
	if keyPath == "" {
		log.Fatal("JWT_PUBLIC_KEY_PATH is required")
	}
	verifier, err := auth.NewVerifierFromFile(keyPath)
	if err != nil {
		log.Fatalf("failed to load JWT public key: %v", err)
	}

	// --- Postgres ---
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	if dir := os.Getenv("MIGRATIONS_DIR"); dir != "" {
		m, err := migrate.New("file://"+dir, databaseURL)
		if err != nil {
			log.Fatalf("failed to initialise migrations: %v", err)
		}
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatalf("failed to run migrations: %v", err)
		}
		log.Printf("migrations applied from %s", dir)
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		log.Fatalf("failed to open Postgres: %v", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	{
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = db.PingContext(ctx)
		cancel()
		if err != nil {
			log.Fatalf("failed to connect to Postgres: %v", err)
		}
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	{
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
	}

	// --- NATS ---
	natsConfig := messaging.DefaultConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsClient, err := messaging.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	log.Printf("chat gateway starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  metrics_addr:    %s", metricsAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  redis_addr:      %s", redisAddr)

	// --- Component wiring ---
	roomStore := room.NewStore(db)
	index := room.NewIndex(roomStore, room.DefaultFreshness)
	registry := session.NewRegistry()
	tracker := presence.NewTracker(rdb, natsClient)
	dedup := message.NewDedup(rdb, message.DefaultRetention)
	messageStore := message.NewPostgresStore(db)
	msgService := message.NewService(dedup, messageStore, index, natsClient)
	relay := signaling.NewRelay(signaling.NewCallStore(rdb, signaling.DefaultCallTTL), natsClient)
	limiter := ratelimit.NewLimiter(rdb)
	bans := ban.NewStore(rdb)

	gw := gateway.New(registry, roomStore, index, tracker, msgService, relay, limiter, bans, natsClient, verifier)

	var dispatcher *ws.Dispatcher
	server := ws.NewServer(config, gw.Authorize, func(conn *ws.Connection, data []byte) {
		dispatcher.Dispatch(conn, data)
	})
	dispatcher = ws.NewDispatcher(server)

	gw.Attach(server, dispatcher)
	if err := gw.StartBridges(); err != nil {
		log.Fatalf("failed to start broker bridges: %v", err)
	}

	// --- Prometheus ---
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		log.Printf("metrics listening on %s/metrics", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		natsClient.Close()
		if err := rdb.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
		if err := db.Close(); err != nil {
			log.Printf("postgres close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
