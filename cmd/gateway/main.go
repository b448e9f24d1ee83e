package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/duetchat/duet/internal/auth"
	"github.com/duetchat/duet/internal/chat"
	"github.com/duetchat/duet/internal/config"
	"github.com/duetchat/duet/internal/hub"
	"github.com/duetchat/duet/internal/match"
	"github.com/duetchat/duet/internal/messaging"
	"github.com/duetchat/duet/internal/protocol"
	"github.com/duetchat/duet/internal/ratelimit"
	"github.com/duetchat/duet/internal/session"
	"github.com/duetchat/duet/internal/stats"
	"github.com/duetchat/duet/internal/store"
	"github.com/duetchat/duet/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	wsConfig := ws.DefaultServerConfig()
	wsConfig.ListenAddr = cfg.ListenAddr
	wsConfig.AllowedOrigins = cfg.AllowedOrigins
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			wsConfig.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			wsConfig.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			wsConfig.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			wsConfig.WriteTimeout = d
		}
	}

	// --- Postgres ---
	db, err := store.Open(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	if err := db.Migrate(); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	// --- Redis ---
	sessionStore, err := session.NewStore(cfg.RedisAddr, cfg.GatewayName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	limiter := ratelimit.NewLimiter(sessionStore.Client())

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "duet-gateway-" + cfg.GatewayName
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	log.Printf("Duet gateway starting")
	log.Printf("  listen_addr:     %s", wsConfig.ListenAddr)
	log.Printf("  worker_pool:     %d", wsConfig.WorkerPoolSize)
	log.Printf("  max_connections: %d", wsConfig.MaxConnections)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  gateway_name:    %s", cfg.GatewayName)

	dispatcher := ws.NewDispatcher()
	verifier := auth.NewJWTVerifier(cfg.JWTSecret)
	server := ws.NewServer(wsConfig, verifier, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	server.SetHealthCheck(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return db.Ping(ctx)
	})

	// Per-IP connection throttle, checked before the upgrade.
	server.SetGate(func(r *http.Request) error {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		allowed, _ := limiter.Allow(r.Context(), ip, ratelimit.RuleConnect)
		if !allowed {
			return errors.New("rate limited")
		}
		return nil
	})

	presence := hub.New(server, sessionStore, natsClient, db)
	broadcaster := stats.NewBroadcaster(db)
	presence.SetNudge(broadcaster.Nudge)
	if err := natsClient.SubscribeStatsDelta(broadcaster.OnDelta); err != nil {
		log.Fatalf("failed to subscribe to stats deltas: %v", err)
	}

	server.SetOnConnect(presence.OnConnect)
	server.SetOnDisconnect(func(conn *ws.Connection) {
		broadcaster.Unsubscribe(conn.ID)
		presence.OnDisconnect(conn)
	})

	router := chat.NewRouter(db, presence, natsClient, limiter)
	router.Register(dispatcher)

	// -----------------------------------------------------------------------
	// search:start: forward to the matching service
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.EventSearchStart, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.SearchStartMsg)
		if !ok {
			return
		}

		allowed, _ := limiter.Allow(context.Background(), conn.UserID, ratelimit.RuleSearch)
		if !allowed {
			dispatcher.SendError(conn, "Rate limited")
			return
		}

		data, err := json.Marshal(match.StartCommand{UserID: conn.UserID, Criteria: m.Criteria})
		if err != nil {
			dispatcher.SendError(conn, "Invalid criteria")
			return
		}
		if err := natsClient.PublishSearchStart(data); err != nil {
			log.Printf("publish search start for %s: %v", conn.UserID, err)
			dispatcher.SendError(conn, "Search is temporarily unavailable, please try again shortly")
		}
	})

	// -----------------------------------------------------------------------
	// search:cancel: withdraw the active search
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.EventSearchCancel, func(conn *ws.Connection, msg interface{}) {
		data, err := json.Marshal(match.CancelCommand{UserID: conn.UserID})
		if err != nil {
			return
		}
		if err := natsClient.PublishSearchCancel(data); err != nil {
			log.Printf("publish search cancel for %s: %v", conn.UserID, err)
		}
	})

	// -----------------------------------------------------------------------
	// search:subscribe_stats / search:unsubscribe_stats
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.EventSubscribeStats, func(conn *ws.Connection, msg interface{}) {
		broadcaster.Subscribe(context.Background(), conn.ID, conn.UserID, conn)
	})
	dispatcher.Register(protocol.EventUnsubscribeStats, func(conn *ws.Connection, msg interface{}) {
		broadcaster.Unsubscribe(conn.ID)
	})

	presence.Start()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		broadcaster.Stop()
		presence.Stop()
		natsClient.Close()
		if err := sessionStore.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		if err := db.Close(); err != nil {
			log.Printf("store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
