package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mahaj/dupahar-chat/pkg/auth"
	"github.com/mahaj/dupahar-chat/pkg/config"
	"github.com/mahaj/dupahar-chat/pkg/db"
	"github.com/mahaj/dupahar-chat/pkg/gateway"
	"github.com/mahaj/dupahar-chat/pkg/logging"
	"github.com/mahaj/dupahar-chat/pkg/projection"
	"github.com/mahaj/dupahar-chat/pkg/registry"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*") // Allow all for dev, or specific origin
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if r.Method == http.MethodOptions {
			return
		}

		next.ServeHTTP(w, r)
	})
}

func newMux(tokens *auth.Tokens, rm readModel, presence presenceReader, log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Public endpoint
	mux.Handle("/login", CORSMiddleware(LoginHandler(tokens)))

	// Protected endpoints
	protected := func(h http.Handler) http.Handler { return CORSMiddleware(tokens.Middleware(h)) }
	mux.Handle("GET /history", protected(NewHistoryHandler(rm, log)))
	mux.Handle("GET /conversations", protected(ConversationsHandler(rm, log)))
	mux.Handle("POST /conversations/read", protected(ReadHandler(rm, log)))
	mux.Handle("GET /presence/{identity}", protected(NewPresenceHandler(presence, log)))
	return mux
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logging.New("api", cfg.NodeID, cfg.LogLevel, cfg.LogFormat)
	if err := cfg.ValidateAuth(); err != nil {
		log.Fatal().Err(err).Msg("invalid auth config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session, err := db.NewSession(cfg.ScyllaHosts, cfg.Keyspace, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to ScyllaDB")
	}
	defer session.Close()

	redisAddr := cfg.RedisAddr
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()

	handler := newMux(
		auth.New(cfg.JWTSecret, cfg.TokenTTL),
		projection.New(session.Session, log),
		registry.NewRedisPresence(rdb, cfg.Registry.PresenceTTL, log),
		log,
	)

	log.Info().Str("addr", cfg.APIAddr).Msg("API service starting")
	if err := gateway.Serve(ctx, gateway.NewServer(cfg.APIAddr, handler), 10*time.Second); err != nil {
		log.Fatal().Err(err).Msg("api server failed")
	}
}
