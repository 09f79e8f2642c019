package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"autopen/autopilot"
	"autopen/checkout"
	"autopen/genbackend"
	"autopen/obs"
	"autopen/ossstore"
	"autopen/paygate"
	"autopen/pricelock"
	"autopen/receipt"
	"autopen/store"
	"autopen/streamq"
	"autopen/wechat"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	shutdownObs, logger := obs.Init("autopen-api")
	defer func() { _ = shutdownObs(context.Background()) }()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	// Session store: Redis for multi-pod deployments, in-memory for local dev.
	var sessions store.SessionStore
	var rdb *redis.Client
	redisAddr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if redisAddr != "" {
		st, err := store.NewRedisSessionStore(redisAddr, os.Getenv("REDIS_PASSWORD"))
		if err != nil {
			log.Fatalf("init redis session store failed: %v", err)
		}
		sessions = st
		rdb = redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: strings.TrimSpace(os.Getenv("REDIS_PASSWORD")),
			DB:       readEnvIntDefault("REDIS_DB", 0),
		})
	} else {
		logger.Warn("REDIS_ADDR 为空：使用内存会话存储（仅限单 pod/本地开发）")
		sessions = store.NewInMemorySessionStore()
	}

	var ossSt *ossstore.Store
	if st, enabled, err := ossstore.NewFromEnv(); err != nil {
		if enabled {
			log.Fatalf("init oss store failed: %v", err)
		}
	} else if enabled {
		ossSt = st
		logger.Info("oss store enabled", "bucket", strings.TrimSpace(os.Getenv("OSS_BUCKET")))
	}

	// Generation backend: real HTTP client when GEN_API_BASE is set, otherwise
	// the in-process mock (local dev, demos).
	var backend autopilot.Backend
	if client, enabled, err := genbackend.NewFromEnv(); err != nil {
		log.Fatalf("init gen backend failed: %v", err)
	} else if enabled {
		backend = client
		logger.Info("gen backend enabled", "base", strings.TrimSpace(os.Getenv("GEN_API_BASE")))
	} else {
		backend = genbackend.NewMock(time.Duration(readEnvIntDefault("GEN_MOCK_TICK_MS", 1000)) * time.Millisecond)
		logger.Warn("GEN_API_BASE 为空：使用内置 mock 生成后端")
	}

	locker := pricelock.NewFromEnv(nil)
	gate := paygate.New(paygate.WechatProvider{}, nil)
	manager := checkout.NewManager(sessions, locker, gate, backend, nil)

	// Queue mode: hand paid projects to autopilot-worker replicas.
	if strings.EqualFold(readEnvDefault("AUTOPILOT_MODE", "inprocess"), "queue") {
		if rdb == nil {
			log.Fatalf("AUTOPILOT_MODE=queue 需要 REDIS_ADDR")
		}
		streamKey := readEnvDefault("AUTOPILOT_STREAM_KEY", "ap:autopilot:stream")
		group := readEnvDefault("AUTOPILOT_STREAM_GROUP", "ap-autopilot")
		maxLen := int64(readEnvIntDefault("AUTOPILOT_STREAM_MAXLEN", 100000))
		manager.SetQueue(streamq.NewRedisStreamQueue(rdb, streamKey, group, maxLen))
		logger.Info("autopilot queue mode enabled", "stream", streamKey, "group", group)
	}

	receipts := receipt.NewService(ossSt)
	checkoutSvc := checkout.NewService(manager, receipts)
	checkoutSvc.RegisterRoutes(mux)
	wechat.RegisterNotifyRoutes(mux, manager)

	addr := ":" + readEnvDefault("PORT", "8080")
	logger.Info("autopen api listening", "addr", addr)
	// Wrap order: cors -> otel/metrics -> mux
	handler := corsMiddleware(obs.WrapHTTP("autopen-api", mux))
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func readEnvDefault(key, defaultVal string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	return val
}

func readEnvIntDefault(key string, defaultVal int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}

func corsMiddleware(next http.Handler) http.Handler {
	allowOrigin := readEnvDefault("CORS_ALLOW_ORIGIN", "http://localhost:5173")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
