package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/oks-citadel/rate-limiter/pkg/ratelimit"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := ratelimit.FromEnv()
	if err != nil {
		logger.Fatal("invalid rate limit configuration", zap.Error(err))
	}

	lim, err := ratelimit.New("example-server",
		ratelimit.WithConfig(cfg),
		ratelimit.WithLogger(logger),
		ratelimit.WithRecorder(ratelimit.NewPrometheusRecorder(nil)),
		ratelimit.WithSkipPaths([]string{"/healthz", "/metrics"}),
		ratelimit.WithOnLimitReached(func(r *http.Request, class string, d ratelimit.Decision) {
			logger.Info("rate limit reached",
				zap.String("class", class),
				zap.String("path", r.URL.Path),
				zap.Time("reset", d.ResetTime))
		}),
	)
	if err != nil {
		logger.Fatal("failed to build rate limiter", zap.Error(err))
	}

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(lim.Status())
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(lim.Middleware(ratelimit.ClassGeneral))
		r.Get("/ping", func(w http.ResponseWriter, req *http.Request) {
			w.Write([]byte("pong\n"))
		})
	})
	r.Group(func(r chi.Router) {
		r.Use(lim.Middleware(ratelimit.ClassAuth))
		r.Post("/login", func(w http.ResponseWriter, req *http.Request) {
			// Stand-in for a real credential check.
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
		})
	})
	r.Group(func(r chi.Router) {
		r.Use(lim.Middleware(ratelimit.ClassSearch))
		r.Get("/search", func(w http.ResponseWriter, req *http.Request) {
			w.Write([]byte("[]\n"))
		})
	})

	addr := os.Getenv("ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		logger.Info("server listening", zap.String("addr", addr),
			zap.String("store", string(lim.Status().StoreType)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}
	if err := lim.Close(); err != nil {
		logger.Warn("limiter close", zap.Error(err))
	}
}
