package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/EmpoweredVote/HZ-Backend/internal/db"
	"github.com/EmpoweredVote/HZ-Backend/internal/logger"
	"github.com/EmpoweredVote/HZ-Backend/internal/mapimport"
	"github.com/EmpoweredVote/HZ-Backend/internal/middleware"
)

func RootHandler(w http.ResponseWriter, r *http.Request) {
	response := "Server is up!"
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, response)
}

func main() {
	_ = godotenv.Load(".env.local")

	if err := logger.Initialize(logger.Config{
		Debug:     os.Getenv("DEBUG") == "true",
		SentryDSN: os.Getenv("SENTRY_DSN"),
		Tags:      map[string]string{"component": "server"},
	}); err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		os.Exit(1)
	}
	defer logger.Flush(2 * time.Second)

	cfg, err := mapimport.LoadFromEnv()
	if err != nil {
		logger.Fatal("load map import config", zap.Error(err))
	}

	db.Connect()
	mapimport.Init()

	rt, err := mapimport.Build(cfg, db.DB)
	if err != nil {
		logger.Fatal("build map import pipeline", zap.Error(err))
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	interval, _ := cfg.ScheduleInterval()
	scheduleDone := make(chan struct{})
	go func() {
		defer close(scheduleDone)
		mapimport.Schedule(ctx, interval, rt.Pipeline)
	}()

	port := os.Getenv("PORT")
	if port == "" {
		port = "5050"
	}

	r := chi.NewRouter()
	r.Use(middleware.CORSMiddleware(middleware.AllowedOrigins()))
	r.Get("/", RootHandler)

	admin := mapimport.NewHandler(ctx, rt.Pipeline)
	r.Mount("/admin/map-import", mapimport.SetupRoutes(admin, cfg.Admin.APIKey))

	srv := &http.Server{
		Addr:              "0.0.0.0:" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("server listening", zap.String("port", port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server stopped", zap.Error(err))
	}
	<-shutdownDone

	// Cancelled runs still record their outcome; the cache and database must
	// stay open until they have.
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := admin.Wait(drainCtx); err != nil {
		logger.Warn("admin map imports still running at exit", zap.Error(err))
	}
	select {
	case <-scheduleDone:
	case <-drainCtx.Done():
		logger.Warn("scheduled map import still running at exit")
	}
	logger.Info("server stopped")
}
