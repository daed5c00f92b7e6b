package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/suPer8Hu/claim-desk/internal/app"
	"github.com/suPer8Hu/claim-desk/internal/config"
	"github.com/suPer8Hu/claim-desk/internal/httpapi"
	"github.com/suPer8Hu/claim-desk/internal/httpapi/handlers"
	"github.com/suPer8Hu/claim-desk/internal/session"
	"github.com/suPer8Hu/claim-desk/internal/store/redisstore"
)

func main() {
	cfg := config.Load()

	a, err := app.Open(cfg)
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := handlers.NewHub()
	sessions := session.NewRouter(hub)

	svc, err := a.Service(ctx, sessions)
	if err != nil {
		log.Fatalf("service: %v", err)
	}

	// background stages run in the worker; its pushes come back over redis
	if a.Redis != nil && a.Queue != nil {
		relay := redisstore.NewPushRelay(a.Redis)
		go func() {
			if err := relay.Forward(ctx, sessions); err != nil {
				log.Printf("[Relay] forward stopped err=%v", err)
			}
		}()
	}

	if cfg.StalledSweep > 0 {
		go svc.WatchStalled(ctx, cfg.StalledSweep, cfg.StalledAfter)
	}

	h := handlers.NewHandler(cfg, svc, hub, sessions)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("api listening addr=%s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("api shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
