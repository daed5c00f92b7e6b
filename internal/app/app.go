// Package app wires configuration into the claim service. The API and the
// worker share it so both processes build identical pipelines.
package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/suPer8Hu/claim-desk/internal/ai"
	"github.com/suPer8Hu/claim-desk/internal/claims"
	"github.com/suPer8Hu/claim-desk/internal/config"
	"github.com/suPer8Hu/claim-desk/internal/db"
	"github.com/suPer8Hu/claim-desk/internal/email"
	"github.com/suPer8Hu/claim-desk/internal/evidence"
	"github.com/suPer8Hu/claim-desk/internal/oracle"
	"github.com/suPer8Hu/claim-desk/internal/store/blob"
	"github.com/suPer8Hu/claim-desk/internal/store/rabbitmq"
	"github.com/suPer8Hu/claim-desk/internal/store/redisstore"
	"gorm.io/gorm"
)

// App holds the process-wide connections. Redis and Queue are nil unless the
// configuration asks for them.
type App struct {
	Cfg   config.Config
	DB    *gorm.DB
	Redis *redisstore.Store
	Queue *rabbitmq.TaskQueue
}

func Open(cfg config.Config) (*App, error) {
	gdb, err := db.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(gdb, claims.Models()...); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a := &App{Cfg: cfg, DB: gdb}

	if cfg.LockBackend == "redis" || cfg.TaskQueue == "rabbitmq" {
		rds, err := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Redis = rds
	}

	switch cfg.TaskQueue {
	case "", "inproc":
	case "rabbitmq":
		q, err := rabbitmq.NewTaskQueue(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("rabbit: %w", err)
		}
		a.Queue = q
	default:
		a.Close()
		return nil, fmt.Errorf("unsupported TASK_QUEUE=%q", cfg.TaskQueue)
	}

	log.Printf("[App] opened db=%s lock=%s queue=%s storage=%s ai=%s",
		cfg.DBDriver, cfg.LockBackend, cfg.TaskQueue, cfg.StorageBackend, cfg.AIProvider)
	return a, nil
}

func (a *App) Close() {
	if a.Queue != nil {
		_ = a.Queue.Close()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

// Service builds the claim service. pusher is the live channel of this
// process: the session router in the API, the Redis relay in the worker.
func (a *App) Service(ctx context.Context, pusher claims.Pusher) (*claims.Service, error) {
	cfg := a.Cfg

	provider, err := NewProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}

	catalog := claims.DefaultCatalog()
	if cfg.CatalogPath != "" {
		if catalog, err = claims.LoadCatalog(cfg.CatalogPath); err != nil {
			return nil, err
		}
	}

	locker, err := a.locker()
	if err != nil {
		return nil, err
	}

	blobs, err := NewBlobStore(cfg)
	if err != nil {
		return nil, err
	}

	extractor, err := evidence.NewExtractor(256, false)
	if err != nil {
		return nil, err
	}

	var dispatcher claims.Dispatcher
	if a.Queue != nil {
		dispatcher = a.Queue
	}

	return claims.NewService(claims.Deps{
		Store:   claims.NewStore(claims.NewRepo(a.DB), locker),
		Catalog: catalog,
		Oracle:  oracle.New(provider),
		Pusher:  pusher,
		Mailer: email.NewMailer(email.SMTPConfig{
			Host: cfg.SMTPHost,
			Port: cfg.SMTPPort,
			User: cfg.SMTPUser,
			Pass: cfg.SMTPPass,
			From: cfg.SMTPFrom,
		}),
		Blobs:      blobs,
		Extractor:  extractor,
		Dispatcher: dispatcher,
	}, claims.Options{
		ContextWindow:  cfg.ChatContextWindowSize,
		PublicBaseURL:  cfg.PublicBaseURL,
		ReviewWaitDays: cfg.ReviewWaitDays,
	}), nil
}

func (a *App) locker() (claims.Locker, error) {
	switch a.Cfg.LockBackend {
	case "", "local":
		return claims.NewLocalLocker(), nil
	case "redis":
		if a.Redis == nil {
			return nil, fmt.Errorf("LOCK_BACKEND=redis needs a redis connection")
		}
		return redisstore.NewLocker(a.Redis, a.Cfg.LockTTL), nil
	}
	return nil, fmt.Errorf("unsupported LOCK_BACKEND=%q", a.Cfg.LockBackend)
}

// NewProviders registers every supported provider against cfg.
func NewProviders(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()

	// Register Ollama (default)
	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})
	reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenRouterModel
		}
		return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})
	reg.Register("gemini", func(ctx context.Context, model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.GeminiModel
		}
		return ai.NewGeminiProvider(ctx, cfg.GeminiAPIKey, m)
	})
	return reg
}

func NewProvider(ctx context.Context, cfg config.Config) (ai.Provider, error) {
	name := cfg.AIProvider
	if name == "" {
		name = "ollama"
	}
	return NewProviders(cfg).Get(ctx, name, "")
}

func NewBlobStore(cfg config.Config) (claims.BlobStore, error) {
	switch cfg.StorageBackend {
	case "", "local":
		return blob.NewLocalStore(cfg.UploadDir)
	case "s3":
		return blob.NewS3Store(blob.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
	}
	return nil, fmt.Errorf("unsupported STORAGE_BACKEND=%q", cfg.StorageBackend)
}
