package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GoPolymarket/polyvault/internal/broadcaster"
	"github.com/GoPolymarket/polyvault/internal/config"
	"github.com/GoPolymarket/polyvault/internal/handler"
	"github.com/GoPolymarket/polyvault/internal/middleware"
	"github.com/GoPolymarket/polyvault/internal/pkg/logger"
	"github.com/GoPolymarket/polyvault/internal/repository"
	"github.com/GoPolymarket/polyvault/internal/service"
	"github.com/GoPolymarket/polyvault/internal/signer"
	"gorm.io/gorm"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// 2. Initialize Persistence
	// Vault state (Postgres > Memory)
	var (
		store  service.VaultStore
		db     *gorm.DB
		checks = map[string]handler.HealthCheck{}
	)
	if cfg.Database.DSN != "" {
		db, err = repository.NewDB(cfg)
		if err != nil {
			log.Fatalf("Failed to connect to PostgreSQL: %v", err)
		}
		if err := repository.Migrate(db); err != nil {
			log.Fatalf("Failed to migrate schema: %v", err)
		}
		logger.Info("✅ Connected to PostgreSQL")
		store = repository.NewGormStore(db)
		checks["postgres"] = repository.PingDB(db)
	} else {
		logger.Warn("⚠️ No database configured, vault state is in-memory only")
		store = repository.NewMemoryStore()
	}

	// Audit + idempotency (Redis > Postgres > Memory)
	var (
		auditRepo service.AuditRepo
		idemStore middleware.IdempotencyStore
	)
	idemTTL := time.Duration(cfg.Redis.IdempotencyTTLSeconds) * time.Second
	if cfg.Redis.Addr != "" {
		redisClient, err := repository.NewRedisClient(cfg.Redis)
		if err == nil {
			logger.Info("✅ Connected to Redis")
			defer redisClient.Close()
			checks["redis"] = redisClient.Healthy
			auditRepo = repository.NewRedisAuditRepo(redisClient.Client, cfg.Redis.AuditListKey, cfg.Redis.AuditListMax)
			idemStore = repository.NewRedisIdempotencyStore(redisClient.Client, idemTTL)
		} else {
			logger.Error("⚠️ Failed to connect to Redis, falling back", "error", err)
		}
	}
	if db != nil {
		var pgAudit *repository.PostgresAuditRepo
		if auditRepo == nil {
			pgAudit = repository.NewPostgresAuditRepo(db)
			auditRepo = pgAudit
		}
		var pgIdem *repository.PostgresIdempotencyStore
		if idemStore == nil {
			pgIdem = repository.NewPostgresIdempotencyStore(db, idemTTL)
			idemStore = pgIdem
		}
		go runCleanup(ctx, cfg.Database, pgAudit, pgIdem)
	}
	if idemStore == nil {
		idemStore = middleware.NewInMemIdempotencyStore(idemTTL)
	}

	auditSvc, err := service.NewAuditService(cfg.Vault.AuditLogDir, auditRepo)
	if err != nil {
		log.Fatalf("Failed to initialize audit service: %v", err)
	}

	// 3. Signing + broadcast
	keys, err := signer.NewLocalKeyRingFromHex(cfg.Keyring.Keys)
	if err != nil {
		log.Fatalf("Failed to load keyring: %v", err)
	}
	var bcast service.Broadcaster
	if cfg.Broadcaster.URL != "" {
		bcast = broadcaster.NewHTTPRelay(cfg.Broadcaster.URL, time.Duration(cfg.Broadcaster.TimeoutMs)*time.Millisecond)
	} else {
		logger.Warn("⚠️ No broadcaster configured, transfers are recorded in memory")
		bcast = broadcaster.NewMemory()
	}
	domain := signer.NewDomain(1)

	// 4. Initialize Core Services
	events := service.NewEventHub()
	core := service.NewCore(store, auditSvc, events)
	workflows := service.NewWorkflowEngine(core)
	registry := service.NewRegistry(core, workflows)
	policy := service.NewPolicyEngine(core)
	risk := service.NewRiskEngine(core, service.RiskConfig{
		BusinessHoursStart: cfg.Vault.BusinessHoursStart,
		BusinessHoursEnd:   cfg.Vault.BusinessHoursEnd,
		FrequencyWindow:    cfg.Vault.FrequencyWindow,
		FrequencyLimit:     cfg.Vault.FrequencyLimit,
		FlagThreshold:      cfg.Vault.HighRiskThreshold,
	})
	executor := service.NewMultiSigExecutor(core, keys, bcast, domain, cfg.Vault.VerifySignatures)
	withdrawals := service.NewWithdrawalService(core, policy, risk, workflows, executor, domain, service.WithdrawalConfig{
		RequestTTL:       cfg.Vault.RequestTTL,
		VerifySignatures: cfg.Vault.VerifySignatures,
	})
	reports := service.NewReportService(core, keys, domain, service.ReportConfig{
		DefaultAuditorID: cfg.Vault.DefaultAuditorID,
		NextAuditDays:    cfg.Vault.NextAuditDays,
	})

	monitor := service.NewMonitor(core, withdrawals, reports, service.MonitorConfig{
		HealthInterval:     cfg.Monitor.HealthInterval,
		RiskInterval:       cfg.Monitor.RiskInterval,
		ComplianceInterval: cfg.Monitor.ComplianceInterval,
		AuditInterval:      cfg.Monitor.AuditInterval,
		TimeoutInterval:    cfg.Monitor.TimeoutInterval,
	})
	if cfg.Monitor.Enabled {
		monitor.Start(ctx)
	}

	// 5. Setup Router
	r := handler.NewRouter(handler.Deps{
		Config:      cfg,
		Registry:    registry,
		Workflows:   workflows,
		Withdrawals: withdrawals,
		Reports:     reports,
		Audit:       auditSvc,
		Events:      events,
		Idempotency: idemStore,
		Health:      checks,
	})

	// 6. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("🚀 PolyVault started", "port", cfg.Server.Port, "monitor", cfg.Monitor.Enabled)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server listen failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("🛑 Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	stop()
	monitor.Stop()
	auditSvc.Close()

	logger.Info("Server exiting")
}

// runCleanup prunes postgres audit entries past retention and expired
// idempotency keys. Either store may be nil.
func runCleanup(ctx context.Context, cfg config.DatabaseConfig, audit *repository.PostgresAuditRepo, idem *repository.PostgresIdempotencyStore) {
	if audit == nil && idem == nil {
		return
	}
	interval := time.Duration(cfg.CleanupIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	retention := time.Duration(cfg.AuditRetentionDays) * 24 * time.Hour
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if audit != nil {
				if err := audit.Cleanup(ctx, retention); err != nil {
					logger.Error("audit cleanup failed", "error", err)
				}
			}
			if idem != nil {
				if err := idem.Cleanup(ctx); err != nil {
					logger.Error("idempotency cleanup failed", "error", err)
				}
			}
		}
	}
}
