package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/GoPolymarket/polyvault/internal/config"
	"github.com/GoPolymarket/polyvault/internal/middleware"
	"github.com/GoPolymarket/polyvault/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps is everything the HTTP surface needs.
type Deps struct {
	Config      *config.Config
	Registry    *service.Registry
	Workflows   *service.WorkflowEngine
	Withdrawals *service.WithdrawalService
	Reports     *service.ReportService
	Audit       *service.AuditService
	Events      *service.EventHub
	Idempotency middleware.IdempotencyStore
	Health      map[string]HealthCheck
}

// HealthCheck probes one backing store.
type HealthCheck func(ctx context.Context) error

func NewRouter(d Deps) *gin.Engine {
	cfg := d.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	idem := d.Idempotency
	if idem == nil {
		idem = middleware.NewInMemIdempotencyStore(0)
	}

	wallets := NewWalletHandler(d.Registry, d.Reports)
	signers := NewSignerHandler(d.Registry)
	workflows := NewWorkflowHandler(d.Workflows)
	withdrawals := NewWithdrawalHandler(d.Withdrawals)
	audit := NewAuditHandler(d.Audit)
	events := NewEventsHandler(d.Events)

	r := gin.New()
	r.Use(gin.Recovery())

	// Global Middleware
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.MetricsMiddleware())

	r.GET("/health", health(d))
	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(promhttp.Handler()))
	}

	admin := middleware.AdminMiddleware(cfg)

	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(middleware.NewAuthenticator(cfg)))
	v1.Use(middleware.AuditMiddleware(d.Audit))
	v1.Use(middleware.RateLimitMiddleware(middleware.NewActorLimiters(cfg.RateLimit)))
	v1.Use(middleware.IdempotencyMiddleware(idem))
	{
		v1.POST("/wallets", wallets.Create)
		v1.GET("/wallets", wallets.List)
		v1.GET("/wallets/:id", wallets.Get)
		v1.GET("/wallets/:id/balance", wallets.Balance)
		v1.POST("/wallets/:id/credit", wallets.Credit)
		v1.POST("/wallets/:id/freeze", admin, wallets.Freeze)
		v1.POST("/wallets/:id/unfreeze", admin, wallets.Unfreeze)
		v1.POST("/wallets/:id/lock", admin, wallets.Lock)
		v1.POST("/wallets/:id/deprecate", admin, wallets.Deprecate)
		v1.GET("/wallets/:id/policy", wallets.GetPolicy)
		v1.PUT("/wallets/:id/policy", admin, wallets.SetPolicy)
		v1.POST("/wallets/:id/signers", admin, wallets.AttachSigner)
		v1.POST("/wallets/:id/reports", wallets.GenerateReport)
		v1.GET("/wallets/:id/reports", wallets.ListReports)

		v1.POST("/signers", signers.Add)
		v1.GET("/signers", signers.List)
		v1.GET("/signers/:id", signers.Get)
		v1.POST("/signers/:id/suspend", admin, signers.Suspend)
		v1.POST("/signers/:id/revoke", admin, signers.Revoke)
		v1.POST("/signers/:id/reactivate", admin, signers.Reactivate)

		v1.POST("/workflows", admin, workflows.Register)
		v1.GET("/workflows", workflows.List)
		v1.GET("/workflows/:id", workflows.Get)

		v1.POST("/withdrawals", withdrawals.Submit)
		v1.GET("/withdrawals", withdrawals.List)
		v1.GET("/withdrawals/:id", withdrawals.Get)
		v1.POST("/withdrawals/:id/approve", withdrawals.Approve)
		v1.POST("/withdrawals/:id/cancel", withdrawals.Cancel)
		v1.POST("/withdrawals/:id/execute", withdrawals.Execute)

		v1.GET("/audit", audit.List)
		v1.GET("/events", events.Stream)
	}
	return r
}

func health(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status, code := "ok", http.StatusOK
		deps := make(map[string]string, len(d.Health))
		for name, check := range d.Health {
			if err := check(ctx); err != nil {
				deps[name] = err.Error()
				status, code = "degraded", http.StatusServiceUnavailable
				continue
			}
			deps[name] = "ok"
		}
		c.JSON(code, gin.H{
			"status":            status,
			"service":           "polyvault",
			"dependencies":      deps,
			"event_subscribers": d.Events.Subscribers(),
		})
	}
}
