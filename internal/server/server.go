package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditdomain "github.com/ledgerline/ledgerline/internal/audit/domain"
	"github.com/ledgerline/ledgerline/internal/config"
	hierarchydomain "github.com/ledgerline/ledgerline/internal/hierarchy/domain"
	ledgerdomain "github.com/ledgerline/ledgerline/internal/ledger/domain"
	pipelinedomain "github.com/ledgerline/ledgerline/internal/pipeline/domain"
	vaultdomain "github.com/ledgerline/ledgerline/internal/vault/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config, registry *prometheus.Registry, log *zap.Logger) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(CorrelationMiddleware())
	r.Use(RequestLogger(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine *gin.Engine
	cfg    config.Config
	log    *zap.Logger
	genID  *snowflake.Node

	vaultSvc     vaultdomain.Service
	hierarchySvc hierarchydomain.Service
	ledgerSvc    ledgerdomain.Service
	pipelineSvc  pipelinedomain.Service
	auditSvc     auditdomain.Service
}

type ServerParams struct {
	fx.In

	Gin   *gin.Engine
	Cfg   config.Config
	Log   *zap.Logger
	GenID *snowflake.Node

	VaultSvc     vaultdomain.Service
	HierarchySvc hierarchydomain.Service
	LedgerSvc    ledgerdomain.Service
	PipelineSvc  pipelinedomain.Service
	AuditSvc     auditdomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		log:          p.Log.Named("http.server"),
		genID:        p.GenID,
		vaultSvc:     p.VaultSvc,
		hierarchySvc: p.HierarchySvc,
		ledgerSvc:    p.LedgerSvc,
		pipelineSvc:  p.PipelineSvc,
		auditSvc:     p.AuditSvc,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api/v1", TenantContext())

	// -------- Credentials --------
	// Store doubles as rotate when an active credential exists. The
	// plaintext never appears in any response.
	api.POST("/credentials", s.StoreCredential)
	api.POST("/credentials/:provider/revoke", s.RevokeCredential)
	api.DELETE("/credentials", s.PurgeCredentials)

	// -------- Hierarchy --------
	api.GET("/hierarchy/entities", s.ListEntities)
	api.POST("/hierarchy/entities", s.CreateEntity)
	api.GET("/hierarchy/entities/:entity_id", s.GetEntity)
	api.PATCH("/hierarchy/entities/:entity_id", s.UpdateEntity)
	api.DELETE("/hierarchy/entities/:entity_id", s.DeleteEntity)
	api.GET("/hierarchy/entities/:entity_id/attribution", s.GetAttribution)

	// -------- Pipelines --------
	api.POST("/pipelines/trigger", s.TriggerPipeline)
	api.GET("/pipelines/runs", s.ListPipelineRuns)
	api.GET("/pipelines/runs/:run_id", s.GetPipelineRun)

	// -------- Ledger --------
	api.GET("/ledger/aggregate", s.AggregateLedger)

	// -------- Audit --------
	api.GET("/audit-logs", s.ListAuditLogs)
}
