// internal/pkg/bootstrap/app.go
package bootstrap

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	zlog "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/tracing"
)

const shutdownTimeout = 10 * time.Second

// AppCtx 是组装阶段可用的公共组件
type AppCtx struct {
	ServiceName string
	Config      *Config
	Router      chi.Router
	Tracer      trace.Tracer

	workers  []worker
	closers  []func(ctx context.Context)
	messages *messaging
	locker   KeyLocker
}

type worker struct {
	name string
	run  func(ctx context.Context) error
}

// Go 注册一个随服务启动的后台任务，ctx 结束时应返回 nil
func (a *AppCtx) Go(name string, run func(ctx context.Context) error) {
	a.workers = append(a.workers, worker{name: name, run: run})
}

// OnShutdown 注册关停时的清理动作，按注册的逆序执行
func (a *AppCtx) OnShutdown(fn func(ctx context.Context)) {
	a.closers = append(a.closers, fn)
}

// AppInfo 包含了启动一个微服务所需的所有特定信息。
type AppInfo struct {
	ServiceName string
	Port        int
	// Setup 组装依赖，注册路由 (appCtx.Router) 和后台任务 (appCtx.Go)
	Setup func(ctx context.Context, appCtx *AppCtx) error
}

// StartService 封装了所有微服务的通用启动和优雅关停逻辑。
func StartService(info AppInfo) {
	// 1. 配置与日志
	cfg, err := LoadConfig()
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(info.ServiceName, cfg.App.LogLevel)
	port := info.Port
	if cfg.App.Port != 0 {
		port = cfg.App.Port
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	log := logger.Ctx(ctx)

	// 2. Tracer
	tp, err := tracing.InitTracerProvider(info.ServiceName, cfg.Infra.Jaeger.Endpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tracer provider")
	}

	appCtx := &AppCtx{
		ServiceName: info.ServiceName,
		Config:      cfg,
		Router:      NewRouter(),
		Tracer:      otel.Tracer(info.ServiceName),
	}
	if info.Setup != nil {
		if err := info.Setup(ctx, appCtx); err != nil {
			log.Fatal().Err(err).Msg("failed to set up service")
		}
	}

	// 3. HTTP Server 与后台任务共用一个 errgroup，任何一个失败都会触发整体关停
	server := &http.Server{Addr: ":" + strconv.Itoa(port), Handler: appCtx.Router}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", port).Msgf("✅ %s listening.", info.ServiceName)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	for _, w := range appCtx.workers {
		g.Go(func() error {
			if err := w.run(gctx); err != nil {
				log.Error().Err(err).Str("worker", w.name).Msg("worker stopped with error")
				return err
			}
			return nil
		})
	}

	err = g.Wait()
	log.Info().Msgf("🛑 Shutting down service %s...", info.ServiceName)
	if err != nil {
		log.Error().Err(err).Msg("service stopped with error")
	}

	// 4. 按注册的逆序清理，最后关闭 Tracer Provider，确保所有缓冲的 trace 都被发送出去
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for i := len(appCtx.closers) - 1; i >= 0; i-- {
		appCtx.closers[i](shutdownCtx)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error shutting down tracer provider")
	}
	log.Info().Msgf("Service %s gracefully shut down.", info.ServiceName)
	if err != nil {
		os.Exit(1)
	}
}

// NewRouter 创建带健康检查和指标端点的路由
func NewRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}
