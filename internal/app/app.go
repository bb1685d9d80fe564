// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/huaxu/internal/api"
	"github.com/Corphon/huaxu/internal/bridge"
	"github.com/Corphon/huaxu/internal/config"
	"github.com/Corphon/huaxu/internal/di"
	"github.com/Corphon/huaxu/internal/models"
	"github.com/Corphon/huaxu/internal/services"
	"github.com/Corphon/huaxu/internal/storage"
	"github.com/Corphon/huaxu/internal/utils"
)

const (
	shutdownTimeout  = 30 * time.Second
	progressRetain   = time.Hour
	progressSweepGap = 10 * time.Minute
)

// App 应用程序实例
type App struct {
	config    *config.Config
	container *di.Container
	logger    *utils.Logger
	kv        storage.KV
	draft     *services.DraftController

	draftDetached bool // 为真时关闭不写回草稿

	router  *gin.Engine
	handler *api.Handler
	server  *http.Server
}

// New 用已打开的存储组装全部服务。kv 由 App 负责关闭
func New(cfg *config.Config, logger *utils.Logger, kv storage.KV) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{config: cfg, container: di.NewContainer(), logger: logger, kv: kv}
	if err := a.InitServices(); err != nil {
		return nil, err
	}

	router, handler, err := api.SetupRouter(a.container, api.RouterOptions{
		Concurrency: cfg.BatchConcurrency,
		DebugMode:   cfg.DebugMode,
	})
	if err != nil {
		return nil, fmt.Errorf("设置路由失败: %w", err)
	}
	a.router = router
	a.handler = handler
	return a, nil
}

// Open 按配置创建目录、打开存储并组装应用
func Open(cfg *config.Config, logger *utils.Logger) (*App, error) {
	for _, dir := range []string{cfg.DataDir, cfg.LogDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("创建目录失败 %s: %w", dir, err)
		}
	}
	kv, err := storage.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("打开存储失败: %w", err)
	}
	a, err := New(cfg, logger, kv)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	return a, nil
}

// InitServices 按依赖顺序创建服务并注册到容器
func (a *App) InitServices() error {
	cfg := a.config
	c := a.container

	metrics := utils.NewStudioMetricsWith(utils.NewMetricsCollector(), a.logger)
	client := bridge.NewClient(cfg.BridgeURL, cfg.BridgeSimulate)
	locks := services.NewLockManager()
	progress := services.NewProgressService()

	settings := services.NewSettingsService(a.kv, cfg.SecretKey, a.logger)
	analysis := services.NewAnalysisService(client, settings, metrics, a.logger, services.AnalysisOptions{
		BridgeTimeout: cfg.AnalyzeTimeout,
	})
	images := services.NewImageService(client, settings, a.kv, metrics, a.logger, services.ImageOptions{
		Timeout:     cfg.ImageTimeout,
		SlotTimeout: cfg.SlotImageTimeout,
	})
	illus := services.NewIllustrationService(images, a.kv, locks, progress, metrics, a.logger)
	view := services.NewAnalysisView(a.kv, illus, a.logger)
	studio := services.NewStudioService(a.kv, analysis, view, a.logger)
	works := services.NewWorksService(a.kv, locks, a.logger)
	selections := services.NewSelectionService(a.kv, locks, a.logger)
	compose := services.NewComposeService(studio, view, illus, selections, a.logger)

	a.draft = services.NewDraftController(a.kv, cfg.AutosaveDelay, metrics, a.logger)
	restoreCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if restored, err := a.draft.Restore(restoreCtx); err != nil {
		a.logger.Warn("恢复草稿失败，从空草稿开始", map[string]interface{}{"error": err})
	} else if restored {
		a.logger.Info("已恢复上次的草稿", nil)
	}

	settings.Subscribe(func(_, updated models.AdvancedSettings) {
		a.logger.Info("高级设置已更新", map[string]interface{}{
			"use_ai_api": updated.UseAIAPI,
			"model":      updated.Model,
		})
	})

	c.Register(di.Config, cfg)
	c.Register(di.Logger, a.logger)
	c.Register(di.Metrics, metrics)
	c.Register(di.Store, a.kv)
	c.Register(di.Bridge, client)
	c.Register(di.Locks, locks)
	c.Register(di.Progress, progress)
	c.Register(di.Settings, settings)
	c.Register(di.Analysis, analysis)
	c.Register(di.Images, images)
	c.Register(di.Illustrator, illus)
	c.Register(di.View, view)
	c.Register(di.Studio, studio)
	c.Register(di.Works, works)
	c.Register(di.Selections, selections)
	c.Register(di.Compose, compose)
	c.Register(di.Draft, a.draft)

	a.logger.Info("服务初始化完成", map[string]interface{}{
		"services": c.GetNames(),
		"backend":  cfg.StoreBackend,
		"bridge":   cfg.BridgeURL,
	})
	return nil
}

// DetachDraft 关闭时不再写回草稿。只在需要时显式保存的调用方（如命令行）使用
func (a *App) DetachDraft() { a.draftDetached = true }

// GetDIContainer 获取依赖注入容器
func (a *App) GetDIContainer() *di.Container { return a.container }

// Router HTTP 路由
func (a *App) Router() http.Handler { return a.router }

// Serve 在监听器上提供服务，ctx 结束后优雅关闭
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	a.server = &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweepDone := make(chan struct{})
	sweepCtx, stopSweep := context.WithCancel(ctx)
	go func() {
		defer close(sweepDone)
		a.sweepProgress(sweepCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("服务器启动", map[string]interface{}{"addr": ln.Addr().String()})
		errCh <- a.server.Serve(ln)
	}()

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
	}
	stopSweep()
	<-sweepDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("服务器强制关闭", map[string]interface{}{"error": err})
	}
	if serveErr == nil {
		serveErr = <-errCh
	}
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}

	return errors.Join(serveErr, a.Cleanup(shutdownCtx))
}

// Run 监听配置的端口
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+a.config.Port)
	if err != nil {
		return fmt.Errorf("监听端口 %s 失败: %w", a.config.Port, err)
	}
	return a.Serve(ctx, ln)
}

func (a *App) sweepProgress(ctx context.Context) {
	progress := di.MustResolve[*services.ProgressService](a.container, di.Progress)
	ticker := time.NewTicker(progressSweepGap)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := progress.CleanupCompletedTasks(progressRetain); n > 0 {
				a.logger.Debug("清理已结束的进度记录", map[string]interface{}{"count": n})
			}
		}
	}
}

// Cleanup 等待批量任务结束，保存草稿并关闭存储
func (a *App) Cleanup(ctx context.Context) error {
	var errs []error
	if a.handler != nil {
		if err := a.handler.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("等待批量生成结束: %w", err))
		}
	}
	switch {
	case a.draft == nil:
	case a.draftDetached:
		a.draft.Discard()
	default:
		if err := a.draft.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("关闭时保存草稿: %w", err))
		}
	}
	if a.kv != nil {
		if err := a.kv.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭存储: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		a.logger.Error("应用关闭时出错", map[string]interface{}{"error": err})
	} else {
		a.logger.Info("应用已关闭", nil)
	}
	return err
}
