package app

import (
	"errors"

	"github.com/dujiao-next/transaction/internal/config"
	"github.com/dujiao-next/transaction/internal/logger"
	"github.com/dujiao-next/transaction/internal/provider"
	"github.com/dujiao-next/transaction/internal/router"
	"github.com/dujiao-next/transaction/internal/worker"
)

// BuildRunner 构建服务运行器
func BuildRunner(cfg *config.Config, mode string) (*Runner, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	container := provider.NewContainer(cfg)

	var services []Service

	// 初始化 HTTP 服务
	if mode == ModeAll || mode == ModeAPI {
		engine := router.SetupRouter(cfg, container)
		httpService := NewHTTPService(cfg.Server, engine)
		services = append(services, httpService)
	}

	// 初始化 Worker 服务，未启用队列时只运行定时补偿
	if mode == ModeAll || mode == ModeWorker {
		consumer := worker.NewConsumer(container)
		if cfg.Queue.Enabled {
			workerService, err := worker.NewService(&cfg.Queue, consumer)
			if err != nil {
				container.Close()
				return nil, err
			}
			services = append(services, workerService)
		} else {
			logger.Warnw("app_queue_disabled_sweep_only")
			sweepService, err := worker.NewSweepService(consumer)
			if err != nil {
				container.Close()
				return nil, err
			}
			services = append(services, sweepService)
		}
	}

	// 如果没有服务被启动（例如模式错误或配置导致都没起），应该报错或至少打日志
	if len(services) == 0 {
		container.Close()
		return nil, errors.New("no services initialized (check mode and config)")
	}

	runner := NewRunner(services...)
	runner.OnStop(container.Close)
	return runner, nil
}

// Run 应用启动入口
func Run(opts Options) error {
	opts = normalizeOptions(opts)
	if opts.Config == nil {
		return errors.New("config is nil")
	}

	runner, err := BuildRunner(opts.Config, opts.Mode)
	if err != nil {
		return err
	}

	opts.Logger.Infow("app_start", "addr", opts.Config.Server.Addr(), "mode", opts.Mode)
	return RunWithOptions(runner, opts)
}
