package app

import (
	"context"
	"errors"
	"net/http"

	"github.com/dujiao-next/transaction/internal/config"
	"github.com/dujiao-next/transaction/internal/logger"
)

// HTTPService 网关回调与运营接口共用的 HTTP 服务
type HTTPService struct {
	server *http.Server
}

// NewHTTPService 按服务配置创建 HTTP 服务，服务器错误日志写入 zap
func NewHTTPService(cfg config.ServerConfig, handler http.Handler) *HTTPService {
	return &HTTPService{
		server: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           handler,
			ReadHeaderTimeout: cfg.ReadTimeout(),
			ReadTimeout:       cfg.ReadTimeout(),
			WriteTimeout:      cfg.WriteTimeout(),
			IdleTimeout:       cfg.IdleTimeout(),
			ErrorLog:          logger.StdLogger(),
		},
	}
}

// Name 服务名称
func (s *HTTPService) Name() string {
	return "http"
}

// Start 阻塞监听，正常关闭返回 nil
func (s *HTTPService) Start(ctx context.Context) error {
	if s == nil || s.server == nil {
		return errors.New("http server not initialized")
	}
	logger.Infow("http_service_listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop 优雅关闭，等待进行中的通知处理完成
func (s *HTTPService) Stop(ctx context.Context) error {
	if s == nil || s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
