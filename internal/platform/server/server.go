package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"custody-gateway/internal/constants"
	"custody-gateway/internal/platform/config"
	"custody-gateway/internal/platform/logger"
)

// Server HTTP 伺服器
type Server struct {
	cfg  *config.Config
	api  *API
	http *http.Server
}

// New 創建 HTTP 伺服器
func New(deps RouterDeps) (*Server, error) {
	cfg := deps.Config
	api := NewAPI(deps)

	timeout := cfg.Server.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultRequestTimeout
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Duration(timeout) * time.Second,
		WriteTimeout:      time.Duration(timeout) * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if cfg.Server.UseHTTPS {
		tlsConfig, err := LoadServerTLSConfig(config.TLSConfig{
			Enabled:  true,
			CertFile: cfg.Server.CertPath,
			KeyFile:  cfg.Server.KeyPath,
		})
		if err != nil {
			return nil, err
		}
		srv.TLSConfig = tlsConfig
	}

	return &Server{cfg: cfg, api: api, http: srv}, nil
}

// Start 開始監聽，直到 Shutdown 被呼叫
func (s *Server) Start() error {
	logger.LogInfof("HTTP 伺服器正在監聽埠口: %s (https: %v)", s.cfg.Server.Port, s.cfg.Server.UseHTTPS)

	var err error
	if s.http.TLSConfig != nil {
		// 憑證已載入 TLSConfig
		err = s.http.ListenAndServeTLS("", "")
	} else {
		err = s.http.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 優雅關閉，等待進行中的請求完成
func (s *Server) Shutdown(ctx context.Context) error {
	defer s.api.Close()

	if err := s.http.Shutdown(ctx); err != nil {
		logger.LogErrorf("伺服器關閉失敗: %v", err)
		return err
	}

	logger.LogInfof("HTTP 伺服器已優雅關閉")
	return nil
}
