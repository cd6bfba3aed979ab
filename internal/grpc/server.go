package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"custody-gateway/internal/platform/config"
	"custody-gateway/internal/platform/logger"
	"custody-gateway/internal/platform/server"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName 健康檢查回報的服務名稱；空字串代表整體狀態
const ServiceName = "custody.gateway"

const (
	defaultProbeInterval = 10 * time.Second
	probeTimeout         = 3 * time.Second
)

// Probe 檢查關鍵依賴是否可用
type Probe func(ctx context.Context) error

// Server gRPC 健康檢查服務器
// 密鑰託管後端無法連線時回報 NOT_SERVING
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	probe      Probe
	interval   time.Duration

	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

// Option 服務器選項
type Option func(*Server)

// WithProbeInterval 設定依賴檢查間隔
func WithProbeInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.interval = d
		}
	}
}

// NewServer 創建 gRPC 健康檢查服務器
func NewServer(tlsConfig config.TLSConfig, probe Probe, opts ...Option) (*Server, error) {
	ctx := context.Background()

	var grpcServer *grpc.Server
	if tlsConfig.Enabled {
		creds, err := server.LoadTLSCredentials(tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS credentials: %w", err)
		}
		grpcServer = grpc.NewServer(grpc.Creds(creds))
		logger.Info(ctx, "gRPC TLS 已啟用")
	} else {
		grpcServer = grpc.NewServer()
		logger.Info(ctx, "gRPC 以非加密模式運行（開發環境）")
	}

	s := &Server{
		grpcServer: grpcServer,
		health:     health.NewServer(),
		probe:      probe,
		interval:   defaultProbeInterval,
		stopChan:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	healthpb.RegisterHealthServer(grpcServer, s.health)
	s.refresh(ctx)

	return s, nil
}

// Start 監聽指定埠口，直到 Stop 被呼叫
func (s *Server) Start(port string) error {
	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return err
	}
	logger.Infof(context.Background(), "gRPC 服務器啟動在端口 %s", port)
	return s.Serve(lis)
}

// Serve 在既有 listener 上提供服務
func (s *Server) Serve(lis net.Listener) error {
	go s.watch()
	return s.grpcServer.Serve(lis)
}

// Stop 停止依賴檢查並優雅關閉
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	})
}

func (s *Server) watch() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.refresh(context.Background())
		case <-s.stopChan:
			return
		}
	}
}

// refresh 依 probe 結果更新服務狀態
func (s *Server) refresh(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if s.probe != nil {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := s.probe(probeCtx)
		cancel()
		if err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			logger.Warning(ctx, "密鑰託管後端無法連線",
				logger.WithAction("grpc_health"),
				logger.WithDetails(map[string]interface{}{"error": err.Error()}))
		}
	}

	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}
