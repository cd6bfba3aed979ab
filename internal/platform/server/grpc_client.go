package server

import (
	"crypto/tls"
	"fmt"

	"custody-gateway/internal/platform/config"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// DialLedger 建立到授權帳本的 gRPC 連線
// grpc.NewClient 不會立即連線，第一次呼叫時才建立
func DialLedger(cfg config.LedgerConfig) (*grpc.ClientConn, error) {
	var opts []grpc.DialOption

	if cfg.TLSEnabled {
		tlsConfig, err := loadClientTLSConfig(cfg.CAFile, cfg.ServerName)
		if err != nil {
			return nil, fmt.Errorf("加載 TLS 配置失敗: %w", err)
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	} else {
		// 開發環境：使用 insecure（僅用於開發/測試）
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("連接帳本服務失敗: %w", err)
	}

	return conn, nil
}

// loadClientTLSConfig 加載客戶端 TLS 配置
// 沒有指定 CA 時使用系統憑證池
func loadClientTLSConfig(caFile, serverName string) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}

	if caFile != "" {
		certPool, err := loadCertPool(caFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = certPool
	}

	return tlsConfig, nil
}
