// devledger 以 gRPC 提供 YAML 定義的帳本事實，供本機開發與整合測試使用
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"custody-gateway/internal/ledger"
	"custody-gateway/internal/platform/config"
	"custody-gateway/internal/platform/logger"
	"custody-gateway/internal/platform/server"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fixtures := flag.String("fixtures", envOr("LEDGER_FIXTURES", "./configs/ledger_fixtures.yaml"), "帳本事實 YAML")
	port := flag.String("port", envOr("LEDGER_PORT", "9090"), "gRPC 監聽埠口")
	certFile := flag.String("cert", "", "TLS 憑證（留空則不加密）")
	keyFile := flag.String("key", "", "TLS 私鑰")
	flag.Parse()

	if err := logger.InitLogger(); err != nil {
		return err
	}
	defer logger.CloseLogger()
	ctx := context.Background()

	l, err := ledger.LoadFixtures(*fixtures)
	if err != nil {
		return err
	}

	var opts []grpc.ServerOption
	if *certFile != "" {
		creds, err := server.LoadTLSCredentials(config.TLSConfig{Enabled: true, CertFile: *certFile, KeyFile: *keyFile})
		if err != nil {
			return err
		}
		opts = append(opts, grpc.Creds(creds))
	}

	s := grpc.NewServer(opts...)
	ledger.RegisterService(s, l)
	healthpb.RegisterHealthServer(s, health.NewServer())

	lis, err := net.Listen("tcp", ":"+*port)
	if err != nil {
		return err
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Info(ctx, "正在關閉開發帳本...", logger.WithAction("shutdown"))
		s.GracefulStop()
	}()

	logger.Info(ctx, "開發帳本已啟動", logger.WithDetails(map[string]interface{}{
		"port":     *port,
		"fixtures": *fixtures,
		"tls":      *certFile != "",
	}))
	return s.Serve(lis)
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
