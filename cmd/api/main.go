package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"custody-gateway/internal/authz"
	"custody-gateway/internal/constants"
	"custody-gateway/internal/gateway"
	"custody-gateway/internal/grpc"
	"custody-gateway/internal/ledger"
	"custody-gateway/internal/platform/config"
	"custody-gateway/internal/platform/driver"
	"custody-gateway/internal/platform/health"
	"custody-gateway/internal/platform/logger"
	"custody-gateway/internal/platform/server"
	"custody-gateway/internal/security/audit"
	"custody-gateway/internal/security/custody"
	"custody-gateway/internal/security/encryption"
	"custody-gateway/internal/storage/blobstore"

	"go.mongodb.org/mongo-driver/v2/mongo"
	grpclib "google.golang.org/grpc"
)

func main() {
	if err := mainNoExit(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// loadMasterKey 解碼 MASTER_KEY 環境變量中 base64 編碼的 32 bytes 主密鑰
// 持久化後端不允許臨時密鑰，未設置時直接失敗
func loadMasterKey(ctx context.Context, encoded string) ([]byte, error) {
	masterKey, err := config.DecodeMasterKey(encoded)
	if err != nil {
		logger.Error(ctx, "Master Key 載入失敗", logger.WithDetails(map[string]interface{}{"error": err.Error()}))
		return nil, fmt.Errorf("invalid master key configuration: %w", err)
	}

	logger.Info(ctx, "[SUCCESS] 成功從環境變量載入主密鑰", logger.WithDetails(map[string]interface{}{
		"masked": fmt.Sprintf("%x****", masterKey[:2]),
		"source": "MASTER_KEY environment variable",
	}))
	return masterKey, nil
}

// mongoConn 密鑰託管與審計共用的 MongoDB 連接，第一次使用時才連接
type mongoConn struct {
	cfg config.MongoConfig
	db  *mongo.Database
}

func (c *mongoConn) database(ctx context.Context) (*mongo.Database, error) {
	if c.db != nil {
		return c.db, nil
	}
	db, err := driver.ConnectMongo(ctx, c.cfg)
	if err != nil {
		return nil, err
	}
	c.db = db
	return db, nil
}

func (c *mongoConn) close(ctx context.Context) {
	if c.db == nil {
		return
	}
	if err := driver.CloseMongo(ctx, c.db); err != nil {
		logger.Errorf(ctx, "關閉 MongoDB 連接失敗: %v", err)
	}
	c.db = nil
}

// openCustody 依設定開啟密鑰託管後端，返回的 closer 在關閉時呼叫
func openCustody(ctx context.Context, cfg *config.Config, mc *mongoConn) (custody.Store, func(), error) {
	if cfg.Custody.Backend == "memory" {
		logger.Warning(ctx, "密鑰託管使用記憶體後端，重啟後密鑰會遺失")
		return custody.NewMemoryStore(), func() {}, nil
	}

	masterKey, err := loadMasterKey(ctx, cfg.Custody.MasterKey)
	if err != nil {
		return nil, nil, err
	}
	wrapper, err := custody.NewWrapper(masterKey)
	for i := range masterKey {
		masterKey[i] = 0
	}
	if err != nil {
		return nil, nil, err
	}

	switch cfg.Custody.Backend {
	case "badger":
		db, err := driver.OpenBadger(cfg.Custody.BadgerPath)
		if err != nil {
			return nil, nil, err
		}
		closer := func() {
			if err := db.Close(); err != nil {
				logger.Errorf(ctx, "關閉 Badger 失敗: %v", err)
			}
		}
		return custody.NewBadgerStore(db, wrapper), closer, nil
	case "mongo":
		db, err := mc.database(ctx)
		if err != nil {
			return nil, nil, err
		}
		store, err := custody.NewMongoStore(ctx, db, cfg.Custody.Collection, wrapper)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported custody backend %q", cfg.Custody.Backend)
	}
}

// openLedger 依設定建立帳本客戶端
func openLedger(ctx context.Context, cfg *config.Config) (ledger.Ledger, *grpclib.ClientConn, error) {
	switch cfg.Ledger.Backend {
	case "grpc":
		conn, err := server.DialLedger(cfg.Ledger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to dial ledger: %w", err)
		}
		timeout := cfg.Ledger.TimeoutSeconds
		if timeout <= 0 {
			timeout = constants.DefaultLedgerTimeoutSeconds
		}
		logger.Infof(ctx, "帳本使用 gRPC 後端: %s", cfg.Ledger.Address)
		return ledger.NewGRPCClient(conn, time.Duration(timeout)*time.Second), conn, nil
	default:
		if cfg.Ledger.Fixtures == "" {
			logger.Warning(ctx, "帳本使用空的記憶體後端，所有取鑰請求都會被拒絕")
			return ledger.NewMemoryLedger(), nil, nil
		}
		l, err := ledger.LoadFixtures(cfg.Ledger.Fixtures)
		if err != nil {
			return nil, nil, err
		}
		logger.Infof(ctx, "帳本使用記憶體後端，已載入 %s", cfg.Ledger.Fixtures)
		return l, nil, nil
	}
}

// openAudit 審計服務；persist 開啟時同時寫入 MongoDB
func openAudit(ctx context.Context, cfg *config.Config, mc *mongoConn) (*audit.AuditService, error) {
	var opts []audit.Option
	if cfg.Security.Audit.Enabled && cfg.Security.Audit.Persist {
		db, err := mc.database(ctx)
		if err != nil {
			return nil, err
		}
		opts = append(opts, audit.WithSink(audit.NewMongoSink(ctx, db, cfg.Security.Audit.Collection)))
	}
	return audit.NewAuditService(cfg.Security.Audit.Enabled, opts...), nil
}

// reconcileOptions 未設定的欄位使用預設值
func reconcileOptions(cfg config.ReconcileConfig) gateway.ReconcileOptions {
	interval, minAge, purgeAfter := cfg.IntervalMinutes, cfg.MinAgeMinutes, cfg.PurgeAfterHours
	if interval <= 0 {
		interval = constants.DefaultReconcileIntervalMinutes
	}
	if minAge <= 0 {
		minAge = constants.DefaultReconcileMinAgeMinutes
	}
	if purgeAfter <= 0 {
		purgeAfter = constants.DefaultReconcilePurgeAfterHours
	}
	return gateway.ReconcileOptions{
		Interval:   time.Duration(interval) * time.Minute,
		MinAge:     time.Duration(minAge) * time.Minute,
		PurgeAfter: time.Duration(purgeAfter) * time.Hour,
	}
}

// mainNoExit 分離主要邏輯以避免 exitAfterDefer 問題，確保 defer 函數正常執行.
func mainNoExit() error {
	// 先載入配置，日誌輪轉設定來自配置.
	if err := config.Load(); err != nil {
		return err
	}
	cfg := config.Get()

	if err := logger.InitLogger(); err != nil {
		return err
	}
	defer logger.CloseLogger()

	ctx := context.Background()
	logger.Info(ctx, "[System] 啟動密鑰託管閘道", logger.WithDetails(map[string]interface{}{
		"env":       config.GetEnv(),
		"custody":   cfg.Custody.Backend,
		"ledger":    cfg.Ledger.Backend,
		"blobstore": cfg.BlobStore.Backend,
		"cipher":    cfg.Cipher.Scheme,
	}))

	mc := &mongoConn{cfg: cfg.Database.Mongo}
	defer mc.close(ctx)

	store, closeStore, err := openCustody(ctx, cfg, mc)
	if err != nil {
		logger.Error(ctx, "密鑰託管初始化失敗", logger.WithDetails(map[string]interface{}{"error": err.Error()}))
		return fmt.Errorf("custody initialization failed")
	}
	defer closeStore()

	ledgerClient, ledgerConn, err := openLedger(ctx, cfg)
	if err != nil {
		logger.Error(ctx, "帳本初始化失敗", logger.WithDetails(map[string]interface{}{"error": err.Error()}))
		return fmt.Errorf("ledger initialization failed")
	}
	if ledgerConn != nil {
		defer ledgerConn.Close()
	}

	blobs, err := blobstore.New(ctx, cfg.BlobStore)
	if err != nil {
		logger.Error(ctx, "內容儲存初始化失敗", logger.WithDetails(map[string]interface{}{"error": err.Error()}))
		return fmt.Errorf("blob store initialization failed")
	}

	scheme, err := encryption.ParseScheme(cfg.Cipher.Scheme)
	if err != nil {
		return err
	}
	cipher, err := encryption.NewBlobCipher(scheme)
	if err != nil {
		return err
	}

	auditSvc, err := openAudit(ctx, cfg, mc)
	if err != nil {
		logger.Error(ctx, "審計初始化失敗", logger.WithDetails(map[string]interface{}{"error": err.Error()}))
		return fmt.Errorf("audit initialization failed")
	}

	svc, err := gateway.NewService(gateway.Deps{
		Custody:   store,
		Blobs:     blobs,
		Ledger:    ledgerClient,
		Evaluator: authz.NewEvaluator(ledgerClient, authz.WithMaxRetries(cfg.Ledger.MaxRetries)),
		Cipher:    cipher,
		Audit:     auditSvc,
	}, gateway.Options{
		MaxUploadBytes: cfg.Server.MaxUploadMB << 20,
		VerifyLedger:   cfg.Associate.VerifyLedger,
	})
	if err != nil {
		return err
	}

	reconciler := gateway.NewReconciler(store, ledgerClient, auditSvc, reconcileOptions(cfg.Reconcile))
	if cfg.Reconcile.Enabled {
		reconciler.Start()
		defer reconciler.Stop()
	}

	healthHandler := health.NewHealthHandler(cfg.App.Name, cfg.App.Debug,
		health.Check{Name: "custody", Backend: cfg.Custody.Backend, Ping: store.Ping, Critical: true},
		health.Check{Name: "blobstore", Backend: cfg.BlobStore.Backend, Ping: blobs.Ping},
		health.Check{Name: "ledger", Backend: cfg.Ledger.Backend, Ping: func(ctx context.Context) error {
			// 查詢不存在的紀錄，只要得到確定的答案就代表帳本可用
			_, err := ledgerClient.GetRecord(ctx, 0)
			if ledger.Retryable(err) {
				return err
			}
			return nil
		}},
	)

	// 啟動 gRPC 健康檢查服務器
	grpcServer, err := grpc.NewServer(cfg.Security.TLS, store.Ping)
	if err != nil {
		logger.Error(ctx, "gRPC 服務器創建失敗", logger.WithDetails(map[string]interface{}{"error": err.Error()}))
		return fmt.Errorf("server initialization failed")
	}
	go func() {
		if err := grpcServer.Start(cfg.GRPC.Port); err != nil {
			logger.Errorf(ctx, "gRPC 服務器啟動失敗: %v", err)
		}
	}()
	defer grpcServer.Stop()

	// 啟動 HTTP 服務器
	httpServer, err := server.New(server.RouterDeps{
		Config:     cfg,
		Service:    svc,
		Reconciler: reconciler,
		Audit:      auditSvc,
		Health:     healthHandler,
	})
	if err != nil {
		logger.Error(ctx, "HTTP 服務器創建失敗", logger.WithDetails(map[string]interface{}{"error": err.Error()}))
		return fmt.Errorf("server initialization failed")
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- httpServer.Start()
	}()

	logger.Info(ctx, "[System] 服務器啟動完成")

	// 等待中斷信號或 HTTP 伺服器異常退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		if err != nil {
			logger.Errorf(ctx, "HTTP 服務器啟動失敗: %v", err)
			return err
		}
	}

	logger.Info(ctx, "正在關閉服務器...", logger.WithAction("shutdown"))
	shutdownCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Server.Timeout)*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
