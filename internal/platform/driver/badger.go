package driver

import (
	"context"
	"fmt"
	"strings"

	"custody-gateway/internal/platform/logger"

	"github.com/dgraph-io/badger/v4"
)

// badgerLogger 把 badger 內部日誌轉接到 GCP 格式日誌
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	logger.Errorf(context.Background(), "[badger] "+strings.TrimSpace(format), args...)
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	logger.Warningf(context.Background(), "[badger] "+strings.TrimSpace(format), args...)
}

func (badgerLogger) Infof(format string, args ...interface{}) {}

func (badgerLogger) Debugf(format string, args ...interface{}) {}

// OpenBadger 開啟嵌入式 Badger 資料庫.
// path 為空字串時使用純記憶體模式（測試用）.
func OpenBadger(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLogger(badgerLogger{})
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", path, err)
	}

	logger.LogInfof("Badger opened successfully (in-memory: %v)", path == "")
	return db, nil
}
