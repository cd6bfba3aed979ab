package custody

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.mongodb.org/mongo-driver/v2/bson"
)

var badgerKeyPrefix = []byte("custody/key/")

// maxTxnRetries 交易衝突時的重試次數
const maxTxnRetries = 8

// BadgerStore 嵌入式持久化實作
// 每個操作都是一個可序列化的 Badger 交易
type BadgerStore struct {
	db      *badger.DB
	wrapper *Wrapper
	now     func() time.Time
}

// NewBadgerStore 創建 Badger 儲存，db 的生命週期由呼叫者管理
func NewBadgerStore(db *badger.DB, wrapper *Wrapper) *BadgerStore {
	return &BadgerStore{db: db, wrapper: wrapper, now: time.Now}
}

func badgerKey(h Handle) []byte {
	return append(append([]byte{}, badgerKeyPrefix...), h...)
}

// update 執行寫入交易，遇到 ErrConflict 時重試
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("badger transaction kept conflicting: %w", err)
}

func loadDocument(txn *badger.Txn, h Handle) (*keyDocument, error) {
	item, err := txn.Get(badgerKey(h))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key: %w", err)
	}

	var doc keyDocument
	if err := item.Value(func(val []byte) error {
		return bson.Unmarshal(val, &doc)
	}); err != nil {
		return nil, fmt.Errorf("failed to decode key document: %w", err)
	}
	return &doc, nil
}

func storeDocument(txn *badger.Txn, doc *keyDocument) error {
	val, err := bson.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode key document: %w", err)
	}
	return txn.Set(badgerKey(Handle(doc.Handle)), val)
}

func (s *BadgerStore) Put(ctx context.Context, rec KeyRecord) error {
	if err := rec.validate(); err != nil {
		return err
	}
	doc, err := newKeyDocument(s.wrapper, rec, s.now())
	if err != nil {
		return err
	}

	return s.update(ctx, func(txn *badger.Txn) error {
		_, err := loadDocument(txn, rec.Handle)
		if err == nil {
			return ErrHandleConflict
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		return storeDocument(txn, doc)
	})
}

func (s *BadgerStore) Overwrite(ctx context.Context, rec KeyRecord) error {
	if err := rec.validate(); err != nil {
		return err
	}

	return s.update(ctx, func(txn *badger.Txn) error {
		doc, err := loadDocument(txn, rec.Handle)
		if err != nil {
			return err
		}
		wrapped, err := s.wrapper.Wrap(rec.Material, doc.DocID)
		if err != nil {
			return fmt.Errorf("key wrapping error: %w", err)
		}
		doc.WrappedKey = wrapped
		doc.Scheme = string(rec.Scheme)
		doc.UpdatedAt = s.now().UTC().Truncate(time.Millisecond)
		return storeDocument(txn, doc)
	})
}

func (s *BadgerStore) Get(_ context.Context, handle Handle) (KeyRecord, error) {
	var doc *keyDocument
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		doc, err = loadDocument(txn, handle)
		return err
	})
	if err != nil {
		return KeyRecord{}, err
	}
	return doc.record(s.wrapper)
}

func (s *BadgerStore) Rekey(ctx context.Context, oldHandle, newHandle Handle) error {
	if err := validateRekey(oldHandle, newHandle); err != nil {
		return err
	}

	return s.update(ctx, func(txn *badger.Txn) error {
		doc, err := loadDocument(txn, oldHandle)
		if err != nil {
			return err
		}
		if _, err := loadDocument(txn, newHandle); err == nil {
			return ErrHandleConflict
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		doc.Handle = newHandle.String()
		doc.Phase = string(newHandle.Phase())
		doc.UpdatedAt = s.now().UTC().Truncate(time.Millisecond)
		if err := storeDocument(txn, doc); err != nil {
			return err
		}
		return txn.Delete(badgerKey(oldHandle))
	})
}

func (s *BadgerStore) Delete(ctx context.Context, handle Handle) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		if _, err := loadDocument(txn, handle); err != nil {
			return err
		}
		return txn.Delete(badgerKey(handle))
	})
}

func (s *BadgerStore) List(_ context.Context, filter ListFilter) ([]KeyInfo, error) {
	infos := make([]KeyInfo, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(badgerKeyPrefix); it.ValidForPrefix(badgerKeyPrefix); it.Next() {
			var doc keyDocument
			if err := it.Item().Value(func(val []byte) error {
				return bson.Unmarshal(val, &doc)
			}); err != nil {
				return fmt.Errorf("failed to decode key document: %w", err)
			}
			if info := doc.info(); filter.matches(info) {
				infos = append(infos, info)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortInfos(infos)
	return infos, nil
}

func (s *BadgerStore) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger is closed")
	}
	return nil
}
