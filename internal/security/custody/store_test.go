package custody

import (
	"context"
	"crypto/rand"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"custody-gateway/internal/security/encryption"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func newKey(t testing.TB) []byte {
	t.Helper()
	k := make([]byte, encryption.KeySize)
	_, err := rand.Read(k)
	require.NoError(t, err)
	return k
}

func testWrapper(t testing.TB) *Wrapper {
	t.Helper()
	w, err := NewWrapper(newKey(t))
	require.NoError(t, err)
	return w
}

type storeFactory func(t *testing.T) Store

func backends(t *testing.T) map[string]storeFactory {
	factories := map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"badger": func(t *testing.T) Store {
			db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })
			return NewBadgerStore(db, testWrapper(t))
		},
	}

	if url := os.Getenv("MONGO_TEST_URL"); url != "" {
		factories["mongo"] = func(t *testing.T) Store {
			client, err := mongo.Connect(options.Client().ApplyURI(url))
			require.NoError(t, err)

			ctx := context.Background()
			db := client.Database("custody_test_" + uuid.NewString()[:8])
			t.Cleanup(func() {
				_ = db.Drop(ctx)
				_ = client.Disconnect(ctx)
			})

			s, err := NewMongoStore(ctx, db, "", testWrapper(t))
			require.NoError(t, err)
			return s
		}
	}
	return factories
}

func TestStore_PutGet(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			h := ContentHandle("QmHash1")
			key := newKey(t)

			require.NoError(t, s.Put(ctx, KeyRecord{Handle: h, Material: key, Scheme: encryption.SchemeCBC}))

			rec, err := s.Get(ctx, h)
			require.NoError(t, err)
			assert.Equal(t, key, rec.Material)
			assert.Equal(t, h, rec.Handle)
			assert.Equal(t, encryption.SchemeCBC, rec.Scheme)
			assert.Equal(t, PhaseInterim, rec.Phase())
			assert.False(t, rec.CreatedAt.IsZero())

			_, err = s.Get(ctx, ContentHandle("QmMissing"))
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_PutRejectsExistingHandle(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			h := ContentHandle("QmDup")
			first := newKey(t)

			require.NoError(t, s.Put(ctx, KeyRecord{Handle: h, Material: first}))
			err := s.Put(ctx, KeyRecord{Handle: h, Material: newKey(t)})
			assert.ErrorIs(t, err, ErrHandleConflict)

			// 原本的密鑰不能被悄悄覆蓋
			rec, err := s.Get(ctx, h)
			require.NoError(t, err)
			assert.Equal(t, first, rec.Material)
		})
	}
}

func TestStore_PutValidation(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			err := s.Put(ctx, KeyRecord{Handle: "QmNoPrefix", Material: newKey(t)})
			assert.ErrorIs(t, err, ErrInvalidHandle)

			err = s.Put(ctx, KeyRecord{Handle: ContentHandle("QmShort"), Material: make([]byte, 16)})
			assert.ErrorIs(t, err, ErrInvalidKey)
		})
	}
}

func TestStore_Overwrite(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			h := RecordHandle(42)
			replacement := newKey(t)

			err := s.Overwrite(ctx, KeyRecord{Handle: h, Material: replacement})
			assert.ErrorIs(t, err, ErrNotFound, "overwrite must not create a handle")

			require.NoError(t, s.Put(ctx, KeyRecord{Handle: h, Material: newKey(t), Scheme: encryption.SchemeCBC}))
			require.NoError(t, s.Overwrite(ctx, KeyRecord{Handle: h, Material: replacement, Scheme: encryption.SchemeGCM}))

			rec, err := s.Get(ctx, h)
			require.NoError(t, err)
			assert.Equal(t, replacement, rec.Material)
			assert.Equal(t, encryption.SchemeGCM, rec.Scheme)
		})
	}
}

func TestStore_Rekey(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			h, h2 := ContentHandle("QmUpload"), RecordHandle(7)
			key := newKey(t)

			require.NoError(t, s.Put(ctx, KeyRecord{Handle: h, Material: key}))
			require.NoError(t, s.Rekey(ctx, h, h2))

			_, err := s.Get(ctx, h)
			assert.ErrorIs(t, err, ErrNotFound)

			rec, err := s.Get(ctx, h2)
			require.NoError(t, err)
			assert.Equal(t, key, rec.Material)
			assert.Equal(t, PhaseAssociated, rec.Phase())
		})
	}
}

func TestStore_RekeyErrors(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			a, b := ContentHandle("QmA"), ContentHandle("QmB")
			target := RecordHandle(1)

			assert.ErrorIs(t, s.Rekey(ctx, a, target), ErrNotFound)

			keyA, keyB := newKey(t), newKey(t)
			require.NoError(t, s.Put(ctx, KeyRecord{Handle: a, Material: keyA}))
			require.NoError(t, s.Put(ctx, KeyRecord{Handle: b, Material: keyB}))
			require.NoError(t, s.Rekey(ctx, a, target))

			assert.ErrorIs(t, s.Rekey(ctx, b, target), ErrHandleConflict)
			assert.ErrorIs(t, s.Rekey(ctx, target, target), ErrHandleConflict)

			// 衝突後兩邊都保持原狀
			rec, err := s.Get(ctx, b)
			require.NoError(t, err)
			assert.Equal(t, keyB, rec.Material)
			rec, err = s.Get(ctx, target)
			require.NoError(t, err)
			assert.Equal(t, keyA, rec.Material)
		})
	}
}

func TestStore_Delete(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			h := ContentHandle("QmOrphan")

			assert.ErrorIs(t, s.Delete(ctx, h), ErrNotFound)

			require.NoError(t, s.Put(ctx, KeyRecord{Handle: h, Material: newKey(t)}))
			require.NoError(t, s.Delete(ctx, h))

			_, err := s.Get(ctx, h)
			assert.ErrorIs(t, err, ErrNotFound)

			// 刪除後同一 handle 可以重新使用
			assert.NoError(t, s.Put(ctx, KeyRecord{Handle: h, Material: newKey(t)}))
		})
	}
}

func TestStore_List(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			base := time.Now().Add(-2 * time.Hour).Truncate(time.Millisecond)

			require.NoError(t, s.Put(ctx, KeyRecord{Handle: ContentHandle("QmOld"), Material: newKey(t), CreatedAt: base}))
			require.NoError(t, s.Put(ctx, KeyRecord{Handle: ContentHandle("QmNew"), Material: newKey(t), CreatedAt: base.Add(90 * time.Minute)}))
			require.NoError(t, s.Put(ctx, KeyRecord{Handle: RecordHandle(3), Material: newKey(t), CreatedAt: base.Add(time.Minute)}))

			all, err := s.List(ctx, ListFilter{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, ContentHandle("QmOld"), all[0].Handle)
			assert.Equal(t, RecordHandle(3), all[1].Handle)
			assert.Equal(t, ContentHandle("QmNew"), all[2].Handle)

			interim, err := s.List(ctx, ListFilter{Phase: PhaseInterim})
			require.NoError(t, err)
			assert.Len(t, interim, 2)

			stale, err := s.List(ctx, ListFilter{Phase: PhaseInterim, CreatedBefore: base.Add(time.Hour)})
			require.NoError(t, err)
			require.Len(t, stale, 1)
			assert.Equal(t, ContentHandle("QmOld"), stale[0].Handle)
		})
	}
}

func TestStore_ConcurrentPutSameHandle(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			h := ContentHandle("QmRace")

			const workers = 16
			var wg sync.WaitGroup
			var mu sync.Mutex
			successes, conflicts := 0, 0

			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := s.Put(ctx, KeyRecord{Handle: h, Material: newKey(t)})
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						successes++
					case errors.Is(err, ErrHandleConflict):
						conflicts++
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, 1, successes)
			assert.Equal(t, workers-1, conflicts)
		})
	}
}

// 讀者先查舊 handle 再查新 handle：舊的已消失時新的必須存在
func TestStore_RekeyIsAtomicForReaders(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			h, h2 := ContentHandle("QmAtomic"), RecordHandle(99)
			require.NoError(t, s.Put(ctx, KeyRecord{Handle: h, Material: newKey(t)}))

			stop := make(chan struct{})
			var wg sync.WaitGroup
			for i := 0; i < 4; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						select {
						case <-stop:
							return
						default:
						}
						if _, err := s.Get(ctx, h); errors.Is(err, ErrNotFound) {
							if _, err := s.Get(ctx, h2); err != nil {
								t.Errorf("both handles missing: %v", err)
							}
							return
						}
					}
				}()
			}

			time.Sleep(5 * time.Millisecond)
			require.NoError(t, s.Rekey(ctx, h, h2))
			time.Sleep(5 * time.Millisecond)
			close(stop)
			wg.Wait()
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	h := ContentHandle("QmCopy")
	key := newKey(t)
	original := append([]byte{}, key...)

	require.NoError(t, s.Put(ctx, KeyRecord{Handle: h, Material: key}))
	key[0] ^= 0xff

	rec, err := s.Get(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, original, rec.Material)

	rec.Material[1] ^= 0xff
	again, err := s.Get(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, original, again.Material)
	assert.Equal(t, 1, s.Len())
}

func TestBadgerStore_WrapsMaterialAtRest(t *testing.T) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	key := newKey(t)
	h := RecordHandle(5)
	require.NoError(t, NewBadgerStore(db, testWrapper(t)).Put(ctx, KeyRecord{Handle: h, Material: key}))

	// 不同 Master Key 無法解開
	_, err = NewBadgerStore(db, testWrapper(t)).Get(ctx, h)
	assert.ErrorIs(t, err, ErrUnwrap)

	require.NoError(t, db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(h))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			assert.NotContains(t, string(val), string(key))
			return nil
		})
	}))
}

func TestBadgerStore_SwappedWrappedKeyFailsToUnwrap(t *testing.T) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	s := NewBadgerStore(db, testWrapper(t))
	a, b := RecordHandle(7), RecordHandle(8)
	require.NoError(t, s.Put(ctx, KeyRecord{Handle: a, Material: newKey(t)}))
	require.NoError(t, s.Put(ctx, KeyRecord{Handle: b, Material: newKey(t)}))

	// 把 a 的包裝密鑰搬到 b 的文檔
	require.NoError(t, db.Update(func(txn *badger.Txn) error {
		docA, err := loadDocument(txn, a)
		if err != nil {
			return err
		}
		docB, err := loadDocument(txn, b)
		if err != nil {
			return err
		}
		assert.NotEqual(t, docA.DocID, docB.DocID)
		docB.WrappedKey = docA.WrappedKey
		return storeDocument(txn, docB)
	}))

	_, err = s.Get(ctx, b)
	assert.ErrorIs(t, err, ErrUnwrap)

	_, err = s.Get(ctx, a)
	assert.NoError(t, err)
}

func TestStore_OverwriteAfterRekey(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()
			key := newKey(t)
			from, to := ContentHandle("sha256:aa"), RecordHandle(91)
			require.NoError(t, s.Put(ctx, KeyRecord{Handle: from, Material: key}))
			require.NoError(t, s.Rekey(ctx, from, to))

			replacement := newKey(t)
			require.NoError(t, s.Overwrite(ctx, KeyRecord{Handle: to, Material: replacement}))
			rec, err := s.Get(ctx, to)
			require.NoError(t, err)
			assert.Equal(t, replacement, rec.Material)
		})
	}
}
