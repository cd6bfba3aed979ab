package custody

import (
	"fmt"
	"time"

	"custody-gateway/internal/security/encryption"

	"github.com/google/uuid"
)

// keyDocument 持久化後端中的密鑰文檔，密鑰值以 Master Key 包裝
// DocID 建立時產生且 Rekey 不變，綁定包裝後的密鑰
type keyDocument struct {
	DocID      string    `bson:"doc_id"`
	Handle     string    `bson:"handle"`      // content:<hash> 或 record:<id>
	Phase      string    `bson:"phase"`       // interim / associated
	WrappedKey []byte    `bson:"wrapped_key"` // 用 Master Key 包裝的密鑰
	Scheme     string    `bson:"scheme"`      // 密文格式版本
	CreatedAt  time.Time `bson:"created_at"`  // 上傳時間
	UpdatedAt  time.Time `bson:"updated_at"`  // 最後關聯或覆寫時間
}

func newKeyDocument(w *Wrapper, rec KeyRecord, now time.Time) (*keyDocument, error) {
	docID := uuid.NewString()
	wrapped, err := w.Wrap(rec.Material, docID)
	if err != nil {
		return nil, fmt.Errorf("key wrapping error: %w", err)
	}

	created := rec.CreatedAt
	if created.IsZero() {
		created = now
	}

	return &keyDocument{
		DocID:      docID,
		Handle:     rec.Handle.String(),
		Phase:      string(rec.Phase()),
		WrappedKey: wrapped,
		Scheme:     string(rec.Scheme),
		// BSON 時間只保留到毫秒
		CreatedAt: created.UTC().Truncate(time.Millisecond),
		UpdatedAt: now.UTC().Truncate(time.Millisecond),
	}, nil
}

func (d *keyDocument) info() KeyInfo {
	return KeyInfo{
		Handle:    Handle(d.Handle),
		Phase:     Phase(d.Phase),
		Scheme:    encryption.Scheme(d.Scheme),
		CreatedAt: d.CreatedAt,
	}
}

func (d *keyDocument) record(w *Wrapper) (KeyRecord, error) {
	material, err := w.Unwrap(d.WrappedKey, d.DocID)
	if err != nil {
		return KeyRecord{}, fmt.Errorf("handle %s: %w", d.Handle, err)
	}
	return KeyRecord{
		Handle:    Handle(d.Handle),
		Material:  material,
		Scheme:    encryption.Scheme(d.Scheme),
		CreatedAt: d.CreatedAt,
	}, nil
}
