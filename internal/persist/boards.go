package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"gorm.io/gorm"

	"github.com/DoyleJ11/tabletop-sync/internal/board"
	"github.com/DoyleJ11/tabletop-sync/internal/syncerr"
)

// Boards keeps one canonical document per board code.
type Boards struct {
	db *gorm.DB
}

func NewBoards(db *gorm.DB) *Boards { return &Boards{db: db} }

func (b *Boards) Create(ctx context.Context, code string, doc board.BoardDocument) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	err = b.db.WithContext(ctx).Create(&BoardRow{Code: code, Document: string(raw), Version: doc.Version}).Error
	if isUniqueViolation(err) {
		return fmt.Errorf("board %s: %w", code, syncerr.ErrExists)
	}
	return err
}

func (b *Boards) Load(ctx context.Context, code string) (board.BoardDocument, error) {
	var row BoardRow
	err := b.db.WithContext(ctx).Where("code = ?", code).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return board.BoardDocument{}, syncerr.ErrNotFound
	}
	if err != nil {
		return board.BoardDocument{}, err
	}
	doc, err := board.Decode([]byte(row.Document))
	if err != nil {
		return board.BoardDocument{}, fmt.Errorf("board %s: %w", code, err)
	}
	if doc.Version < row.Version {
		doc.Version = row.Version
	}
	return doc, nil
}

// Save writes doc unless a newer version is already stored.
func (b *Boards) Save(ctx context.Context, code string, doc board.BoardDocument) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	res := b.db.WithContext(ctx).Model(&BoardRow{}).
		Where("code = ? AND version <= ?", code, doc.Version).
		Updates(map[string]any{"document": string(raw), "version": doc.Version})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := b.db.WithContext(ctx).Model(&BoardRow{}).Where("code = ?", code).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return syncerr.ErrNotFound
		}
		return &syncerr.ConflictError{Reason: "stored board is newer"}
	}
	return nil
}

// MemoryBoards is the Boards equivalent for DB_DRIVER=memory.
type MemoryBoards struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func NewMemoryBoards() *MemoryBoards {
	return &MemoryBoards{docs: make(map[string][]byte)}
}

func (m *MemoryBoards) Create(_ context.Context, code string, doc board.BoardDocument) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[code]; ok {
		return fmt.Errorf("board %s: %w", code, syncerr.ErrExists)
	}
	m.docs[code] = raw
	return nil
}

func (m *MemoryBoards) Load(_ context.Context, code string) (board.BoardDocument, error) {
	m.mu.Lock()
	raw, ok := m.docs[code]
	m.mu.Unlock()
	if !ok {
		return board.BoardDocument{}, syncerr.ErrNotFound
	}
	return board.Decode(raw)
}

func (m *MemoryBoards) Save(_ context.Context, code string, doc board.BoardDocument) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[code]; !ok {
		return syncerr.ErrNotFound
	}
	m.docs[code] = raw
	return nil
}
