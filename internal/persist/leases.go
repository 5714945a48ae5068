package persist

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/DoyleJ11/tabletop-sync/internal/lease"
)

// Leases is a lease.Backend on gorm. Every grant is a single conditional
// statement, so concurrent servers never both win the same resource.
type Leases struct {
	db *gorm.DB
}

func NewLeases(db *gorm.DB) *Leases { return &Leases{db: db} }

var _ lease.Backend = (*Leases)(nil)

func (s *Leases) Acquire(ctx context.Context, l lease.Lease, now time.Time) (lease.Lease, bool, error) {
	db := s.db.WithContext(ctx)
	nowMs := now.UnixMilli()

	for attempt := 0; attempt < 3; attempt++ {
		// refresh by the current holder keeps acquired_at
		res := db.Model(&LeaseRow{}).
			Where("resource_id = ? AND holder_session_id = ? AND expires_at_ms > ?", l.ResourceID, l.HolderSessionID, nowMs).
			Updates(map[string]any{
				"holder_user_id": l.HolderUserID,
				"expires_at_ms":  l.ExpiresAt.UnixMilli(),
				"ttl_ms":         l.TTL.Milliseconds(),
			})
		if res.Error != nil {
			return lease.Lease{}, false, res.Error
		}
		if res.RowsAffected > 0 {
			got, ok, err := s.Get(ctx, l.ResourceID, now)
			if err != nil {
				return lease.Lease{}, false, err
			}
			if !ok {
				return l, true, nil
			}
			return got, true, nil
		}

		// take over an expired lease
		row := toRow(l)
		res = db.Model(&LeaseRow{}).
			Where("resource_id = ? AND expires_at_ms <= ?", l.ResourceID, nowMs).
			Updates(map[string]any{
				"holder_session_id": row.HolderSessionID,
				"holder_user_id":    row.HolderUserID,
				"acquired_at_ms":    row.AcquiredAtMs,
				"expires_at_ms":     row.ExpiresAtMs,
				"ttl_ms":            row.TTLMs,
			})
		if res.Error != nil {
			return lease.Lease{}, false, res.Error
		}
		if res.RowsAffected > 0 {
			return l, true, nil
		}

		res = db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return lease.Lease{}, false, res.Error
		}
		if res.RowsAffected > 0 {
			return l, true, nil
		}

		held, ok, err := s.Get(ctx, l.ResourceID, now)
		if err != nil {
			return lease.Lease{}, false, err
		}
		if ok {
			return held, false, nil
		}
		// released or expired between statements
	}
	return lease.Lease{}, false, errors.New("lease contention did not settle")
}

func (s *Leases) Release(ctx context.Context, resourceID, sessionID string) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("resource_id = ? AND holder_session_id = ?", resourceID, sessionID).
		Delete(&LeaseRow{})
	return res.RowsAffected > 0, res.Error
}

func (s *Leases) Get(ctx context.Context, resourceID string, now time.Time) (lease.Lease, bool, error) {
	var row LeaseRow
	err := s.db.WithContext(ctx).
		Where("resource_id = ? AND expires_at_ms > ?", resourceID, now.UnixMilli()).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return lease.Lease{}, false, nil
	}
	if err != nil {
		return lease.Lease{}, false, err
	}
	return fromRow(row), true, nil
}

func (s *Leases) List(ctx context.Context, now time.Time) ([]lease.Lease, error) {
	var rows []LeaseRow
	err := s.db.WithContext(ctx).
		Where("expires_at_ms > ?", now.UnixMilli()).
		Order("resource_id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]lease.Lease, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromRow(r))
	}
	return out, nil
}

func (s *Leases) ForceRelease(ctx context.Context, cutoff time.Time) (int, error) {
	res := s.db.WithContext(ctx).
		Where("acquired_at_ms <= ?", cutoff.UnixMilli()).
		Delete(&LeaseRow{})
	return int(res.RowsAffected), res.Error
}

func toRow(l lease.Lease) LeaseRow {
	return LeaseRow{
		ResourceID:      l.ResourceID,
		HolderSessionID: l.HolderSessionID,
		HolderUserID:    l.HolderUserID,
		AcquiredAtMs:    l.AcquiredAt.UnixMilli(),
		ExpiresAtMs:     l.ExpiresAt.UnixMilli(),
		TTLMs:           l.TTL.Milliseconds(),
	}
}

func fromRow(r LeaseRow) lease.Lease {
	return lease.Lease{
		ResourceID:      r.ResourceID,
		HolderSessionID: r.HolderSessionID,
		HolderUserID:    r.HolderUserID,
		AcquiredAt:      time.UnixMilli(r.AcquiredAtMs),
		ExpiresAt:       time.UnixMilli(r.ExpiresAtMs),
		TTL:             time.Duration(r.TTLMs) * time.Millisecond,
	}
}

// Records is a lease.RecordStore on gorm with version-conditional writes.
type Records struct {
	db *gorm.DB
}

func NewRecords(db *gorm.DB) *Records { return &Records{db: db} }

var _ lease.RecordStore = (*Records)(nil)

func (s *Records) Get(ctx context.Context, resourceID string) (lease.Record, bool, error) {
	var row RecordRow
	err := s.db.WithContext(ctx).Where("resource_id = ?", resourceID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return lease.Record{ResourceID: resourceID, Data: map[string]any{}}, false, nil
	}
	if err != nil {
		return lease.Record{}, false, err
	}
	rec, err := recordFromRow(row)
	return rec, err == nil, err
}

func (s *Records) CompareAndSwap(ctx context.Context, rec lease.Record, expected int64) (lease.Record, bool, error) {
	raw, err := json.Marshal(rec.Data)
	if err != nil {
		return lease.Record{}, false, err
	}
	db := s.db.WithContext(ctx)
	var res *gorm.DB
	if expected == 0 {
		res = db.Clauses(clause.OnConflict{DoNothing: true}).Create(&RecordRow{
			ResourceID:  rec.ResourceID,
			Data:        string(raw),
			Version:     1,
			UpdatedBy:   rec.UpdatedBy,
			UpdatedAtMs: rec.UpdatedAt.UnixMilli(),
		})
	} else {
		res = db.Model(&RecordRow{}).
			Where("resource_id = ? AND version = ?", rec.ResourceID, expected).
			Updates(map[string]any{
				"data":          string(raw),
				"version":       expected + 1,
				"updated_by":    rec.UpdatedBy,
				"updated_at_ms": rec.UpdatedAt.UnixMilli(),
			})
	}
	if res.Error != nil {
		return lease.Record{}, false, res.Error
	}
	stored, _, err := s.Get(ctx, rec.ResourceID)
	if err != nil {
		return lease.Record{}, false, err
	}
	return stored, res.RowsAffected > 0, nil
}

func recordFromRow(row RecordRow) (lease.Record, error) {
	data := map[string]any{}
	if row.Data != "" {
		if err := json.Unmarshal([]byte(row.Data), &data); err != nil {
			return lease.Record{}, err
		}
	}
	if data == nil {
		data = map[string]any{}
	}
	return lease.Record{
		ResourceID: row.ResourceID,
		Data:       data,
		Version:    row.Version,
		UpdatedBy:  row.UpdatedBy,
		UpdatedAt:  time.UnixMilli(row.UpdatedAtMs),
	}, nil
}
