package repository

import (
	"context"
	"time"

	"github.com/wfunc/candy-vending/internal/errors"
	"github.com/wfunc/candy-vending/internal/models"
	"gorm.io/gorm"
)

// EventRepository 售货流水仓储接口
type EventRepository interface {
	Create(ctx context.Context, event *models.VendEvent) error
	BatchCreate(ctx context.Context, events []*models.VendEvent) error
	Recent(ctx context.Context, query *EventQuery) ([]*models.VendEvent, error)
	CountByType(ctx context.Context, since time.Time) (map[string]int64, error)
	CleanupOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// EventQuery 流水查询条件
type EventQuery struct {
	Type       string
	SlotID     *int
	Since      time.Time
	Pagination *Pagination
}

// eventRepo 售货流水仓储实现
type eventRepo struct {
	*BaseRepo
}

// NewEventRepository 创建售货流水仓储
func NewEventRepository(db *gorm.DB) EventRepository {
	return &eventRepo{
		BaseRepo: &BaseRepo{db: db},
	}
}

// Create 写入一条流水
func (r *eventRepo) Create(ctx context.Context, event *models.VendEvent) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return errors.Wrap(err, errors.ErrDatabaseInsert)
	}
	return nil
}

// BatchCreate 批量写入流水
func (r *eventRepo) BatchCreate(ctx context.Context, events []*models.VendEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).CreateInBatches(events, 100).Error; err != nil {
		return errors.Wrap(err, errors.ErrDatabaseInsert)
	}
	return nil
}

// Recent 按发生时间倒序查询
func (r *eventRepo) Recent(ctx context.Context, query *EventQuery) ([]*models.VendEvent, error) {
	if query == nil {
		query = &EventQuery{}
	}
	if query.Pagination == nil {
		query.Pagination = NewPagination(1, 50)
	}

	db := r.db.WithContext(ctx).Model(&models.VendEvent{})
	if query.Type != "" {
		db = db.Where("type = ?", query.Type)
	}
	if query.SlotID != nil {
		db = db.Where("slot_id = ?", *query.SlotID)
	}
	if !query.Since.IsZero() {
		db = db.Where("occurred_at >= ?", query.Since)
	}

	if err := db.Session(&gorm.Session{}).Count(&query.Pagination.Total).Error; err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabaseQuery)
	}

	var events []*models.VendEvent
	err := db.Scopes(Paginate(query.Pagination)).
		Order("occurred_at DESC, id DESC").
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabaseQuery)
	}
	return events, nil
}

// CountByType 按类型统计
func (r *eventRepo) CountByType(ctx context.Context, since time.Time) (map[string]int64, error) {
	var rows []struct {
		Type  string
		Count int64
	}
	err := r.db.WithContext(ctx).Model(&models.VendEvent{}).
		Select("type, COUNT(*) AS count").
		Where("occurred_at >= ?", since).
		Group("type").
		Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabaseQuery)
	}

	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Type] = row.Count
	}
	return out, nil
}

// CleanupOlderThan 删除过期流水
func (r *eventRepo) CleanupOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("occurred_at < ?", before).Delete(&models.VendEvent{})
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, errors.ErrDatabaseQuery)
	}
	return result.RowsAffected, nil
}
