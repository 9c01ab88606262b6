package library

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// localExpression is the device-local row backing an expression. The image
// stays inline as a data URI; single-device collections never touch the asset
// store.
type localExpression struct {
	DeviceID    string    `gorm:"primaryKey;size:64"`
	ID          string    `gorm:"primaryKey;size:64"`
	Name        string    `gorm:"size:255"`
	Image       string    `gorm:"type:text"`
	StoragePath string    `gorm:"size:255"`
	IsFavorite  bool      `gorm:"not null;default:false"`
	Position    int64     `gorm:"not null;index"`
	CreatedAt   time.Time `json:"created_at"`
}

func (localExpression) TableName() string {
	return "local_expressions"
}

// LocalBackend persists a single device's collection synchronously in the
// relational store. Deletion here is plain removal: the archival protocol is
// a cloud-mode property, and device-local libraries deliberately keep no
// deleted namespace.
type LocalBackend struct {
	db       *gorm.DB
	deviceID string
}

// NewLocalBackend builds a backend scoped to one device.
func NewLocalBackend(db *gorm.DB, deviceID string) (*LocalBackend, error) {
	trimmed := strings.TrimSpace(deviceID)
	if trimmed == "" {
		return nil, errors.New("library: device id is required")
	}
	if db == nil {
		return nil, errors.New("library: database handle is required")
	}
	return &LocalBackend{db: db, deviceID: trimmed}, nil
}

func (b *LocalBackend) toExpression(row localExpression) Expression {
	return Expression{
		ID:          row.ID,
		Name:        row.Name,
		Image:       row.Image,
		StoragePath: row.StoragePath,
		IsFavorite:  row.IsFavorite,
		CreatedAt:   row.CreatedAt.UnixMilli(),
	}
}

// List implements Backend: rows come back in insertion order, newest first,
// matching the prepend semantics of an in-memory history.
func (b *LocalBackend) List(ctx context.Context) ([]Expression, error) {
	var rows []localExpression
	if err := b.db.WithContext(ctx).
		Where("device_id = ?", b.deviceID).
		Order("position asc").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("library: list local expressions: %w", err)
	}

	expressions := make([]Expression, 0, len(rows))
	for _, row := range rows {
		expressions = append(expressions, b.toExpression(row))
	}
	return expressions, nil
}

// Add implements Backend: a decreasing position value makes every insert a
// prepend.
func (b *LocalBackend) Add(ctx context.Context, exp Expression) (Expression, error) {
	if strings.TrimSpace(exp.Image) == "" {
		return Expression{}, ErrBadImage
	}

	row := localExpression{
		DeviceID:   b.deviceID,
		ID:         exp.ID,
		Name:       exp.Name,
		Image:      exp.Image,
		IsFavorite: exp.IsFavorite,
		Position:   -time.Now().UnixNano(),
	}
	if err := b.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Expression{}, fmt.Errorf("library: add local expression: %w", err)
	}
	return b.toExpression(row), nil
}

// Update implements Backend.
func (b *LocalBackend) Update(ctx context.Context, exp Expression) error {
	result := b.db.WithContext(ctx).
		Model(&localExpression{}).
		Where("device_id = ? AND id = ?", b.deviceID, exp.ID).
		Updates(map[string]interface{}{
			"name":        exp.Name,
			"image":       exp.Image,
			"is_favorite": exp.IsFavorite,
		})
	if result.Error != nil {
		return fmt.Errorf("library: update local expression: %w", result.Error)
	}
	return nil
}

// Delete implements Backend.
func (b *LocalBackend) Delete(ctx context.Context, id string) error {
	if err := b.db.WithContext(ctx).
		Where("device_id = ? AND id = ?", b.deviceID, id).
		Delete(&localExpression{}).Error; err != nil {
		return fmt.Errorf("library: delete local expression: %w", err)
	}
	return nil
}

// Clear implements Backend.
func (b *LocalBackend) Clear(ctx context.Context) error {
	if err := b.db.WithContext(ctx).
		Where("device_id = ?", b.deviceID).
		Delete(&localExpression{}).Error; err != nil {
		return fmt.Errorf("library: clear local expressions: %w", err)
	}
	return nil
}

// Watch implements Backend. A device-local collection has no external
// writers, so the snapshot is emitted once and the returned teardown is a
// no-op.
func (b *LocalBackend) Watch(onChange func([]Expression), onErr func(error)) (func(), error) {
	if onChange == nil {
		return nil, errors.New("library: onChange callback is required")
	}

	expressions, err := b.List(context.Background())
	if err != nil {
		return nil, err
	}
	onChange(expressions)
	return func() {}, nil
}
