package syncer

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

const checkpointRowID = 1

// Checkpoint persists the pull watermark: the server timestamp up to which
// pulled data is known complete. A single row exists per database.
type Checkpoint struct {
	ID           uint   `gorm:"column:id;primaryKey"`
	Watermark    string `gorm:"column:watermark;size:35;not null;default:''"`
	LastSyncedAt string `gorm:"column:last_synced_at;size:35;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Checkpoint) TableName() string {
	return "sync_checkpoints"
}

func loadCheckpoint(ctx context.Context, db *gorm.DB) (Checkpoint, error) {
	var checkpoint Checkpoint
	err := db.WithContext(ctx).Where("id = ?", checkpointRowID).Take(&checkpoint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Checkpoint{ID: checkpointRowID}, nil
	}
	if err != nil {
		return Checkpoint{}, err
	}
	return checkpoint, nil
}

func saveCheckpoint(ctx context.Context, db *gorm.DB, checkpoint Checkpoint) error {
	checkpoint.ID = checkpointRowID
	return db.WithContext(ctx).Save(&checkpoint).Error
}
