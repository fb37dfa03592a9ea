package strand

import (
	"context"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/scusemua/vm-control-plane/common/storage"
)

// Incr raises the named semaphore of a strand and makes the strand due immediately. Raising a raised semaphore is
// a no-op apart from the wake-up.
func Incr(ctx context.Context, db *gorm.DB, strandId string, name string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		semaphore := &storage.Semaphore{
			ID:       uuid.NewString(),
			StrandID: strandId,
			Name:     name,
		}

		err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(semaphore).Error
		if err != nil {
			return pkgerrors.Wrapf(err, "failed to raise semaphore %s of strand %s", name, strandId)
		}

		err = tx.Model(&storage.Strand{}).Where("id = ?", strandId).Update("schedule", storage.Now()).Error
		if err != nil {
			return pkgerrors.Wrapf(err, "failed to wake strand %s", strandId)
		}

		return nil
	})
}

// Check reports whether the named semaphore of a strand is raised.
func Check(ctx context.Context, db *gorm.DB, strandId string, name string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Model(&storage.Semaphore{}).
		Where("strand_id = ? AND name = ?", strandId, name).
		Count(&count).Error
	if err != nil {
		return false, pkgerrors.Wrapf(err, "failed to check semaphore %s of strand %s", name, strandId)
	}

	return count > 0, nil
}

// Clear lowers the named semaphore of a strand. Clearing a lowered semaphore is a no-op.
func Clear(ctx context.Context, db *gorm.DB, strandId string, name string) error {
	err := db.WithContext(ctx).Where("strand_id = ? AND name = ?", strandId, name).Delete(&storage.Semaphore{}).Error
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to clear semaphore %s of strand %s", name, strandId)
	}

	return nil
}
