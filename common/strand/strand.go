package strand

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/scusemua/vm-control-plane/common/storage"
)

// Create inserts a top-level strand that is due immediately.
func Create(ctx context.Context, db *gorm.DB, prog string, label string, frame *Frame) (*storage.Strand, error) {
	return create(ctx, db, nil, prog, label, frame)
}

// Spawn inserts a child strand of the given parent. The child is due immediately.
func Spawn(ctx context.Context, db *gorm.DB, parentId string, prog string, label string, frame *Frame) (*storage.Strand, error) {
	return create(ctx, db, &parentId, prog, label, frame)
}

func create(ctx context.Context, db *gorm.DB, parentId *string, prog string, label string, frame *Frame) (*storage.Strand, error) {
	if frame == nil {
		frame = NewFrame()
	}

	stack, err := EncodeStack([]*Frame{frame})
	if err != nil {
		return nil, err
	}

	strand := &storage.Strand{
		ID:       uuid.NewString(),
		ParentID: parentId,
		Prog:     prog,
		Label:    label,
		Stack:    stack,
		Schedule: storage.Now(),
	}

	if err = db.WithContext(ctx).Create(strand).Error; err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to create strand %s.%s", prog, label)
	}

	return strand, nil
}

func Load(ctx context.Context, db *gorm.DB, id string) (*storage.Strand, error) {
	var strand storage.Strand
	err := db.WithContext(ctx).Take(&strand, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrStrandNotFound, id)
	} else if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to load strand %s", id)
	}

	return &strand, nil
}

// Reap deletes the finished children of a parent and returns them. Children that are still running are untouched.
func Reap(ctx context.Context, db *gorm.DB, parentId string) ([]storage.Strand, error) {
	var reaped []storage.Strand

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("parent_id = ? AND exit_val IS NOT NULL", parentId).Find(&reaped).Error; err != nil {
			return pkgerrors.Wrap(err, "failed to query finished children")
		}

		if len(reaped) == 0 {
			return nil
		}

		ids := make([]string, 0, len(reaped))
		for _, child := range reaped {
			ids = append(ids, child.ID)
		}

		if err := tx.Where("strand_id IN ?", ids).Delete(&storage.Semaphore{}).Error; err != nil {
			return pkgerrors.Wrap(err, "failed to delete semaphores of finished children")
		}

		return tx.Where("id IN ?", ids).Delete(&storage.Strand{}).Error
	})

	return reaped, err
}

// CountChildren returns the number of children of a parent that have not been reaped.
func CountChildren(ctx context.Context, db *gorm.DB, parentId string) (int, error) {
	var count int64
	if err := db.WithContext(ctx).Model(&storage.Strand{}).Where("parent_id = ?", parentId).Count(&count).Error; err != nil {
		return 0, pkgerrors.Wrap(err, "failed to count children")
	}

	return int(count), nil
}

// TakeLease atomically claims the strand until now+duration. It succeeds only if the strand is due, unfinished,
// and not leased by anyone else, and returns false otherwise.
//
// On success the strand's Lease field is updated to the claimed expiry.
func TakeLease(ctx context.Context, db *gorm.DB, strand *storage.Strand, now time.Time, duration time.Duration) (bool, error) {
	now = now.UTC()
	lease := now.Add(duration)

	result := db.WithContext(ctx).Model(&storage.Strand{}).
		Where("id = ? AND schedule <= ? AND (lease IS NULL OR lease < ?) AND exit_val IS NULL", strand.ID, now, now).
		Update("lease", lease)
	if result.Error != nil {
		return false, pkgerrors.Wrapf(result.Error, "failed to take lease of strand %s", strand.ID)
	}

	if result.RowsAffected != 1 {
		return false, nil
	}

	strand.Lease = &lease
	return true, nil
}
