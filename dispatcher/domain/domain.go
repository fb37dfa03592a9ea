package domain

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/scusemua/vm-control-plane/common/storage"
)

var (
	ErrMalformedPartitionCount = errors.New("malformed partition count")
	ErrPartitionOutOfRange     = errors.New("partition count does not cover this dispatcher's partition")
	ErrDispatcherShuttingDown  = errors.New("the dispatcher is shutting down")
)

// StrandRunner executes exactly one step of a strand whose lease the caller holds.
type StrandRunner interface {
	Run(ctx context.Context, db *gorm.DB, strand *storage.Strand) error
}

// PartitionNotifier delivers repartition announcements. Each payload is the new total number of partitions.
type PartitionNotifier interface {
	// Subscribe returns a channel of raw payloads. The channel is closed when the subscription ends.
	Subscribe(ctx context.Context) (<-chan string, error)

	Close() error
}
