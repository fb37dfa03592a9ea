package daemon

import (
	"fmt"

	"gorm.io/gorm"
)

// Partition is the share of the strand id space owned by one dispatcher.
//
// Partition i of n owns the ids whose leading 32 bits fall within [(i-1)*2^32/n, i*2^32/n). Bounds are rendered as
// the smallest uuid with those leading bits, so that ownership is a plain textual range over lowercase uuids. The
// last partition has no upper bound.
type Partition struct {
	Number int
	Count  int

	// Lower is the inclusive lower bound of the partition.
	Lower string
	// Upper is the exclusive upper bound of the partition. It is empty for the last partition.
	Upper string
}

// NewPartition returns partition number of count.
func NewPartition(number int, count int) (*Partition, error) {
	if count < 1 || number < 1 || number > count {
		return nil, fmt.Errorf("invalid partition %d of %d", number, count)
	}

	partition := &Partition{
		Number: number,
		Count:  count,
		Lower:  partitionBound(number-1, count),
	}

	if number < count {
		partition.Upper = partitionBound(number, count)
	}

	return partition, nil
}

func partitionBound(index int, count int) string {
	prefix := (uint64(index) << 32) / uint64(count)
	return fmt.Sprintf("%08x-0000-0000-0000-000000000000", prefix)
}

// IsPartitioned returns true if the dispatcher shares the id space with other dispatchers.
func (p *Partition) IsPartitioned() bool {
	return p.Count > 1
}

// Contains reports whether the strand id belongs to the partition.
func (p *Partition) Contains(id string) bool {
	if id < p.Lower {
		return false
	}

	return p.Upper == "" || id < p.Upper
}

// Within restricts a strand query to the partition.
func (p *Partition) Within(tx *gorm.DB) *gorm.DB {
	if !p.IsPartitioned() {
		return tx
	}

	tx = tx.Where("id >= ?", p.Lower)
	if p.Upper != "" {
		tx = tx.Where("id < ?", p.Upper)
	}

	return tx
}

// Outside restricts a strand query to the ids of every other partition.
func (p *Partition) Outside(tx *gorm.DB) *gorm.DB {
	if p.Upper == "" {
		return tx.Where("id < ?", p.Lower)
	}

	return tx.Where("(id < ? OR id >= ?)", p.Lower, p.Upper)
}

func (p *Partition) String() string {
	upper := p.Upper
	if upper == "" {
		upper = "∞"
	}

	return fmt.Sprintf("Partition[%d/%d: %s .. %s)", p.Number, p.Count, p.Lower, upper)
}
