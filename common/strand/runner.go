package strand

import (
	"context"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/goccy/go-json"
	pkgerrors "github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/scusemua/vm-control-plane/common/storage"
	"github.com/scusemua/vm-control-plane/common/utils"
)

const (
	MinRetryBackoff = time.Second
	MaxRetryBackoff = 10 * time.Minute
)

// RetryBackoff returns how long a strand naps after its try-th consecutive failure.
func RetryBackoff(try int) time.Duration {
	if try <= 1 {
		return MinRetryBackoff
	}

	if try > 20 {
		return MaxRetryBackoff
	}

	backoff := MinRetryBackoff << (try - 1)
	if backoff > MaxRetryBackoff {
		return MaxRetryBackoff
	}

	return backoff
}

// Runner executes one step of a strand and persists its outcome.
//
// Every write is conditioned on the lease the worker took, so a worker that overran its lease cannot clobber the
// strand after another worker took it over.
type Runner struct {
	registry *Registry
	clock    func() time.Time

	log logger.Logger
}

func NewRunner(registry *Registry, clock func() time.Time) *Runner {
	if clock == nil {
		clock = storage.Now
	}

	runner := &Runner{
		registry: registry,
		clock:    clock,
	}

	config.InitLogger(&runner.log, runner)

	return runner
}

// Run executes the step of the strand's current label.
//
// A failing step, or a strand whose program is unknown, has its try counter incremented and naps with a capped
// exponential backoff. The failure is still returned so that the caller can log it.
func (r *Runner) Run(ctx context.Context, db *gorm.DB, strand *storage.Strand) error {
	step, err := r.registry.Lookup(strand.Prog, strand.Label)
	if err != nil {
		return r.fail(ctx, db, strand, err)
	}

	stack, err := DecodeStack(strand.Stack)
	if err != nil {
		return r.fail(ctx, db, strand, err)
	}

	stepContext := &StepContext{
		Strand: strand,
		DB:     db,
		Stack:  stack,
	}

	outcome, err := step(ctx, stepContext)
	if err != nil {
		return r.fail(ctx, db, strand, pkgerrors.WithStack(err))
	}

	encodedStack, err := EncodeStack(stepContext.Stack)
	if err != nil {
		return r.fail(ctx, db, strand, err)
	}

	r.log.Debug("Strand %s (%s.%s): %s", strand.ID, strand.Prog, strand.Label, outcome.String())

	switch outcome.Kind {
	case OutcomeHop:
		return r.persist(ctx, db, strand, map[string]interface{}{
			"label":    outcome.Label,
			"stack":    encodedStack,
			"schedule": r.clock().UTC(),
			"lease":    nil,
			"try":      0,
		})
	case OutcomeNap:
		return r.persist(ctx, db, strand, map[string]interface{}{
			"stack":    encodedStack,
			"schedule": r.clock().UTC().Add(outcome.Wait),
			"lease":    nil,
			"try":      0,
		})
	default:
		return r.exit(ctx, db, strand, outcome.ExitValue)
	}
}

// withLease restricts a query to the strand as long as it is still held under the lease the worker took.
func withLease(tx *gorm.DB, strand *storage.Strand) *gorm.DB {
	if strand.Lease == nil {
		return tx.Where("id = ? AND lease IS NULL", strand.ID)
	}

	return tx.Where("id = ? AND lease = ?", strand.ID, *strand.Lease)
}

func (r *Runner) persist(ctx context.Context, db *gorm.DB, strand *storage.Strand, updates map[string]interface{}) error {
	result := withLease(db.WithContext(ctx).Model(&storage.Strand{}), strand).Updates(updates)
	if result.Error != nil {
		return pkgerrors.Wrapf(result.Error, "failed to persist strand %s", strand.ID)
	}

	if result.RowsAffected != 1 {
		r.log.Warn(utils.OrangeStyle.Render("Lost the lease of strand %s (%s.%s) before persisting its outcome."),
			strand.ID, strand.Prog, strand.Label)
		return pkgerrors.Wrapf(ErrLeaseLost, "strand %s", strand.ID)
	}

	return nil
}

// exit finishes the strand. A child keeps its row with the exit value until its parent reaps it, and its parent is
// woken up. A top-level strand is deleted.
func (r *Runner) exit(ctx context.Context, db *gorm.DB, strand *storage.Strand, value interface{}) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return r.fail(ctx, db, strand, pkgerrors.Wrap(err, "failed to encode exit value"))
	}
	exitValue := string(encoded)

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if strand.ParentID == nil {
			result := withLease(tx, strand).Delete(&storage.Strand{})
			if result.Error != nil {
				return pkgerrors.Wrapf(result.Error, "failed to delete strand %s", strand.ID)
			}

			if result.RowsAffected != 1 {
				return pkgerrors.Wrapf(ErrLeaseLost, "strand %s", strand.ID)
			}

			return tx.Where("strand_id = ?", strand.ID).Delete(&storage.Semaphore{}).Error
		}

		result := withLease(tx.Model(&storage.Strand{}), strand).Updates(map[string]interface{}{
			"exit_val": exitValue,
			"lease":    nil,
		})
		if result.Error != nil {
			return pkgerrors.Wrapf(result.Error, "failed to finish strand %s", strand.ID)
		}

		if result.RowsAffected != 1 {
			return pkgerrors.Wrapf(ErrLeaseLost, "strand %s", strand.ID)
		}

		return tx.Model(&storage.Strand{}).Where("id = ?", *strand.ParentID).Update("schedule", r.clock().UTC()).Error
	})
}

func (r *Runner) fail(ctx context.Context, db *gorm.DB, strand *storage.Strand, cause error) error {
	try := strand.Try + 1
	backoff := RetryBackoff(try)

	if err := r.persist(ctx, db, strand, map[string]interface{}{
		"schedule": r.clock().UTC().Add(backoff),
		"lease":    nil,
		"try":      try,
	}); err != nil {
		r.log.Error("Failed to record failure of strand %s: %v", strand.ID, err)
	}

	return pkgerrors.Wrapf(cause, "strand %s (%s.%s) failed on try %d, retrying in %v", strand.ID, strand.Prog, strand.Label, try, backoff)
}
