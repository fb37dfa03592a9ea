package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	ErrCheckViolation  = errors.New("storage check constraint violated")
	ErrUniqueViolation = errors.New("storage unique constraint violated")
)

// Open connects to the sqlite database at the given DSN and migrates every model.
//
// sqlite admits a single writer, so the pool is pinned to one connection. Callers must therefore never issue a
// query on the root handle from inside a transaction opened on it.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: Now,
	})
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to open database \"%s\"", dsn)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to obtain database handle")
	}

	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err = db.AutoMigrate(AllModels()...); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to migrate database")
	}

	return db, nil
}

// InMemoryDSN returns a DSN for a named, shared-cache in-memory database.
func InMemoryDSN(name string) string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
}

// Now returns the current time in UTC. Every timestamp compared inside a query must be UTC so that sqlite's textual
// datetime ordering matches chronological ordering.
func Now() time.Time {
	return time.Now().UTC()
}

// IsCheckViolation reports whether err was raised by a CHECK constraint.
func IsCheckViolation(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, ErrCheckViolation) || strings.Contains(err.Error(), "CHECK constraint failed")
}

// IsUniqueViolation reports whether err was raised by a UNIQUE constraint.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, ErrUniqueViolation) || strings.Contains(err.Error(), "UNIQUE constraint failed")
}
