package subscription

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ocelloids/ocnwatch/internal/network"
)

const inMemoryDSN = ":memory:"
const dbDirPermissions = 0o750

// record is the GORM row backing a persisted Subscription. The descriptor
// round-trips through its own JSON codec (the senders/events wildcard union
// doesn't map cleanly onto columns) and is stored as a blob column.
type record struct {
	ID     string `gorm:"primaryKey"`
	Origin string `gorm:"index"`
	Data   []byte
}

func (record) TableName() string { return "subscriptions" }

var gormConfig = &gorm.Config{
	Logger: gormlogger.Default.LogMode(gormlogger.Silent),
}

// GormStore is the default subscription store, backed by SQLite via GORM.
type GormStore struct {
	db *gorm.DB
}

// OpenGormStore opens (or creates) a file-backed SQLite database at
// <dir>/<filename> and auto-migrates the subscriptions table.
func OpenGormStore(dir, filename string) (*GormStore, error) {
	dsn, err := prepareFilePath(dir, filename)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to prepare subscription store path")
	}
	return openSQLite(dsn)
}

// OpenInMemoryGormStore opens a non-persistent SQLite database, useful for
// tests and for a process run with no configured data directory.
func OpenInMemoryGormStore() (*GormStore, error) {
	return openSQLite(inMemoryDSN)
}

func openSQLite(dsn string) (*GormStore, error) {
	if dsn != inMemoryDSN && !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000&cache=shared&mode=rwc"
	}

	db, err := gorm.Open(sqlite.Open(dsn), gormConfig)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to open SQLite database")
	}

	if err := db.AutoMigrate(&record{}); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to auto-migrate subscription schema")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to retrieve native sql.DB")
	}
	if dsn == inMemoryDSN {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	} else {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(10)
	}

	return &GormStore{db: db}, nil
}

func prepareFilePath(dir, filename string) (string, error) {
	if strings.Contains(dir, inMemoryDSN) {
		return dir, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, dbDirPermissions); err != nil {
			return "", pkgerrors.Wrapf(err, "failed to create directory: %s", dir)
		}
	} else if err != nil {
		return "", pkgerrors.Wrap(err, "error checking directory")
	}
	return fmt.Sprintf("%s/%s", dir, filename), nil
}

func (g *GormStore) Insert(sub *Subscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to encode subscription")
	}
	rec := record{ID: sub.ID, Origin: string(sub.Origin), Data: data}
	if err := g.db.Save(&rec).Error; err != nil {
		return pkgerrors.Wrap(err, "failed to persist subscription")
	}
	return nil
}

func (g *GormStore) Remove(id string) error {
	if err := g.db.Where("id = ?", id).Delete(&record{}).Error; err != nil {
		return pkgerrors.Wrap(err, "failed to remove subscription")
	}
	return nil
}

func (g *GormStore) GetByID(id string) (*Subscription, bool, error) {
	var rec record
	err := g.db.Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, pkgerrors.Wrap(err, "failed to look up subscription")
	}
	sub, err := decodeRecord(rec)
	if err != nil {
		return nil, false, err
	}
	return sub, true, nil
}

func (g *GormStore) GetByNetworkID(chainID network.ID) ([]*Subscription, error) {
	var recs []record
	if err := g.db.Where("origin = ?", string(chainID)).Find(&recs).Error; err != nil {
		return nil, pkgerrors.Wrap(err, "failed to list subscriptions by network id")
	}
	return decodeRecords(recs)
}

func (g *GormStore) List() ([]*Subscription, error) {
	var recs []record
	if err := g.db.Find(&recs).Error; err != nil {
		return nil, pkgerrors.Wrap(err, "failed to list subscriptions")
	}
	return decodeRecords(recs)
}

func (g *GormStore) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return pkgerrors.Wrap(err, "failed to retrieve native sql.DB")
	}
	if err := sqlDB.Close(); err != nil {
		return pkgerrors.Wrap(err, "failed to close subscription store")
	}
	return nil
}

func decodeRecord(rec record) (*Subscription, error) {
	var sub Subscription
	if err := json.Unmarshal(rec.Data, &sub); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to decode subscription")
	}
	return &sub, nil
}

func decodeRecords(recs []record) ([]*Subscription, error) {
	out := make([]*Subscription, 0, len(recs))
	for _, rec := range recs {
		sub, err := decodeRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}
