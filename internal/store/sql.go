package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// licenseRow is the SQL representation of a LicenseRecord. Removed and
// replaced records stay in the table with Abandoned set.
type licenseRow struct {
	ID                uint   `gorm:"primaryKey"`
	ProductID         string `gorm:"index:idx_product_device;not null"`
	DeviceFingerprint string `gorm:"index:idx_product_device;not null"`
	LicenseCode       string
	ActivationState   string `gorm:"not null"`
	ActivationID      string
	Email             string
	LastVerifiedAt    time.Time
	Abandoned         bool `gorm:"index;not null;default:false"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (licenseRow) TableName() string { return "license_records" }

func (r licenseRow) record() LicenseRecord {
	return LicenseRecord{
		ProductID:         r.ProductID,
		LicenseCode:       r.LicenseCode,
		ActivationState:   ActivationState(r.ActivationState),
		ActivationID:      r.ActivationID,
		Email:             r.Email,
		LastVerifiedAt:    r.LastVerifiedAt,
		DeviceFingerprint: r.DeviceFingerprint,
		Abandoned:         r.Abandoned,
	}
}

// SQLStore keeps records in a SQLite database through gorm
type SQLStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewSQLStore opens the SQLite database at dsn and migrates the schema
func NewSQLStore(dsn string, log *slog.Logger) (*SQLStore, error) {
	if log == nil {
		log = slog.Default()
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, storageError("failed to open license database", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, storageError("failed to access license database", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&licenseRow{}); err != nil {
		sqlDB.Close()
		return nil, storageError("failed to migrate license database", err)
	}

	return &SQLStore{
		db:     db,
		logger: log.With(slog.String("component", "sql_store")),
	}, nil
}

func (s *SQLStore) Get(ctx context.Context, productID, fingerprint string) (LicenseRecord, error) {
	var row licenseRow
	err := s.db.WithContext(ctx).
		Where("product_id = ? AND device_fingerprint = ? AND abandoned = ?", productID, fingerprint, false).
		Order("id DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return LicenseRecord{}, ErrNotFound
	}
	if err != nil {
		return LicenseRecord{}, storageError("failed to read license record", err)
	}
	return row.record(), nil
}

func (s *SQLStore) Put(ctx context.Context, rec LicenseRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := abandon(tx, rec.ProductID, rec.DeviceFingerprint); err != nil {
			return err
		}
		row := licenseRow{
			ProductID:         rec.ProductID,
			DeviceFingerprint: rec.DeviceFingerprint,
			LicenseCode:       rec.LicenseCode,
			ActivationState:   string(rec.ActivationState),
			ActivationID:      rec.ActivationID,
			Email:             rec.Email,
			LastVerifiedAt:    rec.LastVerifiedAt,
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return storageError("failed to write license record", err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, productID, fingerprint string) error {
	if err := abandon(s.db.WithContext(ctx), productID, fingerprint); err != nil {
		return storageError("failed to delete license record", err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, fingerprint string) ([]LicenseRecord, error) {
	var rows []licenseRow
	err := s.db.WithContext(ctx).
		Where("device_fingerprint = ? AND abandoned = ?", fingerprint, false).
		Order("product_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, storageError("failed to list license records", err)
	}

	out := make([]LicenseRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

// History returns every row for the product and device, abandoned ones
// included, oldest first.
func (s *SQLStore) History(ctx context.Context, productID, fingerprint string) ([]LicenseRecord, error) {
	var rows []licenseRow
	err := s.db.WithContext(ctx).
		Where("product_id = ? AND device_fingerprint = ?", productID, fingerprint).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, storageError("failed to read license history", err)
	}

	out := make([]LicenseRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func abandon(tx *gorm.DB, productID, fingerprint string) error {
	return tx.Model(&licenseRow{}).
		Where("product_id = ? AND device_fingerprint = ? AND abandoned = ?", productID, fingerprint, false).
		Update("abandoned", true).Error
}
