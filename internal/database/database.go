package database

import (
	"mutuo-backend/internal/domain"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Open opens a GORM DB from DSN with a bounded connection pool.
// PreferSimpleProtocol disables prepared statement caching to avoid 42P05
// ("prepared statement already exists") when using connection poolers (e.g. PgBouncer).
func Open(dsn string, maxOpenConns int) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true,
	}), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// Acquisition beyond the limit fails instead of queueing forever.
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxOpenConns / 2)
	return db, nil
}

// AutoMigrate runs migrations for all ledger models and seeds the singleton
// reserve row if absent.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&domain.User{},
		&domain.Transaction{},
		&domain.Loan{},
		&domain.LoanInstallment{},
		&domain.Quota{},
		&domain.ReservePools{},
		&domain.AdminLog{},
	); err != nil {
		return err
	}
	return db.FirstOrCreate(&domain.ReservePools{ID: 1}).Error
}
