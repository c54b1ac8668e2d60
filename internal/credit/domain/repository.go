package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository is the credit ledger store. Reads that feed consumption use the
// canonical order expiration_date ASC, purchase_date ASC, id ASC so every
// caller drains batches in the same sequence.
type Repository interface {
	CreateBatch(ctx context.Context, db *gorm.DB, batch *CreditBatch) error
	FindByID(ctx context.Context, db *gorm.DB, batchID snowflake.ID) (*CreditBatch, error)
	ListNonExpired(ctx context.Context, db *gorm.DB, studentID, studioID snowflake.ID, now time.Time) ([]CreditBatch, error)
	ListExpired(ctx context.Context, db *gorm.DB, studentID snowflake.ID, now time.Time) ([]CreditBatch, error)

	// ConsumeOne decrements credits_remaining by one iff the batch still has
	// credits and has not expired. Returns true when this caller won the row.
	ConsumeOne(ctx context.Context, db *gorm.DB, batchID snowflake.ID, now time.Time) (bool, error)

	// RestoreOne increments credits_remaining by one iff the batch has not
	// expired and restoring would not exceed credits_granted.
	RestoreOne(ctx context.Context, db *gorm.DB, batchID snowflake.ID, now time.Time) (bool, error)

	DeleteBatches(ctx context.Context, db *gorm.DB, batchIDs []snowflake.ID) error
	StudentIDsWithBatches(ctx context.Context, db *gorm.DB) ([]snowflake.ID, error)
	SumAvailable(ctx context.Context, db *gorm.DB, studentID, studioID snowflake.ID, now time.Time) (int64, error)
}
