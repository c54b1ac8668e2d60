package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/studioledger/internal/credit/domain"
	"gorm.io/gorm"
)

// deleteChunkSize bounds how many rows a single delete transaction touches.
const deleteChunkSize = 500

type repository struct{}

// Provide returns the gorm-backed credit ledger repository.
func Provide() domain.Repository {
	return &repository{}
}

func (r *repository) CreateBatch(ctx context.Context, db *gorm.DB, batch *domain.CreditBatch) error {
	if batch == nil {
		return domain.ErrInvalidCredits
	}
	if batch.CreditsGranted <= 0 || batch.CreditsRemaining < 0 || batch.CreditsRemaining > batch.CreditsGranted {
		return domain.ErrInvalidCredits
	}
	if !batch.ExpirationDate.After(batch.PurchaseDate) {
		return domain.ErrInvalidExpirationDays
	}

	return db.WithContext(ctx).Exec(`
		INSERT INTO credit_batches (
			id, student_id, studio_id,
			credits_granted, credits_remaining,
			purchase_date, expiration_date, source_package_id,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`,
		batch.ID, batch.StudentID, batch.StudioID,
		batch.CreditsGranted, batch.CreditsRemaining,
		batch.PurchaseDate, batch.ExpirationDate, batch.SourcePackageID,
	).Error
}

func (r *repository) FindByID(ctx context.Context, db *gorm.DB, batchID snowflake.ID) (*domain.CreditBatch, error) {
	var batch domain.CreditBatch
	err := db.WithContext(ctx).
		Raw(`SELECT * FROM credit_batches WHERE id = ? LIMIT 1`, batchID).
		Scan(&batch).Error
	if err != nil {
		return nil, err
	}
	if batch.ID == 0 {
		return nil, nil
	}
	return &batch, nil
}

func (r *repository) ListNonExpired(ctx context.Context, db *gorm.DB, studentID, studioID snowflake.ID, now time.Time) ([]domain.CreditBatch, error) {
	var batches []domain.CreditBatch
	err := db.WithContext(ctx).Raw(`
		SELECT * FROM credit_batches
		WHERE student_id = ? AND studio_id = ? AND expiration_date > ?
		ORDER BY expiration_date ASC, purchase_date ASC, id ASC
	`, studentID, studioID, now).Scan(&batches).Error
	if err != nil {
		return nil, err
	}
	return batches, nil
}

func (r *repository) ListExpired(ctx context.Context, db *gorm.DB, studentID snowflake.ID, now time.Time) ([]domain.CreditBatch, error) {
	var batches []domain.CreditBatch
	err := db.WithContext(ctx).Raw(`
		SELECT * FROM credit_batches
		WHERE student_id = ? AND expiration_date <= ?
		ORDER BY expiration_date ASC, purchase_date ASC, id ASC
	`, studentID, now).Scan(&batches).Error
	if err != nil {
		return nil, err
	}
	return batches, nil
}

func (r *repository) ConsumeOne(ctx context.Context, db *gorm.DB, batchID snowflake.ID, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(`
		UPDATE credit_batches
		SET credits_remaining = credits_remaining - 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND credits_remaining > 0 AND expiration_date > ?
	`, batchID, now)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repository) RestoreOne(ctx context.Context, db *gorm.DB, batchID snowflake.ID, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(`
		UPDATE credit_batches
		SET credits_remaining = credits_remaining + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND credits_remaining < credits_granted AND expiration_date > ?
	`, batchID, now)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repository) DeleteBatches(ctx context.Context, db *gorm.DB, batchIDs []snowflake.ID) error {
	for start := 0; start < len(batchIDs); start += deleteChunkSize {
		end := start + deleteChunkSize
		if end > len(batchIDs) {
			end = len(batchIDs)
		}
		chunk := batchIDs[start:end]

		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return tx.Exec(`DELETE FROM credit_batches WHERE id IN ?`, chunk).Error
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *repository) StudentIDsWithBatches(ctx context.Context, db *gorm.DB) ([]snowflake.ID, error) {
	var studentIDs []snowflake.ID
	err := db.WithContext(ctx).
		Raw(`SELECT DISTINCT student_id FROM credit_batches ORDER BY student_id ASC`).
		Scan(&studentIDs).Error
	if err != nil {
		return nil, err
	}
	return studentIDs, nil
}

func (r *repository) SumAvailable(ctx context.Context, db *gorm.DB, studentID, studioID snowflake.ID, now time.Time) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(`
		SELECT COALESCE(SUM(credits_remaining), 0) FROM credit_batches
		WHERE student_id = ? AND studio_id = ? AND expiration_date > ?
	`, studentID, studioID, now).Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}
