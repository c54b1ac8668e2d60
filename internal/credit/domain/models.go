package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// CreditBatch is one prepaid purchase of class credits. Consumption draws
// the batch down via CreditsRemaining; CreditsGranted never changes, so
// 0 <= CreditsRemaining <= CreditsGranted holds for the batch's lifetime.
type CreditBatch struct {
	ID               snowflake.ID  `gorm:"column:id;primaryKey" json:"id"`
	StudentID        snowflake.ID  `gorm:"column:student_id" json:"student_id"`
	StudioID         snowflake.ID  `gorm:"column:studio_id" json:"studio_id"`
	CreditsGranted   int64         `gorm:"column:credits_granted" json:"credits_granted"`
	CreditsRemaining int64         `gorm:"column:credits_remaining" json:"credits_remaining"`
	PurchaseDate     time.Time     `gorm:"column:purchase_date" json:"purchase_date"`
	ExpirationDate   time.Time     `gorm:"column:expiration_date" json:"expiration_date"`
	SourcePackageID  *snowflake.ID `gorm:"column:source_package_id" json:"source_package_id,omitempty"`
	CreatedAt        time.Time     `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        time.Time     `gorm:"column:updated_at" json:"updated_at"`
}

func (CreditBatch) TableName() string {
	return "credit_batches"
}

// Expired reports whether the batch can no longer be consumed or restored.
func (b CreditBatch) Expired(now time.Time) bool {
	return !b.ExpirationDate.After(now)
}

// SweepResult summarizes one expiration sweep run.
type SweepResult struct {
	TotalExpired     int64 `json:"total_expired"`
	AffectedStudents int   `json:"affected_students"`
}
