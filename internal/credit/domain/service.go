package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// AddCreditsRequest creates one new credit batch for a student.
type AddCreditsRequest struct {
	StudentID       snowflake.ID  `json:"student_id" validate:"required"`
	StudioID        snowflake.ID  `json:"studio_id" validate:"required"`
	Credits         int64         `json:"credits" validate:"required,gt=0"`
	ExpirationDays  int           `json:"expiration_days" validate:"required,gt=0"`
	SourcePackageID *snowflake.ID `json:"source_package_id,omitempty"`
}

// Service is the credit ledger engine.
type Service interface {
	AddCredits(ctx context.Context, req AddCreditsRequest) (snowflake.ID, error)
	GetAvailableCredits(ctx context.Context, studentID, studioID snowflake.ID) (int64, error)
	ConsumeCredit(ctx context.Context, studentID, studioID snowflake.ID) (snowflake.ID, error)
	RestoreCredit(ctx context.Context, studentID, studioID, batchID snowflake.ID) error
	ExpireCredits(ctx context.Context) (SweepResult, error)
}
