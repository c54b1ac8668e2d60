package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Repository reads and overwrites student records and their profile documents.
type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, studentID snowflake.ID) (*Student, error)
	FindProfileByAuthUID(ctx context.Context, db *gorm.DB, authUID string) (*StudentProfile, error)
	UpdateCredits(ctx context.Context, db *gorm.DB, studentID snowflake.ID, credits int64) error
	UpdateProfileStudios(ctx context.Context, db *gorm.DB, profileID snowflake.ID, studios datatypes.JSONMap) error
}
