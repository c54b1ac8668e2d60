package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/studioledger/internal/student/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type repository struct{}

// Provide returns the gorm-backed student repository.
func Provide() domain.Repository {
	return &repository{}
}

func (r *repository) FindByID(ctx context.Context, db *gorm.DB, studentID snowflake.ID) (*domain.Student, error) {
	var student domain.Student
	err := db.WithContext(ctx).
		Raw(`SELECT * FROM students WHERE id = ? LIMIT 1`, studentID).
		Scan(&student).Error
	if err != nil {
		return nil, err
	}
	if student.ID == 0 {
		return nil, nil
	}
	return &student, nil
}

func (r *repository) FindProfileByAuthUID(ctx context.Context, db *gorm.DB, authUID string) (*domain.StudentProfile, error) {
	var profile domain.StudentProfile
	err := db.WithContext(ctx).
		Raw(`SELECT * FROM student_profiles WHERE auth_uid = ? LIMIT 1`, authUID).
		Scan(&profile).Error
	if err != nil {
		return nil, err
	}
	if profile.ID == 0 {
		return nil, nil
	}
	return &profile, nil
}

func (r *repository) UpdateCredits(ctx context.Context, db *gorm.DB, studentID snowflake.ID, credits int64) error {
	return db.WithContext(ctx).
		Exec(`UPDATE students SET credits = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, credits, studentID).
		Error
}

func (r *repository) UpdateProfileStudios(ctx context.Context, db *gorm.DB, profileID snowflake.ID, studios datatypes.JSONMap) error {
	return db.WithContext(ctx).
		Exec(`UPDATE student_profiles SET studios = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, studios, profileID).
		Error
}
