package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Student is the studio-scoped student record. Credits is a denormalized
// cache of the ledger balance, overwritten on every recompute.
type Student struct {
	ID        snowflake.ID `gorm:"column:id;primaryKey" json:"id"`
	StudioID  snowflake.ID `gorm:"column:studio_id" json:"studio_id"`
	AuthUID   string       `gorm:"column:auth_uid" json:"auth_uid"`
	Credits   int64        `gorm:"column:credits" json:"credits"`
	CreatedAt time.Time    `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time    `gorm:"column:updated_at" json:"updated_at"`
}

func (Student) TableName() string {
	return "students"
}

// StudentProfile spans studios for one authenticated user. Studios maps
// studio id (decimal string) to a per-studio document holding "credits".
type StudentProfile struct {
	ID        snowflake.ID      `gorm:"column:id;primaryKey" json:"id"`
	AuthUID   string            `gorm:"column:auth_uid" json:"auth_uid"`
	Studios   datatypes.JSONMap `gorm:"column:studios" json:"studios"`
	CreatedAt time.Time         `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time         `gorm:"column:updated_at" json:"updated_at"`
}

func (StudentProfile) TableName() string {
	return "student_profiles"
}
