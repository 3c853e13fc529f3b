package models

import "github.com/google/uuid"

// Professional is the read-only projection of the externally owned users table used to
// address lifecycle notifications.
type Professional struct {
	ID       uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	Name     string    `gorm:"column:name;not null"`
	Email    string    `gorm:"column:email;not null"`
	IsActive bool      `gorm:"column:is_active;not null"`
}

func (Professional) TableName() string { return "users" }
