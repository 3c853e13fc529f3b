package notifications

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/contratapro-lifecycle/pkg/db/models"
)

// RecipientDirectory resolves professionals to their contact details. Returns nil, nil when the
// professional is unknown or inactive.
type RecipientDirectory interface {
	Lookup(ctx context.Context, professionalID uuid.UUID) (*Recipient, error)
}

type directory struct {
	db *gorm.DB
}

// NewDirectory reads recipients from the users table.
func NewDirectory(db *gorm.DB) RecipientDirectory {
	return &directory{db: db}
}

func (d *directory) Lookup(ctx context.Context, professionalID uuid.UUID) (*Recipient, error) {
	var pro models.Professional
	if err := d.db.WithContext(ctx).
		Where("id = ? AND is_active = ?", professionalID, true).
		First(&pro).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &Recipient{ProfessionalID: pro.ID, Name: pro.Name, Email: pro.Email}, nil
}
