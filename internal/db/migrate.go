package db

import (
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zulandar/bodega/internal/models"
)

// CoreModels returns the GORM models shared by every deployment. Item types
// contribute their attribute tables on top of these through the registry.
func CoreModels() []interface{} {
	return []interface{}{
		&models.User{},
		&models.Tab{},
		&models.Order{},
		&models.OrderUpdate{},
		&models.Item{},
		&models.ItemFulfillment{},
		&models.Task{},
	}
}

// AutoMigrate creates or updates the core tables plus any item attribute
// tables passed in extras.
func AutoMigrate(db *gorm.DB, extras ...interface{}) error {
	all := append(CoreModels(), extras...)
	if err := db.AutoMigrate(all...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedUser upserts a user row by username, returning the stored row. Used
// by first-time setup and by tests.
func SeedUser(db *gorm.DB, user models.User) (models.User, error) {
	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "username"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "superuser", "restricted"}),
	}).Create(&user)
	if result.Error != nil {
		return models.User{}, fmt.Errorf("db: seed user %q: %w", user.Username, result.Error)
	}
	var stored models.User
	if err := db.Where("username = ?", user.Username).First(&stored).Error; err != nil {
		return models.User{}, fmt.Errorf("db: reload user %q: %w", user.Username, err)
	}
	return stored, nil
}
