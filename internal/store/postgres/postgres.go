package postgres

import (
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Open connects and migrates the three workflow tables.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&DefinitionRecord{}, &InstanceRecord{}, &BookmarkRecord{}); err != nil {
		return nil, err
	}
	return db, nil
}
