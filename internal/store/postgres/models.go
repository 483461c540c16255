// Package postgres persists definitions, instances and bookmarks through
// gorm. The conditional-update-with-RowsAffected idiom carries the two
// atomic semantics the engine depends on: sequence-guarded instance saves
// and compare-and-remove bookmark consumption.
package postgres

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type DefinitionRecord struct {
	DefID      string `gorm:"column:def_id;primaryKey;type:varchar(100)"`
	Version    int    `gorm:"primaryKey"`
	Name       string `gorm:"type:varchar(200)"`
	StartStep  string `gorm:"type:varchar(100)"`
	StartRoute string `gorm:"type:varchar(200);index"`
	MultiStart bool

	Steps datatypes.JSON `gorm:"type:jsonb"`

	PublishedAt time.Time
}

func (DefinitionRecord) TableName() string { return "workflow_definitions" }

type InstanceRecord struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	DefinitionID      string    `gorm:"type:varchar(100);index"`
	DefinitionVersion int
	Status            string `gorm:"type:varchar(20);index"`

	Variables datatypes.JSON `gorm:"type:jsonb"`
	Pointers  datatypes.JSON `gorm:"type:jsonb"`

	Sequence         int64 `gorm:"not null"`
	Fault            string
	NextPointerIndex int

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (InstanceRecord) TableName() string { return "workflow_instances" }

type BookmarkRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	InstanceID uuid.UUID `gorm:"type:uuid;index"`
	StepID     string    `gorm:"type:varchar(100)"`
	TriggerKey string    `gorm:"type:varchar(200);index"`

	Payload datatypes.JSON `gorm:"type:jsonb"`
	DueAt   *time.Time     `gorm:"index"`
	Token   string         `gorm:"type:varchar(64);not null"`

	CreatedAt time.Time
}

func (BookmarkRecord) TableName() string { return "workflow_bookmarks" }
