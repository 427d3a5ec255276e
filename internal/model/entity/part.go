package entity

import (
	"time"
)

// Part 零部件
type Part struct {
	ID          string     `json:"id" gorm:"primaryKey;size:32"`
	Code        string     `json:"code" gorm:"size:64;not null;uniqueIndex"`
	Title       string     `json:"title" gorm:"size:256;not null"`
	Description string     `json:"description" gorm:"type:text"`
	Level       int        `json:"level" gorm:"not null;default:0"`
	Stage       string     `json:"stage" gorm:"size:16;not null;default:CONCEPT"`
	Status      string     `json:"status" gorm:"size:24;not null;default:DRAFT"`
	CreatedBy   string     `json:"created_by" gorm:"size:64;not null"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty" gorm:"index"`
}

func (Part) TableName() string {
	return "parts"
}

// PartUsage BOM用量边：父件由quantity个子件组成
type PartUsage struct {
	ID           string    `json:"id" gorm:"primaryKey;size:32"`
	ParentPartID string    `json:"parent_part_id" gorm:"size:32;not null;uniqueIndex:idx_part_usage_edge,priority:1"`
	ChildPartID  string    `json:"child_part_id" gorm:"size:32;not null;uniqueIndex:idx_part_usage_edge,priority:2;index"`
	Quantity     int       `json:"quantity" gorm:"not null;check:quantity >= 1"`
	CreatedBy    string    `json:"created_by" gorm:"size:64"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// 关联
	Child *Part `json:"child,omitempty" gorm:"foreignKey:ChildPartID"`
}

func (PartUsage) TableName() string {
	return "part_usages"
}
