package entity

import (
	"time"
)

// Change 工程变更
type Change struct {
	ID                      string     `json:"id" gorm:"primaryKey;size:32"`
	Code                    string     `json:"code" gorm:"size:64;not null;uniqueIndex"`
	Title                   string     `json:"title" gorm:"size:256;not null"`
	Reason                  string     `json:"reason" gorm:"type:text;not null"`
	Description             string     `json:"description" gorm:"type:text"`
	Stage                   string     `json:"stage" gorm:"size:16;not null;default:DESIGN"`
	Status                  string     `json:"status" gorm:"size:24;not null;default:DRAFT"`
	RequiresTechnicalReview bool       `json:"requires_technical_review" gorm:"not null;default:false"`
	WorkflowInstanceKey     string     `json:"workflow_instance_key" gorm:"size:64"`
	CreatedBy               string     `json:"created_by" gorm:"size:64;not null"`
	ReleasedAt              *time.Time `json:"released_at"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`

	// 关联
	AffectedItems []ChangeAffectedItem `json:"affected_items,omitempty" gorm:"foreignKey:ChangeID"`
}

func (Change) TableName() string {
	return "changes"
}

// AffectedPartIDs 受影响零件ID
func (c *Change) AffectedPartIDs() []string {
	return c.affected(ChangeAffectedPart)
}

// AffectedDocumentIDs 受影响文档ID
func (c *Change) AffectedDocumentIDs() []string {
	return c.affected(ChangeAffectedDocument)
}

func (c *Change) affected(itemType string) []string {
	ids := make([]string, 0, len(c.AffectedItems))
	for _, item := range c.AffectedItems {
		if item.ItemType == itemType {
			ids = append(ids, item.ItemID)
		}
	}
	return ids
}

// ChangeAffectedItem 变更受影响对象
type ChangeAffectedItem struct {
	ID        string    `json:"id" gorm:"primaryKey;size:32"`
	ChangeID  string    `json:"change_id" gorm:"size:32;not null;index"`
	ItemType  string    `json:"item_type" gorm:"size:16;not null"`
	ItemID    string    `json:"item_id" gorm:"size:32;not null"`
	CreatedAt time.Time `json:"created_at"`
}

func (ChangeAffectedItem) TableName() string {
	return "change_affected_items"
}

// 受影响对象类型
const (
	ChangeAffectedPart     = "part"
	ChangeAffectedDocument = "document"
)

// ChangeHistory 变更审计记录
type ChangeHistory struct {
	HistoryEntry `gorm:"embedded"`
	ChangeID     string `json:"change_id" gorm:"size:32;not null;index"`
}

func (ChangeHistory) TableName() string {
	return "change_histories"
}
