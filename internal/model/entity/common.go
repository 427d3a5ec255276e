package entity

import (
	"database/sql/driver"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JSONB 用于PostgreSQL JSONB类型
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// NewID 生成32位ID
func NewID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// 工程阶段
const (
	StageConcept    = "CONCEPT"
	StageDesign     = "DESIGN"
	StagePrototype  = "PROTOTYPE"
	StageProduction = "PRODUCTION"
	StageRetired    = "RETIRED"
)

// ValidStage 是否为合法阶段
func ValidStage(stage string) bool {
	switch stage {
	case StageConcept, StageDesign, StagePrototype, StageProduction, StageRetired:
		return true
	}
	return false
}

// 审批状态（Part / Document / Change 共用）
const (
	StatusDraft             = "DRAFT"
	StatusInWork            = "IN_WORK"
	StatusInReview          = "IN_REVIEW"
	StatusInTechnicalReview = "IN_TECHNICAL_REVIEW"
	StatusApproved          = "APPROVED"
	StatusReleased          = "RELEASED"
	StatusObsolete          = "OBSOLETE"
)

// HistoryEntry 审计记录公共字段，只追加不修改
type HistoryEntry struct {
	ID        string    `json:"id" gorm:"primaryKey;size:32"`
	Action    string    `json:"action" gorm:"size:32;not null"`
	Actor     string    `json:"actor" gorm:"size:64;not null"`
	OldValue  string    `json:"old_value" gorm:"size:64"`
	NewValue  string    `json:"new_value" gorm:"size:64"`
	Comment   string    `json:"comment" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at" gorm:"not null;index"`
}

// 审计动作
const (
	ActionCreate          = "create"
	ActionStartWork       = "startWork"
	ActionSubmitForReview = "submitForReview"
	ActionCompleteReview  = "completeReview"
	ActionRelease         = "release"
	ActionObsolete        = "obsolete"
	ActionRetire          = "retire"
	ActionRevise          = "revise"
	ActionUpdateStage     = "updateStage"
	ActionAttachFile      = "attachFile"
)
