package entity

import (
	"time"
)

// DocumentMaster 文档主记录，归集同一逻辑文档的全部修订版
type DocumentMaster struct {
	ID        string    `json:"id" gorm:"primaryKey;size:32"`
	Code      string    `json:"code" gorm:"size:64;not null;uniqueIndex"`
	Title     string    `json:"title" gorm:"size:256;not null"`
	CreatedBy string    `json:"created_by" gorm:"size:64;not null"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (DocumentMaster) TableName() string {
	return "document_masters"
}

// Document 文档修订版。同一master下至多一个is_active
type Document struct {
	ID                      string     `json:"id" gorm:"primaryKey;size:32"`
	MasterID                string     `json:"master_id" gorm:"size:32;not null;index;uniqueIndex:idx_documents_master_active,where:is_active = true"`
	Title                   string     `json:"title" gorm:"size:256;not null"`
	Description             string     `json:"description" gorm:"type:text"`
	Content                 string     `json:"content" gorm:"type:text"`
	Version                 int        `json:"version" gorm:"not null;default:1"`
	Revision                string     `json:"revision" gorm:"size:8;not null;default:A"`
	Stage                   string     `json:"stage" gorm:"size:16;not null;default:CONCEPT"`
	Status                  string     `json:"status" gorm:"size:24;not null;default:DRAFT"`
	IsActive                bool       `json:"is_active" gorm:"not null;default:false"`
	RequiresTechnicalReview bool       `json:"requires_technical_review" gorm:"not null;default:false"`
	WorkflowInstanceKey     string     `json:"workflow_instance_key" gorm:"size:64"`
	FileName                string     `json:"file_name" gorm:"size:256"`
	FilePath                string     `json:"file_path" gorm:"size:512"`
	FileSize                int64      `json:"file_size"`
	MimeType                string     `json:"mime_type" gorm:"size:128"`
	CreatedBy               string     `json:"created_by" gorm:"size:64;not null"`
	ReleasedAt              *time.Time `json:"released_at"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`

	// 关联
	Master *DocumentMaster `json:"master,omitempty" gorm:"foreignKey:MasterID"`
}

func (Document) TableName() string {
	return "documents"
}

// DocumentHistory 文档审计记录
type DocumentHistory struct {
	HistoryEntry `gorm:"embedded"`
	DocumentID   string `json:"document_id" gorm:"size:32;not null;index"`
}

func (DocumentHistory) TableName() string {
	return "document_histories"
}
