package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/bitfantasy/nimo-pdm/internal/apperr"
	"github.com/bitfantasy/nimo-pdm/internal/model/entity"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// 错误定义
var (
	ErrNotFound = errors.New("record not found")
)

// Postgres SQLSTATE codes the services react to.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

// Repositories 仓库集合
type Repositories struct {
	db       *gorm.DB
	Part     *PartRepository
	Usage    *UsageRepository
	Document *DocumentRepository
	Change   *ChangeRepository
	Task     *TaskRepository
}

// NewRepositories 创建仓库集合
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		db:       db,
		Part:     NewPartRepository(db),
		Usage:    NewUsageRepository(db),
		Document: NewDocumentRepository(db),
		Change:   NewChangeRepository(db),
		Task:     NewTaskRepository(db),
	}
}

// DB 底层连接
func (r *Repositories) DB() *gorm.DB {
	return r.db
}

// Transaction 在读已提交事务内执行fn，fn拿到的仓库集合绑定同一个tx
func (r *Repositories) Transaction(ctx context.Context, fn func(tx *Repositories) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewRepositories(tx))
	})
}

// SerializableTransaction 可串行化事务，BOM插边的环检测依赖它
func (r *Repositories) SerializableTransaction(ctx context.Context, fn func(tx *Repositories) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewRepositories(tx))
	}, &sql.TxOptions{Isolation: sql.LevelSerializable})
}

// Conflict wraps serialization failures, deadlocks and unique violations in
// an apperr.ConflictError; every other error is returned unchanged.
func Conflict(entityName, id string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgUniqueViolation:
			return &apperr.ConflictError{Entity: entityName, ID: id, Err: err}
		}
	}
	return err
}

// IsUniqueViolation reports whether err is a postgres unique_violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// Migrate 建表及序列
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&entity.Part{},
		&entity.PartUsage{},
		&entity.DocumentMaster{},
		&entity.Document{},
		&entity.DocumentHistory{},
		&entity.Change{},
		&entity.ChangeAffectedItem{},
		&entity.ChangeHistory{},
		&entity.Task{},
		&entity.TaskDependency{},
		&entity.TaskSignoff{},
	); err != nil {
		return err
	}
	return db.Exec("CREATE SEQUENCE IF NOT EXISTS change_code_seq").Error
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func paginate(page, pageSize int) (offset, limit int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	return (page - 1) * pageSize, pageSize
}
