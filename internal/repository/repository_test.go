package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bitfantasy/nimo-pdm/internal/apperr"
	"github.com/bitfantasy/nimo-pdm/internal/model/entity"
	"github.com/bitfantasy/nimo-pdm/internal/repository"
	"github.com/bitfantasy/nimo-pdm/internal/testutil"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConflictMapping(t *testing.T) {
	ser := &pgconn.PgError{Code: "40001"}
	err := repository.Conflict("document", "d1", ser)
	assert.True(t, apperr.IsConflict(err))
	assert.ErrorIs(t, err, ser)

	assert.True(t, apperr.IsConflict(repository.Conflict("x", "1", &pgconn.PgError{Code: "40P01"})))
	assert.True(t, repository.IsUniqueViolation(&pgconn.PgError{Code: "23505"}))

	plain := errors.New("boom")
	assert.Same(t, plain, repository.Conflict("x", "1", plain))
	assert.NoError(t, repository.Conflict("x", "1", nil))
}

func TestUsageSubtreeAndNeighbors(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repos := repository.NewRepositories(db)
	ctx := context.Background()

	a := testutil.SeedPart(t, db, "A", "Assembly")
	b := testutil.SeedPart(t, db, "B", "Bracket")
	c := testutil.SeedPart(t, db, "C", "Cover")
	for _, e := range [][2]string{{a.ID, b.ID}, {b.ID, c.ID}, {a.ID, c.ID}} {
		require.NoError(t, repos.Usage.Create(ctx, &entity.PartUsage{
			ID: entity.NewID(), ParentPartID: e[0], ChildPartID: e[1], Quantity: 2,
		}))
	}

	edges, err := repos.Usage.Subtree(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, edges, 3)

	parents, err := repos.Usage.ParentIDs(ctx, c.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, parents)

	require.NoError(t, repos.Usage.UpdateQuantity(ctx, a.ID, b.ID, 5))
	u, err := repos.Usage.Find(ctx, a.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, u.Quantity)

	assert.ErrorIs(t, repos.Usage.Delete(ctx, c.ID, a.ID), repository.ErrNotFound)
}

func TestTaskMarkOverdue(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repos := repository.NewRepositories(db)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	late := &entity.Task{ID: entity.NewID(), Title: "late", TaskStatus: entity.TaskStatusPending, DueDate: &past}
	ok := &entity.Task{ID: entity.NewID(), Title: "ok", TaskStatus: entity.TaskStatusPending, DueDate: &future}
	done := &entity.Task{ID: entity.NewID(), Title: "done", TaskStatus: entity.TaskStatusCompleted, DueDate: &past}
	for _, task := range []*entity.Task{late, ok, done} {
		require.NoError(t, repos.Task.Create(ctx, task))
	}

	marked, err := repos.Task.MarkOverdue(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, marked, 1)
	assert.Equal(t, late.ID, marked[0].ID)

	got, err := repos.Task.FindByID(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.TaskStatusOverdue, got.TaskStatus)
}

func TestTransactionRollsBack(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repos := repository.NewRepositories(db)
	ctx := context.Background()

	boom := errors.New("boom")
	err := repos.Transaction(ctx, func(tx *repository.Repositories) error {
		require.NoError(t, tx.Part.Create(ctx, &entity.Part{ID: entity.NewID(), Code: "RB", Title: "rollback", CreatedBy: "t"}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	parts, total, err := repos.Part.List(ctx, 1, 10, map[string]interface{}{"keyword": "RB"})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, parts)
}
