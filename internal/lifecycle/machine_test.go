package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitfantasy/nimo-pdm/internal/apperr"
	"github.com/bitfantasy/nimo-pdm/internal/model/entity"
)

func TestSubmitForReview(t *testing.T) {
	m := New("document")

	next, err := m.Next(entity.StatusDraft, EventSubmitForReview, Options{Reviewers: []string{"alice"}})
	require.NoError(t, err)
	assert.Equal(t, entity.StatusInReview, next)

	next, err = m.Next(entity.StatusInWork, EventSubmitForReview, Options{Reviewers: []string{"alice"}})
	require.NoError(t, err)
	assert.Equal(t, entity.StatusInReview, next)
}

func TestSubmitForReviewRequiresReviewers(t *testing.T) {
	m := New("document")

	_, err := m.Next(entity.StatusDraft, EventSubmitForReview, Options{})
	var verr *apperr.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "at least one reviewer is required", verr.Rule)
}

func TestSubmitForReviewFromReleasedFails(t *testing.T) {
	m := New("document")

	_, err := m.Next(entity.StatusReleased, EventSubmitForReview, Options{Reviewers: []string{"alice"}})
	var verr *apperr.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, entity.StatusReleased, verr.State)
	assert.Equal(t, string(EventSubmitForReview), verr.Transition)
}

func TestCompleteReview(t *testing.T) {
	m := New("document")

	tests := []struct {
		name      string
		from      string
		approved  bool
		technical bool
		want      string
	}{
		{"approve single stage", entity.StatusInReview, true, false, entity.StatusApproved},
		{"reject single stage", entity.StatusInReview, false, false, entity.StatusInWork},
		{"approve first of two stages", entity.StatusInReview, true, true, entity.StatusInTechnicalReview},
		{"approve technical review", entity.StatusInTechnicalReview, true, true, entity.StatusApproved},
		{"reject technical review", entity.StatusInTechnicalReview, false, true, entity.StatusInWork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.Next(tt.from, ReviewEvent(tt.approved), Options{TechnicalReview: tt.technical})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompleteReviewOutsideReviewFails(t *testing.T) {
	m := New("document")

	for _, from := range []string{entity.StatusDraft, entity.StatusInWork, entity.StatusApproved, entity.StatusReleased, entity.StatusObsolete} {
		_, err := m.Next(from, EventApprove, Options{})
		assert.True(t, apperr.IsValidation(err), "approve from %s", from)
		_, err = m.Next(from, EventReject, Options{})
		assert.True(t, apperr.IsValidation(err), "reject from %s", from)
	}
}

func TestReleaseObsoleteRetire(t *testing.T) {
	m := New("change")

	next, err := m.Next(entity.StatusApproved, EventRelease, Options{})
	require.NoError(t, err)
	assert.Equal(t, entity.StatusReleased, next)

	next, err = m.Next(entity.StatusReleased, EventObsolete, Options{})
	require.NoError(t, err)
	assert.Equal(t, entity.StatusObsolete, next)

	_, err = m.Next(entity.StatusInWork, EventObsolete, Options{})
	assert.True(t, apperr.IsValidation(err))

	next, err = m.Next(entity.StatusInWork, EventRetire, Options{})
	require.NoError(t, err)
	assert.Equal(t, entity.StatusObsolete, next)

	_, err = m.Next(entity.StatusObsolete, EventRetire, Options{})
	assert.True(t, apperr.IsValidation(err))
}

func TestRevise(t *testing.T) {
	m := New("document")

	assert.True(t, m.Can(entity.StatusReleased, EventRevise))
	assert.True(t, m.Can(entity.StatusObsolete, EventRevise))
	assert.False(t, m.Can(entity.StatusApproved, EventRevise))
	assert.False(t, m.Can(entity.StatusDraft, EventRevise))
}

func TestNextRevision(t *testing.T) {
	assert.Equal(t, "A", NextRevision(""))
	assert.Equal(t, "B", NextRevision("A"))
	assert.Equal(t, "Z", NextRevision("Y"))
	assert.Equal(t, "AA", NextRevision("Z"))
	assert.Equal(t, "AB", NextRevision("AA"))
	assert.Equal(t, "BA", NextRevision("AZ"))
	assert.Equal(t, "AAA", NextRevision("ZZ"))
}

func TestTaskTransitions(t *testing.T) {
	next, err := NextTaskStatus(entity.TaskStatusPending, TaskEventStart)
	require.NoError(t, err)
	assert.Equal(t, entity.TaskStatusInProgress, next)

	next, err = NextTaskStatus(entity.TaskStatusOverdue, TaskEventComplete)
	require.NoError(t, err)
	assert.Equal(t, entity.TaskStatusCompleted, next)

	_, err = NextTaskStatus(entity.TaskStatusPending, TaskEventComplete)
	assert.True(t, apperr.IsValidation(err))

	_, err = NextTaskStatus(entity.TaskStatusCompleted, TaskEventCancel)
	assert.True(t, apperr.IsValidation(err))

	_, err = NextTaskStatus(entity.TaskStatusCancelled, TaskEventOverdue)
	assert.True(t, apperr.IsValidation(err))
}
