package service_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/simplifiedchinese"
	"gorm.io/gorm"

	"github.com/bitfantasy/nimo-pdm/internal/apperr"
	"github.com/bitfantasy/nimo-pdm/internal/fanout"
	"github.com/bitfantasy/nimo-pdm/internal/repository"
	"github.com/bitfantasy/nimo-pdm/internal/service"
	"github.com/bitfantasy/nimo-pdm/internal/testutil"
)

// fakeEngine records process starts and job completions.
type fakeEngine struct {
	mu          sync.Mutex
	startErr    error
	completeErr error
	started     []map[string]any
	completed   map[string]map[string]any
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{completed: map[string]map[string]any{}}
}

func (e *fakeEngine) StartProcess(_ context.Context, processID string, vars map[string]any) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return "", e.startErr
	}
	e.started = append(e.started, vars)
	return fmt.Sprintf("%s-%d", processID, len(e.started)), nil
}

func (e *fakeEngine) CompleteJob(_ context.Context, jobKey string, vars map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.completeErr != nil {
		return e.completeErr
	}
	e.completed[jobKey] = vars
	return nil
}

func (e *fakeEngine) completion(jobKey string) (map[string]any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.completed[jobKey]
	return v, ok
}

// sinkTarget is a secondary store that keeps the latest fields per id, or
// fails every write when err is set.
type sinkTarget struct {
	name string
	err  error
	mu   sync.Mutex
	rows map[string]map[string]any
}

func newSinkTarget(name string) *sinkTarget {
	return &sinkTarget{name: name, rows: map[string]map[string]any{}}
}

func (t *sinkTarget) Name() string { return t.name }

func (t *sinkTarget) Upsert(_ context.Context, m fanout.Mutation) error {
	if t.err != nil {
		return t.err
	}
	t.mu.Lock()
	t.rows[m.ID] = m.Fields
	t.mu.Unlock()
	return nil
}

func (t *sinkTarget) Delete(_ context.Context, m fanout.Mutation) error {
	if t.err != nil {
		return t.err
	}
	t.mu.Lock()
	delete(t.rows, m.ID)
	t.mu.Unlock()
	return nil
}

func (t *sinkTarget) has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.rows[id]
	return ok
}

// memStore keeps objects in memory; onPut runs after each successful Put.
type memStore struct {
	mu    sync.Mutex
	objs  map[string][]byte
	onPut func()
}

func (m *memStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objs[key] = data
	hook := m.onPut
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (m *memStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objs[key]
	if !ok {
		return nil, errors.New("no such object")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.objs, key)
	m.mu.Unlock()
	return nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objs)
}

type fixture struct {
	db     *gorm.DB
	repos  *repository.Repositories
	svc    *service.Services
	engine *fakeEngine
	blob   *memStore
}

func setup(t *testing.T, targets ...fanout.Target) *fixture {
	t.Helper()
	db := testutil.SetupTestDB(t)
	repos := repository.NewRepositories(db)
	eng := newFakeEngine()
	store := &memStore{objs: map[string][]byte{}}
	svc := service.NewServices(service.Deps{
		Repos:     repos,
		Writer:    fanout.NewWriter(zap.NewNop(), fanout.Config{}, targets...),
		Engine:    eng,
		Blob:      store,
		Processes: service.Processes{Document: "doc-approval", Change: "eco-approval"},
	})
	return &fixture{db: db, repos: repos, svc: svc, engine: eng, blob: store}
}

func (f *fixture) newDocument(t *testing.T, code string) string {
	t.Helper()
	doc, err := f.svc.Document.Create(context.Background(), "author", &service.CreateDocumentRequest{
		Code:  code,
		Title: "Datasheet " + code,
	})
	require.NoError(t, err)
	return doc.ID
}

func reviewVars(entityType, id string, approved bool) map[string]any {
	return map[string]any{
		"job_type":    service.JobTypeReview,
		"entity_type": entityType,
		"entity_id":   id,
		"approved":    approved,
		"approver":    "reviewer-1",
	}
}

func TestDocumentApprovalRoundTrip(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.newDocument(t, "DOC-001")

	doc, err := f.svc.Document.SubmitForReview(ctx, id, []string{"reviewer-1"}, "author")
	require.NoError(t, err)
	assert.Equal(t, "IN_REVIEW", doc.Status)
	assert.Equal(t, "doc-approval-1", doc.WorkflowInstanceKey)
	require.Len(t, f.engine.started, 1)
	assert.Equal(t, id, f.engine.started[0]["entity_id"])

	res, err := f.svc.Workflow.OnJobComplete(ctx, "job-1", reviewVars(service.EntityDocument, id, true))
	require.NoError(t, err)
	assert.Equal(t, "APPROVED", res.Status)
	assert.False(t, res.AlreadyResolved)
	assert.True(t, res.Acknowledged)

	n, err := f.repos.Document.CountHistory(ctx, id, "completeReview")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// redelivered job: no state change, no extra audit row, still acknowledged
	res, err = f.svc.Workflow.OnJobComplete(ctx, "job-1", reviewVars(service.EntityDocument, id, true))
	require.NoError(t, err)
	assert.True(t, res.AlreadyResolved)
	assert.True(t, res.Acknowledged)

	n, err = f.repos.Document.CountHistory(ctx, id, "completeReview")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := f.svc.Document.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "APPROVED", got.Status)
}

func TestStaleInstanceCallbackIgnored(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.newDocument(t, "DOC-STALE")

	first, err := f.svc.Document.SubmitForReview(ctx, id, []string{"r"}, "author")
	require.NoError(t, err)
	reject := reviewVars(service.EntityDocument, id, false)
	reject["process_instance_key"] = first.WorkflowInstanceKey

	f.engine.completeErr = errors.New("engine down")
	res, err := f.svc.Workflow.OnJobComplete(ctx, "job-k1", reject)
	require.NoError(t, err)
	assert.Equal(t, "IN_WORK", res.Status)
	assert.False(t, res.Acknowledged)
	f.engine.completeErr = nil

	second, err := f.svc.Document.SubmitForReview(ctx, id, []string{"r"}, "author")
	require.NoError(t, err)
	require.NotEqual(t, first.WorkflowInstanceKey, second.WorkflowInstanceKey)

	// the first instance's job comes back after the resubmit
	res, err = f.svc.Workflow.OnJobComplete(ctx, "job-k1", reject)
	require.NoError(t, err)
	assert.True(t, res.AlreadyResolved)
	assert.True(t, res.Acknowledged)

	got, err := f.svc.Document.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "IN_REVIEW", got.Status)
	n, err := f.repos.Document.CountHistory(ctx, id, "completeReview")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	approve := reviewVars(service.EntityDocument, id, true)
	approve["process_instance_key"] = second.WorkflowInstanceKey
	res, err = f.svc.Workflow.OnJobComplete(ctx, "job-k2", approve)
	require.NoError(t, err)
	assert.False(t, res.AlreadyResolved)
	assert.Equal(t, "APPROVED", res.Status)
}

func TestAttachFileRemovesObjectWhenRejected(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.newDocument(t, "DOC-ORPHAN")

	// the revision moves into review while the upload is in flight
	f.blob.onPut = func() {
		_, err := f.svc.Document.SubmitForReview(ctx, id, []string{"r"}, "author")
		assert.NoError(t, err)
	}
	_, err := f.svc.Document.AttachFile(ctx, id, "author", strings.NewReader("%PDF"), "drawing.pdf", 4, "application/pdf")
	assert.True(t, apperr.IsValidation(err))
	assert.Equal(t, 0, f.blob.count())

	got, err := f.svc.Document.Get(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, got.FileName)
}

func TestTechnicalReviewAddsStep(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	doc, err := f.svc.Document.Create(ctx, "author", &service.CreateDocumentRequest{
		Code: "DOC-TR", Title: "Drawing", RequiresTechnicalReview: true,
	})
	require.NoError(t, err)

	_, err = f.svc.Document.SubmitForReview(ctx, doc.ID, []string{"r"}, "author")
	require.NoError(t, err)

	got, err := f.svc.Document.CompleteReview(ctx, doc.ID, service.ReviewDecision{Approved: true, Approver: "r"})
	require.NoError(t, err)
	assert.Equal(t, "IN_TECHNICAL_REVIEW", got.Status)

	got, err = f.svc.Document.CompleteReview(ctx, doc.ID, service.ReviewDecision{Approved: true, Approver: "r"})
	require.NoError(t, err)
	assert.Equal(t, "APPROVED", got.Status)
}

func TestRejectReturnsToWork(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.newDocument(t, "DOC-REJ")
	_, err := f.svc.Document.SubmitForReview(ctx, id, []string{"r"}, "author")
	require.NoError(t, err)

	res, err := f.svc.Workflow.OnJobComplete(ctx, "job-r", reviewVars(service.EntityDocument, id, false))
	require.NoError(t, err)
	assert.Equal(t, "IN_WORK", res.Status)
}

func TestSubmitRollsBackWhenEngineFails(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.newDocument(t, "DOC-002")
	f.engine.startErr = errors.New("engine down")

	_, err := f.svc.Document.SubmitForReview(ctx, id, []string{"reviewer-1"}, "author")
	require.Error(t, err)
	assert.True(t, apperr.IsWorkflowEngine(err))

	doc, err := f.svc.Document.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "DRAFT", doc.Status)
	assert.Empty(t, doc.WorkflowInstanceKey)

	n, err := f.repos.Document.CountHistory(ctx, id, "submitForReview")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCompleteReviewOutsideReview(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.newDocument(t, "DOC-003")

	_, err := f.svc.Document.CompleteReview(ctx, id, service.ReviewDecision{Approved: true, Approver: "r"})
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))
	assert.ErrorIs(t, err, apperr.ErrAlreadyResolved)

	_, err = f.svc.Document.SubmitForReview(ctx, id, nil, "author")
	assert.True(t, apperr.IsValidation(err))
}

func TestCallbackValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.Workflow.OnJobComplete(ctx, "job-x", map[string]any{"entity_type": "document"})
	assert.True(t, apperr.IsValidation(err))

	_, err = f.svc.Workflow.OnJobComplete(ctx, "job-x", reviewVars(service.EntityDocument, "missing", true))
	assert.True(t, apperr.IsNotFound(err))
	_, acked := f.engine.completion("job-x")
	assert.False(t, acked)
}

func TestAckFailureStillCommits(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.newDocument(t, "DOC-ACK")
	_, err := f.svc.Document.SubmitForReview(ctx, id, []string{"r"}, "author")
	require.NoError(t, err)
	f.engine.completeErr = errors.New("engine down")

	res, err := f.svc.Workflow.OnJobComplete(ctx, "job-a", reviewVars(service.EntityDocument, id, true))
	require.NoError(t, err)
	assert.False(t, res.Acknowledged)
	assert.Equal(t, "APPROVED", res.Status)
}

func releaseDocument(t *testing.T, f *fixture, id string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.svc.Document.SubmitForReview(ctx, id, []string{"r"}, "author")
	require.NoError(t, err)
	_, err = f.svc.Document.CompleteReview(ctx, id, service.ReviewDecision{Approved: true, Approver: "r"})
	require.NoError(t, err)
	_, err = f.svc.Document.Release(ctx, id, "author")
	require.NoError(t, err)
}

func TestReviseCreatesNextRevision(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.newDocument(t, "DOC-004")

	_, err := f.svc.Document.Revise(ctx, id, "author")
	assert.True(t, apperr.IsValidation(err), "draft cannot be revised")

	releaseDocument(t, f, id)
	rev, err := f.svc.Document.Revise(ctx, id, "author")
	require.NoError(t, err)
	assert.Equal(t, "B", rev.Revision)
	assert.Equal(t, 2, rev.Version)
	assert.Equal(t, "DRAFT", rev.Status)
	assert.True(t, rev.IsActive)

	revs, err := f.svc.Document.Revisions(ctx, id)
	require.NoError(t, err)
	require.Len(t, revs, 2)
	active := 0
	for _, r := range revs {
		if r.IsActive {
			active++
		}
	}
	assert.Equal(t, 1, active)
}

func TestConcurrentReviseLeavesOneActive(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.newDocument(t, "DOC-005")
	releaseDocument(t, f, id)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Document.Revise(ctx, id, fmt.Sprintf("user-%d", i))
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		}
	}
	assert.Equal(t, 1, ok)

	revs, err := f.svc.Document.Revisions(ctx, id)
	require.NoError(t, err)
	active := 0
	for _, r := range revs {
		if r.IsActive {
			active++
		}
	}
	assert.Len(t, revs, 2)
	assert.Equal(t, 1, active)
}

func TestBOMCycleRejected(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := testutil.SeedPart(t, f.db, "P-A", "Alpha")
	b := testutil.SeedPart(t, f.db, "P-B", "Beta")
	c := testutil.SeedPart(t, f.db, "P-C", "Gamma")

	_, err := f.svc.BOM.AddUsage(ctx, a.ID, b.ID, 1, "u")
	require.NoError(t, err)
	_, err = f.svc.BOM.AddUsage(ctx, b.ID, c.ID, 1, "u")
	require.NoError(t, err)

	_, err = f.svc.BOM.AddUsage(ctx, c.ID, a.ID, 1, "u")
	assert.True(t, apperr.IsCycle(err))
	_, err = f.svc.BOM.AddUsage(ctx, a.ID, a.ID, 1, "u")
	assert.True(t, apperr.IsCycle(err))

	_, err = f.svc.BOM.AddUsage(ctx, a.ID, b.ID, 1, "u")
	assert.True(t, apperr.IsValidation(err), "duplicate edge")
	_, err = f.svc.BOM.AddUsage(ctx, a.ID, "nope", 1, "u")
	assert.True(t, apperr.IsNotFound(err))
	_, err = f.svc.BOM.AddUsage(ctx, a.ID, c.ID, 0, "u")
	assert.True(t, apperr.IsValidation(err))

	children, err := f.repos.Usage.ChildIDs(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestImportUsagesTextGBK(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := testutil.SeedPart(t, f.db, "T-A", "Assembly")
	b := testutil.SeedPart(t, f.db, "T-B", "Board")
	testutil.SeedPart(t, f.db, "T-C", "Cap")

	text := "父件编码\t子件编码\t用量\r\n" +
		"# 注释行\r\n" +
		"T-A\tT-B\t2\r\n" +
		"T-B\tT-C\t10\r\n" +
		"T-C\tT-A\t1\r\n" +
		"T-A\tT-X\tabc\r\n"
	encoded, err := simplifiedchinese.GBK.NewEncoder().String(text)
	require.NoError(t, err)

	result, err := f.svc.BOM.ImportUsagesText(ctx, strings.NewReader(encoded), true, "u")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Success)
	assert.Equal(t, 2, result.Failed)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "row 5")
	assert.Contains(t, result.Errors[1], "row 6")

	h, err := f.svc.BOM.HierarchyOf(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, h.Root.Children, 1)
	assert.Equal(t, b.ID, h.Root.Children[0].PartID)
}

func TestConcurrentInverseEdgesLeaveOneEdge(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := testutil.SeedPart(t, f.db, "R-A", "Arm")
	b := testutil.SeedPart(t, f.db, "R-B", "Bushing")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	pairs := [][2]string{{a.ID, b.ID}, {b.ID, a.ID}}
	for i := range pairs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.BOM.AddUsage(ctx, pairs[i][0], pairs[i][1], 1, fmt.Sprintf("user-%d", i))
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.True(t, apperr.IsConflict(err) || apperr.IsCycle(err), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, ok)

	fromA, err := f.repos.Usage.ChildIDs(ctx, a.ID)
	require.NoError(t, err)
	fromB, err := f.repos.Usage.ChildIDs(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, append(fromA, fromB...), 1)
}

func TestHierarchyMultipliesQuantities(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := testutil.SeedPart(t, f.db, "H-A", "Assembly")
	b := testutil.SeedPart(t, f.db, "H-B", "Bracket")
	c := testutil.SeedPart(t, f.db, "H-C", "Cover")
	d := testutil.SeedPart(t, f.db, "H-D", "Dowel")

	for _, e := range []struct {
		p, c string
		q    int
	}{{a.ID, b.ID, 2}, {b.ID, d.ID, 3}, {a.ID, c.ID, 1}, {c.ID, d.ID, 1}} {
		_, err := f.svc.BOM.AddUsage(ctx, e.p, e.c, e.q, "u")
		require.NoError(t, err)
	}

	h, err := f.svc.BOM.HierarchyOf(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, h.Rollup[d.ID])
	require.Len(t, h.Root.Children, 2)
	assert.Equal(t, "Bracket", h.Root.Children[0].Title)
	assert.Equal(t, 6, h.Root.Children[0].Children[0].TotalQuantity)

	ancestors, err := f.svc.BOM.AncestorsOf(ctx, d.ID)
	require.NoError(t, err)
	assert.Len(t, ancestors, 3)

	require.NoError(t, f.svc.BOM.RemoveUsage(ctx, c.ID, d.ID))
	h, err = f.svc.BOM.HierarchyOf(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, h.Rollup[d.ID])
}

func TestPartDeleteRejectedWhileUsed(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := testutil.SeedPart(t, f.db, "D-A", "Assembly")
	b := testutil.SeedPart(t, f.db, "D-B", "Bolt")
	_, err := f.svc.BOM.AddUsage(ctx, a.ID, b.ID, 4, "u")
	require.NoError(t, err)

	assert.True(t, apperr.IsValidation(f.svc.Part.Delete(ctx, b.ID)))
	require.NoError(t, f.svc.Part.Delete(ctx, a.ID))

	_, err = f.svc.Part.Get(ctx, a.ID)
	assert.True(t, apperr.IsNotFound(err))
	parents, err := f.repos.Usage.ParentIDs(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, parents)
}

func TestSecondaryOutageDoesNotFailWrite(t *testing.T) {
	healthy := newSinkTarget("search")
	broken := newSinkTarget("graph")
	broken.err = errors.New("connection refused")
	f := setup(t, healthy, broken)

	ctx, col := fanout.Collect(context.Background())
	part, err := f.svc.Part.Create(ctx, "u", &service.CreatePartRequest{Code: "S-1", Title: "Shaft"})
	require.NoError(t, err)

	assert.True(t, healthy.has(part.ID))
	assert.False(t, broken.has(part.ID))
	assert.NotEmpty(t, col.Warnings())

	got, err := f.svc.Part.Get(context.Background(), part.ID)
	require.NoError(t, err)
	assert.Equal(t, "Shaft", got.Title)
}

func TestChangeCodeAndAffectedItems(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	p := testutil.SeedPart(t, f.db, "C-1", "Clip")
	docID := f.newDocument(t, "DOC-ECO")

	change, err := f.svc.Change.Create(ctx, "author", &service.CreateChangeRequest{
		Title:  "Thicker clip",
		Reason: "field failures",
		AffectedItems: []service.AffectedItemInput{
			{ItemType: "part", ItemID: p.ID},
			{ItemType: "part", ItemID: p.ID},
			{ItemType: "document", ItemID: docID},
		},
	})
	require.NoError(t, err)
	assert.Regexp(t, `^ECO-\d{4}-\d{4}$`, change.Code)
	assert.Len(t, change.AffectedItems, 2)

	_, err = f.svc.Change.Create(ctx, "author", &service.CreateChangeRequest{
		Title: "x", Reason: "y",
		AffectedItems: []service.AffectedItemInput{{ItemType: "part", ItemID: "missing"}},
	})
	assert.True(t, apperr.IsValidation(err))

	_, err = f.svc.Change.SubmitForReview(ctx, change.ID, []string{"r"}, "author")
	require.NoError(t, err)
	res, err := f.svc.Workflow.OnJobComplete(ctx, "job-eco", reviewVars(service.EntityChange, change.ID, true))
	require.NoError(t, err)
	assert.Equal(t, "APPROVED", res.Status)

	// affected items are references only; the part keeps its status
	part, err := f.svc.Part.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "DRAFT", part.Status)
}

func TestWorkflowTaskSignoffCompletesJob(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	vars := map[string]any{
		"job_type":             service.JobTypeTask,
		"title":                "Check tolerances",
		"assignee_id":          "eng-1",
		"signoff_user_ids":     []any{"u1", "u2"},
		"process_instance_key": "pi-9",
	}

	res, err := f.svc.Workflow.OnJobComplete(ctx, "job-task", vars)
	require.NoError(t, err)
	assert.True(t, res.AckDeferred)
	assert.False(t, res.Acknowledged)

	again, err := f.svc.Workflow.OnJobComplete(ctx, "job-task", vars)
	require.NoError(t, err)
	assert.Equal(t, res.TaskID, again.TaskID)

	out, err := f.svc.Task.RecordSignoff(ctx, res.TaskID, "u1", "approved", "")
	require.NoError(t, err)
	assert.Equal(t, "PENDING", out.Task.TaskStatus)
	_, acked := f.engine.completion("job-task")
	assert.False(t, acked)

	out, err = f.svc.Task.RecordSignoff(ctx, res.TaskID, "u2", "approved", "looks good")
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", out.Task.TaskStatus)
	assert.True(t, out.Acknowledged)

	done, acked := f.engine.completion("job-task")
	require.True(t, acked)
	assert.Equal(t, true, done["approved"])

	_, err = f.svc.Task.RecordSignoff(ctx, res.TaskID, "u1", "rejected", "")
	assert.True(t, apperr.IsValidation(err))
}

func TestRedeliveredTaskJobAcknowledgedAgain(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	vars := map[string]any{
		"job_type":         service.JobTypeTask,
		"title":            "Sign drawing",
		"signoff_user_ids": []any{"u1"},
	}
	res, err := f.svc.Workflow.OnJobComplete(ctx, "job-redo", vars)
	require.NoError(t, err)

	f.engine.completeErr = errors.New("engine down")
	out, err := f.svc.Task.RecordSignoff(ctx, res.TaskID, "u1", "approved", "")
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", out.Task.TaskStatus)
	assert.False(t, out.Acknowledged)
	f.engine.completeErr = nil

	again, err := f.svc.Workflow.OnJobComplete(ctx, "job-redo", vars)
	require.NoError(t, err)
	assert.Equal(t, res.TaskID, again.TaskID)
	assert.True(t, again.AlreadyResolved)
	assert.False(t, again.AckDeferred)
	assert.True(t, again.Acknowledged)

	done, acked := f.engine.completion("job-redo")
	require.True(t, acked)
	assert.Equal(t, res.TaskID, done["task_id"])
	assert.Equal(t, true, done["approved"])
}

func TestCancelledTaskJobReportsRejection(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	res, err := f.svc.Workflow.OnJobComplete(ctx, "job-cancel", map[string]any{
		"job_type":         service.JobTypeTask,
		"signoff_user_ids": []any{"u1"},
	})
	require.NoError(t, err)

	_, err = f.svc.Task.Cancel(ctx, res.TaskID, "lead", "superseded")
	require.NoError(t, err)
	done, acked := f.engine.completion("job-cancel")
	require.True(t, acked)
	assert.Equal(t, false, done["approved"])
}

func TestTaskDependencies(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	first, err := f.svc.Task.Create(ctx, "lead", &service.CreateTaskRequest{Title: "Design"})
	require.NoError(t, err)
	second, err := f.svc.Task.Create(ctx, "lead", &service.CreateTaskRequest{Title: "Review", SignoffUserIDs: []string{"qa"}})
	require.NoError(t, err)

	_, err = f.svc.Task.AddDependency(ctx, second.ID, first.ID)
	require.NoError(t, err)
	_, err = f.svc.Task.AddDependency(ctx, first.ID, second.ID)
	assert.True(t, apperr.IsValidation(err), "cycle")

	_, err = f.svc.Task.Start(ctx, second.ID, "lead")
	assert.True(t, apperr.IsValidation(err), "dependency not completed")

	_, err = f.svc.Task.Start(ctx, first.ID, "lead")
	require.NoError(t, err)
	_, err = f.svc.Task.Complete(ctx, first.ID, "lead")
	require.NoError(t, err)

	_, err = f.svc.Task.Start(ctx, second.ID, "lead")
	require.NoError(t, err)
	_, err = f.svc.Task.Complete(ctx, second.ID, "lead")
	assert.True(t, apperr.IsValidation(err), "signoff pending")

	_, err = f.svc.Task.RecordSignoff(ctx, second.ID, "qa", "approved", "")
	require.NoError(t, err)
	res, err := f.svc.Task.Complete(ctx, second.ID, "lead")
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", res.Task.TaskStatus)
	assert.False(t, res.Acknowledged)
}
