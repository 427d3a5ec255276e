package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/bitfantasy/nimo-pdm/internal/apperr"
	"github.com/bitfantasy/nimo-pdm/internal/events"
	"github.com/bitfantasy/nimo-pdm/internal/fanout"
	"github.com/bitfantasy/nimo-pdm/internal/repository"
	"github.com/bitfantasy/nimo-pdm/internal/service"
	"github.com/bitfantasy/nimo-pdm/internal/testutil"
)

const engineToken = "engine-test-token"

type stubEngine struct {
	mu    sync.Mutex
	n     int
	acked []string
}

func (e *stubEngine) StartProcess(_ context.Context, processID string, _ map[string]any) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.n++
	return fmt.Sprintf("%s-%d", processID, e.n), nil
}

func (e *stubEngine) CompleteJob(_ context.Context, jobKey string, _ map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acked = append(e.acked, jobKey)
	return nil
}

type memBlob struct {
	mu   sync.Mutex
	objs map[string][]byte
}

func (m *memBlob) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objs[key] = data
	m.mu.Unlock()
	return nil
}

func (m *memBlob) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.objs, key)
	m.mu.Unlock()
	return nil
}

func (m *memBlob) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objs[key]
	if !ok {
		return nil, errors.New("no such object")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type failingTarget struct{}

func (failingTarget) Name() string                                  { return "graph" }
func (failingTarget) Upsert(context.Context, fanout.Mutation) error { return errors.New("refused") }
func (failingTarget) Delete(context.Context, fanout.Mutation) error { return errors.New("refused") }

type testEnv struct {
	router *gin.Engine
	db     *gorm.DB
	engine *stubEngine
	token  string
}

func setupAPI(t *testing.T, targets ...fanout.Target) *testEnv {
	t.Helper()
	db := testutil.SetupTestDB(t)
	eng := &stubEngine{}
	svc := service.NewServices(service.Deps{
		Repos:     repository.NewRepositories(db),
		Writer:    fanout.NewWriter(zap.NewNop(), fanout.Config{}, targets...),
		Blob:      &memBlob{objs: map[string][]byte{}},
		Engine:    eng,
		Processes: service.Processes{Document: "doc-approval", Change: "eco-approval"},
	})
	r := testutil.SetupRouter()
	RegisterAPI(r, NewHandlers(svc, events.NewHub(zap.NewNop())), testutil.JWTSecret, engineToken)
	return &testEnv{router: r, db: db, engine: eng, token: testutil.DefaultTestToken()}
}

func (e *testEnv) do(method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	w := testutil.DoRequest(e.router, method, path, body, e.token)
	return w, testutil.ParseResponse(w)
}

func data(resp map[string]interface{}) map[string]interface{} {
	d, _ := resp["data"].(map[string]interface{})
	return d
}

func TestFailMapsErrorTypes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		err    error
		status int
		code   float64
	}{
		{apperr.Invalid("document", "bad"), 400, 40000},
		{&apperr.CycleError{ParentID: "a", ChildID: "b"}, 400, 40001},
		{apperr.NotFound("part", "x"), 404, 40400},
		{&apperr.ConflictError{Entity: "document", ID: "d"}, 409, 40900},
		{&apperr.WorkflowEngineError{Op: "startProcess", Err: errors.New("down")}, 502, 50200},
		{fmt.Errorf("%w: %w", apperr.ErrAlreadyResolved, apperr.Invalid("document", "not in review")), 400, 40000},
		{errors.New("boom"), 500, 50000},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		Fail(c, tc.err)
		assert.Equal(t, tc.status, w.Code, tc.err.Error())
		assert.Equal(t, tc.code, testutil.ParseResponse(w)["code"])
	}
}

func TestRequiresAuth(t *testing.T) {
	env := setupAPI(t)
	w := testutil.DoRequest(env.router, "GET", "/api/v1/parts", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = testutil.DoRequest(env.router, "POST", "/api/v1/workflow/tasks/job-1/complete",
		map[string]interface{}{"variables": map[string]interface{}{}}, env.token)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "user JWT is not an engine token")
}

func TestDocumentReviewOverHTTP(t *testing.T) {
	env := setupAPI(t)

	w, resp := env.do("POST", "/api/v1/documents", map[string]interface{}{"code": "DOC-H1", "title": "Housing drawing"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := data(resp)["id"].(string)
	assert.Equal(t, "DRAFT", data(resp)["status"])

	w, _ = env.do("POST", "/api/v1/documents/"+id+"/complete-review", map[string]interface{}{"approved": true})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp = env.do("POST", "/api/v1/documents/"+id+"/submit-for-review", map[string]interface{}{"reviewer_ids": []string{"alice"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "IN_REVIEW", data(resp)["status"])

	callback := map[string]interface{}{"variables": map[string]interface{}{
		"entity_type": "document", "entity_id": id, "approved": true, "approver": "alice",
	}}
	w = testutil.DoRequest(env.router, "POST", "/api/v1/workflow/tasks/job-7/complete", callback, engineToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp = testutil.ParseResponse(w)
	assert.Equal(t, "APPROVED", data(resp)["status"])
	assert.Equal(t, true, data(resp)["acknowledged"])

	w = testutil.DoRequest(env.router, "POST", "/api/v1/workflow/tasks/job-7/complete", callback, engineToken)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, data(testutil.ParseResponse(w))["already_resolved"])

	w, resp = env.do("GET", "/api/v1/documents/"+id+"/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	history, _ := resp["data"].([]interface{})
	reviews := 0
	for _, h := range history {
		if h.(map[string]interface{})["action"] == "completeReview" {
			reviews++
		}
	}
	assert.Equal(t, 1, reviews)
}

func TestDocumentFileRoundTrip(t *testing.T) {
	env := setupAPI(t)
	_, resp := env.do("POST", "/api/v1/documents", map[string]interface{}{"code": "DOC-F1", "title": "Datasheet"})
	id := data(resp)["id"].(string)

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile("file", "datasheet.pdf")
	require.NoError(t, err)
	_, _ = part.Write([]byte("%PDF-1.4 test"))
	require.NoError(t, mw.Close())

	req, _ := http.NewRequest("POST", "/api/v1/documents/"+id+"/file", body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+env.token)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "datasheet.pdf", data(testutil.ParseResponse(w))["file_name"])

	w = testutil.DoRequest(env.router, "GET", "/api/v1/documents/"+id+"/file", nil, env.token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "%PDF-1.4 test", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "datasheet.pdf")
}

func createPart(t *testing.T, env *testEnv, code, title string) string {
	t.Helper()
	w, resp := env.do("POST", "/api/v1/parts", map[string]interface{}{"code": code, "title": title})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return data(resp)["id"].(string)
}

func TestBOMOverHTTP(t *testing.T) {
	env := setupAPI(t)
	a := createPart(t, env, "A-1", "Assembly")
	b := createPart(t, env, "B-1", "Bracket")
	c := createPart(t, env, "C-1", "Cover")
	d := createPart(t, env, "D-1", "Dowel")

	for _, e := range []struct {
		p, c string
		q    int
	}{{a, b, 2}, {a, c, 1}, {b, d, 3}} {
		w, _ := env.do("POST", "/api/v1/parts/usage", map[string]interface{}{
			"parent_part_id": e.p, "child_part_id": e.c, "quantity": e.q,
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	w, resp := env.do("POST", "/api/v1/parts/usage", map[string]interface{}{
		"parent_part_id": d, "child_part_id": a, "quantity": 1,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, float64(40001), resp["code"])

	w, resp = env.do("GET", "/api/v1/parts/"+a+"/hierarchy", nil)
	require.Equal(t, http.StatusOK, w.Code)
	rollup := data(resp)["rollup"].(map[string]interface{})
	assert.Equal(t, float64(6), rollup[d])

	w, _ = env.do("PUT", "/api/v1/parts/usage/"+b+"/"+d, map[string]interface{}{"quantity": 4})
	require.Equal(t, http.StatusOK, w.Code)
	_, resp = env.do("GET", "/api/v1/parts/"+a+"/hierarchy", nil)
	assert.Equal(t, float64(8), data(resp)["rollup"].(map[string]interface{})[d])

	w, _ = env.do("DELETE", "/api/v1/parts/usage/"+a+"/"+c, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = env.do("DELETE", "/api/v1/parts/usage/"+a+"/"+c, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = testutil.DoRequest(env.router, "GET", "/api/v1/parts/"+a+"/hierarchy/export", nil, env.token)
	require.Equal(t, http.StatusOK, w.Code)
	f, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	rows, err := f.GetRows(f.GetSheetName(0))
	require.NoError(t, err)
	assert.Len(t, rows, 4) // header + A, B, D
}

func TestUsageImportOverHTTP(t *testing.T) {
	env := setupAPI(t)
	top := createPart(t, env, "I-1", "Chassis")
	createPart(t, env, "I-2", "Frame")
	leaf := createPart(t, env, "I-3", "Rivet")

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile("file", "bom.csv")
	require.NoError(t, err)
	_, _ = part.Write([]byte("parent,child,qty\nI-1,I-2,2\nI-2,I-3,5\nI-3,I-1,1\n"))
	require.NoError(t, mw.Close())

	req, _ := http.NewRequest("POST", "/api/v1/parts/usage/import", body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+env.token)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := data(testutil.ParseResponse(w))
	assert.Equal(t, float64(2), result["created"])
	assert.Equal(t, float64(1), result["errors"])

	_, resp := env.do("GET", "/api/v1/parts/"+top+"/hierarchy", nil)
	assert.Equal(t, float64(10), data(resp)["rollup"].(map[string]interface{})[leaf])
}

func TestSecondaryOutageSurfacesWarnings(t *testing.T) {
	env := setupAPI(t, failingTarget{})

	w, resp := env.do("POST", "/api/v1/parts", map[string]interface{}{"code": "W-1", "title": "Washer"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.NotEmpty(t, resp["warnings"])

	id := data(resp)["id"].(string)
	w, _ = env.do("GET", "/api/v1/parts/"+id, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTaskSignoffOverHTTP(t *testing.T) {
	env := setupAPI(t)
	callback := map[string]interface{}{"variables": map[string]interface{}{
		"job_type":         "task",
		"title":            "Verify drawing",
		"signoff_user_ids": []string{"test-user-001"},
	}}
	w := testutil.DoRequest(env.router, "POST", "/api/v1/workflow/tasks/job-t/complete", callback, engineToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	taskID := data(testutil.ParseResponse(w))["task_id"].(string)

	w, _ = env.do("POST", "/api/v1/tasks/"+taskID+"/signoffs/someone-else", map[string]interface{}{"decision": "approved"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, resp := env.do("POST", "/api/v1/tasks/"+taskID+"/signoffs/test-user-001", map[string]interface{}{"decision": "approved"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, data(resp)["acknowledged"])
	assert.Equal(t, []string{"job-t"}, env.engine.acked)
}
