package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"canvas-api/canvas"
	"canvas-api/domain"
)

type mockEngine struct {
	nodes []domain.Node
	inbox []domain.Task
	diff  domain.Diff
	err   error

	collected    int
	lastTaskID   string
	lastScreen   domain.Point
	lastViewport canvas.Viewport
	lastSection  domain.Section
	lastMuts     []domain.Mutation
}

func (m *mockEngine) Snapshot(ctx context.Context, userID string) ([]domain.Node, error) {
	return m.nodes, m.err
}

func (m *mockEngine) Subscribe(userID string) (<-chan domain.Diff, func()) {
	ch := make(chan domain.Diff)
	return ch, func() { close(ch) }
}

func (m *mockEngine) InboxTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	return m.inbox, m.err
}

func (m *mockEngine) CommitDrag(ctx context.Context, userID, taskID string, screen domain.Point, vp canvas.Viewport, container domain.Rect) (domain.Diff, error) {
	m.lastTaskID = taskID
	m.lastScreen = screen
	m.lastViewport = vp
	return m.diff, m.err
}

func (m *mockEngine) ReturnToInbox(ctx context.Context, userID, taskID string) (domain.Diff, error) {
	m.lastTaskID = taskID
	return m.diff, m.err
}

func (m *mockEngine) CreateSection(ctx context.Context, userID string, section domain.Section) (domain.Section, domain.Diff, error) {
	m.lastSection = section
	if section.ID == "" {
		section.ID = "generated"
	}
	return section, m.diff, m.err
}

func (m *mockEngine) UpdateSection(ctx context.Context, userID string, section domain.Section) (domain.Diff, error) {
	m.lastSection = section
	return m.diff, m.err
}

func (m *mockEngine) DeleteSection(ctx context.Context, userID, sectionID string) (domain.Diff, error) {
	m.lastSection = domain.Section{ID: sectionID}
	return m.diff, m.err
}

func (m *mockEngine) AutoCollect(ctx context.Context, userID, sectionID string) (domain.Diff, int, error) {
	m.lastSection = domain.Section{ID: sectionID}
	return m.diff, m.collected, m.err
}

func (m *mockEngine) ApplyMutations(ctx context.Context, userID string, muts []domain.Mutation) (domain.Diff, error) {
	m.lastMuts = muts
	return m.diff, m.err
}

type mockAuth struct{}

func (mockAuth) UserIDFromAuthHeader(string) (string, error) { return "user", nil }

type failingAuth struct{}

func (failingAuth) UserIDFromAuthHeader(string) (string, error) {
	return "", errMissingAuthorization
}

type mockDeduper struct {
	duplicates map[string]bool
	addErr     error
	removed    []string
}

func (m *mockDeduper) Add(ctx context.Context, userID, key string) (bool, error) {
	return !m.duplicates[key], m.addErr
}

func (m *mockDeduper) AddMany(ctx context.Context, userID string, keys []string) ([]bool, error) {
	out := make([]bool, len(keys))
	for i, k := range keys {
		out[i] = !m.duplicates[k]
	}
	return out, m.addErr
}

func (m *mockDeduper) Remove(ctx context.Context, userID, key string) error {
	m.removed = append(m.removed, key)
	return nil
}

func newTestContext(method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestGetCanvas(t *testing.T) {
	engine := &mockEngine{nodes: []domain.Node{
		{ID: "t1", Kind: domain.NodeTask, Position: domain.Point{X: 10, Y: 20}},
		{ID: "s1", Kind: domain.NodeSection},
	}}
	c, rec := newTestContext(http.MethodGet, "/api/canvas", "")

	if err := getCanvas(engine, mockAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	var resp nodesResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(resp.Nodes) != 2 || resp.Nodes[0].ID != "t1" {
		t.Fatalf("unexpected nodes: %#v", resp.Nodes)
	}
}

func TestGetCanvasUnauthorized(t *testing.T) {
	c, rec := newTestContext(http.MethodGet, "/api/canvas", "")

	if err := getCanvas(&mockEngine{}, failingAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 got %d", rec.Code)
	}
}

func TestGetInbox(t *testing.T) {
	engine := &mockEngine{inbox: []domain.Task{{ID: "t1", Title: "a", InInbox: true}}}
	c, rec := newTestContext(http.MethodGet, "/api/inbox", "")

	if err := getInbox(engine, mockAuth{})(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	var resp inboxResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(resp.Tasks) != 1 || resp.Tasks[0].ID != "t1" {
		t.Fatalf("unexpected tasks: %#v", resp.Tasks)
	}
}

func TestPostDragApplied(t *testing.T) {
	engine := &mockEngine{diff: domain.Diff{ToAdd: []domain.Node{{ID: "t1"}}}}
	body := `{"taskId":"t1","screen":{"x":500,"y":300},"viewport":{"panX":50,"panY":50,"zoom":2},"container":{"x":0,"y":0,"width":800,"height":600}}`
	c, rec := newTestContext(http.MethodPost, "/api/drag", body)

	if err := postDrag(engine, mockAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if engine.lastTaskID != "t1" {
		t.Fatalf("expected task id forwarded, got %q", engine.lastTaskID)
	}
	if engine.lastViewport.Zoom != 2 {
		t.Fatalf("expected viewport forwarded, got %#v", engine.lastViewport)
	}
	var resp dragResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if !resp.Applied || len(resp.Diff.ToAdd) != 1 {
		t.Fatalf("unexpected response: %#v", resp)
	}
}

func TestPostDragInvalidViewportIsNotAnError(t *testing.T) {
	engine := &mockEngine{err: &canvas.GeometryError{Reason: "zoom must be positive"}}
	body := `{"taskId":"t1","screen":{"x":1,"y":1},"viewport":{"panX":0,"panY":0,"zoom":0},"container":{"x":0,"y":0,"width":800,"height":600}}`
	c, rec := newTestContext(http.MethodPost, "/api/drag", body)

	if err := postDrag(engine, mockAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	var resp dragResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if resp.Applied {
		t.Fatalf("expected drag to be dropped, got %#v", resp)
	}
	if resp.Reason == "" {
		t.Fatalf("expected a reason for the dropped drag")
	}
}

func TestPostDragUnknownTask(t *testing.T) {
	engine := &mockEngine{err: canvas.ErrTaskNotFound}
	body := `{"taskId":"missing","screen":{"x":1,"y":1},"viewport":{"panX":0,"panY":0,"zoom":1},"container":{"x":0,"y":0,"width":800,"height":600}}`
	c, rec := newTestContext(http.MethodPost, "/api/drag", body)

	if err := postDrag(engine, mockAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 got %d", rec.Code)
	}
}

func TestPostDragMissingTaskID(t *testing.T) {
	engine := &mockEngine{}
	body := `{"screen":{"x":1,"y":1},"viewport":{"panX":0,"panY":0,"zoom":1},"container":{"x":0,"y":0,"width":800,"height":600}}`
	c, rec := newTestContext(http.MethodPost, "/api/drag", body)

	if err := postDrag(engine, mockAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 got %d", rec.Code)
	}
}

func TestPostDragRejectsUnknownFields(t *testing.T) {
	engine := &mockEngine{}
	body := `{"taskId":"t1","bogus":true}`
	c, rec := newTestContext(http.MethodPost, "/api/drag", body)

	if err := postDrag(engine, mockAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 got %d", rec.Code)
	}
}

func TestPostReturnToInbox(t *testing.T) {
	engine := &mockEngine{diff: domain.Diff{ToRemove: []string{"t1"}}}
	c, rec := newTestContext(http.MethodPost, "/api/tasks/t1/inbox", "")
	c.SetParamNames("id")
	c.SetParamValues("t1")

	if err := postReturnToInbox(engine, mockAuth{})(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if engine.lastTaskID != "t1" {
		t.Fatalf("expected task id forwarded, got %q", engine.lastTaskID)
	}
	var resp diffResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(resp.Diff.ToRemove) != 1 || resp.Diff.ToRemove[0] != "t1" {
		t.Fatalf("unexpected diff: %#v", resp.Diff)
	}
}

func TestPostReturnToInboxUnknownTask(t *testing.T) {
	engine := &mockEngine{err: canvas.ErrTaskNotFound}
	c, rec := newTestContext(http.MethodPost, "/api/tasks/missing/inbox", "")
	c.SetParamNames("id")
	c.SetParamValues("missing")

	if err := postReturnToInbox(engine, mockAuth{})(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 got %d", rec.Code)
	}
}

func TestPostSection(t *testing.T) {
	engine := &mockEngine{}
	body := `{"id":"","name":"Urgent","type":"priority","rule":{"value":"high"},"position":{"x":0,"y":0,"width":400,"height":300},"autoCollect":true,"isVisible":true,"isCollapsed":false,"color":""}`
	c, rec := newTestContext(http.MethodPost, "/api/sections", body)

	if err := postSection(engine, mockAuth{})(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201 got %d", rec.Code)
	}
	if engine.lastSection.Name != "Urgent" || engine.lastSection.Type != domain.SectionPriority {
		t.Fatalf("unexpected section forwarded: %#v", engine.lastSection)
	}
	var resp sectionResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if resp.Section.ID == "" {
		t.Fatalf("expected engine-assigned section id in response")
	}
}

func TestPatchSectionUsesPathID(t *testing.T) {
	engine := &mockEngine{}
	body := `{"id":"spoofed","name":"Renamed","type":"custom","rule":{"value":""},"position":{"x":0,"y":0,"width":400,"height":300},"autoCollect":false,"isVisible":true,"isCollapsed":false}`
	c, rec := newTestContext(http.MethodPatch, "/api/sections/s1", body)
	c.SetParamNames("id")
	c.SetParamValues("s1")

	if err := patchSection(engine, mockAuth{})(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if engine.lastSection.ID != "s1" {
		t.Fatalf("expected path id to win, got %q", engine.lastSection.ID)
	}
}

func TestDeleteSectionUnknown(t *testing.T) {
	engine := &mockEngine{err: canvas.ErrSectionNotFound}
	c, rec := newTestContext(http.MethodDelete, "/api/sections/missing", "")
	c.SetParamNames("id")
	c.SetParamValues("missing")

	if err := deleteSection(engine, mockAuth{})(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 got %d", rec.Code)
	}
}

func TestPostCollect(t *testing.T) {
	engine := &mockEngine{collected: 3, diff: domain.Diff{ToUpdate: []domain.Node{{ID: "t1"}, {ID: "t2"}, {ID: "t3"}}}}
	c, rec := newTestContext(http.MethodPost, "/api/sections/s1/collect", "")
	c.SetParamNames("id")
	c.SetParamValues("s1")

	if err := postCollect(engine, mockAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	var resp collectResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if resp.Collected != 3 {
		t.Fatalf("unexpected collected count: %d", resp.Collected)
	}
}

func TestPostCollectUnknownSection(t *testing.T) {
	engine := &mockEngine{err: canvas.ErrSectionNotFound}
	c, rec := newTestContext(http.MethodPost, "/api/sections/missing/collect", "")
	c.SetParamNames("id")
	c.SetParamValues("missing")

	if err := postCollect(engine, mockAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 got %d", rec.Code)
	}
}

func TestPostMenuPosition(t *testing.T) {
	body := `{"anchor":{"x":1910,"y":50},"menu":{"width":200,"height":300},"viewport":{"width":1920,"height":1080}}`
	c, rec := newTestContext(http.MethodPost, "/api/menu/position", body)

	if err := postMenuPosition(mockAuth{})(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	var pos domain.Point
	if err := sonic.Unmarshal(rec.Body.Bytes(), &pos); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if pos.X != 1710 {
		t.Fatalf("expected menu to be flipped to x=1710, got %v", pos.X)
	}
	if pos.Y != 50 {
		t.Fatalf("expected y to be unchanged, got %v", pos.Y)
	}
}

func TestPostMutationsAppliesFreshOnly(t *testing.T) {
	engine := &mockEngine{diff: domain.Diff{ToUpdate: []domain.Node{{ID: "t1"}}}}
	deduper := &mockDeduper{duplicates: map[string]bool{"dup": true}}
	body := `[{"idempotencyKey":"dup","op":"task-placed","entityId":"t1","after":{"isInInbox":false,"canvasPosition":{"x":1,"y":2}},"timestamp":1},` +
		`{"idempotencyKey":"fresh","op":"task-placed","entityId":"t2","after":{"isInInbox":false,"canvasPosition":{"x":3,"y":4}},"timestamp":2}]`
	c, rec := newTestContext(http.MethodPost, "/api/mutations", body)

	if err := postMutations(engine, mockAuth{}, deduper, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if len(engine.lastMuts) != 1 || engine.lastMuts[0].IdempotencyKey != "fresh" {
		t.Fatalf("expected only the fresh mutation to be applied, got %#v", engine.lastMuts)
	}
	var resp postMutationsResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if resp.Applied != 1 {
		t.Fatalf("unexpected applied count: %d", resp.Applied)
	}
	if len(resp.IdempotencyKeys) != 2 {
		t.Fatalf("expected keys for the whole batch, got %#v", resp.IdempotencyKeys)
	}
}

func TestPostMutationsGeneratesMissingKeys(t *testing.T) {
	engine := &mockEngine{}
	deduper := &mockDeduper{}
	body := `[{"idempotencyKey":"","op":"task-returned-to-inbox","entityId":"t1","timestamp":1}]`
	c, rec := newTestContext(http.MethodPost, "/api/mutations", body)

	if err := postMutations(engine, mockAuth{}, deduper, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	var resp postMutationsResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(resp.IdempotencyKeys) != 1 || resp.IdempotencyKeys[0] == "" {
		t.Fatalf("expected a generated key, got %#v", resp.IdempotencyKeys)
	}
}

func TestPostMutationsRollsBackKeysOnFailure(t *testing.T) {
	engine := &mockEngine{err: errors.New("apply failed")}
	deduper := &mockDeduper{}
	body := `[{"idempotencyKey":"k1","op":"task-returned-to-inbox","entityId":"t1","timestamp":1}]`
	c, rec := newTestContext(http.MethodPost, "/api/mutations", body)

	if err := postMutations(engine, mockAuth{}, deduper, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500 got %d", rec.Code)
	}
	if len(deduper.removed) != 1 || deduper.removed[0] != "k1" {
		t.Fatalf("expected key rollback, got %#v", deduper.removed)
	}
}

func TestPostMutationsEmptyBatch(t *testing.T) {
	engine := &mockEngine{}
	deduper := &mockDeduper{}
	c, rec := newTestContext(http.MethodPost, "/api/mutations", "[]")

	if err := postMutations(engine, mockAuth{}, deduper, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if engine.lastMuts != nil {
		t.Fatalf("expected engine to not be called for an empty batch")
	}
}
