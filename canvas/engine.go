package canvas

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"canvas-api/domain"
)

var (
	// ErrTaskNotFound is returned when a mutation references a task id the
	// store does not know.
	ErrTaskNotFound = errors.New("task not found")
	// ErrSectionNotFound is returned when a mutation references a section id
	// the store does not know.
	ErrSectionNotFound = errors.New("section not found")
)

// Store is the authoritative task/section data the engine reconciles
// against. The engine only ever writes placement fields on tasks; domain
// fields belong to other subsystems.
type Store interface {
	FetchTasks(ctx context.Context, userID string) ([]domain.Task, error)
	FetchSections(ctx context.Context, userID string) ([]domain.Section, error)
	UpdatePlacement(ctx context.Context, userID, taskID string, p domain.Placement) error
	UpsertSection(ctx context.Context, userID string, s domain.Section) error
	DeleteSection(ctx context.Context, userID, sectionID string) error
}

// Journal receives every placement mutation the engine performs so the
// external undo/redo subsystem can invert it later.
type Journal interface {
	Record(userID string, m domain.Mutation) error
}

// Engine is the synchronization core: every mutation entry point writes the
// store, reconciles once synchronously, folds the diff into the per-user
// node set and broadcasts it. One writer per user; reconciliation is never
// deferred to a later tick.
type Engine struct {
	store   Store
	journal Journal
	logger  *log.Logger
	now     func() time.Time
	tracer  trace.Tracer

	mu       sync.Mutex
	sessions map[string]*session
}

// session is the rendered-state mirror for one user's canvas.
type session struct {
	mu    sync.Mutex
	nodes map[string]domain.Node
	subs  map[chan domain.Diff]struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock used for timeline rule evaluation.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine over the given store. The journal may be nil,
// in which case mutations are not exported.
func NewEngine(store Store, journal Journal, logger *log.Logger, opts ...Option) *Engine {
	if store == nil {
		panic("canvas.NewEngine: store is required")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	e := &Engine{
		store:    store,
		journal:  journal,
		logger:   logger,
		now:      time.Now,
		tracer:   otel.Tracer("canvas-api/canvas"),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) session(userID string) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[userID]
	if !ok {
		s = &session{
			nodes: make(map[string]domain.Node),
			subs:  make(map[chan domain.Diff]struct{}),
		}
		e.sessions[userID] = s
	}
	return s
}

// load fetches both stores. Every mutation rereads them so the engine never
// reconciles against a stale snapshot.
func (e *Engine) load(ctx context.Context, userID string) ([]domain.Task, []domain.Section, error) {
	tasks, err := e.store.FetchTasks(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch tasks: %w", err)
	}
	sections, err := e.store.FetchSections(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch sections: %w", err)
	}
	return tasks, sections, nil
}

// reconcileLocked runs one reconciliation pass and publishes the diff.
// Callers must hold the session lock.
func (e *Engine) reconcileLocked(ctx context.Context, s *session, tasks []domain.Task, sections []domain.Section) domain.Diff {
	_, span := e.tracer.Start(ctx, "canvas.reconcile")
	diff := Reconcile(tasks, sections, s.nodes)
	Apply(s.nodes, diff)
	span.SetAttributes(
		attribute.Int("canvas.diff.add", len(diff.ToAdd)),
		attribute.Int("canvas.diff.update", len(diff.ToUpdate)),
		attribute.Int("canvas.diff.remove", len(diff.ToRemove)),
	)
	span.End()
	if !diff.Empty() {
		for ch := range s.subs {
			select {
			case ch <- diff:
			default:
				// A stalled subscriber must not block the mutation path; it
				// resynchronizes from a snapshot.
			}
		}
	}
	return diff
}

// Snapshot reconciles without mutating and returns the current node set.
func (e *Engine) Snapshot(ctx context.Context, userID string) ([]domain.Node, error) {
	s := e.session(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks, sections, err := e.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	e.reconcileLocked(ctx, s, tasks, sections)
	nodes := make([]domain.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// Subscribe registers a diff channel for the user's canvas. The returned
// cancel function must be called when the consumer goes away.
func (e *Engine) Subscribe(userID string) (<-chan domain.Diff, func()) {
	s := e.session(userID)
	ch := make(chan domain.Diff, 16)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}
}

// InboxTasks returns the user's inbox in stable id order.
func (e *Engine) InboxTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	tasks, err := e.store.FetchTasks(ctx, userID)
	if err != nil {
		return nil, err
	}
	inbox := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.InInbox {
			inbox = append(inbox, t)
		}
	}
	return inbox, nil
}

// CommitDrag places a task at the canvas point under the given screen
// coordinates. A GeometryError aborts with no store mutation. Membership is
// assigned from geometric containment at drop time only; afterwards the
// stored section id stays authoritative.
func (e *Engine) CommitDrag(ctx context.Context, userID, taskID string, screen domain.Point, vp Viewport, container domain.Rect) (domain.Diff, error) {
	target, err := ScreenToCanvas(screen, vp, container)
	if err != nil {
		return domain.Diff{}, err
	}

	s := e.session(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, sections, err := e.load(ctx, userID)
	if err != nil {
		return domain.Diff{}, err
	}
	task, ok := taskByID(tasks, taskID)
	if !ok {
		return domain.Diff{}, ErrTaskNotFound
	}

	placement := domain.Placement{Position: &target}
	if hit := SectionAt(target, sections); hit != nil {
		placement.SectionID = hit.ID
	}
	if err := e.writePlacement(ctx, userID, task, placement, domain.MutatePlace); err != nil {
		return domain.Diff{}, err
	}

	tasks = replaceTask(tasks, domain.ApplyPlacement(task, placement))
	return e.reconcileLocked(ctx, s, tasks, sections), nil
}

// ReturnToInbox sends a placed task back to the inbox; its node disappears
// on the same reconcile pass.
func (e *Engine) ReturnToInbox(ctx context.Context, userID, taskID string) (domain.Diff, error) {
	s := e.session(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, sections, err := e.load(ctx, userID)
	if err != nil {
		return domain.Diff{}, err
	}
	task, ok := taskByID(tasks, taskID)
	if !ok {
		return domain.Diff{}, ErrTaskNotFound
	}

	placement := domain.Placement{InInbox: true}
	if err := e.writePlacement(ctx, userID, task, placement, domain.MutateReturnToInbox); err != nil {
		return domain.Diff{}, err
	}

	tasks = replaceTask(tasks, domain.ApplyPlacement(task, placement))
	return e.reconcileLocked(ctx, s, tasks, sections), nil
}

// CreateSection persists a new section and returns it with its generated id.
func (e *Engine) CreateSection(ctx context.Context, userID string, section domain.Section) (domain.Section, domain.Diff, error) {
	if section.ID == "" {
		section.ID = uuid.NewString()
	}
	if section.Type == "" {
		section.Type = domain.SectionCustom
	}
	section.Visible = true

	s := e.session(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, sections, err := e.load(ctx, userID)
	if err != nil {
		return domain.Section{}, domain.Diff{}, err
	}
	if err := e.store.UpsertSection(ctx, userID, section); err != nil {
		return domain.Section{}, domain.Diff{}, err
	}
	e.record(userID, domain.Mutation{Op: domain.MutateSectionCreated, EntityID: section.ID})

	sections = append(sections, section)
	return section, e.reconcileLocked(ctx, s, tasks, sections), nil
}

// UpdateSection overwrites a section's stored fields. Geometry changes never
// retroactively move member tasks.
func (e *Engine) UpdateSection(ctx context.Context, userID string, section domain.Section) (domain.Diff, error) {
	s := e.session(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, sections, err := e.load(ctx, userID)
	if err != nil {
		return domain.Diff{}, err
	}
	idx := sectionIndex(sections, section.ID)
	if idx < 0 {
		return domain.Diff{}, ErrSectionNotFound
	}
	if err := e.store.UpsertSection(ctx, userID, section); err != nil {
		return domain.Diff{}, err
	}
	e.record(userID, domain.Mutation{Op: domain.MutateSectionUpdated, EntityID: section.ID})

	sections[idx] = section
	return e.reconcileLocked(ctx, s, tasks, sections), nil
}

// DeleteSection removes a section. Member tasks stay placed at their current
// position; only their section association is cleared.
func (e *Engine) DeleteSection(ctx context.Context, userID, sectionID string) (domain.Diff, error) {
	s := e.session(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, sections, err := e.load(ctx, userID)
	if err != nil {
		return domain.Diff{}, err
	}
	idx := sectionIndex(sections, sectionID)
	if idx < 0 {
		return domain.Diff{}, ErrSectionNotFound
	}

	for i, t := range tasks {
		if t.SectionID != sectionID {
			continue
		}
		placement := domain.PlacementOf(t)
		placement.SectionID = ""
		if err := e.writePlacement(ctx, userID, t, placement, domain.MutatePlace); err != nil {
			return domain.Diff{}, err
		}
		tasks[i] = domain.ApplyPlacement(t, placement)
	}
	if err := e.store.DeleteSection(ctx, userID, sectionID); err != nil {
		return domain.Diff{}, err
	}
	e.record(userID, domain.Mutation{Op: domain.MutateSectionDeleted, EntityID: sectionID})

	sections = append(sections[:idx], sections[idx+1:]...)
	return e.reconcileLocked(ctx, s, tasks, sections), nil
}

// AutoCollect pulls every inbox task matching the section's rule into the
// section. A second trigger with no new matching inbox tasks performs zero
// store mutations.
func (e *Engine) AutoCollect(ctx context.Context, userID, sectionID string) (domain.Diff, int, error) {
	ctx, span := e.tracer.Start(ctx, "canvas.autocollect")
	defer span.End()

	s := e.session(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, sections, err := e.load(ctx, userID)
	if err != nil {
		return domain.Diff{}, 0, err
	}
	idx := sectionIndex(sections, sectionID)
	if idx < 0 {
		return domain.Diff{}, 0, ErrSectionNotFound
	}
	section := sections[idx]

	now := e.now()
	var candidates, placed []domain.Task
	for _, t := range tasks {
		switch {
		case t.InInbox && Matches(t, section, now):
			candidates = append(candidates, t)
		case t.Placed():
			placed = append(placed, t)
		}
	}
	span.SetAttributes(attribute.Int("canvas.collect.candidates", len(candidates)))
	if len(candidates) == 0 {
		return e.reconcileLocked(ctx, s, tasks, sections), 0, nil
	}

	plans, grownHeight := Plan(section, candidates, placed)
	if grownHeight > 0 {
		section.Bounds.Height = grownHeight
		if err := e.store.UpsertSection(ctx, userID, section); err != nil {
			return domain.Diff{}, 0, err
		}
		e.record(userID, domain.Mutation{Op: domain.MutateSectionUpdated, EntityID: section.ID})
		sections[idx] = section
	}

	for _, plan := range plans {
		task, ok := taskByID(tasks, plan.TaskID)
		if !ok {
			continue
		}
		pos := plan.Position
		placement := domain.Placement{Position: &pos, SectionID: section.ID}
		if err := e.writePlacement(ctx, userID, task, placement, domain.MutatePlace); err != nil {
			return domain.Diff{}, 0, err
		}
		tasks = replaceTask(tasks, domain.ApplyPlacement(task, placement))
	}

	e.logger.WithFields(log.Fields{
		"user":      userID,
		"section":   sectionID,
		"collected": len(plans),
		"grown":     grownHeight > 0,
	}).Info("canvas.autocollect")

	return e.reconcileLocked(ctx, s, tasks, sections), len(plans), nil
}

// ApplyMutations replays externally-sourced placement mutations (undo/redo)
// through the engine write path. The whole batch is applied before the
// single reconcile pass. Replayed mutations are not re-journaled; the undo
// subsystem already owns them.
func (e *Engine) ApplyMutations(ctx context.Context, userID string, muts []domain.Mutation) (domain.Diff, error) {
	s := e.session(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, sections, err := e.load(ctx, userID)
	if err != nil {
		return domain.Diff{}, err
	}
	for _, m := range muts {
		switch m.Op {
		case domain.MutatePlace, domain.MutateReturnToInbox:
			if m.After == nil {
				return domain.Diff{}, fmt.Errorf("mutation %s on %s has no target placement", m.Op, m.EntityID)
			}
			task, ok := taskByID(tasks, m.EntityID)
			if !ok {
				return domain.Diff{}, fmt.Errorf("%w: %s", ErrTaskNotFound, m.EntityID)
			}
			if err := e.store.UpdatePlacement(ctx, userID, m.EntityID, *m.After); err != nil {
				return domain.Diff{}, err
			}
			tasks = replaceTask(tasks, domain.ApplyPlacement(task, *m.After))
		default:
			return domain.Diff{}, fmt.Errorf("unsupported mutation op %q", m.Op)
		}
	}
	return e.reconcileLocked(ctx, s, tasks, sections), nil
}

// writePlacement persists one placement change and exports it as an
// invertible mutation record.
func (e *Engine) writePlacement(ctx context.Context, userID string, task domain.Task, p domain.Placement, op string) error {
	if err := e.store.UpdatePlacement(ctx, userID, task.ID, p); err != nil {
		return err
	}
	before := domain.PlacementOf(task)
	e.record(userID, domain.Mutation{
		Op:       op,
		EntityID: task.ID,
		Before:   &before,
		After:    &p,
	})
	return nil
}

func (e *Engine) record(userID string, m domain.Mutation) {
	if e.journal == nil {
		return
	}
	if m.IdempotencyKey == "" {
		m.IdempotencyKey = uuid.NewString()
	}
	m.ID = m.IdempotencyKey
	m.Timestamp = nextTimestamp()
	if err := e.journal.Record(userID, m); err != nil {
		e.logger.WithFields(log.Fields{
			"user": userID,
			"op":   m.Op,
			"id":   m.EntityID,
		}).Errorf("journal record failed: %v", err)
	}
}

func taskByID(tasks []domain.Task, id string) (domain.Task, bool) {
	for _, t := range tasks {
		if t.ID == id {
			return t, true
		}
	}
	return domain.Task{}, false
}

func replaceTask(tasks []domain.Task, task domain.Task) []domain.Task {
	for i := range tasks {
		if tasks[i].ID == task.ID {
			tasks[i] = task
			return tasks
		}
	}
	return append(tasks, task)
}

func sectionIndex(sections []domain.Section, id string) int {
	for i := range sections {
		if sections[i].ID == id {
			return i
		}
	}
	return -1
}
