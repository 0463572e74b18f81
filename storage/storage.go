package storage

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	azruntime "github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"canvas-api/domain"
)

// ErrNotFound is returned when the referenced entity does not exist.
var ErrNotFound = errors.New("entity not found")

const (
	defaultQueueConcurrency = 4
	queuePerCPU             = 10
	maxQueueConcurrency     = 64
)

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

type tableClient interface {
	NewListEntitiesPager(options *aztables.ListEntitiesOptions) *azruntime.Pager[aztables.ListEntitiesResponse]
	GetEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	UpsertEntity(ctx context.Context, entity []byte, options *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error)
	DeleteEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error)
}

// Storage provides access to the task and section tables and the mutation
// queue. Tables are partitioned by user id, row-keyed by entity id.
type Storage struct {
	taskTable        tableClient
	sectionTable     tableClient
	mutationQueue    queueClient
	queueConcurrency int
}

// New creates a Storage instance from the given connection string.
func New(connStr, tasksTable, sectionsTable, mutationQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	mq, err := azqueue.NewQueueClientFromConnectionString(connStr, mutationQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{
		taskTable:        svc.NewClient(tasksTable),
		sectionTable:     svc.NewClient(sectionsTable),
		mutationQueue:    mq,
		queueConcurrency: queueConcurrencyForCPU(runtime.NumCPU()),
	}, nil
}

func queueConcurrencyForCPU(cpu int) int {
	if cpu < 1 {
		return defaultQueueConcurrency
	}
	n := cpu * queuePerCPU
	if n > maxQueueConcurrency {
		return maxQueueConcurrency
	}
	return n
}

type taskEntity struct {
	aztables.Entity
	Title     string  `json:"Title"`
	Notes     string  `json:"Notes"`
	Priority  string  `json:"Priority"`
	Status    string  `json:"Status"`
	ProjectID string  `json:"ProjectId"`
	DueDate   string  `json:"DueDate"`
	InInbox   bool    `json:"InInbox"`
	PosX      float64 `json:"PosX"`
	PosY      float64 `json:"PosY"`
	SectionID string  `json:"SectionId"`
}

func (e taskEntity) toDomain() domain.Task {
	t := domain.Task{
		ID:        e.RowKey,
		Title:     e.Title,
		Notes:     e.Notes,
		Priority:  domain.Priority(e.Priority),
		Status:    domain.Status(e.Status),
		ProjectID: e.ProjectID,
		DueDate:   e.DueDate,
		InInbox:   e.InInbox,
		SectionID: e.SectionID,
	}
	if !e.InInbox {
		t.CanvasPosition = &domain.Point{X: e.PosX, Y: e.PosY}
	}
	return t
}

type sectionEntity struct {
	aztables.Entity
	Name        string  `json:"Name"`
	Color       string  `json:"Color"`
	Type        string  `json:"Type"`
	RuleValue   string  `json:"RuleValue"`
	X           float64 `json:"X"`
	Y           float64 `json:"Y"`
	Width       float64 `json:"Width"`
	Height      float64 `json:"Height"`
	AutoCollect bool    `json:"AutoCollect"`
	Visible     bool    `json:"Visible"`
	Collapsed   bool    `json:"Collapsed"`
}

func (e sectionEntity) toDomain() domain.Section {
	return domain.Section{
		ID:          e.RowKey,
		Name:        e.Name,
		Color:       e.Color,
		Type:        domain.SectionType(e.Type),
		Rule:        domain.Rule{Value: e.RuleValue},
		Bounds:      domain.Rect{X: e.X, Y: e.Y, Width: e.Width, Height: e.Height},
		AutoCollect: e.AutoCollect,
		Visible:     e.Visible,
		Collapsed:   e.Collapsed,
	}
}

func sectionToEntity(userID string, s domain.Section) sectionEntity {
	return sectionEntity{
		Entity:      aztables.Entity{PartitionKey: userID, RowKey: s.ID},
		Name:        s.Name,
		Color:       s.Color,
		Type:        string(s.Type),
		RuleValue:   s.Rule.Value,
		X:           s.Bounds.X,
		Y:           s.Bounds.Y,
		Width:       s.Bounds.Width,
		Height:      s.Bounds.Height,
		AutoCollect: s.AutoCollect,
		Visible:     s.Visible,
		Collapsed:   s.Collapsed,
	}
}

// FetchTasks retrieves all tasks for the provided user, inbox included.
func (s *Storage) FetchTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + userID + "'"
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			tasks = append(tasks, ent.toDomain())
		}
	}
	return tasks, nil
}

// FetchSections retrieves all sections for the provided user.
func (s *Storage) FetchSections(ctx context.Context, userID string) ([]domain.Section, error) {
	filter := "PartitionKey eq '" + userID + "'"
	pager := s.sectionTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	sections := []domain.Section{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent sectionEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			sections = append(sections, ent.toDomain())
		}
	}
	return sections, nil
}

// UpdatePlacement overwrites only the placement fields of a task; domain
// fields pass through untouched.
func (s *Storage) UpdatePlacement(ctx context.Context, userID, taskID string, p domain.Placement) error {
	resp, err := s.taskTable.GetEntity(ctx, userID, taskID, nil)
	if err != nil {
		return notFoundOr(err)
	}
	var ent taskEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return err
	}
	ent.InInbox = p.InInbox
	ent.SectionID = p.SectionID
	ent.PosX, ent.PosY = 0, 0
	if p.Position != nil {
		ent.PosX, ent.PosY = p.Position.X, p.Position.Y
	}
	data, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.taskTable.UpsertEntity(ctx, data, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}

// UpsertSection creates or replaces a section row.
func (s *Storage) UpsertSection(ctx context.Context, userID string, section domain.Section) error {
	data, err := json.Marshal(sectionToEntity(userID, section))
	if err != nil {
		return err
	}
	_, err = s.sectionTable.UpsertEntity(ctx, data, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}

// DeleteSection removes a section row. Deleting a row that is already gone
// is not an error.
func (s *Storage) DeleteSection(ctx context.Context, userID, sectionID string) error {
	if _, err := s.sectionTable.DeleteEntity(ctx, userID, sectionID, nil); err != nil {
		if errors.Is(notFoundOr(err), ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// EnqueueMutations delivers mutation records to the queue with bounded
// concurrency. Consumers order by record timestamp, not arrival.
func (s *Storage) EnqueueMutations(ctx context.Context, userID string, muts []domain.Mutation) error {
	if len(muts) == 0 {
		return nil
	}
	concurrency := s.queueConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > len(muts) {
		concurrency = len(muts)
	}

	sem := make(chan struct{}, concurrency)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, m := range muts {
		env := domain.MutationEnvelope{UserID: userID, Mutation: m}
		data, err := json.Marshal(env)
		if err != nil {
			return err
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(payload string) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := s.mutationQueue.EnqueueMessage(ctx, payload, nil); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(string(data))
	}
	wg.Wait()
	return firstErr
}

func notFoundOr(err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == 404 {
		return ErrNotFound
	}
	return err
}
