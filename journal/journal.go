// Package journal persists every placement mutation the engine performs to
// a local write-ahead log and delivers it asynchronously to the mutation
// queue consumed by the undo/redo subsystem. A mutation is acknowledged, and
// its WAL offset checkpointed, only after the queue accepted it; records
// past the checkpoint are redelivered on restart.
package journal

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"canvas-api/domain"
)

// Sink receives delivered mutation records, normally the storage mutation
// queue.
type Sink interface {
	EnqueueMutations(ctx context.Context, userID string, muts []domain.Mutation) error
}

// Config tunes the journal. Zero fields fall back to defaults.
type Config struct {
	Dir             string
	BufferSize      int
	WorkerCount     int
	BatchSize       int
	FlushInterval   time.Duration
	DeliveryTimeout time.Duration
	HandoffTimeout  time.Duration
	RetryInitial    time.Duration
	RetryMax        time.Duration
	SegmentBytes    int64
	SyncEvery       int
	SyncInterval    time.Duration
}

func (c *Config) applyDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.BufferSize <= 0 {
		c.BufferSize = c.WorkerCount * c.BatchSize * 2
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Millisecond
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 60 * time.Second
	}
	if c.HandoffTimeout < 0 {
		c.HandoffTimeout = 0
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 250 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Second
	}
	if c.SegmentBytes <= 0 {
		c.SegmentBytes = 64 * 1024 * 1024
	}
	if c.SyncEvery <= 0 {
		c.SyncEvery = 1
	}
}

var errSaturated = errors.New("mutation journal is saturated")

// Journal is the durable mutation log plus its delivery workers.
type Journal struct {
	cfg    Config
	sink   Sink
	logger *log.Logger
	wal    *wal
	workCh chan *record
	stopCh chan struct{}

	workerWG sync.WaitGroup
	retryWG  sync.WaitGroup

	mu        sync.Mutex
	inflight  map[uint64]*record
	acked     map[uint64]struct{}
	nextAck   uint64
	closing   bool
	delivered atomic.Uint64
}

// Open replays the WAL in cfg.Dir, requeues undelivered records and starts
// the delivery workers.
func Open(cfg Config, sink Sink, logger *log.Logger) (*Journal, error) {
	if sink == nil {
		return nil, errors.New("journal: sink is required")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	cfg.applyDefaults()

	w, pending, err := openWAL(walConfig{
		dir:          cfg.Dir,
		segmentBytes: cfg.SegmentBytes,
		syncEvery:    cfg.SyncEvery,
		syncInterval: cfg.SyncInterval,
		logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	j := &Journal{
		cfg:      cfg,
		sink:     sink,
		logger:   logger,
		wal:      w,
		workCh:   make(chan *record, cfg.BufferSize),
		stopCh:   make(chan struct{}),
		inflight: make(map[uint64]*record),
		acked:    make(map[uint64]struct{}),
		nextAck:  w.committedOffset,
	}

	for _, rec := range pending {
		j.inflight[rec.Offset] = rec
	}
	go func() {
		for _, rec := range pending {
			select {
			case j.workCh <- rec:
			case <-j.stopCh:
				return
			}
		}
	}()

	for i := 0; i < cfg.WorkerCount; i++ {
		j.workerWG.Add(1)
		go j.worker(i)
	}
	if cfg.SyncInterval > 0 {
		go j.syncLoop()
	}

	logger.WithFields(log.Fields{
		"dir":     cfg.Dir,
		"workers": cfg.WorkerCount,
		"pending": len(pending),
	}).Info("mutation journal started")
	return j, nil
}

// Record durably logs one mutation and hands it to the delivery workers.
// When the worker buffer is saturated the record is delivered inline so the
// mutation entry point never silently drops an undo step.
func (j *Journal) Record(userID string, m domain.Mutation) error {
	rec := &record{
		UserID:   userID,
		Mutation: m,
		LoggedAt: time.Now().UTC(),
	}

	j.wal.mu.Lock()
	if err := j.wal.appendRecordLocked(rec); err != nil {
		j.wal.mu.Unlock()
		return err
	}
	if err := j.wal.syncIfNeededLocked(); err != nil {
		j.wal.mu.Unlock()
		return err
	}
	j.wal.mu.Unlock()

	j.mu.Lock()
	if j.closing {
		j.mu.Unlock()
		return errors.New("journal shutting down")
	}
	j.inflight[rec.Offset] = rec
	j.mu.Unlock()

	if err := j.dispatch(rec); err != nil {
		if !errors.Is(err, errSaturated) {
			return err
		}
		j.logger.Warn("journal buffer saturated; delivering inline")
		j.deliver([]*record{rec}, -1)
	}
	return nil
}

func (j *Journal) dispatch(rec *record) error {
	if j.cfg.HandoffTimeout <= 0 {
		select {
		case j.workCh <- rec:
			return nil
		default:
			return errSaturated
		}
	}

	timer := time.NewTimer(j.cfg.HandoffTimeout)
	defer timer.Stop()
	select {
	case j.workCh <- rec:
		return nil
	case <-timer.C:
		return errSaturated
	case <-j.stopCh:
		return errors.New("journal shutting down")
	}
}

func (j *Journal) worker(id int) {
	defer j.workerWG.Done()

	batch := make([]*record, 0, j.cfg.BatchSize)
	timer := time.NewTimer(j.cfg.FlushInterval)
	defer timer.Stop()
	for {
		if len(batch) == 0 {
			select {
			case rec, ok := <-j.workCh:
				if !ok {
					return
				}
				batch = append(batch, rec)
				timer.Reset(j.cfg.FlushInterval)
			case <-j.stopCh:
				return
			}
		}

	gather:
		for len(batch) < j.cfg.BatchSize {
			select {
			case rec, ok := <-j.workCh:
				if !ok {
					break gather
				}
				batch = append(batch, rec)
			case <-timer.C:
				timer.Reset(j.cfg.FlushInterval)
				break gather
			case <-j.stopCh:
				return
			}
		}

		j.deliver(batch, id)
		batch = batch[:0]
	}
}

func (j *Journal) deliver(batch []*record, workerID int) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), j.cfg.DeliveryTimeout)
	defer cancel()

	successes := make([]*record, 0, len(batch))
	for _, rec := range batch {
		if err := j.sink.EnqueueMutations(ctx, rec.UserID, []domain.Mutation{rec.Mutation}); err != nil {
			rec.Attempt++
			rec.LastErr = err.Error()
			j.logger.WithError(err).Errorf("journal delivery failed, worker=%d, user=%s, op=%s, offset=%d, attempt=%d",
				workerID, rec.UserID, rec.Mutation.Op, rec.Offset, rec.Attempt)
			j.scheduleRetry(rec)
			continue
		}
		rec.Attempt = 0
		rec.LastErr = ""
		successes = append(successes, rec)
	}
	if len(successes) > 0 {
		j.markDelivered(successes)
	}
}

func (j *Journal) markDelivered(records []*record) {
	var maxCommit uint64

	j.mu.Lock()
	for _, rec := range records {
		delete(j.inflight, rec.Offset)
		j.acked[rec.Offset] = struct{}{}
	}
	j.delivered.Add(uint64(len(records)))

	for {
		next := j.nextAck + 1
		if _, ok := j.acked[next]; !ok {
			break
		}
		delete(j.acked, next)
		j.nextAck = next
		maxCommit = next
	}
	j.mu.Unlock()

	if maxCommit > 0 {
		j.wal.mu.Lock()
		if err := j.wal.commitLocked(maxCommit); err != nil {
			j.logger.WithError(err).Error("failed to commit journal checkpoint")
		}
		j.wal.mu.Unlock()
	}
}

func (j *Journal) scheduleRetry(rec *record) {
	delay := exponentialBackoff(rec.Attempt, j.cfg.RetryInitial, j.cfg.RetryMax)
	j.retryWG.Add(1)
	go func() {
		defer j.retryWG.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			select {
			case j.workCh <- rec:
			case <-j.stopCh:
			}
		case <-j.stopCh:
		}
	}()
}

func (j *Journal) syncLoop() {
	ticker := time.NewTicker(j.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			j.wal.mu.Lock()
			if err := j.wal.syncLocked(); err != nil {
				if errors.Is(err, errWALClosed) {
					j.wal.mu.Unlock()
					return
				}
				j.logger.WithError(err).Error("journal wal sync failed")
			}
			j.wal.mu.Unlock()
		case <-j.stopCh:
			return
		}
	}
}

// Close stops the workers and closes the WAL. Undelivered records stay on
// disk and are redelivered on the next Open.
func (j *Journal) Close() {
	j.mu.Lock()
	if j.closing {
		j.mu.Unlock()
		return
	}
	j.closing = true
	j.mu.Unlock()

	close(j.stopCh)
	close(j.workCh)
	j.workerWG.Wait()
	j.retryWG.Wait()
	j.wal.close()
}

// Stats reports delivery backlog for diagnostics.
type Stats struct {
	QueueDepth int    `json:"queueDepth"`
	Buffered   int    `json:"buffered"`
	Delivered  uint64 `json:"delivered"`
}

func (j *Journal) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Stats{
		QueueDepth: len(j.inflight),
		Buffered:   len(j.workCh),
		Delivered:  j.delivered.Load(),
	}
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 0 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}
