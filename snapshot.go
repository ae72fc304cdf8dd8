package cmdbus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type (
	// SnapshotSaver persists an aggregate snapshot unless a snapshot at the
	// same or a later version already exists
	SnapshotSaver interface {
		SaveSnapshot(
			ctx context.Context, tenant string, typ *AggregateType, id string,
			version int64, data []byte,
		) error
	}

	// SnapshotWorker refreshes stale snapshots in the background
	SnapshotWorker struct {
		saver  SnapshotSaver
		log    *zap.Logger
		ctx    context.Context
		queue  chan snapshotRequest
		cancel context.CancelFunc
		config StoreConfig
		wg     sync.WaitGroup
	}

	snapshotRequest struct {
		typ     *AggregateType
		tenant  string
		id      string
		data    []byte
		version int64
	}
)

// NewSnapshotWorker starts config.WorkerCount workers writing through saver
func NewSnapshotWorker(
	saver SnapshotSaver, config StoreConfig, opts ...Option,
) *SnapshotWorker {
	ctx, cancel := context.WithCancel(context.Background())
	o := applyOptions(opts)

	sw := &SnapshotWorker{
		saver:  saver,
		log:    o.logger,
		config: config,
		queue:  make(chan snapshotRequest, max(config.MaxQueueSize, 1)),
		ctx:    ctx,
		cancel: cancel,
	}

	for i := range max(config.WorkerCount, 1) {
		sw.wg.Add(1)
		go sw.worker(i)
	}

	return sw
}

func (sw *SnapshotWorker) worker(id int) {
	defer sw.wg.Done()

	for {
		select {
		case <-sw.ctx.Done():
			return
		case req := <-sw.queue:
			sw.saveSnapshot(id, req)
		}
	}
}

func (sw *SnapshotWorker) saveSnapshot(workerID int, req snapshotRequest) {
	timeout := sw.config.SaveTimeout
	if timeout <= 0 {
		timeout = DefaultSnapshotSaveTimeout
	}
	ctx, cancel := context.WithTimeout(sw.ctx, timeout)
	defer cancel()

	start := time.Now()
	err := sw.saver.SaveSnapshot(
		ctx, req.tenant, req.typ, req.id, req.version, req.data,
	)
	duration := time.Since(start)

	if err != nil {
		sw.log.Error("failed to save snapshot",
			zap.Int("worker_id", workerID),
			zap.String("tenant", req.tenant),
			zap.String("aggregate_type", req.typ.Name),
			zap.String("aggregate_id", req.id),
			zap.Int64("version", req.version),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return
	}

	sw.log.Debug("snapshot saved",
		zap.Int("worker_id", workerID),
		zap.String("tenant", req.tenant),
		zap.String("aggregate_type", req.typ.Name),
		zap.String("aggregate_id", req.id),
		zap.Int64("version", req.version),
		zap.Duration("duration", duration),
	)
}

// Enqueue schedules a snapshot save. It never blocks; when the queue is full
// the request is dropped and false is returned
func (sw *SnapshotWorker) Enqueue(
	tenant string, typ *AggregateType, id string, version int64, data []byte,
) bool {
	req := snapshotRequest{
		tenant:  tenant,
		typ:     typ,
		id:      id,
		version: version,
		data:    data,
	}

	select {
	case sw.queue <- req:
		return true
	default:
		sw.log.Warn("snapshot queue full, dropping request",
			zap.String("tenant", tenant),
			zap.String("aggregate_id", id),
			zap.Int64("version", version),
			zap.Int("queue_size", len(sw.queue)),
		)
		return false
	}
}

// Stop cancels the workers and waits for them to exit
func (sw *SnapshotWorker) Stop() {
	sw.cancel()
	sw.wg.Wait()
}
