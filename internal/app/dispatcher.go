package app

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/stocktrader/transfer-service/internal/store"
)

// Dispatcher consumes the transfer event log and feeds the step executor.
// The log is split into a fixed number of partitions by transfer id, so all
// events of one transfer flow through the same partition. Partitions run
// concurrently; within a partition events are strictly sequential, and the
// partition's cursor is persisted only after a step has fully completed.
// Delivery is therefore at-least-once: a crash between step and cursor write
// redelivers the last event, which the executor and machine tolerate.
type Dispatcher struct {
	repo         store.Repository
	executor     *StepExecutor
	partitions   int
	pollInterval time.Duration
	batchSize    int

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewDispatcher(repo store.Repository, executor *StepExecutor, partitions int, pollInterval time.Duration, batchSize int) *Dispatcher {
	if partitions <= 0 {
		partitions = 1
	}
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Dispatcher{
		repo:         repo,
		executor:     executor,
		partitions:   partitions,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		stop:         make(chan struct{}),
	}
}

// Start launches one worker goroutine per partition. Workers run until Stop
// is called or the context is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	log.Printf("level=info component=dispatcher msg=\"starting\" partitions=%d poll_interval=%s batch_size=%d", d.partitions, d.pollInterval, d.batchSize)
	for p := 0; p < d.partitions; p++ {
		d.wg.Add(1)
		go func(partition int) {
			defer d.wg.Done()
			d.runPartition(ctx, partition)
		}(p)
	}
}

// Stop signals all partition workers and waits for in-flight steps to finish.
// A step interrupted mid-flight before its cursor write is redelivered on the
// next start.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	d.wg.Wait()
}

func (d *Dispatcher) runPartition(ctx context.Context, partition int) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.drainPartition(ctx, partition); err != nil {
				log.Printf("level=error component=dispatcher msg=\"partition stalled; will retry from cursor\" partition=%d err=%v", partition, err)
			}
		}
	}
}

// drainPartition delivers all pending events of one partition, in log order,
// one at a time. It returns on the first persistence error without advancing
// the cursor past the failed event.
func (d *Dispatcher) drainPartition(ctx context.Context, partition int) error {
	name := cursorName(partition)
	cursor, err := d.repo.GetDispatchCursor(ctx, name)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}

	for {
		events, err := d.repo.ListEventsForPartition(ctx, partition, d.partitions, cursor, d.batchSize)
		if err != nil {
			return fmt.Errorf("read event log: %w", err)
		}
		if len(events) == 0 {
			return nil
		}

		for _, event := range events {
			select {
			case <-d.stop:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			if err := d.executor.Execute(ctx, event); err != nil {
				return fmt.Errorf("execute step for transfer %s: %w", event.TransferID, err)
			}
			if err := d.repo.SaveDispatchCursor(ctx, name, event.LogID); err != nil {
				return fmt.Errorf("save cursor: %w", err)
			}
			cursor = event.LogID
		}

		if len(events) < d.batchSize {
			return nil
		}
	}
}

func cursorName(partition int) string {
	return fmt.Sprintf("transfer-events-p%d", partition)
}
