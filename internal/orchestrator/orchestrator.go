// Package orchestrator drives cascading transform recomputation: a FIFO
// queue persisted in the KV store, a small worker pool that executes
// dequeued transforms under a per-transform-id single-flight lock, and
// cascading re-enqueue of every transform that depends on a just-written
// output. The drain loop is ticker-driven rather than a channel-fed
// pipeline, so restart behavior (resume draining whatever is already
// persisted) falls out for free.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/folddb/folddb/internal/ferrors"
	"github.com/folddb/folddb/internal/kv"
	"github.com/folddb/folddb/internal/log"
	"github.com/folddb/folddb/internal/metrics"
	"github.com/folddb/folddb/internal/transform"
	"github.com/folddb/folddb/internal/types"
	"github.com/rs/zerolog"
)

// seqCounterKey lives in the metadata namespace so the queue namespace
// holds nothing but pending entries.
const seqCounterKey = "orchestrator_seq"

// Orchestrator owns the pending-transform queue and its worker pool.
type Orchestrator struct {
	store    kv.Store
	registry *transform.Registry
	executor *transform.Executor
	logger   zerolog.Logger

	workers int

	mu        sync.Mutex // guards the queue's enqueue/dequeue bookkeeping
	txLocks   sync.Map   // map[string]*sync.Mutex, keyed by transform id
	failed    sync.Map   // map[string]string, transform id -> last failure reason
	lastRunAt sync.Map   // map[string]time.Time, transform id -> last successful run

	flightMu sync.Mutex
	flightC  *sync.Cond
	inFlight int

	stop chan struct{}
	done chan struct{}
}

// New creates an Orchestrator. workers controls how many transforms may
// execute concurrently (never more than one execution per transform id at
// a time, regardless of pool size).
func New(store kv.Store, registry *transform.Registry, executor *transform.Executor, workers int) *Orchestrator {
	if workers <= 0 {
		workers = 1
	}
	o := &Orchestrator{
		store:    store,
		registry: registry,
		executor: executor,
		logger:   log.WithComponent("orchestrator"),
		workers:  workers,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	o.flightC = sync.NewCond(&o.flightMu)
	return o
}

func (o *Orchestrator) lockFor(transformID string) *sync.Mutex {
	actual, _ := o.txLocks.LoadOrStore(transformID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// Enqueue adds transformID to the pending queue. It is a no-op if an entry
// for this id is already pending, matching the at-most-one-entry-per-id
// invariant. Only registered transforms may be queued; enqueueing an
// unknown id fails with ErrInvalidTransform.
func (o *Orchestrator) Enqueue(transformID string) error {
	if _, err := o.registry.GetTransform(transformID); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s is not registered", ferrors.ErrInvalidTransform, transformID)
		}
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	entries, err := o.store.ScanPrefix(kv.NamespaceOrchestratorQueue, "")
	if err != nil {
		return err
	}
	for _, e := range entries {
		var existing types.QueueEntry
		if err := json.Unmarshal(e.Value, &existing); err == nil && existing.TransformID == transformID {
			return nil
		}
	}

	seq, err := o.nextSeq()
	if err != nil {
		return err
	}
	entry := types.QueueEntry{Seq: seq, TransformID: transformID, EnqueuedAt: time.Now()}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal queue entry: %w", err)
	}
	if err := o.store.Put(kv.NamespaceOrchestratorQueue, queueKey(seq), data); err != nil {
		return err
	}

	metrics.OrchestratorEnqueuedTotal.Inc()
	metrics.OrchestratorQueueDepth.Inc()
	return nil
}

func queueKey(seq uint64) string { return fmt.Sprintf("%020d", seq) }

func (o *Orchestrator) nextSeq() (uint64, error) {
	data, err := o.store.Get(kv.NamespaceMetadata, seqCounterKey)
	var seq uint64
	if err == nil {
		seq, err = strconv.ParseUint(string(data), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse queue sequence counter: %w", err)
		}
	} else if !isNotFound(err) {
		return 0, err
	}
	seq++
	if err := o.store.Put(kv.NamespaceMetadata, seqCounterKey, []byte(strconv.FormatUint(seq, 10))); err != nil {
		return 0, err
	}
	return seq, nil
}

// dequeueOne pops the lowest-sequence pending entry, or returns (nil, nil)
// if the queue is empty. A popped entry counts as in flight until execute
// finishes with it, so drains can tell "queue empty" from "queue empty but
// a worker is still mid-execution".
func (o *Orchestrator) dequeueOne() (*types.QueueEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	entries, err := o.store.ScanPrefix(kv.NamespaceOrchestratorQueue, "")
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		var entry types.QueueEntry
		if err := json.Unmarshal(e.Value, &entry); err != nil {
			o.logger.Error().Str("queue_key", e.Key).Msg("dropping corrupt queue entry")
			_ = o.store.Delete(kv.NamespaceOrchestratorQueue, e.Key)
			metrics.OrchestratorQueueDepth.Dec()
			continue
		}
		if err := o.store.Delete(kv.NamespaceOrchestratorQueue, e.Key); err != nil {
			return nil, err
		}
		metrics.OrchestratorQueueDepth.Dec()
		metrics.OrchestratorDequeuedTotal.Inc()

		o.flightMu.Lock()
		o.inFlight++
		o.flightMu.Unlock()
		return &entry, nil
	}
	return nil, nil
}

func (o *Orchestrator) finishFlight() {
	o.flightMu.Lock()
	o.inFlight--
	o.flightC.Broadcast()
	o.flightMu.Unlock()
}

func (o *Orchestrator) waitIdle() {
	o.flightMu.Lock()
	for o.inFlight > 0 {
		o.flightC.Wait()
	}
	o.flightMu.Unlock()
}

func (o *Orchestrator) queueEmpty() (bool, error) {
	entries, err := o.store.ScanPrefix(kv.NamespaceOrchestratorQueue, "")
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}

// RunOnce drains the queue synchronously: it dequeues and executes pending
// entries in FIFO order, cascading newly-dependent transforms into the same
// drain, and returns only once the queue is empty and no execution (its own
// or a background worker's) is still in flight. It uses the same
// dequeueOne/execute steps as Start's ticker loop, and is the call tests and
// tools use instead of waiting on the background ticker.
func (o *Orchestrator) RunOnce() error {
	for {
		entry, err := o.dequeueOne()
		if err != nil {
			return err
		}
		if entry == nil {
			o.waitIdle()
			empty, err := o.queueEmpty()
			if err != nil {
				return err
			}
			if empty {
				return nil
			}
			continue
		}
		o.execute(entry.TransformID)
	}
}

func (o *Orchestrator) execute(transformID string) {
	defer o.finishFlight()

	lock := o.lockFor(transformID)
	lock.Lock()
	defer lock.Unlock()

	atomUUID, err := o.executor.Execute(transformID, transform.ExecutionContext{})
	if err != nil {
		o.failed.Store(transformID, err.Error())
		o.logger.Error().Err(err).Str("transform_id", transformID).Msg("transform execution failed")
		return
	}
	o.failed.Delete(transformID)
	o.lastRunAt.Store(transformID, time.Now())
	o.logger.Debug().Str("transform_id", transformID).Str("atom_uuid", atomUUID).Msg("transform execution succeeded")

	output, err := o.registry.OutputOf(transformID)
	if err != nil {
		o.logger.Error().Err(err).Str("transform_id", transformID).Msg("could not resolve output for cascade")
		return
	}
	for _, dependentID := range o.registry.DependentsOf(output.FieldRef) {
		if err := o.Enqueue(dependentID); err != nil {
			o.logger.Error().Err(err).Str("transform_id", dependentID).Msg("failed to cascade-enqueue dependent transform")
		}
	}
}

// Status reports the last known outcome for a transform id: ("", true) if
// its last execution succeeded or it has never run, or (reason, false) if
// its last execution failed and no later execution has succeeded.
func (o *Orchestrator) Status(transformID string) (reason string, ok bool) {
	if v, found := o.failed.Load(transformID); found {
		return v.(string), false
	}
	return "", true
}

// Start launches the worker pool's ticker-driven drain loop. Call Stop to
// shut it down.
func (o *Orchestrator) Start(ctx context.Context, interval time.Duration) {
	var wg sync.WaitGroup
	for i := 0; i < o.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-o.stop:
					return
				case <-ticker.C:
					entry, err := o.dequeueOne()
					if err != nil {
						o.logger.Error().Err(err).Msg("dequeue failed")
						continue
					}
					if entry != nil {
						o.execute(entry.TransformID)
					}
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(o.done)
	}()
}

// Stop signals every worker goroutine to exit and waits for them to do so.
func (o *Orchestrator) Stop() {
	close(o.stop)
	<-o.done
}

func isNotFound(err error) bool {
	return errors.Is(err, ferrors.ErrNotFound)
}
