package esb

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/ShawnSpooner/rhino-esb/queue"
)

// schedulerTick is the polling granularity of the timeout scheduler.
const schedulerTick = 500 * time.Millisecond

// timeoutEntry references a message parked in the timeout sub-queue.
type timeoutEntry struct {
	at        time.Time
	messageID string
}

// timeoutHeap orders entries by send time.
type timeoutHeap []timeoutEntry

func (h timeoutHeap) Len() int            { return len(h) }
func (h timeoutHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h timeoutHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timeoutHeap) Push(x interface{}) { *h = append(*h, x.(timeoutEntry)) }
func (h *timeoutHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// timeoutScheduler tracks future-dated messages parked in the timeout
// sub-queue and re-injects each into the main queue when its send time
// elapses. Headers, including the original id and retries, are
// preserved because the re-injection is a sub-queue move.
type timeoutScheduler struct {
	manager   *queue.Manager
	queueName string
	logger    Logger

	mu      sync.Mutex
	entries timeoutHeap

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newTimeoutScheduler(manager *queue.Manager, queueName string, logger Logger) *timeoutScheduler {
	s := &timeoutScheduler{
		manager:   manager,
		queueName: queueName,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
	heap.Init(&s.entries)
	return s
}

// recover re-registers messages already parked in the timeout sub-queue
// from a previous run.
func (s *timeoutScheduler) recover(ctx context.Context) error {
	parked, err := s.manager.ListSubQueue(ctx, s.queueName, queue.SubQueueTimeout)
	if err != nil {
		return err
	}
	for i := range parked {
		at, err := parked[i].TimeToSend()
		if err != nil {
			// Unparseable send time: release immediately rather than
			// strand the message.
			at = time.Now()
		}
		s.add(at, parked[i].ID)
	}
	if len(parked) > 0 {
		s.logger.Infof("Recovered %d deferred messages", len(parked))
	}
	return nil
}

func (s *timeoutScheduler) start() {
	s.wg.Add(1)
	go s.run()
}

// stop disposes the scheduler. It is called before the queue manager is
// torn down.
func (s *timeoutScheduler) stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// add registers a parked message for release at the given time.
func (s *timeoutScheduler) add(at time.Time, messageID string) {
	s.mu.Lock()
	heap.Push(&s.entries, timeoutEntry{at: at, messageID: messageID})
	s.mu.Unlock()
}

func (s *timeoutScheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(schedulerTick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.releaseDue()
		}
	}
}

// releaseDue moves every due message back into the main queue, each in
// its own transaction.
func (s *timeoutScheduler) releaseDue() {
	now := time.Now()
	var due []timeoutEntry

	s.mu.Lock()
	for s.entries.Len() > 0 && !s.entries[0].at.After(now) {
		due = append(due, heap.Pop(&s.entries).(timeoutEntry))
	}
	s.mu.Unlock()

	for _, entry := range due {
		if err := s.release(entry); err != nil {
			if queue.IsClosed(err) {
				return
			}
			s.logger.Warnf("Failed to release deferred message %s, will retry: %v", entry.messageID, err)
			s.add(time.Now().Add(schedulerTick), entry.messageID)
		}
	}
}

func (s *timeoutScheduler) release(entry timeoutEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.manager.TxTimeout())
	defer cancel()

	tx, err := s.manager.Begin(ctx)
	if err != nil {
		return err
	}

	err = s.manager.MoveByID(ctx, tx, s.queueName, entry.messageID, queue.SubQueueTimeout, "")
	if err == queue.ErrMessageNotFound {
		// Already released or consumed; nothing to do.
		_ = tx.Rollback()
		return nil
	}
	if err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.logger.Debugf("Released deferred message %s", entry.messageID)
	return nil
}
