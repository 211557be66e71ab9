// Package queue schedules speech synthesis requests with bounded
// concurrency, honoring priority order and per-chunk deadlines.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/lessonkit/lessonaudio"
	"github.com/lessonkit/lessonaudio/store"
)

// Priority orders synthesis work. Higher values are processed first.
type Priority int

const (
	// PriorityLow is speculative background preloading.
	PriorityLow Priority = iota
	// PriorityNormal is standard look-ahead work.
	PriorityNormal
	// PriorityHigh is work close to the playhead.
	PriorityHigh
	// PriorityCritical is work the playhead is waiting on.
	PriorityCritical
)

// String returns the string representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Request is one synthesis work item. TargetTime is the timeline deadline
// by which audio should be ready (chunk start minus the configured
// look-ahead); among equal priorities the earliest deadline wins, which
// approximates earliest-deadline-first where missing a deadline means
// audible dead air.
type Request struct {
	ChunkID    string
	Priority   Priority
	TargetTime time.Duration
	Voice      string
	Speed      float64
	Compress   bool
	Background bool

	enqueued time.Time
	index    int // heap index
}

// Stats tracks queue throughput.
type Stats struct {
	Enqueued   int64
	Completed  int64
	Failed     int64
	Promoted   int64
	AvgLatency time.Duration
}

// Queue drains synthesis requests against the external collaborator.
// Completion is observed via callbacks; Enqueue never blocks on synthesis.
type Queue struct {
	cfg   lessonaudio.QueueConfig
	store *store.Store
	synth lessonaudio.Synthesizer

	mu       sync.Mutex
	notEmpty *sync.Cond
	heap     requestHeap
	queued   map[string]*Request // pending requests by chunk id
	closed   bool

	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// abandoned marks the session cancelled: in-flight synthesis is not
	// aborted mid-request, its completion is simply dropped.
	abandoned bool

	onReady func(chunkID string, latency time.Duration)
	onError func(chunkID string, err error)

	instruments *lessonaudio.Instruments
	logger      *log.Logger

	stats        Stats
	totalLatency time.Duration
}

// New creates a generation queue draining into the given synthesizer.
// Callbacks may be nil. Start must be called before work is processed.
func New(cfg lessonaudio.QueueConfig, st *store.Store, synth lessonaudio.Synthesizer, instruments *lessonaudio.Instruments) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:         cfg,
		store:       st,
		synth:       synth,
		queued:      make(map[string]*Request),
		limiter:     rate.NewLimiter(limitFor(cfg.RequestsPerSecond), max(cfg.Burst, 1)),
		ctx:         ctx,
		cancel:      cancel,
		instruments: instruments,
		logger:      log.WithPrefix("genqueue"),
	}
	q.notEmpty = sync.NewCond(&q.mu)
	heap.Init(&q.heap)
	return q
}

// OnReady registers the completion callback, invoked from a worker
// goroutine after a chunk's audio is resident and measured.
func (q *Queue) OnReady(fn func(chunkID string, latency time.Duration)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onReady = fn
}

// OnError registers the failure callback. The caller decides whether to
// re-enqueue; the queue only records the bounded retry count.
func (q *Queue) OnError(fn func(chunkID string, err error)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onError = fn
}

// Start launches the worker pool.
func (q *Queue) Start() {
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
}

// Close shuts the queue down. In-flight synthesis calls are cancelled via
// context; queued work is dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.notEmpty.Broadcast()
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

// Abandon marks the session cancelled. Workers finish their current
// request but drop its result instead of committing it.
func (q *Queue) Abandon() {
	q.mu.Lock()
	q.abandoned = true
	q.mu.Unlock()
}

// Enqueue schedules synthesis for a chunk. Re-enqueueing a pending chunk
// upgrades its priority/deadline in place; a chunk already generating
// returns ErrDuplicateWork.
func (q *Queue) Enqueue(req Request) error {
	c, ok := q.store.Get(req.ChunkID)
	if !ok {
		return lessonaudio.ErrChunkNotFound
	}
	if c.State == lessonaudio.ChunkGenerating {
		return lessonaudio.ErrDuplicateWork
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return lessonaudio.ErrQueueClosed
	}

	if existing, ok := q.queued[req.ChunkID]; ok {
		changed := false
		if req.Priority > existing.Priority {
			existing.Priority = req.Priority
			changed = true
		}
		if req.TargetTime < existing.TargetTime {
			existing.TargetTime = req.TargetTime
			changed = true
		}
		if changed {
			heap.Fix(&q.heap, existing.index)
		}
		return nil
	}

	if q.cfg.MaxPending > 0 && len(q.queued) >= q.cfg.MaxPending {
		return lessonaudio.ErrQueueFull
	}

	r := req
	r.enqueued = time.Now()
	heap.Push(&q.heap, &r)
	q.queued[r.ChunkID] = &r
	q.stats.Enqueued++
	q.notEmpty.Signal()
	return nil
}

// RequestImmediate promotes the given chunks to critical priority so they
// are processed ahead of all queued work. Chunks not yet queued are
// enqueued critical. Used when a scrub lands on an unready chunk.
func (q *Queue) RequestImmediate(ids []string) {
	for _, id := range ids {
		q.mu.Lock()
		if existing, ok := q.queued[id]; ok {
			if existing.Priority < PriorityCritical {
				existing.Priority = PriorityCritical
				heap.Fix(&q.heap, existing.index)
				q.stats.Promoted++
			}
			q.mu.Unlock()
			continue
		}
		q.mu.Unlock()

		c, ok := q.store.Get(id)
		if !ok || c.State == lessonaudio.ChunkGenerating {
			continue
		}
		// Ready chunks are only satisfied while their audio is resident;
		// an evicted ready chunk still needs a synthesis round trip.
		if c.State == lessonaudio.ChunkReady && c.Loaded {
			continue
		}
		_ = q.Enqueue(Request{
			ChunkID:  id,
			Priority: PriorityCritical,
			Voice:    c.Voice,
			Speed:    c.Speed,
		})
	}
}

// Depth returns the number of queued (not in-flight) requests.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// GetStats returns a snapshot of queue statistics.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	if s.Completed > 0 {
		s.AvgLatency = q.totalLatency / time.Duration(s.Completed)
	}
	return s
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()

	for {
		req, ok := q.next()
		if !ok {
			return
		}
		q.process(id, req)
	}
}

// next blocks until a request is available or the queue closes.
func (q *Queue) next() (*Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.heap.Len() == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.closed {
		return nil, false
	}
	req := heap.Pop(&q.heap).(*Request)
	delete(q.queued, req.ChunkID)
	return req, true
}

func (q *Queue) process(workerID int, req *Request) {
	err := q.store.Update(req.ChunkID, func(c *lessonaudio.StreamingAudioChunk) {
		c.State = lessonaudio.ChunkGenerating
		c.Progress = 0
		c.RequestID = req.ChunkID
	})
	if err != nil {
		return
	}

	if err := q.limiter.Wait(q.ctx); err != nil {
		q.fail(req, err)
		return
	}

	c, ok := q.store.Get(req.ChunkID)
	if !ok {
		return
	}

	q.logger.Debug("synthesizing", "worker", workerID, "chunk", req.ChunkID,
		"priority", req.Priority, "target", req.TargetTime)

	start := time.Now()
	result, err := q.synth.Synthesize(q.ctx, lessonaudio.SynthesisRequest{
		Text:       c.Text,
		Voice:      req.Voice,
		Speed:      req.Speed,
		Compress:   req.Compress,
		Background: req.Background,
	})
	latency := time.Since(start)

	q.mu.Lock()
	dropped := q.abandoned
	q.mu.Unlock()
	if dropped {
		return
	}

	if err != nil {
		q.fail(req, err)
		return
	}

	clip := result.Audio
	measured := clip.Duration
	if measured <= 0 {
		measured = clip.PCMDuration()
	}

	_ = q.store.Update(req.ChunkID, func(c *lessonaudio.StreamingAudioChunk) {
		c.State = lessonaudio.ChunkReady
		c.Progress = 1
		c.Loaded = true
		c.Audio = clip
		c.Buffer.Buffered = true
		c.Touch()
		c.Processing.ProcessingTime = latency
	})
	if measured > 0 {
		if _, err := q.store.UpdateMeasuredDuration(req.ChunkID, measured); err != nil {
			q.logger.Warn("measured duration rejected", "chunk", req.ChunkID, "err", err)
		}
	}

	q.mu.Lock()
	q.stats.Completed++
	q.totalLatency += latency
	ready := q.onReady
	q.mu.Unlock()

	q.instruments.RecordSynthesisLatency(q.ctx, float64(latency.Milliseconds()))

	if ready != nil {
		ready(req.ChunkID, latency)
	}
}

func (q *Queue) fail(req *Request, err error) {
	engErr := lessonaudio.NewEngineError(
		err, "genqueue", "synthesize").WithChunk(req.ChunkID).AsRetryable()

	_ = q.store.Update(req.ChunkID, func(c *lessonaudio.StreamingAudioChunk) {
		c.State = lessonaudio.ChunkError
		c.Processing.RetryCount++
		c.Processing.LastError = err.Error()
	})

	q.mu.Lock()
	q.stats.Failed++
	onErr := q.onError
	q.mu.Unlock()

	q.logger.Warn("synthesis failed", "chunk", req.ChunkID, "err", err)
	if onErr != nil {
		onErr(req.ChunkID, engErr)
	}
}

// requestHeap orders by priority descending, tie-broken by the earliest
// target completion time.
type requestHeap []*Request

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].TargetTime < h[j].TargetTime
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x interface{}) {
	r := x.(*Request)
	r.index = len(*h)
	*h = append(*h, r)
}

func (h *requestHeap) Pop() interface{} {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*h = old[:n-1]
	return r
}

// limitFor treats a non-positive rate as unlimited so a zero config
// value never stalls the workers.
func limitFor(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}
