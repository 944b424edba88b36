// Package classify runs a sound classifier over a live audio source.
//
// A [Classifier] installs a tap on an [audio.Source]. The tap runs on the
// source's capture goroutine, so it only copies the buffer and offers it to a
// bounded queue; it never blocks. When the queue is full the buffer is
// dropped and counted. One worker goroutine drains the queue, converts each
// buffer to the session's format, calls Classify and fans the results out to
// every registered observer. Because there is exactly one worker, results are
// delivered in the order the buffers were captured.
package classify

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/MrWong99/crywatch/internal/observe"
	"github.com/MrWong99/crywatch/pkg/audio"
	"github.com/MrWong99/crywatch/pkg/provider/classifier"
)

const (
	// DefaultQueueSize is the number of buffers that may wait for analysis.
	DefaultQueueSize = 64

	// dropLogInterval limits queue-full and classify-error warnings.
	dropLogInterval = 5 * time.Second
)

// ErrClosed is returned by Attach after Close.
var ErrClosed = errors.New("classify: classifier is closed")

// Event is one classification result for one analysed buffer.
type Event struct {
	// Label is the sound class.
	Label string

	// Confidence is the model's score for Label in [0, 1].
	Confidence float64

	// SampleTime is the source sample position of the analysed buffer.
	SampleTime int64

	// CapturedAt is the wall-clock capture time of the analysed buffer.
	CapturedAt time.Time
}

// Stats is a snapshot of the classifier counters.
type Stats struct {
	Submitted int64
	Dropped   int64
	Failed    int64
	Analysed  int64
}

// Option is a functional option for [New].
type Option func(*Classifier)

// WithQueueSize sets the analysis queue capacity. Values below 1 are ignored.
// Default: [DefaultQueueSize].
func WithQueueSize(n int) Option {
	return func(c *Classifier) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithBufferSize sets the tap buffer size in sample frames. Values below 1
// are ignored. Default: [audio.DefaultBufferSize].
func WithBufferSize(n int) Option {
	return func(c *Classifier) {
		if n > 0 {
			c.bufferSize = n
		}
	}
}

// WithMetrics records pipeline metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Classifier) { c.metrics = m }
}

// WithLabels restricts fan-out to the given labels. All labels are delivered
// when none are set.
func WithLabels(labels ...string) Option {
	return func(c *Classifier) { c.labels = append([]string(nil), labels...) }
}

type job struct {
	frame audio.Frame
	gen   uint64
}

type observer struct {
	fn     func(Event)
	active atomic.Bool
}

// Classifier analyses buffers from one attached source with one classifier
// session. All methods are safe for concurrent use.
type Classifier struct {
	session    classifier.SessionHandle
	queueSize  int
	bufferSize int
	metrics    *observe.Metrics
	labels     []string

	queue     chan job
	stop      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error

	// gen identifies the current tap; buffers from an older tap are
	// discarded.
	gen atomic.Uint64

	dropLog  *rate.Limiter
	errorLog *rate.Limiter

	submitted atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
	analysed  atomic.Int64

	mu        sync.Mutex
	src       audio.Source
	closed    bool
	observers map[uint64]*observer
	nextObs   uint64
}

// New creates a classifier around session and starts its worker. The
// classifier owns session and closes it in [Classifier.Close].
func New(session classifier.SessionHandle, opts ...Option) *Classifier {
	c := &Classifier{
		session:    session,
		queueSize:  DefaultQueueSize,
		bufferSize: audio.DefaultBufferSize,
		stop:       make(chan struct{}),
		dropLog:    rate.NewLimiter(rate.Every(dropLogInterval), 1),
		errorLog:   rate.NewLimiter(rate.Every(dropLogInterval), 1),
		observers:  make(map[uint64]*observer),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.queue = make(chan job, c.queueSize)
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.wg.Add(1)
	go c.worker()
	return c
}

// Attach installs the classifier's tap on src. A tap previously installed by
// this classifier, on src or on another source, is replaced.
func (c *Classifier) Attach(src audio.Source) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.src != nil && c.src != src {
		c.src.RemoveTap()
	}
	g := c.gen.Add(1)
	c.src = src
	src.InstallTap(c.bufferSize, func(f audio.Frame) { c.submit(g, f) })
	return nil
}

// Detach removes the tap. Buffers still queued are discarded and a buffer in
// analysis finishes without its results being delivered. Detaching when no
// source is attached is a no-op.
func (c *Classifier) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detachLocked()
}

func (c *Classifier) detachLocked() {
	if c.src == nil {
		return
	}
	c.src.RemoveTap()
	c.src = nil
	c.gen.Add(1)
}

// OnResult registers fn to receive every event, in order, on the worker
// goroutine. fn must not block for long: it delays all later analysis. The
// returned cancel func unregisters fn; it is idempotent and may be called from
// inside fn.
func (c *Classifier) OnResult(fn func(Event)) (cancel func()) {
	o := &observer{fn: fn}
	o.active.Store(true)

	c.mu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = o
	c.mu.Unlock()

	return func() {
		o.active.Store(false)
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

// Stats returns a snapshot of the classifier counters.
func (c *Classifier) Stats() Stats {
	return Stats{
		Submitted: c.submitted.Load(),
		Dropped:   c.dropped.Load(),
		Failed:    c.failed.Load(),
		Analysed:  c.analysed.Load(),
	}
}

// Close detaches, stops the worker, waits for it to exit and closes the
// session. No event is delivered after Close returns. Close is idempotent;
// later calls return the first call's result.
func (c *Classifier) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.detachLocked()
		c.mu.Unlock()

		close(c.stop)
		c.cancel()
		c.wg.Wait()

		if err := c.session.Close(); err != nil {
			c.closeErr = err
		}
	})
	return c.closeErr
}

// submit runs on the source's capture goroutine.
func (c *Classifier) submit(g uint64, f audio.Frame) {
	if g != c.gen.Load() {
		return
	}
	select {
	case <-c.stop:
		return
	default:
	}

	j := job{frame: f.Clone(), gen: g}
	select {
	case c.queue <- j:
		c.submitted.Add(1)
		c.metrics.FramesSubmitted.Add(context.Background(), 1)
	default:
		dropped := c.dropped.Add(1)
		c.metrics.FramesDropped.Add(context.Background(), 1)
		if c.dropLog.Allow() {
			slog.Warn("classify: analysis queue full, dropping audio buffer",
				"queueSize", c.queueSize,
				"droppedTotal", dropped,
				"sampleTime", f.SampleTime,
			)
		}
	}
}

func (c *Classifier) worker() {
	defer c.wg.Done()

	conv := audio.FormatConverter{Target: c.session.Format()}
	for {
		select {
		case <-c.stop:
			return
		case j := <-c.queue:
			c.process(&conv, j)
		}
	}
}

func (c *Classifier) process(conv *audio.FormatConverter, j job) {
	if j.gen != c.gen.Load() {
		return
	}
	// The session format can change when a fallback engine takes over.
	if f := c.session.Format(); f != conv.Target {
		*conv = audio.FormatConverter{Target: f}
	}
	frame := conv.Convert(j.frame)
	if len(frame.Data) == 0 {
		return
	}

	start := time.Now()
	results, err := c.session.Classify(c.ctx, frame.Data)
	c.metrics.ClassifierDuration.Record(c.ctx, time.Since(start).Seconds())
	if err != nil {
		if c.ctx.Err() != nil {
			return
		}
		failed := c.failed.Add(1)
		c.metrics.ClassifierErrors.Add(c.ctx, 1)
		if c.errorLog.Allow() {
			slog.Warn("classify: classification failed, skipping buffer",
				"err", err,
				"failedTotal", failed,
				"sampleTime", frame.SampleTime,
			)
		}
		return
	}
	c.analysed.Add(1)

	// Results of a buffer whose tap was removed during analysis are
	// discarded.
	if j.gen != c.gen.Load() {
		return
	}

	c.mu.Lock()
	ids := make([]uint64, 0, len(c.observers))
	for id := range c.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	obs := make([]*observer, 0, len(ids))
	for _, id := range ids {
		obs = append(obs, c.observers[id])
	}
	c.mu.Unlock()

	for _, r := range results {
		if len(c.labels) > 0 && !slices.Contains(c.labels, r.Label) {
			continue
		}
		ev := Event{
			Label:      r.Label,
			Confidence: r.Confidence,
			SampleTime: frame.SampleTime,
			CapturedAt: frame.CapturedAt,
		}
		for _, o := range obs {
			if o.active.Load() {
				o.fn(ev)
			}
		}
	}
}
