// Package status forwards human-readable progress lines to an external
// display sink. Delivery is best effort: nothing a Reporter does may block or
// fail the caller.
package status

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/rtms-ingest/internal/metrics"
)

type Level string

const (
	Info    Level = "info"
	Success Level = "success"
	Warning Level = "warning"
	Error   Level = "error"
)

type Reporter interface {
	Report(message string, level Level)
}

// Nop discards every message.
type Nop struct{}

func (Nop) Report(string, Level) {}

// Message is the JSON body posted to the sink.
type Message struct {
	Message string `json:"message"`
	Type    Level  `json:"type"`
}

const (
	defaultQueueSize   = 256
	defaultPostTimeout = 3 * time.Second
	defaultRate        = 5.0
	defaultBurst       = 10
)

type Options struct {
	// URL is the full endpoint messages are POSTed to.
	URL string

	QueueSize     int
	RatePerSecond float64
	Burst         int
	PostTimeout   time.Duration

	Client  *http.Client
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// HTTPReporter posts messages from a bounded queue on a single goroutine.
// When the queue is full new messages are dropped.
type HTTPReporter struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	timeout time.Duration
	metrics *metrics.Metrics
	log     *slog.Logger

	queue  chan Message
	closed atomic.Bool

	stop     chan struct{}
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewHTTPReporter(opts Options) *HTTPReporter {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = defaultRate
	}
	if opts.Burst <= 0 {
		opts.Burst = defaultBurst
	}
	if opts.PostTimeout <= 0 {
		opts.PostTimeout = defaultPostTimeout
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &HTTPReporter{
		url:     opts.URL,
		client:  opts.Client,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst),
		timeout: opts.PostTimeout,
		metrics: opts.Metrics,
		log:     opts.Logger.With("component", "status"),
		queue:   make(chan Message, opts.QueueSize),
		stop:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Report enqueues a message without blocking.
func (r *HTTPReporter) Report(message string, level Level) {
	if r.closed.Load() {
		r.metrics.Inc(metrics.StatusDropped)
		return
	}
	select {
	case r.queue <- Message{Message: message, Type: level}:
	default:
		r.metrics.Inc(metrics.StatusDropped)
	}
}

// Shutdown stops accepting messages and delivers what is already queued
// until ctx expires.
func (r *HTTPReporter) Shutdown(ctx context.Context) error {
	r.closed.Store(true)
	r.stopOnce.Do(func() { close(r.stop) })

	select {
	case <-r.done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-r.done
		return ctx.Err()
	}
}

// Close stops the worker immediately, dropping anything still queued.
func (r *HTTPReporter) Close() error {
	r.closed.Store(true)
	r.cancel()
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
	return nil
}

func (r *HTTPReporter) run() {
	defer close(r.done)
	for {
		select {
		case <-r.ctx.Done():
			return
		case msg := <-r.queue:
			r.deliver(msg)
		case <-r.stop:
			r.drain()
			return
		}
	}
}

func (r *HTTPReporter) drain() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case msg := <-r.queue:
			r.deliver(msg)
		default:
			return
		}
	}
}

func (r *HTTPReporter) deliver(msg Message) {
	if err := r.limiter.Wait(r.ctx); err != nil {
		r.metrics.Inc(metrics.StatusDropped)
		return
	}
	if err := r.post(msg); err != nil {
		r.metrics.Inc(metrics.StatusPostFailures)
		r.log.Debug("status post failed", "err", err)
	}
}

func (r *HTTPReporter) post(msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status sink returned %s", resp.Status)
	}
	return nil
}
