// Package webhook posts lock events to HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/felixgeelhaar/fortify/circuitbreaker"
	"github.com/felixgeelhaar/fortify/retry"

	"github.com/ModeShape/modeshape-sub003/pkg/logging"
	"github.com/ModeShape/modeshape-sub003/pkg/model"
)

const (
	// AllEvents subscribes a hook to every event type.
	AllEvents = "*"

	defaultTimeout     = 10 * time.Second
	defaultQueueSize   = 100
	tripAfterFailures  = 5
	breakerOpenTimeout = 30 * time.Second
)

// Event is the JSON payload of one notification.
type Event struct {
	Event      model.AuditEventType `json:"event"`
	Timestamp  time.Time            `json:"timestamp"`
	Repository string               `json:"repository,omitempty"`
	Workspace  string               `json:"workspace,omitempty"`
	LockID     string               `json:"lock_id,omitempty"`
	NodeID     string               `json:"node_id,omitempty"`
	Owner      string               `json:"owner,omitempty"`
	Details    map[string]any       `json:"details,omitempty"`
}

// HookConfig is one endpoint and the events it receives.
type HookConfig struct {
	URL     string
	Secret  string
	Events  []string
	Timeout time.Duration
}

func (h HookConfig) matches(event model.AuditEventType) bool {
	for _, e := range h.Events {
		if e == AllEvents || model.AuditEventType(e) == event {
			return true
		}
	}
	return false
}

// Config configures a Client.
type Config struct {
	Hooks      []HookConfig
	MaxRetries int
	RetryDelay time.Duration
	QueueSize  int
	Repository string
	Logger     *logging.Logger
	HTTPClient *http.Client
}

type hook struct {
	HookConfig
	breaker circuitbreaker.CircuitBreaker[struct{}]
}

type job struct {
	event Event
	hook  *hook
}

// Client delivers events asynchronously from a bounded queue. A full queue
// drops events rather than blocking the lock path.
type Client struct {
	hooks      []*hook
	http       *http.Client
	retrier    retry.Retry[struct{}]
	repository string
	logger     *logging.Logger

	queue  chan job
	stop   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewClient starts a client delivering to cfg.Hooks.
func NewClient(cfg Config) *Client {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		http:       cfg.HTTPClient,
		repository: cfg.Repository,
		logger:     cfg.Logger.WithFields(map[string]any{"component": "webhook"}),
		queue:      make(chan job, cfg.QueueSize),
		stop:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, hc := range cfg.Hooks {
		if hc.Timeout <= 0 {
			hc.Timeout = defaultTimeout
		}
		c.hooks = append(c.hooks, &hook{
			HookConfig: hc,
			breaker: circuitbreaker.New[struct{}](circuitbreaker.Config{
				MaxRequests: 1,
				Interval:    breakerOpenTimeout,
				Timeout:     breakerOpenTimeout,
				ReadyToTrip: func(counts circuitbreaker.Counts) bool {
					return counts.ConsecutiveFailures >= tripAfterFailures
				},
			}),
		})
	}
	if cfg.MaxRetries > 0 {
		c.retrier = retry.New[struct{}](retry.Config{
			MaxAttempts:   cfg.MaxRetries + 1,
			InitialDelay:  cfg.RetryDelay,
			MaxDelay:      10 * cfg.RetryDelay,
			BackoffPolicy: retry.BackoffExponential,
			Multiplier:    2.0,
			Jitter:        true,
			IsRetryable:   isRetryable,
		})
	}

	c.wg.Add(1)
	go c.worker()
	return c
}

func (c *Client) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			for {
				select {
				case j := <-c.queue:
					c.deliver(j)
				default:
					return
				}
			}
		case j := <-c.queue:
			c.deliver(j)
		}
	}
}

// LockEvent queues a notification for rec to every hook subscribed to
// eventType.
func (c *Client) LockEvent(eventType model.AuditEventType, rec *model.LockRecord, details map[string]any) {
	c.Enqueue(Event{
		Event:     eventType,
		Workspace: rec.Workspace,
		LockID:    rec.LockID,
		NodeID:    rec.LockedNodeID,
		Owner:     rec.Owner,
		Details:   details,
	})
}

// Enqueue queues event for asynchronous delivery.
func (c *Client) Enqueue(event Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	c.stamp(&event)
	for _, h := range c.hooks {
		if !h.matches(event.Event) {
			continue
		}
		select {
		case c.queue <- job{event: event, hook: h}:
		default:
			c.logger.Warn("webhook queue full, dropping event", map[string]any{"event": string(event.Event), "url": h.URL})
		}
	}
}

// Send delivers event synchronously to every subscribed hook.
func (c *Client) Send(ctx context.Context, event Event) error {
	c.stamp(&event)
	var errs []error
	for _, h := range c.hooks {
		if h.matches(event.Event) {
			errs = append(errs, c.post(ctx, h, event))
		}
	}
	return errors.Join(errs...)
}

func (c *Client) stamp(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Repository == "" {
		event.Repository = c.repository
	}
}

func (c *Client) deliver(j job) {
	if err := c.post(c.ctx, j.hook, j.event); err != nil {
		c.logger.WarnErr("webhook delivery failed", err, map[string]any{"event": string(j.event.Event), "url": j.hook.URL})
	}
}

func (c *Client) post(ctx context.Context, h *hook, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	attempt := func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.postOnce(ctx, h, event.Event, payload)
	}
	_, err = h.breaker.Execute(ctx, func(ctx context.Context) (struct{}, error) {
		if c.retrier != nil {
			return c.retrier.Do(ctx, attempt)
		}
		return attempt(ctx)
	})
	return err
}

// statusError is a non-2xx response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string { return fmt.Sprintf("http %d: %s", e.code, e.body) }

func isRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	return true
}

func (c *Client) postOnce(ctx context.Context, h *hook, eventType model.AuditEventType, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "lockd-webhook/1.0")
	req.Header.Set("X-Lockd-Event", string(eventType))
	if h.Secret != "" {
		req.Header.Set("X-Lockd-Signature", Sign(payload, h.Secret))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode, body: string(body)}
	}
	return nil
}

// Sign returns the X-Lockd-Signature value for payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Close stops accepting events and delivers what is already queued.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stop)
	c.wg.Wait()
	c.cancel()
	return nil
}
