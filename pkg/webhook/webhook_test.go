package webhook_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ModeShape/modeshape-sub003/pkg/model"
	"github.com/ModeShape/modeshape-sub003/pkg/webhook"
)

type recorder struct {
	mu       sync.Mutex
	events   []webhook.Event
	headers  []http.Header
	payloads [][]byte
}

func (r *recorder) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		var ev webhook.Event
		json.Unmarshal(body, &ev)
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.headers = append(r.headers, req.Header.Clone())
		r.payloads = append(r.payloads, body)
		r.mu.Unlock()
		w.WriteHeader(status)
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestSend_SignsAndFilters(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(http.StatusNoContent))
	defer srv.Close()

	c := webhook.NewClient(webhook.Config{
		Repository: "content",
		Hooks: []webhook.HookConfig{{
			URL:    srv.URL,
			Secret: "s3cret",
			Events: []string{string(model.EventTypeLockAcquire)},
		}},
	})
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Send(ctx, webhook.Event{Event: model.EventTypeLockAcquire, LockID: "l1"}))
	require.NoError(t, c.Send(ctx, webhook.Event{Event: model.EventTypeLockRelease, LockID: "l1"}))

	require.Equal(t, 1, rec.count())
	assert.Equal(t, "content", rec.events[0].Repository)
	assert.Equal(t, "l1", rec.events[0].LockID)
	assert.False(t, rec.events[0].Timestamp.IsZero())
	assert.Equal(t, "lock_acquire", rec.headers[0].Get("X-Lockd-Event"))
	assert.Equal(t, webhook.Sign(rec.payloads[0], "s3cret"), rec.headers[0].Get("X-Lockd-Signature"))
}

func TestSend_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := webhook.NewClient(webhook.Config{
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
		Hooks:      []webhook.HookConfig{{URL: srv.URL, Events: []string{webhook.AllEvents}}},
	})
	defer c.Close()

	require.NoError(t, c.Send(context.Background(), webhook.Event{Event: model.EventTypeLockReap}))
	assert.Equal(t, int32(3), calls.Load())
}

func TestSend_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := webhook.NewClient(webhook.Config{
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
		Hooks:      []webhook.HookConfig{{URL: srv.URL, Events: []string{webhook.AllEvents}}},
	})
	defer c.Close()

	err := c.Send(context.Background(), webhook.Event{Event: model.EventTypeLockReap})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestLockEvent_DeliveredAsynchronously(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(http.StatusOK))
	defer srv.Close()

	c := webhook.NewClient(webhook.Config{
		Repository: "content",
		Hooks:      []webhook.HookConfig{{URL: srv.URL, Events: []string{webhook.AllEvents}}},
	})

	lock := &model.LockRecord{LockID: "l1", LockedNodeID: "n1", Workspace: "default", Owner: "alice"}
	c.LockEvent(model.EventTypeLockAcquire, lock, map[string]any{"deep": true})
	c.LockEvent(model.EventTypeLockRelease, lock, nil)
	require.NoError(t, c.Close())

	require.Equal(t, 2, rec.count(), "close delivers queued events")
	assert.Equal(t, model.EventTypeLockAcquire, rec.events[0].Event)
	assert.Equal(t, "n1", rec.events[0].NodeID)
	assert.Equal(t, "alice", rec.events[0].Owner)
	assert.Equal(t, true, rec.events[0].Details["deep"])

	c.LockEvent(model.EventTypeLockReap, lock, nil)
	assert.Equal(t, 2, rec.count(), "events after close are dropped")
}
