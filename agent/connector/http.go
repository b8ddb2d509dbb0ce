package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// idlePoll is how long a batch worker sleeps when the queue is empty.
const idlePoll = 100 * time.Millisecond

// HTTPConnector performs one JSON POST per payload. The service answers
// with a JSON list; element zero is the task's response.
type HTTPConnector struct {
	client  *http.Client
	url     string
	timeout time.Duration
}

func NewHTTP(client *http.Client, url string, timeout time.Duration) *HTTPConnector {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPConnector{client: client, url: url, timeout: timeout}
}

func (c *HTTPConnector) Send(ctx context.Context, task Task, cb Callback) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	responses, err := postJSON(ctx, c.client, c.url, task.Payload)
	if err != nil {
		slog.Warn("connector: service call failed",
			slog.String("url", c.url), slog.String("task", task.ID), slog.Any("err", err))
		cb(task.ID, Fail(err))
		return
	}
	if len(responses) == 0 {
		cb(task.ID, Fail(errors.Errorf("empty response from %s", c.url)))
		return
	}
	cb(task.ID, Ok(responses[0]))
}

// queued is one enqueued send awaiting a batch worker.
type queued struct {
	task Task
	cb   Callback
}

// BatchConnector enqueues payloads into an unbounded in-memory queue that
// worker goroutines drain in batches: up to batchSize payloads are glued
// into a single request by per-key list concatenation, POSTed, and the
// response list is fanned back element-wise. One worker runs per URL,
// load-balanced through the shared queue.
type BatchConnector struct {
	client    *http.Client
	urls      []string
	batchSize int
	timeout   time.Duration

	mu    sync.Mutex
	queue []queued
}

func NewBatch(client *http.Client, urls []string, batchSize int, timeout time.Duration) *BatchConnector {
	if client == nil {
		client = http.DefaultClient
	}
	if batchSize < 1 {
		batchSize = 1
	}
	return &BatchConnector{client: client, urls: urls, batchSize: batchSize, timeout: timeout}
}

// Send never blocks; the payload waits in the queue for the next batch.
func (c *BatchConnector) Send(_ context.Context, task Task, cb Callback) {
	c.mu.Lock()
	c.queue = append(c.queue, queued{task: task, cb: cb})
	c.mu.Unlock()
}

// Start launches one worker per URL. Workers run until ctx is done.
func (c *BatchConnector) Start(ctx context.Context) {
	for _, url := range c.urls {
		go c.worker(ctx, url)
	}
}

func (c *BatchConnector) worker(ctx context.Context, url string) {
	for {
		batch := c.drain()
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idlePoll):
			}
			continue
		}
		c.flush(ctx, url, batch)
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (c *BatchConnector) drain() []queued {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.queue)
	if n > c.batchSize {
		n = c.batchSize
	}
	batch := c.queue[:n:n]
	c.queue = c.queue[n:]
	return batch
}

func (c *BatchConnector) flush(ctx context.Context, url string, batch []queued) {
	reqCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	payloads := make([]map[string]any, len(batch))
	for i, q := range batch {
		payloads[i] = q.task.Payload
	}
	responses, err := postJSON(reqCtx, c.client, url, GluePayloads(payloads))
	if err != nil {
		slog.Warn("connector: batch call failed",
			slog.String("url", url), slog.Int("batch", len(batch)), slog.Any("err", err))
		for _, q := range batch {
			q.cb(q.task.ID, Fail(err))
		}
		return
	}
	if len(responses) != len(batch) {
		err := errors.Errorf("batch response length %d does not match batch %d", len(responses), len(batch))
		for _, q := range batch {
			q.cb(q.task.ID, Fail(err))
		}
		return
	}
	for i, q := range batch {
		q.cb(q.task.ID, Ok(responses[i]))
	}
}

// GluePayloads merges list-valued payloads into one request body. A single
// payload passes through untouched; otherwise values are concatenated per
// key, in task order, over the first payload's key set.
func GluePayloads(payloads []map[string]any) map[string]any {
	if len(payloads) == 1 {
		return payloads[0]
	}
	if len(payloads) == 0 {
		return map[string]any{}
	}
	glued := make(map[string]any, len(payloads[0]))
	for key := range payloads[0] {
		var joined []any
		for _, p := range payloads {
			switch v := p[key].(type) {
			case nil:
			case []any:
				joined = append(joined, v...)
			default:
				joined = append(joined, v)
			}
		}
		glued[key] = joined
	}
	return glued
}

// postJSON POSTs the body and decodes the JSON list reply. Any network
// failure, non-2xx status or undecodable body is an error.
func postJSON(ctx context.Context, client *http.Client, url string, body any) ([]any, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "request to %s failed", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, errors.Errorf("%s returned status %d", url, resp.StatusCode)
	}
	var responses []any
	if err := json.NewDecoder(resp.Body).Decode(&responses); err != nil {
		return nil, errors.Wrapf(err, "failed to decode response from %s", url)
	}
	return responses, nil
}
