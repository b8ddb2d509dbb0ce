package rabbit

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"github.com/dialogstack/conductor/agent/connector"
)

// HTTPCaller is the stock ServiceCaller: it glues the batch into one JSON
// request the same way the in-process batch connector does, POSTs it to
// the model endpoint, and expects a JSON list with one element per task.
type HTTPCaller struct {
	client *http.Client
	url    string
}

func NewHTTPCaller(client *http.Client, url string) *HTTPCaller {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPCaller{client: client, url: url}
}

func (c *HTTPCaller) Infer(ctx context.Context, payloads []map[string]any) ([]any, error) {
	raw, err := json.Marshal(connector.GluePayloads(payloads))
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode batch")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "request to %s failed", c.url)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, errors.Errorf("%s returned status %d", c.url, resp.StatusCode)
	}
	var results []any
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, errors.Wrapf(err, "failed to decode response from %s", c.url)
	}
	return results, nil
}
