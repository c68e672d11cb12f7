package driver

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// HTTPHost returns a HostFunc POSTing every request to url, where a host
// serves it with SQLHost.ServeHTTP. A nil client uses one with a 30 second
// timeout.
func HTTPHost(url string, client *http.Client) HostFunc {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return func(ctx context.Context, requestPayload []byte) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(requestPayload))
		if err != nil {
			return nil, errors.Wrap(err, "failed to create request")
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return nil, errors.Wrap(err, "request failed")
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read response")
		}
		if resp.StatusCode != http.StatusOK {
			return nil, errors.Newf("host returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
		}
		return body, nil
	}
}
