package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultRequestTimeout = 10 * time.Second

// signer adds authentication headers to an outgoing request. path is the request path
// relative to the API root; query and body are the encoded query string and body.
type signer func(req *http.Request, path, query, body string) error

// restClient is the shared HTTP plumbing of the exchange adapters.
type restClient struct {
	baseURL string
	http    *http.Client
	sign    signer
	logger  zerolog.Logger
}

func newRESTClient(baseURL string, httpClient *http.Client, sign signer, logger *zerolog.Logger, component string) *restClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	if logger == nil {
		logger = &log.Logger
	}
	return &restClient{
		baseURL: baseURL,
		http:    httpClient,
		sign:    sign,
		logger:  logger.With().Str("component", component).Logger(),
	}
}

// do sends one request and decodes a 2xx JSON answer into out.
//
// query is appended to the URL; form, when not nil, is sent as an urlencoded body.
// A JSON body is sent instead when body is not nil.
func (c *restClient) do(ctx context.Context, method, path string, query url.Values, form url.Values, body any, out any) error {
	endpoint := c.baseURL + path
	rawQuery := query.Encode()
	if rawQuery != "" {
		endpoint += "?" + rawQuery
	}

	var (
		payload     []byte
		contentType string
	)
	switch {
	case form != nil:
		payload = []byte(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case body != nil:
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		payload = b
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.sign != nil {
		if err := c.sign(req, path, rawQuery, string(payload)); err != nil {
			return fmt.Errorf("sign request: %w", err)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("request completed")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrRequestFailed, method, path, resp.StatusCode, bytes.TrimSpace(data))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal response of %s: %w", path, err)
	}
	return nil
}
