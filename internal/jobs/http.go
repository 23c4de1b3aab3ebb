package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuongbtq/async-batch-daemon/internal/runner"
)

// HTTPJobName is the registered name of the http job
const HTTPJobName = "http"

const defaultHTTPTimeout = 30 * time.Second

type httpRequest struct {
	url     string
	method  string
	timeout time.Duration
}

// HTTP calls url=<url> with method= (GET) and timeout= (30s). Any 4xx or
// 5xx response fails the execution.
func HTTP(client *http.Client) runner.Job {
	if client == nil {
		client = http.DefaultClient
	}

	return runner.Job{
		Name: HTTPJobName,
		Validate: func(params map[string]string) error {
			_, err := parseHTTPRequest(params)
			return err
		},
		Run: func(ctx context.Context, params map[string]string) error {
			req, err := parseHTTPRequest(params)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(ctx, req.timeout)
			defer cancel()

			httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, nil)
			if err != nil {
				return fmt.Errorf("failed to create HTTP request: %w", err)
			}

			resp, err := client.Do(httpReq)
			if err != nil {
				return fmt.Errorf("HTTP request failed: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
			if err != nil {
				return fmt.Errorf("failed to read response body: %w", err)
			}

			if resp.StatusCode >= 400 {
				return fmt.Errorf("HTTP %d error: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}
			return nil
		},
	}
}

func parseHTTPRequest(params map[string]string) (httpRequest, error) {
	req := httpRequest{
		url:     params["url"],
		method:  strings.ToUpper(params["method"]),
		timeout: defaultHTTPTimeout,
	}

	if req.url == "" {
		return req, errors.New("url is required")
	}
	u, err := url.Parse(req.url)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return req, fmt.Errorf("invalid url %q", req.url)
	}

	switch req.method {
	case "":
		req.method = http.MethodGet
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodHead:
	default:
		return req, fmt.Errorf("unsupported method %q", req.method)
	}

	if raw, ok := params["timeout"]; ok {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return req, fmt.Errorf("invalid timeout %q", raw)
		}
		req.timeout = d
	}

	return req, nil
}
