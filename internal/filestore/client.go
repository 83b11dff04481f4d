// Package filestore предоставляет клиент для внешнего хранилища фотографий.
package filestore

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/fieldops/dispatch/internal/apperr"
)

// maxRetryAfter ограничивает ожидание по заголовку Retry-After.
const maxRetryAfter = 10 * time.Second

// Client инкапсулирует HTTP-взаимодействие с хранилищем фотографий.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// NewClient создаёт HTTP-клиент для обращения к хранилищу по указанному адресу.
// Ответ 429 повторяется один раз после паузы из Retry-After (по умолчанию секунда).
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	rc.Logger = nil
	rc.RetryMax = 1
	rc.RetryWaitMin = time.Second
	rc.RetryWaitMax = maxRetryAfter
	rc.CheckRetry = retryThrottled
	rc.Backoff = func(lo, hi time.Duration, attempt int, resp *http.Response) time.Duration {
		return min(retryablehttp.DefaultBackoff(lo, hi, attempt, resp), hi)
	}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc,
	}
}

// retryThrottled повторяет только ответы 429; сетевые ошибки возвращаются сразу.
func retryThrottled(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return err == nil && resp.StatusCode == http.StatusTooManyRequests, nil
}

// Size запрашивает размер файла по относительному пути через HEAD.
func (c *Client) Size(ctx context.Context, path string) (int64, error) {
	if c == nil || c.baseURL == "" {
		return 0, fmt.Errorf("filestore client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	target := base + "/" + (&url.URL{Path: strings.TrimLeft(path, "/")}).EscapedPath()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return 0, apperr.NotFound("photo", path)
	case http.StatusTooManyRequests:
		return 0, apperr.New(apperr.KindUnavailable, "file store is throttling requests")
	default:
		return 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if resp.ContentLength < 0 {
		return 0, fmt.Errorf("file store did not report size of %q", path)
	}
	return resp.ContentLength, nil
}
