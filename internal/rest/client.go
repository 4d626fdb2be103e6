package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sage-bionetworks/synapse-go/pkg/download"
	"github.com/sage-bionetworks/synapse-go/pkg/multipart"
)

// Common errors.
var (
	ErrNotFound         = errors.New("rest: resource not found")
	ErrForbidden        = errors.New("rest: access forbidden")
	ErrUnauthorized     = errors.New("rest: unauthorized")
	ErrServerError      = errors.New("rest: server error")
	ErrTooManyRedirects = errors.New("rest: too many redirects")
)

// Options configures the client.
type Options struct {
	// Endpoint is the base URL of the file service API.
	Endpoint string

	// AuthToken is the bearer token sent on API calls. Presigned URL
	// transfers never carry it.
	AuthToken string

	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 100
	MaxIdleConnsPerHost int

	// Timeout for individual API requests. Streaming transfers are bounded
	// per read, not per request. Default: 30s
	Timeout time.Duration

	// RetryAttempts is the maximum number of retry attempts.
	// Default: 5
	RetryAttempts int

	// RetryBackoff is the initial backoff duration.
	// Default: 1s
	RetryBackoff time.Duration

	// RetryMaxBackoff is the maximum backoff duration.
	// Default: 30s
	RetryMaxBackoff time.Duration

	// MaxRedirects bounds redirect chains on downloads.
	// Default: 10
	MaxRedirects int
}

// DefaultOptions returns options with sensible defaults. Endpoint and
// AuthToken must still be set by the caller.
func DefaultOptions() Options {
	return Options{
		MaxIdleConnsPerHost: 100,
		Timeout:             30 * time.Second,
		RetryAttempts:       5,
		RetryBackoff:        time.Second,
		RetryMaxBackoff:     30 * time.Second,
		MaxRedirects:        10,
	}
}

// Client talks to the Synapse file service. It implements
// multipart.SessionService, multipart.PartPutter, and download.Getter.
type Client struct {
	api    *http.Client // JSON API calls, bounded by Timeout
	stream *http.Client // part uploads and download streams, no overall timeout
	opts   Options
}

// NewClient creates a client with the given options.
func NewClient(opts Options) *Client {
	if opts.MaxIdleConnsPerHost == 0 {
		opts.MaxIdleConnsPerHost = 100
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = 5
	}
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = time.Second
	}
	if opts.RetryMaxBackoff == 0 {
		opts.RetryMaxBackoff = 30 * time.Second
	}
	if opts.MaxRedirects == 0 {
		opts.MaxRedirects = 10
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		MaxIdleConns:          opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: opts.Timeout,
		DisableCompression:    true, // raw bytes for range requests
	}

	checkRedirect := func(req *http.Request, via []*http.Request) error {
		if len(via) >= opts.MaxRedirects {
			return ErrTooManyRedirects
		}
		return nil
	}

	return &Client{
		api: &http.Client{
			Transport:     transport,
			Timeout:       opts.Timeout,
			CheckRedirect: checkRedirect,
		},
		stream: &http.Client{
			Transport:     transport,
			CheckRedirect: checkRedirect,
		},
		opts: opts,
	}
}

// apiError is a non-2xx response from the service.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("rest: status %d: %s", e.Status, e.Message)
}

// wire shapes owned by the remote service.
type startSessionBody struct {
	ContentMD5Hex     string `json:"contentMD5Hex"`
	FileName          string `json:"fileName"`
	GeneratePreview   bool   `json:"generatePreview"`
	ContentType       string `json:"contentType"`
	PartSizeBytes     int64  `json:"partSizeBytes"`
	FileSizeBytes     int64  `json:"fileSizeBytes"`
	StorageLocationID *int64 `json:"storageLocationId,omitempty"`
}

type sessionBody struct {
	UploadID           string `json:"uploadId"`
	PartsState         string `json:"partsState"`
	State              string `json:"state"`
	ResultFileHandleID string `json:"resultFileHandleId"`
}

type urlBatchBody struct {
	UploadID    string `json:"uploadId"`
	PartNumbers []int  `json:"partNumbers"`
}

type urlBatchResponse struct {
	PartPresignedURLs []presignedPart `json:"partPresignedUrls"`
}

type presignedPart struct {
	PartNumber         int    `json:"partNumber"`
	UploadPresignedURL string `json:"uploadPresignedUrl"`
}

type addPartResponse struct {
	AddPartState string `json:"addPartState"`
	ErrorMessage string `json:"errorMessage"`
}

// StartSession creates or resumes a multipart upload session.
func (c *Client) StartSession(ctx context.Context, req multipart.StartSessionRequest) (*multipart.SessionStatus, error) {
	body := startSessionBody{
		ContentMD5Hex:   req.ContentMD5Hex,
		FileName:        req.FileName,
		GeneratePreview: req.GeneratePreview,
		ContentType:     req.ContentType,
		PartSizeBytes:   req.PartSize,
		FileSizeBytes:   req.FileSize,
	}
	if req.StorageLocationID != 0 {
		id := req.StorageLocationID
		body.StorageLocationID = &id
	}

	var resp sessionBody
	path := "/file/multipart?forceRestart=" + strconv.FormatBool(req.ForceRestart)
	if err := c.doJSON(ctx, http.MethodPost, path, &body, &resp); err != nil {
		return nil, sessionErr(err)
	}
	return parseSession(&resp, true)
}

// PresignedURLBatch fetches one-time upload URLs for the given part numbers.
func (c *Client) PresignedURLBatch(ctx context.Context, uploadID string, partNumbers []int) (map[int]string, error) {
	var resp urlBatchResponse
	path := "/file/multipart/" + uploadID + "/presigned/url/batch"
	err := c.doJSON(ctx, http.MethodPost, path, &urlBatchBody{UploadID: uploadID, PartNumbers: partNumbers}, &resp)
	if err != nil {
		return nil, sessionErr(err)
	}

	urls := make(map[int]string, len(resp.PartPresignedURLs))
	for _, p := range resp.PartPresignedURLs {
		if p.PartNumber == 0 || p.UploadPresignedURL == "" {
			return nil, fmt.Errorf("rest: malformed presigned url entry for upload %s", uploadID)
		}
		urls[p.PartNumber] = p.UploadPresignedURL
	}
	return urls, nil
}

// AddPart reports a transferred part and its MD5.
func (c *Client) AddPart(ctx context.Context, uploadID string, partNumber int, partMD5Hex string) error {
	var resp addPartResponse
	path := fmt.Sprintf("/file/multipart/%s/add/%d?partMD5Hex=%s", uploadID, partNumber, partMD5Hex)
	if err := c.doJSON(ctx, http.MethodPut, path, nil, &resp); err != nil {
		return sessionErr(err)
	}

	switch resp.AddPartState {
	case "ADD_SUCCESS":
		return nil
	case "ADD_FAILED":
		return &multipart.IntegrityError{PartNumber: partNumber, Detail: resp.ErrorMessage}
	default:
		return fmt.Errorf("rest: unknown add part state %q for upload %s", resp.AddPartState, uploadID)
	}
}

// CompleteSession asks the service to finalize the upload.
func (c *Client) CompleteSession(ctx context.Context, uploadID string) (*multipart.SessionStatus, error) {
	var resp sessionBody
	path := "/file/multipart/" + uploadID + "/complete"
	if err := c.doJSON(ctx, http.MethodPut, path, nil, &resp); err != nil {
		return nil, sessionErr(err)
	}
	return parseSession(&resp, false)
}

// PutPart uploads raw part bytes to a presigned URL. The URL carries its own
// authorization, so no API headers are attached. A 403 means the URL expired
// and maps to multipart.ErrExpiredURL; it is never retried here.
func (c *Client) PutPart(ctx context.Context, url string, data []byte) error {
	var lastErr error

	for attempt := 0; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.ContentLength = int64(len(data))

		resp, err := c.stream.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: status %d", multipart.ErrExpiredURL, resp.StatusCode)
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("%w: %d %s", ErrServerError, resp.StatusCode, resp.Status)
			continue
		default:
			return &apiError{Status: resp.StatusCode, Message: resp.Status}
		}
	}

	return fmt.Errorf("put failed after %d attempts: %w", c.opts.RetryAttempts+1, lastErr)
}

// FileURL resolves a file handle to the signed URL it currently redirects
// to. The URL is short-lived; resolve it right before streaming.
func (c *Client) FileURL(ctx context.Context, fileHandleID string) (string, error) {
	var lastErr error

	for attempt := 0; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return "", err
			}
		}

		path := c.opts.Endpoint + "/fileHandle/" + fileHandleID + "/url?redirect=false"
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
		if err != nil {
			return "", fmt.Errorf("create request: %w", err)
		}
		if c.opts.AuthToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.opts.AuthToken)
		}
		req.Header.Set("X-Request-Id", uuid.NewString())

		resp, err := c.api.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("%w: %d %s", ErrServerError, resp.StatusCode, resp.Status)
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			if err := checkStatusCode(resp.StatusCode); err != nil {
				return "", err
			}
			return "", &apiError{Status: resp.StatusCode, Message: apiMessage(data, resp.Status)}
		}

		// The body is the signed URL itself, optionally quoted as a JSON
		// string.
		url := strings.TrimSpace(string(data))
		url = strings.Trim(url, `"`)
		if url == "" {
			return "", fmt.Errorf("rest: empty url for file handle %s", fileHandleID)
		}
		return url, nil
	}

	return "", fmt.Errorf("resolve file handle %s failed after %d attempts: %w",
		fileHandleID, c.opts.RetryAttempts+1, lastErr)
}

// OpenRange opens a download stream for url, optionally starting at offset.
// Redirects to the signed URL are followed up to MaxRedirects; exceeding the
// cap is fatal and not retried.
func (c *Client) OpenRange(ctx context.Context, url string, offset int64) (*download.Fetch, error) {
	var lastErr error

	for attempt := 0; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		if offset > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		}

		resp, err := c.stream.Do(req)
		if err != nil {
			if errors.Is(err, ErrTooManyRedirects) {
				return nil, ErrTooManyRedirects
			}
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			lastErr = fmt.Errorf("%w: %d %s", ErrServerError, resp.StatusCode, resp.Status)
			continue
		}

		switch resp.StatusCode {
		case http.StatusOK, http.StatusPartialContent:
			return &download.Fetch{
				Body:    resp.Body,
				Partial: resp.StatusCode == http.StatusPartialContent,
				Length:  resp.ContentLength,
			}, nil
		default:
			resp.Body.Close()
			if err := checkStatusCode(resp.StatusCode); err != nil {
				return nil, err
			}
			return nil, &apiError{Status: resp.StatusCode, Message: resp.Status}
		}
	}

	return nil, fmt.Errorf("get failed after %d attempts: %w", c.opts.RetryAttempts+1, lastErr)
}

// doJSON performs one authenticated JSON API call with retries on network
// errors, 5xx, and 429.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return err
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.opts.Endpoint+path, reader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.opts.AuthToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.opts.AuthToken)
		}
		req.Header.Set("X-Request-Id", uuid.NewString())

		resp, err := c.api.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("%w: %d %s", ErrServerError, resp.StatusCode, resp.Status)
			continue
		}

		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &apiError{Status: resp.StatusCode, Message: apiMessage(data, resp.Status)}
		}

		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}

	return fmt.Errorf("%s %s failed after %d attempts: %w", method, path, c.opts.RetryAttempts+1, lastErr)
}

// backoff waits for an exponentially increasing duration with jitter.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	backoff := c.opts.RetryBackoff * time.Duration(1<<uint(attempt-1))
	if backoff > c.opts.RetryMaxBackoff {
		backoff = c.opts.RetryMaxBackoff
	}

	// Jitter: 0.5 to 1.5 of backoff
	jitter := time.Duration(float64(backoff) * (0.5 + rand.Float64()))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
		return nil
	}
}

// parseSession validates required fields at the boundary. uploadId and
// partsState are mandatory only on session start/resume; a completion
// response may omit both.
func parseSession(b *sessionBody, isStart bool) (*multipart.SessionStatus, error) {
	if b.State == "" {
		return nil, errors.New("rest: session response missing state")
	}
	if isStart {
		if b.UploadID == "" {
			return nil, errors.New("rest: session response missing uploadId")
		}
		if b.PartsState == "" && b.State == multipart.StateInProgress {
			return nil, errors.New("rest: session response missing partsState")
		}
	}

	parts, err := multipart.ParseStatus(b.PartsState)
	if err != nil {
		return nil, fmt.Errorf("rest: decode partsState: %w", err)
	}

	return &multipart.SessionStatus{
		UploadID:           b.UploadID,
		State:              b.State,
		Parts:              parts,
		ResultFileHandleID: b.ResultFileHandleID,
	}, nil
}

// sessionErr maps 4xx API errors on session-scoped endpoints to
// multipart.ErrSessionInvalid so the coordinator restarts cleanly.
func sessionErr(err error) error {
	var ae *apiError
	if !errors.As(err, &ae) {
		return err
	}
	switch ae.Status {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, ae.Message)
	default:
		if ae.Status >= 400 && ae.Status < 500 {
			return fmt.Errorf("%w: %s", multipart.ErrSessionInvalid, ae.Message)
		}
		return err
	}
}

// apiMessage extracts the service's error reason when the body carries one.
func apiMessage(data []byte, fallback string) string {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Reason != "" {
		return body.Reason
	}
	return fallback
}

// checkStatusCode returns an appropriate error for non-success status codes.
func checkStatusCode(code int) error {
	switch code {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return nil
	}
}
