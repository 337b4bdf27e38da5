// HTTP client for the remote record store.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/recordnexus/internal/errors"
	"github.com/kimhsiao/recordnexus/internal/models"
	enginesync "github.com/kimhsiao/recordnexus/internal/sync"
)

// remoteClient talks JSON over HTTP to the record service. Expected
// outcomes arrive as status codes and are mapped onto error codes so the
// engine can classify them.
type remoteClient struct {
	baseURL    string
	httpClient *http.Client

	mu        sync.RWMutex
	authToken string
}

var _ enginesync.RecordStore = (*remoteClient)(nil)

func newRemoteClient() *remoteClient {
	return &remoteClient{
		baseURL:   envOr("SYNC_REMOTE_URL", "http://localhost:8080"),
		authToken: os.Getenv("SYNC_REMOTE_TOKEN"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// RefreshCredentials re-reads the bearer token so an operator can rotate
// it without restarting the daemon. The retry coordinator calls this once
// per operation after an auth failure.
func (c *remoteClient) RefreshCredentials(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = os.Getenv("SYNC_REMOTE_TOKEN")
	return nil
}

func (c *remoteClient) Create(ctx context.Context, rec *models.Record) (*models.Record, error) {
	return c.writeRecord(ctx, http.MethodPost, c.baseURL+"/records", rec, "")
}

func (c *remoteClient) Get(ctx context.Context, syncID models.UUID) (*models.Record, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.baseURL+"/records/"+syncID.String(), nil)
	if err != nil {
		return nil, err
	}
	return c.doRecord(req)
}

func (c *remoteClient) Update(ctx context.Context, rec *models.Record, expectedVersion int) (*models.Record, error) {
	url := c.baseURL + "/records/" + rec.SyncID.String()
	return c.writeRecord(ctx, http.MethodPut, url, rec, fmt.Sprintf("%d", expectedVersion))
}

func (c *remoteClient) List(ctx context.Context, owner string) ([]*models.Record, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.baseURL+"/records?owner="+owner, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetwork, "list request failed", err)
	}
	defer resp.Body.Close()

	if err := classifyRemoteStatus(resp); err != nil {
		return nil, err
	}

	var records []*models.Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetwork, "failed to decode record list", err)
	}
	return records, nil
}

func (c *remoteClient) writeRecord(ctx context.Context, method, url string, rec *models.Record, expectedVersion string) (*models.Record, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode record", err)
	}

	req, err := c.newRequest(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if expectedVersion != "" {
		req.Header.Set("If-Match", expectedVersion)
	}
	return c.doRecord(req)
}

func (c *remoteClient) doRecord(req *http.Request) (*models.Record, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetwork, "record request failed", err)
	}
	defer resp.Body.Close()

	if err := classifyRemoteStatus(resp); err != nil {
		return nil, err
	}

	var rec models.Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetwork, "failed to decode record", err)
	}
	return &rec, nil
}

func (c *remoteClient) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to build request", err)
	}
	c.mu.RLock()
	token := c.authToken
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func classifyRemoteStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := fmt.Sprintf("remote returned status %d: %s", resp.StatusCode, body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apperrors.New(apperrors.ErrNotFound, "record not found remotely")
	case resp.StatusCode == http.StatusConflict ||
		resp.StatusCode == http.StatusPreconditionFailed:
		return apperrors.New(apperrors.ErrVersionConflict, msg)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperrors.New(apperrors.ErrAuth, msg)
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest:
		return apperrors.New(apperrors.ErrValidation, msg)
	default:
		return apperrors.New(apperrors.ErrNetwork, msg)
	}
}
