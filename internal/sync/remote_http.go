package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/homezloco/Loco-Coder-sub003/internal/gateway"
	"github.com/homezloco/Loco-Coder-sub003/internal/models"
)

// Requester issues calls through the resilient gateway.
type Requester interface {
	Request(ctx context.Context, method, path string, body []byte, opts ...gateway.RequestOption) (*gateway.Response, error)
}

// HTTPRemote stores documents at /api/v1/sync/{collection}/{key}.
type HTTPRemote struct {
	gw  Requester
	now func() time.Time
}

// NewHTTPRemote creates a remote that talks through gw.
func NewHTTPRemote(gw Requester) *HTTPRemote {
	return &HTTPRemote{gw: gw, now: time.Now}
}

type pushBody struct {
	Key           string     `json:"key"`
	Content       []byte     `json:"content"`
	UpdatedAt     time.Time  `json:"updated_at"`
	BaseUpdatedAt *time.Time `json:"base_updated_at,omitempty"`
}

func documentPath(collection, key string) string {
	return "/api/v1/sync/" + url.PathEscape(collection) + "/" + url.PathEscape(key)
}

// Fetch reads the remote document. A 404 means the remote has no copy.
func (r *HTTPRemote) Fetch(ctx context.Context, collection, key string) (*RemoteDoc, error) {
	resp, err := r.gw.Request(ctx, http.MethodGet, documentPath(collection, key), nil, gateway.WithoutCache())
	if err != nil {
		var httpErr *gateway.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}

	var doc RemoteDoc
	if err := resp.JSON(&doc); err != nil {
		return nil, fmt.Errorf("decode remote document %s/%s: %w", collection, key, err)
	}
	if doc.Key == "" {
		doc.Key = key
	}
	return &doc, nil
}

// Push writes rec. The remote may answer 409 when base_updated_at is stale.
func (r *HTTPRemote) Push(ctx context.Context, collection string, rec *models.Record) (time.Time, error) {
	body, err := json.Marshal(pushBody{
		Key:           rec.Key,
		Content:       rec.Payload,
		UpdatedAt:     rec.LastUpdated,
		BaseUpdatedAt: rec.LastKnownRemoteUpdate,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("encode push body: %w", err)
	}

	resp, err := r.gw.Request(ctx, http.MethodPut, documentPath(collection, rec.Key), body)
	if err != nil {
		return time.Time{}, err
	}

	var doc RemoteDoc
	if len(resp.Body) > 0 && resp.JSON(&doc) == nil && !doc.UpdatedAt.IsZero() {
		return doc.UpdatedAt, nil
	}
	if date, err := http.ParseTime(resp.Header.Get("Date")); err == nil {
		return date, nil
	}
	return r.now(), nil
}
