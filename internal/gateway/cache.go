package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/homezloco/Loco-Coder-sub003/internal/models"
)

type cachedResponse struct {
	Status int         `json:"status"`
	Header http.Header `json:"header,omitempty"`
	Body   []byte      `json:"body"`
}

func (g *Gateway) cacheResponse(ctx context.Context, path string, resp *Response) {
	payload, err := json.Marshal(cachedResponse{Status: resp.Status, Header: resp.Header, Body: resp.Body})
	if err != nil {
		return
	}
	rec := &models.Record{Key: path, Payload: payload, LastUpdated: g.now()}
	if _, err := g.store.Put(ctx, models.CollectionResponses, rec); err != nil {
		g.log.Warn("failed to cache response", map[string]interface{}{"path": path, "error": err.Error()})
	}
}

// staleResponse returns the cached body for path if it is within CacheTTL.
func (g *Gateway) staleResponse(ctx context.Context, path string) *Response {
	rec, err := g.store.Get(ctx, models.CollectionResponses, path)
	if err != nil || rec == nil {
		return nil
	}
	if g.now().Sub(rec.LastUpdated) > g.cfg.CacheTTL {
		return nil
	}
	var cached cachedResponse
	if err := json.Unmarshal(rec.Payload, &cached); err != nil {
		return nil
	}
	return &Response{Status: cached.Status, Header: cached.Header, Body: cached.Body, Stale: true}
}
