package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	apperrors "github.com/homezloco/Loco-Coder-sub003/internal/errors"
	"github.com/homezloco/Loco-Coder-sub003/internal/gateway"
	"github.com/homezloco/Loco-Coder-sub003/internal/models"
	"github.com/homezloco/Loco-Coder-sub003/internal/uuid"
)

// EnqueueRequest persists a gateway call that could not be delivered and
// queues it for replay. Its signature matches gateway.QueueHandler.
func (m *Manager) EnqueueRequest(ctx context.Context, req gateway.QueuedRequest) error {
	req.ID = uuid.Ensure(req.ID)
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode queued request: %w", err)
	}
	queuedAt := req.QueuedAt
	if queuedAt.IsZero() {
		queuedAt = m.now()
	}
	rec := &models.Record{
		Key:            req.ID,
		Payload:        payload,
		LastUpdated:    queuedAt,
		PendingSync:    true,
		CreatedOffline: true,
	}

	m.writeMu.Lock()
	_, err = m.store.Put(ctx, models.CollectionRequests, rec)
	m.writeMu.Unlock()
	if err != nil {
		return err
	}

	m.enqueue(models.SyncQueueEntry{Collection: models.CollectionRequests, Key: req.ID, NextAttemptAt: m.now()})
	m.refreshPending(ctx)
	if m.conn.IsOnline() {
		m.scheduler.TriggerDrain()
	}
	return nil
}

// replayRequest re-sends a queued call. Delivered requests are deleted; a
// 4xx answer other than 408 and 429 will never succeed, so it is dropped from
// the queue at once and left for inspection.
func (m *Manager) replayRequest(ctx context.Context, entry models.SyncQueueEntry, rec *models.Record) (pushOutcome, error) {
	if m.requester == nil {
		return m.fail(ctx, entry, apperrors.New(apperrors.ErrInternal, "request replay is not configured"), entry.Attempts, false, true)
	}

	var req gateway.QueuedRequest
	if err := json.Unmarshal(rec.Payload, &req); err != nil {
		return m.fail(ctx, entry, fmt.Errorf("decode queued request: %w", err), entry.Attempts+1, false, true)
	}

	opts := make([]gateway.RequestOption, 0, len(req.Headers))
	for k, v := range req.Headers {
		opts = append(opts, gateway.WithHeader(k, v))
	}
	if _, err := m.requester.Request(ctx, req.Method, req.Path, req.Body, opts...); err != nil {
		var httpErr *gateway.HTTPError
		terminal := errors.As(err, &httpErr) && httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 &&
			httpErr.StatusCode != http.StatusRequestTimeout && httpErr.StatusCode != http.StatusTooManyRequests
		if terminal {
			return m.fail(ctx, entry, err, entry.Attempts+1, false, true)
		}
		return m.recordFailure(ctx, entry, err)
	}

	m.writeMu.Lock()
	err := m.store.Delete(context.WithoutCancel(ctx), models.CollectionRequests, rec.Key)
	m.writeMu.Unlock()
	if err != nil {
		m.log.Warn("Failed to delete replayed request", map[string]interface{}{"id": rec.Key, "error": err.Error()})
	}
	m.metrics.IncPush("success")
	m.log.Info("Queued request replayed", map[string]interface{}{
		"id":     req.ID,
		"method": req.Method,
		"path":   req.Path,
	})
	return outcomeSynced, nil
}
