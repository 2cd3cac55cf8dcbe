// Package handlers provides the local REST API over the sync manager.
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/homezloco/Loco-Coder-sub003/internal/connectivity"
	apperrors "github.com/homezloco/Loco-Coder-sub003/internal/errors"
	"github.com/homezloco/Loco-Coder-sub003/internal/gateway"
	"github.com/homezloco/Loco-Coder-sub003/internal/logging"
	"github.com/homezloco/Loco-Coder-sub003/internal/models"
	"github.com/homezloco/Loco-Coder-sub003/internal/store"
	"github.com/homezloco/Loco-Coder-sub003/internal/sync"
	"github.com/homezloco/Loco-Coder-sub003/internal/sync/conflict"
	"github.com/homezloco/Loco-Coder-sub003/internal/sync/scheduler"
)

// maxPayloadBytes caps a record body accepted over the API.
const maxPayloadBytes = 32 << 20

// Syncer is the subset of *sync.Manager the API drives.
type Syncer interface {
	SaveTo(ctx context.Context, collection string, rec *models.Record, forceSyncNow bool) (*sync.SaveResult, error)
	Get(ctx context.Context, collection, key string) (*models.Record, error)
	Delete(ctx context.Context, collection, key string) error
	ResolveConflict(ctx context.Context, collection, key string, policy conflict.Policy, content []byte) (*models.Record, error)
	Retry(ctx context.Context, collection, key string) error
	RetryAll(ctx context.Context) (int, error)
	DrainQueue(ctx context.Context) sync.DrainResult
	PendingCount(ctx context.Context) (int, error)
	QueueLength() int
	QueueEntries() []models.SyncQueueEntry
	QueueEntry(collection, key string) (models.SyncQueueEntry, bool)
	Conflicts(ctx context.Context) ([]*models.Record, error)
	SchedulerStatus() scheduler.SchedulerStatus
}

// Connectivity is the subset of *connectivity.Monitor the API exposes.
type Connectivity interface {
	State() connectivity.State
	CheckNow(ctx context.Context) bool
	ForceOnlineOverride()
}

// GatewayStats reports the gateway breaker and rate-limit state.
type GatewayStats interface {
	Stats() gateway.Stats
}

// Storage reports which storage tiers are active.
type Storage interface {
	Capabilities() store.Capabilities
	ActiveTiers() []string
}

// SyncHandler serves record, conflict and sync-control endpoints.
type SyncHandler struct {
	syncer      Syncer
	conn        Connectivity
	gateway     GatewayStats
	storage     Storage
	collections map[string]bool
	log         *logging.Logger
}

// NewSyncHandler creates a handler that accepts writes to collections.
func NewSyncHandler(syncer Syncer, conn Connectivity, gw GatewayStats, storage Storage, collections []string) *SyncHandler {
	allowed := make(map[string]bool, len(collections))
	for _, c := range collections {
		allowed[c] = true
	}
	return &SyncHandler{
		syncer:      syncer,
		conn:        conn,
		gateway:     gw,
		storage:     storage,
		collections: allowed,
		log:         logging.Component("api"),
	}
}

// Register mounts the routes on mux.
func (h *SyncHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", h.GetStatus)
	mux.HandleFunc("GET /api/records/{collection}/{key...}", h.GetRecord)
	mux.HandleFunc("PUT /api/records/{collection}/{key...}", h.PutRecord)
	mux.HandleFunc("DELETE /api/records/{collection}/{key...}", h.DeleteRecord)
	mux.HandleFunc("GET /api/queue", h.ListQueue)
	mux.HandleFunc("GET /api/queue/{collection}/{key...}", h.GetQueueEntry)
	mux.HandleFunc("GET /api/conflicts", h.ListConflicts)
	mux.HandleFunc("POST /api/conflicts/resolve", h.ResolveConflict)
	mux.HandleFunc("POST /api/retry", h.Retry)
	mux.HandleFunc("POST /api/sync", h.TriggerSync)
	mux.HandleFunc("POST /api/connectivity/check", h.CheckConnectivity)
	mux.HandleFunc("POST /api/connectivity/override", h.ForceOnline)
}

type storageStatus struct {
	Capabilities store.Capabilities `json:"capabilities"`
	ActiveTiers  []string           `json:"active_tiers"`
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Connectivity connectivity.State        `json:"connectivity"`
	Gateway      gateway.Stats             `json:"gateway"`
	Scheduler    scheduler.SchedulerStatus `json:"scheduler"`
	Storage      storageStatus             `json:"storage"`
	QueueLength  int                       `json:"queue_length"`
	Pending      int                       `json:"pending"`
	Conflicts    int                       `json:"conflicts"`
}

// GetStatus handles GET /api/status
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	pending, err := h.syncer.PendingCount(ctx)
	if err != nil {
		h.writeError(w, err)
		return
	}
	conflicts, err := h.syncer.Conflicts(ctx)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		Connectivity: h.conn.State(),
		Gateway:      h.gateway.Stats(),
		Scheduler:    h.syncer.SchedulerStatus(),
		Storage: storageStatus{
			Capabilities: h.storage.Capabilities(),
			ActiveTiers:  h.storage.ActiveTiers(),
		},
		QueueLength: h.syncer.QueueLength(),
		Pending:     pending,
		Conflicts:   len(conflicts),
	})
}

// GetRecord handles GET /api/records/{collection}/{key}
func (h *SyncHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	collection, key, ok := h.recordPath(w, r)
	if !ok {
		return
	}
	rec, err := h.syncer.Get(r.Context(), collection, key)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ListQueue handles GET /api/queue
func (h *SyncHandler) ListQueue(w http.ResponseWriter, r *http.Request) {
	entries := h.syncer.QueueEntries()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"total":   len(entries),
	})
}

// GetQueueEntry handles GET /api/queue/{collection}/{key}
func (h *SyncHandler) GetQueueEntry(w http.ResponseWriter, r *http.Request) {
	collection, key := r.PathValue("collection"), r.PathValue("key")
	entry, ok := h.syncer.QueueEntry(collection, key)
	if !ok {
		writeErrorCode(w, http.StatusNotFound, apperrors.ErrNotFound, "no queued push for "+collection+"/"+key)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// SaveResponse is the body of PUT /api/records/{collection}/{key}.
type SaveResponse struct {
	Record     *models.Record  `json:"record"`
	SyncStatus sync.SyncStatus `json:"sync_status"`
	SyncError  string          `json:"sync_error,omitempty"`
}

// PutRecord handles PUT /api/records/{collection}/{key}
// The raw request body is the payload. ?sync=now pushes immediately when online.
func (h *SyncHandler) PutRecord(w http.ResponseWriter, r *http.Request) {
	collection, key, ok := h.recordPath(w, r)
	if !ok {
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		writeErrorCode(w, http.StatusRequestEntityTooLarge, apperrors.ErrInvalid, "payload too large")
		return
	}

	forceSyncNow := r.URL.Query().Get("sync") == "now"
	res, err := h.syncer.SaveTo(r.Context(), collection, &models.Record{Key: key, Payload: payload}, forceSyncNow)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := SaveResponse{Record: res.Record, SyncStatus: res.Status}
	if res.Err != nil {
		resp.SyncError = res.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeleteRecord handles DELETE /api/records/{collection}/{key}
func (h *SyncHandler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	collection, key, ok := h.recordPath(w, r)
	if !ok {
		return
	}
	if err := h.syncer.Delete(r.Context(), collection, key); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListConflicts handles GET /api/conflicts
func (h *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.syncer.Conflicts(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []*models.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conflicts": conflicts,
		"total":     len(conflicts),
	})
}

// ResolveConflict handles POST /api/conflicts/resolve
func (h *SyncHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Collection string `json:"collection"`
		Key        string `json:"key"`
		Policy     string `json:"policy"`
		Content    []byte `json:"content,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeErrorCode(w, http.StatusBadRequest, apperrors.ErrInvalid, "Invalid request body")
		return
	}
	if !h.validTarget(w, request.Collection, request.Key) {
		return
	}

	policy, err := conflict.ParsePolicy(request.Policy)
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, apperrors.ErrInvalid, err.Error())
		return
	}

	rec, err := h.syncer.ResolveConflict(r.Context(), request.Collection, request.Key, policy, request.Content)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.log.Info("Conflict resolved via API", map[string]interface{}{
		"collection": request.Collection,
		"key":        request.Key,
		"policy":     string(policy),
	})
	writeJSON(w, http.StatusOK, rec)
}

// Retry handles POST /api/retry
// With a collection and key it retries one record; with an empty body it
// retries every pending record.
func (h *SyncHandler) Retry(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Collection string `json:"collection"`
		Key        string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil && err != io.EOF {
		writeErrorCode(w, http.StatusBadRequest, apperrors.ErrInvalid, "Invalid request body")
		return
	}

	if request.Key == "" {
		n, err := h.syncer.RetryAll(r.Context())
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"queued": n})
		return
	}

	if !h.validTarget(w, request.Collection, request.Key) {
		return
	}
	if err := h.syncer.Retry(r.Context(), request.Collection, request.Key); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"queued": 1})
}

// TriggerSync handles POST /api/sync
// It drains the queue synchronously and reports the outcome.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.syncer.DrainQueue(r.Context()))
}

// CheckConnectivity handles POST /api/connectivity/check
func (h *SyncHandler) CheckConnectivity(w http.ResponseWriter, r *http.Request) {
	h.conn.CheckNow(r.Context())
	writeJSON(w, http.StatusOK, h.conn.State())
}

// ForceOnline handles POST /api/connectivity/override
func (h *SyncHandler) ForceOnline(w http.ResponseWriter, r *http.Request) {
	h.conn.ForceOnlineOverride()
	writeJSON(w, http.StatusOK, h.conn.State())
}

func (h *SyncHandler) recordPath(w http.ResponseWriter, r *http.Request) (collection, key string, ok bool) {
	collection, key = r.PathValue("collection"), r.PathValue("key")
	return collection, key, h.validTarget(w, collection, key)
}

func (h *SyncHandler) validTarget(w http.ResponseWriter, collection, key string) bool {
	if !h.collections[collection] {
		writeErrorCode(w, http.StatusBadRequest, apperrors.ErrInvalid, "unknown collection: "+collection)
		return false
	}
	if key == "" {
		writeErrorCode(w, http.StatusBadRequest, apperrors.ErrInvalid, "key is required")
		return false
	}
	return true
}

// statusFor maps an error code to an HTTP status.
func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrInvalid:
		return http.StatusBadRequest
	case apperrors.ErrOffline, apperrors.ErrCircuitOpen:
		return http.StatusServiceUnavailable
	case apperrors.ErrTimeout:
		return http.StatusGatewayTimeout
	case apperrors.ErrRateLimited:
		return http.StatusTooManyRequests
	case apperrors.ErrAuthRequired:
		return http.StatusUnauthorized
	case apperrors.ErrRemoteConflict:
		return http.StatusConflict
	case apperrors.ErrStorageQuotaExceeded:
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

func (h *SyncHandler) writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	if code == "" {
		code = apperrors.ErrInternal
	}
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		h.log.ErrorWithCode("API request failed", string(code), err)
	}
	writeErrorCode(w, status, code, err.Error())
}

func writeErrorCode(w http.ResponseWriter, status int, code apperrors.ErrorCode, message string) {
	writeJSON(w, status, map[string]interface{}{
		"code":    code,
		"message": message,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
