// Package conflict detects divergence between a local record and the remote
// copy and applies the configured resolution policy.
package conflict

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/homezloco/Loco-Coder-sub003/internal/logging"
	"github.com/homezloco/Loco-Coder-sub003/internal/models"
)

// Policy decides which side wins a divergence.
type Policy string

const (
	LocalWins  Policy = "local_wins"
	RemoteWins Policy = "remote_wins"
	Manual     Policy = "manual"
)

// ParsePolicy maps a configuration value to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case LocalWins, RemoteWins, Manual:
		return p, nil
	case "":
		return Manual, nil
	default:
		return "", &ConflictError{Message: fmt.Sprintf("unknown conflict policy %q", s)}
	}
}

// Action tells the caller what to do with a resolved record.
type Action int

const (
	// ActionPush sends the resolved record to the remote.
	ActionPush Action = iota
	// ActionAdopt stores the resolved record locally as synced.
	ActionAdopt
	// ActionHold stores the record as conflicted and stops automatic pushes.
	ActionHold
)

func (a Action) String() string {
	switch a {
	case ActionPush:
		return "push"
	case ActionAdopt:
		return "adopt"
	case ActionHold:
		return "hold"
	}
	return "unknown"
}

// RemoteVersion is the remote's current copy of a record.
type RemoteVersion struct {
	Payload   []byte
	UpdatedAt time.Time
}

// ResolveResult is the outcome of applying a policy.
type ResolveResult struct {
	Action      Action
	Record      *models.Record
	Policy      Policy
	ConflictLog *models.ConflictLog
}

// Resolver applies a policy to detected conflicts.
type Resolver struct {
	policy Policy
	now    func() time.Time
	log    *logging.Logger
}

// NewResolver creates a new Resolver with the specified policy.
func NewResolver(policy Policy) *Resolver {
	if policy == "" {
		policy = Manual
	}
	return &Resolver{
		policy: policy,
		now:    time.Now,
		log:    logging.Component("conflict"),
	}
}

// Policy returns the configured policy.
func (r *Resolver) Policy() Policy {
	return r.policy
}

// Diverged reports whether the remote changed since the local record last
// synced. Records created offline have no remote counterpart to diverge from.
// The remote's timestamp is trusted as authoritative; local clocks are never compared.
func Diverged(local *models.Record, remoteUpdatedAt time.Time) bool {
	if local == nil || local.CreatedOffline || remoteUpdatedAt.IsZero() {
		return false
	}
	return remoteUpdatedAt.After(local.RemoteUpdateOrZero())
}

// Resolve applies the configured policy to a diverged record.
func (r *Resolver) Resolve(collection string, local *models.Record, remote RemoteVersion) (*ResolveResult, error) {
	if local == nil {
		return nil, ErrInvalidConflict
	}
	r.log.Warn("Concurrent edit conflict detected", map[string]interface{}{
		"key":              local.Key,
		"collection":       collection,
		"local_timestamp":  local.LastUpdated.Unix(),
		"remote_timestamp": remote.UpdatedAt.Unix(),
		"policy":           string(r.policy),
	})
	return r.resolveWith(r.policy, collection, local, remote)
}

func (r *Resolver) resolveWith(policy Policy, collection string, local *models.Record, remote RemoteVersion) (*ResolveResult, error) {
	if local == nil {
		return nil, ErrInvalidConflict
	}

	result := &ResolveResult{
		Policy: policy,
		ConflictLog: &models.ConflictLog{
			Key:             local.Key,
			Collection:      collection,
			LocalTimestamp:  local.LastUpdated,
			RemoteTimestamp: remote.UpdatedAt,
			Resolution:      string(policy),
			DetectedAt:      r.now(),
		},
	}

	rec := local.Clone()
	switch policy {
	case LocalWins:
		// Overwrite the remote: treat its current version as seen.
		acknowledge(rec, remote.UpdatedAt)
		rec.PendingSync = true
		result.Action = ActionPush

	case RemoteWins:
		rec.Payload = append([]byte(nil), remote.Payload...)
		rec.LastUpdated = remote.UpdatedAt
		rec.MarkSynced(remote.UpdatedAt)
		result.Action = ActionAdopt

	case Manual:
		rec.PendingSync = true
		rec.Conflict = true
		rec.RemoteSnapshot = snapshot(local.Key, remote)
		result.Action = ActionHold

	default:
		return nil, &ConflictError{Message: fmt.Sprintf("unknown conflict policy %q", policy)}
	}

	result.Record = rec
	return result, nil
}

// ResolveManual settles a record held by the Manual policy. LocalWins and
// content both return the record to pending for a push; RemoteWins adopts the
// stored snapshot as synced.
func (r *Resolver) ResolveManual(collection string, local *models.Record, policy Policy, content []byte) (*ResolveResult, error) {
	if local == nil || !local.Conflict || local.RemoteSnapshot == nil {
		return nil, ErrNotConflicted
	}
	remote := RemoteVersion{
		Payload:   local.RemoteSnapshot.Payload,
		UpdatedAt: local.RemoteSnapshot.RemoteUpdateOrZero(),
	}

	var res *ResolveResult
	var err error
	switch {
	case content != nil:
		res, err = r.resolveWith(LocalWins, collection, local, remote)
		if err == nil {
			res.Record.Payload = append([]byte(nil), content...)
			res.Record.LastUpdated = r.now()
			res.Policy = Manual
		}
	case policy == LocalWins || policy == RemoteWins:
		res, err = r.resolveWith(policy, collection, local, remote)
	default:
		return nil, &ConflictError{Message: "manual resolution requires content"}
	}
	if err != nil {
		return nil, err
	}

	res.Record.SyncAttempts = 0
	res.Record.SyncError = ""
	res.ConflictLog.Resolution = "resolved_" + string(res.Policy)
	if content != nil {
		res.ConflictLog.Resolution = "resolved_manual_content"
	}

	r.log.Info("Conflict resolved", map[string]interface{}{
		"key":        local.Key,
		"collection": collection,
		"resolution": res.ConflictLog.Resolution,
	})
	return res, nil
}

// acknowledge clears conflict state and records the remote version as seen.
func acknowledge(rec *models.Record, remoteUpdatedAt time.Time) {
	t := remoteUpdatedAt
	rec.LastKnownRemoteUpdate = &t
	rec.Conflict = false
	rec.RemoteSnapshot = nil
}

func snapshot(key string, remote RemoteVersion) *models.Record {
	t := remote.UpdatedAt
	return &models.Record{
		Key:                   key,
		Payload:               append([]byte(nil), remote.Payload...),
		LastUpdated:           remote.UpdatedAt,
		LastKnownRemoteUpdate: &t,
	}
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: local record must be non-nil"}
	ErrNotConflicted   = &ConflictError{Message: "record is not in conflict"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError reports whether err or anything it wraps is a ConflictError.
func IsConflictError(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
