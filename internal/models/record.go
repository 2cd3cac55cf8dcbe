// Package models provides data model definitions for the sync layer.
package models

import (
	"bytes"
	"errors"
	"time"
)

// Collections used by the sync layer.
const (
	CollectionFiles     = "files"
	CollectionSettings  = "settings"
	CollectionRequests  = "requests"
	CollectionResponses = "responses"
	CollectionConflicts = "conflicts"
)

// Invariant violations reported by Record.Validate.
var (
	ErrEmptyKey             = errors.New("record key must not be empty")
	ErrConflictWithoutState = errors.New("conflicted record must carry a remote snapshot")
	ErrErrorWithoutPending  = errors.New("sync error set on a record that is not pending")
)

// Record is the unit of synchronization: a file, a settings blob or a queued request.
type Record struct {
	Key                   string     `json:"key"`
	Payload               []byte     `json:"payload"`
	LastUpdated           time.Time  `json:"last_updated"`
	LastKnownRemoteUpdate *time.Time `json:"last_known_remote_update,omitempty"`
	PendingSync           bool       `json:"pending_sync"`
	CreatedOffline        bool       `json:"created_offline"`
	SyncAttempts          uint32     `json:"sync_attempts"`
	SyncError             string     `json:"sync_error,omitempty"`
	Conflict              bool       `json:"conflict"`
	RemoteSnapshot        *Record    `json:"remote_snapshot,omitempty"`
}

// Validate checks the record invariants.
func (r *Record) Validate() error {
	if r.Key == "" {
		return ErrEmptyKey
	}
	if r.Conflict && r.RemoteSnapshot == nil {
		return ErrConflictWithoutState
	}
	if !r.PendingSync && r.SyncError != "" {
		return ErrErrorWithoutPending
	}
	return nil
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Payload != nil {
		c.Payload = bytes.Clone(r.Payload)
	}
	if r.LastKnownRemoteUpdate != nil {
		t := *r.LastKnownRemoteUpdate
		c.LastKnownRemoteUpdate = &t
	}
	c.RemoteSnapshot = r.RemoteSnapshot.Clone()
	return &c
}

// MarkSynced records a successful push acknowledged at remoteUpdate.
func (r *Record) MarkSynced(remoteUpdate time.Time) {
	t := remoteUpdate
	r.LastKnownRemoteUpdate = &t
	r.PendingSync = false
	r.CreatedOffline = false
	r.SyncAttempts = 0
	r.SyncError = ""
	r.Conflict = false
	r.RemoteSnapshot = nil
}

// MarkFailed records a failed push attempt.
func (r *Record) MarkFailed(err error, countAttempt bool) {
	r.PendingSync = true
	if countAttempt {
		r.SyncAttempts++
	}
	if err != nil {
		r.SyncError = err.Error()
	}
}

// RemoteUpdateOrZero returns LastKnownRemoteUpdate, or the zero time when unknown.
func (r *Record) RemoteUpdateOrZero() time.Time {
	if r.LastKnownRemoteUpdate == nil {
		return time.Time{}
	}
	return *r.LastKnownRemoteUpdate
}
