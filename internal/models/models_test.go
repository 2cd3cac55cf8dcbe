// Package models tests for data model definitions.
package models

import (
	"errors"
	"testing"
	"time"
)

// TestRecord_Validate verifies the record invariants.
func TestRecord_Validate(t *testing.T) {
	tests := []struct {
		name    string
		record  Record
		wantErr error
	}{
		{"valid pending", Record{Key: "a.txt", PendingSync: true, SyncError: "timeout"}, nil},
		{"valid synced", Record{Key: "a.txt"}, nil},
		{"empty key", Record{}, ErrEmptyKey},
		{"conflict without snapshot", Record{Key: "a.txt", PendingSync: true, Conflict: true}, ErrConflictWithoutState},
		{"error without pending", Record{Key: "a.txt", SyncError: "boom"}, ErrErrorWithoutPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.record.Validate(); !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// TestRecord_Clone verifies the copy shares no mutable state.
func TestRecord_Clone(t *testing.T) {
	remote := time.Unix(20, 0)
	orig := &Record{
		Key:                   "c.txt",
		Payload:               []byte("local"),
		LastKnownRemoteUpdate: &remote,
		Conflict:              true,
		RemoteSnapshot:        &Record{Key: "c.txt", Payload: []byte("remote")},
	}

	c := orig.Clone()
	c.Payload[0] = 'X'
	*c.LastKnownRemoteUpdate = time.Unix(99, 0)
	c.RemoteSnapshot.Payload[0] = 'X'

	if string(orig.Payload) != "local" {
		t.Errorf("orig payload mutated: %q", orig.Payload)
	}
	if !orig.LastKnownRemoteUpdate.Equal(remote) {
		t.Error("orig remote timestamp mutated")
	}
	if string(orig.RemoteSnapshot.Payload) != "remote" {
		t.Errorf("orig snapshot mutated: %q", orig.RemoteSnapshot.Payload)
	}
	if (*Record)(nil).Clone() != nil {
		t.Error("Clone() of nil should be nil")
	}
}

// TestRecord_MarkSynced verifies sync metadata is reset.
func TestRecord_MarkSynced(t *testing.T) {
	r := &Record{Key: "a.txt", PendingSync: true, CreatedOffline: true, SyncAttempts: 2, SyncError: "x",
		Conflict: true, RemoteSnapshot: &Record{Key: "a.txt"}}

	r.MarkSynced(time.Unix(30, 0))

	if r.PendingSync || r.CreatedOffline || r.SyncAttempts != 0 || r.SyncError != "" || r.Conflict || r.RemoteSnapshot != nil {
		t.Errorf("MarkSynced() left state behind: %+v", r)
	}
	if r.RemoteUpdateOrZero().Unix() != 30 {
		t.Errorf("LastKnownRemoteUpdate = %v, want 30", r.RemoteUpdateOrZero())
	}
	if err := r.Validate(); err != nil {
		t.Errorf("Validate() after MarkSynced = %v", err)
	}
}

// TestRecord_MarkFailed verifies attempt counting.
func TestRecord_MarkFailed(t *testing.T) {
	r := &Record{Key: "a.txt"}
	r.MarkFailed(errors.New("timeout"), true)
	r.MarkFailed(errors.New("circuit open"), false)

	if r.SyncAttempts != 1 {
		t.Errorf("SyncAttempts = %d, want 1", r.SyncAttempts)
	}
	if !r.PendingSync || r.SyncError != "circuit open" {
		t.Errorf("unexpected state %+v", r)
	}
}

// TestSyncQueueEntry verifies queue identity and readiness.
func TestSyncQueueEntry(t *testing.T) {
	now := time.Now()
	e := SyncQueueEntry{Collection: CollectionFiles, Key: "a.txt", NextAttemptAt: now.Add(time.Second)}

	if e.QueueKey() != "files/a.txt" {
		t.Errorf("QueueKey() = %q", e.QueueKey())
	}
	if e.Ready(now) {
		t.Error("entry should not be ready before NextAttemptAt")
	}
	if !e.Ready(now.Add(time.Second)) {
		t.Error("entry should be ready at NextAttemptAt")
	}
}
