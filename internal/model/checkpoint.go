package model

import "time"

// DefaultNamespace is the checkpoint namespace used by the session engine.
const DefaultNamespace = "research"

// Checkpoint is an iteration-aligned, append-only snapshot of session state.
type Checkpoint struct {
	ThreadID           string            `json:"thread_id"`
	Namespace          string            `json:"namespace"`
	CheckpointID       string            `json:"checkpoint_id"`
	ParentCheckpointID string            `json:"parent_checkpoint_id,omitempty"`
	Iteration          int               `json:"iteration"`
	State              []byte            `json:"state"`
	ChannelVersions    map[string]string `json:"channel_versions,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
}

// BlobKey addresses a content-addressed checkpoint blob.
type BlobKey struct {
	ThreadID string `json:"thread_id"`
	Channel  string `json:"channel"`
	Version  string `json:"version"`
}

// Blob is a large checkpoint sub-value stored outside the checkpoint row.
type Blob struct {
	Key  BlobKey
	Data []byte
}
