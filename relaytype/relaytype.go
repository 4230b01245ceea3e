// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

// Package relaytype holds the data model shared across the coordination
// plane (spec §3) and the Go interfaces for the external collaborators that
// spec §1 marks out of scope: the chat-platform client, the cloud-storage
// uploader, the SQL task repository, and the configuration loader. Concrete
// production implementations of those interfaces are not part of this
// module; fakes for testing live in relaytypetest.
package relaytype

import "time"

// InstanceStatus is the lifecycle status of an Instance record.
type InstanceStatus string

const (
	InstanceActive   InstanceStatus = "active"
	InstanceInactive InstanceStatus = "inactive"
)

// Instance is the registry record for one running process (spec §3
// "Instance Record"). It is persisted under instance:<id> with TTL =
// instance_timeout.
type Instance struct {
	ID            string         `json:"id"`
	URL           string         `json:"url"`
	Hostname      string         `json:"hostname"`
	Region        string         `json:"region"`
	StartedAt     time.Time      `json:"started_at"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	Status        InstanceStatus `json:"status"`
}

// IsAlive reports whether the instance's heartbeat is still within timeout,
// per spec §3's invariant: "any record whose last_heartbeat is older than
// instance_timeout is treated as dead."
func (i Instance) IsAlive(now time.Time, instanceTimeout time.Duration) bool {
	if i.Status != InstanceActive {
		return false
	}
	return now.Sub(i.LastHeartbeat) < instanceTimeout
}

// Lock is the distributed lock record (spec §3 "Lock Record"), stored under
// lock:<name>.
type Lock struct {
	InstanceID string        `json:"instance_id"`
	AcquiredAt time.Time     `json:"acquired_at"`
	TTL        time.Duration `json:"ttl"`
}

// Expired reports whether the lock's TTL has elapsed as of now.
func (l Lock) Expired(now time.Time) bool {
	return now.Sub(l.AcquiredAt) >= l.TTL
}

// TaskStatus is the lifecycle status of a Task record.
type TaskStatus string

const (
	TaskQueued      TaskStatus = "queued"
	TaskDownloading TaskStatus = "downloading"
	TaskDownloaded  TaskStatus = "downloaded"
	TaskUploading   TaskStatus = "uploading"
	TaskCompleted   TaskStatus = "completed"
	TaskFailed      TaskStatus = "failed"
	TaskCancelled   TaskStatus = "cancelled"
)

// IsTerminal reports whether the task has reached a status from which it
// will never transition again.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskCancelled:
		return true
	default:
		return false
	}
}

// Task is the canonical task record (spec §3 "Task Record"). Its primary
// store is the out-of-scope SQL task repository; a mirror lives in cache
// under state:system:task:<id> for fast cross-instance reads.
type Task struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	ChatID      string     `json:"chat_id"`
	MsgID       string     `json:"msg_id"`
	SourceMsgID string     `json:"source_msg_id"`
	FileName    string     `json:"file_name"`
	FileSize    int64      `json:"file_size"`
	Status      TaskStatus `json:"status"`
	ClaimedBy   string     `json:"claimed_by"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ErrorMsg    string     `json:"error_msg,omitempty"`
	Attempts    int        `json:"attempts"`
}

// DedupStatus is the lifecycle status of a Dedup record.
type DedupStatus string

const (
	DedupPending          DedupStatus = "pending"
	DedupProcessing       DedupStatus = "processing"
	DedupCompleted        DedupStatus = "completed"
	DedupFailed           DedupStatus = "failed"
	DedupFailedRetryable  DedupStatus = "failed_retryable"
)

// Dedup is the deduplication record (spec §3 "Dedup Record"), stored under
// task:<key>.
type Dedup struct {
	TaskKey             string      `json:"task_key"`
	Data                interface{} `json:"data"`
	Status              DedupStatus `json:"status"`
	CreatedAt           time.Time   `json:"created_at"`
	Attempts            int         `json:"attempts"`
	ProcessingWorker     string     `json:"processing_worker,omitempty"`
	ProcessingStartedAt *time.Time  `json:"processing_started_at,omitempty"`
	ResultKey           string      `json:"result_key,omitempty"`
	Error               string      `json:"error,omitempty"`
}

// State is an opaque per-(user,type) value with a timestamp (spec §3 "State
// Record"), keyed by state:<userId>:<type> in L2 and L1.
type State struct {
	Value     interface{} `json:"value"`
	Timestamp time.Time   `json:"timestamp"`
}

// ChangeKind distinguishes a Set from a Delete change-log entry.
type ChangeKind string

const (
	ChangeSet    ChangeKind = "set"
	ChangeDelete ChangeKind = "delete"
)

// ChangeLogEntry is an append-only record of a consistent-cache mutation
// (spec §3 "Change-Log Entry"), used for peer replay.
type ChangeLogEntry struct {
	Type       ChangeKind  `json:"type"`
	Key        string      `json:"key"`
	Value      interface{} `json:"value,omitempty"`
	UserID     string      `json:"user_id,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	InstanceID string      `json:"instance_id"`
}

// StreamStatus is the lifecycle status of a worker-side stream session.
type StreamStatus string

const (
	StreamActive    StreamStatus = "active"
	StreamFinished  StreamStatus = "finished"
	StreamFailed    StreamStatus = "failed"
	StreamAborted   StreamStatus = "aborted"
)

// StreamSession is the worker-side bridge from chunked ingress to a
// cloud-upload subprocess (spec §3 "Stream Session"). It is held only in
// memory on the worker actually uploading.
type StreamSession struct {
	TaskID              string       `json:"task_id"`
	FileName             string       `json:"file_name"`
	UserID               string       `json:"user_id"`
	TotalSize            int64        `json:"total_size"`
	UploadedBytes         int64        `json:"uploaded_bytes"`
	ChunkIndexWatermark   int64        `json:"chunk_index_watermark"`
	LeaderURL             string       `json:"leader_url"`
	ChatID                string       `json:"chat_id"`
	MsgID                 string       `json:"msg_id"`
	LastSeen              time.Time    `json:"last_seen"`
	Status                StreamStatus `json:"status"`
}

// BatchPriority orders batch records for processing (spec §3 "Batch
// Record").
type BatchPriority string

const (
	PriorityCritical BatchPriority = "critical"
	PriorityHigh     BatchPriority = "high"
	PriorityNormal   BatchPriority = "normal"
	PriorityLow      BatchPriority = "low"
)

// Weight returns the numeric ordering weight for the priority, per spec
// §4.10: critical:100, high:75, normal:50, low:25.
func (p BatchPriority) Weight() int {
	switch p {
	case PriorityCritical:
		return 100
	case PriorityHigh:
		return 75
	case PriorityNormal:
		return 50
	case PriorityLow:
		return 25
	default:
		return 50
	}
}

// BatchStatus is the lifecycle status of a Batch record.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// ItemResult is the per-item outcome of a processed batch (spec §4.10
// processBatch).
type ItemResult struct {
	Success bool        `json:"success"`
	Item    interface{} `json:"item"`
	Result  interface{} `json:"result,omitempty"`
	Error   string      `json:"error,omitempty"`
	Index   int         `json:"index"`
}

// Batch is the batch processing record (spec §3 "Batch Record").
type Batch struct {
	ID       string        `json:"id"`
	Type     string        `json:"type"`
	Items    []interface{} `json:"items"`
	Priority BatchPriority `json:"priority"`
	Status   BatchStatus   `json:"status"`
	Processed int          `json:"processed"`
	Failed    int          `json:"failed"`
	Results   []ItemResult `json:"results,omitempty"`
}

// MediaGroupStatus is the lifecycle status of a media group buffer entry.
type MediaGroupStatus string

const (
	MediaGroupCollecting MediaGroupStatus = "collecting"
	MediaGroupProcessing MediaGroupStatus = "processing"
	MediaGroupCompleted  MediaGroupStatus = "completed"
)

// MediaGroupMessage is one inbound message coalesced by the media group
// buffer.
type MediaGroupMessage struct {
	MsgID   string      `json:"msg_id"`
	Payload interface{} `json:"payload"`
}

// MediaGroupEntry is the ephemeral, in-memory buffer of related inbound
// messages for one chat (spec §3 "Media Group Buffer entry").
type MediaGroupEntry struct {
	ChatID     string               `json:"chat_id"`
	Messages   []MediaGroupMessage  `json:"messages"`
	StartedAt  time.Time            `json:"started_at"`
	LastUpdate time.Time            `json:"last_update"`
	Status     MediaGroupStatus     `json:"status"`
}
