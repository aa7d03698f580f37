package model

import "time"

// IdempotencyStatus is the processing state of an idempotency record.
type IdempotencyStatus string

const (
	IdempotencyPending  IdempotencyStatus = "pending"
	IdempotencyComplete IdempotencyStatus = "complete"
	IdempotencyError    IdempotencyStatus = "error"
)

// IdempotencyRecord remembers that an event was processed by a pipeline and
// the response to replay.  (Key, Pipeline) is the primary key.
//
// Fields:
//
//	Key          – dedupe key, the gateway event id.
//	Pipeline     – name of the consuming pipeline.
//	Status       – pending, complete or error.
//	CachedStatus – HTTP status to replay (0 while pending).
//	CachedBody   – response body to replay.
//	Metadata     – free-form JSON for operators.
//	LockedAt     – when the current processor claimed the record.
//	ExpiresAt    – after this the record may be purged.
type IdempotencyRecord struct {
	Key          string            // idempotency_records.idem_key
	Pipeline     string            // idempotency_records.pipeline
	Status       IdempotencyStatus // idempotency_records.status
	CachedStatus int               // idempotency_records.cached_status
	CachedBody   []byte            // idempotency_records.cached_body
	Metadata     []byte            // idempotency_records.metadata (JSON, nullable)
	LockedAt     time.Time         // idempotency_records.locked_at
	ExpiresAt    time.Time         // idempotency_records.expires_at
	CreatedAt    time.Time         // idempotency_records.created_at
	UpdatedAt    time.Time         // idempotency_records.updated_at
}

// Finished reports whether the record carries a response to replay.
func (r IdempotencyRecord) Finished() bool {
	return r.Status == IdempotencyComplete || r.Status == IdempotencyError
}
