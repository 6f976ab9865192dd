package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// ============================================
// Tracing fields (context level)
// Propagated through the call chain via context.
// ============================================

const (
	// FieldRequestID is the HTTP request ID (UUID)
	FieldRequestID = "request_id"

	// FieldJobID is the proof job ID
	FieldJobID = "job_id"

	// FieldComponent is the component/module name
	FieldComponent = "component"

	// FieldContextID identifies the gallery or project a proof batch belongs to
	FieldContextID = "context_id"

	// FieldUploadID is the chunked upload session ID
	FieldUploadID = "upload_id"

	// FieldTick identifies one queue worker run
	FieldTick = "tick_id"
)

// ============================================
// Storage fields
// ============================================

const (
	// FieldBackend is the storage backend name (local, s3, cloudinary, imagekit)
	FieldBackend = "backend"

	// FieldObjectKey is the storage key an operation targets
	FieldObjectKey = "object_key"

	// FieldProofPath is the derived proof key for an original
	FieldProofPath = "proof_path"

	// FieldOperation is the storage operation name
	FieldOperation = "operation"
)

// ============================================
// Retry fields
// ============================================

const (
	FieldAttempt    = "attempt"
	FieldBackoffMs  = "backoff_ms"
	FieldErrorClass = "error_class"
)

// ============================================
// Metric fields (entry level)
// Used for aggregation and alerting.
// ============================================

const (
	// FieldDurationMs is the execution duration in milliseconds
	FieldDurationMs = "duration_ms"

	// FieldCount is a generic count field
	FieldCount = "count"

	// FieldSize is the data size in bytes
	FieldSize = "size"

	// FieldStatus is the operation status
	FieldStatus = "status"
)
