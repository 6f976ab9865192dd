package domain

// UploadRequest describes one file to push to a storage backend.
type UploadRequest struct {
	LocalPath      string
	DestinationKey string
	ContentType    string
	// SizeBytes is a hint; backends stat the file when it is zero.
	SizeBytes int64
	// Metadata carries backend hints such as "acl" or "tags" (comma separated).
	Metadata map[string]string
	// Overwrite replaces an existing object. Use NewUploadRequest for the default of true.
	Overwrite bool
}

// NewUploadRequest returns a request with Overwrite enabled.
func NewUploadRequest(localPath, key string) UploadRequest {
	return UploadRequest{
		LocalPath:      localPath,
		DestinationKey: key,
		Overwrite:      true,
		Metadata:       map[string]string{},
	}
}

// Meta returns a metadata value or the empty string.
func (r UploadRequest) Meta(key string) string {
	if r.Metadata == nil {
		return ""
	}
	return r.Metadata[key]
}

// UploadResult reports a completed upload for logging and telemetry.
type UploadResult struct {
	URL        string `json:"url"`
	Backend    string `json:"backend"`
	Key        string `json:"key"`
	ETag       string `json:"etag,omitempty"`
	Bytes      int64  `json:"bytes"`
	DurationMs int64  `json:"duration_ms"`
}
