package domain

import "strconv"

// ImageRef describes one gallery image whose proof URL is requested.
type ImageRef struct {
	// Key is the caller's key for this image in the returned URL map.
	// Empty keys fall back to the decimal ID.
	Key       string `json:"key"`
	ID        int64  `json:"id"`
	ProjectID int64  `json:"project_id"`
	Path      string `json:"path"`
	Filename  string `json:"filename"`
	// HasProof is set when the caller already knows a proof exists.
	HasProof bool `json:"has_proof"`
}

// ResultKey returns the key this image occupies in a proof URL map.
func (i ImageRef) ResultKey() string {
	if i.Key != "" {
		return i.Key
	}
	return strconv.FormatInt(i.ID, 10)
}

// Identifier returns the most specific stable identifier: path, then filename, then ID.
func (i ImageRef) Identifier() string {
	switch {
	case i.Path != "":
		return i.Path
	case i.Filename != "":
		return i.Filename
	default:
		return strconv.FormatInt(i.ID, 10)
	}
}

// SourcePath returns the storage key of the original, preferring Path over Filename.
func (i ImageRef) SourcePath() string {
	if i.Path != "" {
		return i.Path
	}
	return i.Filename
}
