// Package delivery streams finished job artifacts over HTTP.
package delivery

import (
	"bytes"
	"fmt"
	"mime"
	"net/http"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Artifact is the payload of a completed job.
type Artifact struct {
	Data        []byte
	ContentType string
	Filename    string
	ModTime     time.Time
}

// ETag returns the strong entity tag of data.
func ETag(data []byte) string {
	return fmt.Sprintf("%q", fmt.Sprintf("%016x", xxhash.Sum64(data)))
}

// Write serves the artifact as an attachment. Conditional and range requests are
// answered by http.ServeContent against the precomputed ETag.
func Write(w http.ResponseWriter, r *http.Request, artifact *Artifact) {
	header := w.Header()
	header.Set("Content-Type", artifact.ContentType)
	header.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": artifact.Filename}))
	header.Set("ETag", ETag(artifact.Data))
	header.Set("Cache-Control", "private, no-cache")

	http.ServeContent(w, r, artifact.Filename, artifact.ModTime, bytes.NewReader(artifact.Data))
}
