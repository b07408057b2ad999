package models

import "time"

// Standard artifact filenames a dispatch's container is expected to produce.
const (
	ArtifactOutputLog   = "output.log"
	ArtifactSummaryJSON = "summary.json"
	ArtifactDiffPatch   = "diff.patch"
	ArtifactStdout      = "stdout.txt"
	ArtifactStderr      = "stderr.txt"
)

// DefaultContentTypes maps the standard artifact names to their content type.
var DefaultContentTypes = map[string]string{
	ArtifactOutputLog:   "text/plain",
	ArtifactSummaryJSON: "application/json",
	ArtifactDiffPatch:   "text/x-diff",
	ArtifactStdout:      "text/plain",
	ArtifactStderr:      "text/plain",
}

// Artifact describes one object stored under dispatches/{dispatch_id}/{filename}.
type Artifact struct {
	Filename    string
	Size        int64
	ContentType string
	UploadedAt  time.Time
	ExpiresAt   time.Time
}

// MultipartThreshold is the boundary (§4.6, §8) above which uploads go
// through the multipart path; AWS's own minimum part size.
const MultipartThreshold = 5 * 1024 * 1024 // 5 MiB

// DefaultRetentionDays is the artifact object retention window (§4.6).
const DefaultRetentionDays = 30
