package domain

import "time"

type IngestStatus string

const (
	StatusPending     IngestStatus = "pending"
	StatusUploading   IngestStatus = "uploading"
	StatusVectorizing IngestStatus = "vectorizing"
	StatusCompleted   IngestStatus = "completed"
	StatusFailed      IngestStatus = "failed"
	StatusBusy        IngestStatus = "busy"
)

// IngestJob tracks one document through the ingestion state machine.
// Terminal states are completed and failed; busy is a rejection outcome when
// the per-document lock is already held.
type IngestJob struct {
	JobID      string       `json:"job_id"`
	Document   string       `json:"document"`
	Status     IngestStatus `json:"status"`
	Error      string       `json:"error,omitempty"`
	ChunkCount int          `json:"chunk_count,omitempty"`
	Note       string       `json:"note,omitempty"`
}

// UploadFile is one raw file submitted to the ingestion coordinator.
type UploadFile struct {
	Name    string
	Content []byte
}

type UploadFailure struct {
	Filename string `json:"filename"`
	Reason   string `json:"reason"`
}

// UploadReport summarizes an upload batch: which files were accepted and
// scheduled for vectorization, and which were rejected with a reason.
type UploadReport struct {
	Status    string          `json:"status"`
	Processed []string        `json:"processed"`
	Failed    []UploadFailure `json:"failed"`
	Jobs      []IngestJob     `json:"jobs"`
	DocsCount int             `json:"docs_count"`
	Scheduled bool            `json:"scheduled"`
}

// StoredDocument is what the document content provider returns for one name.
type StoredDocument struct {
	Name       string    `json:"name"`
	Ext        string    `json:"ext"`
	Size       int64     `json:"size"`
	Hash       string    `json:"hash"`
	UploadedBy string    `json:"uploaded_by,omitempty"`
	VectorRefs []string  `json:"vector_refs,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
	Content    []byte    `json:"-"`
}
