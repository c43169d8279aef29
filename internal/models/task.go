package models

import (
	"sync/atomic"
	"time"
)

// Task is the engine-internal snapshot of one admitted request. It is
// created on admission and destroyed on completion or error.
type Task struct {
	ID         string
	Model      string // requested model, optionally adapterType/model
	Prompt     string
	ImagePaths []string // temp files written from data-URI payloads
	Stream     bool
	CreatedAt  time.Time

	// DispatchedAt and Worker are filled when the dispatch loop reserves
	// a worker for the task.
	DispatchedAt time.Time
	Worker       string

	cancelled atomic.Bool
}

// Cancel marks the task as cancelled (client disconnect). In-flight
// adapters consult the flag between suspension points; a cancelled task
// is never retried.
func (t *Task) Cancel() {
	t.cancelled.Store(true)
}

// Cancelled reports whether the client has gone away.
func (t *Task) Cancelled() bool {
	return t.cancelled.Load()
}

// GenerationResult is the adapter output for one generate operation.
// Text and Images are mutually compatible: some upstreams return text with
// media data URIs concatenated (kept for video outputs).
type GenerationResult struct {
	Text   string
	Images []string // data:<mime>;base64,<body> URIs
}

// ImagePolicy declares whether a model accepts attached images.
type ImagePolicy string

const (
	ImagePolicyForbidden ImagePolicy = "forbidden"
	ImagePolicyOptional  ImagePolicy = "optional"
	ImagePolicyRequired  ImagePolicy = "required"
)

// Modality is the output type of a model.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityImage Modality = "image"
)

// ModelDescriptor is a registered model: public id, opaque upstream id,
// modality and image policy. Immutable after registration.
type ModelDescriptor struct {
	ID          string
	UpstreamID  string
	Type        Modality
	ImagePolicy ImagePolicy
}
