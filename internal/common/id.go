package common

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewTaskID generates a unique task ID with the "task_" prefix
// Format: task_<uuid>
func NewTaskID() string {
	return "task_" + uuid.New().String()
}

// NewCompletionID generates an OpenAI-style completion ID.
// Format: chatcmpl-<unix milliseconds>
func NewCompletionID() string {
	return fmt.Sprintf("chatcmpl-%d", time.Now().UnixMilli())
}
