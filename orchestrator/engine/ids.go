package engine

import (
	"fmt"
	"strings"

	"github.com/gofrs/uuid"
)

type TaskID string

func NewTaskID() TaskID {
	return TaskID(fmt.Sprintf("engine-task-%s", uuid.Must(uuid.NewV4()).String()))
}

func IsValidTaskID(id TaskID) bool {
	return strings.HasPrefix(string(id), "engine-task-")
}

// BatchID names one advertised training batch.
type BatchID string

func NewBatchID() BatchID {
	return BatchID(fmt.Sprintf("batch-%s", uuid.Must(uuid.NewV4()).String()))
}

type RunID string

func NewRunID() RunID {
	return RunID(fmt.Sprintf("run-%s", uuid.Must(uuid.NewV4()).String()))
}
