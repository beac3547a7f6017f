package domain

import (
	"fmt"
	"strings"
)

type Origin string

const (
	OriginUserAction Origin = "user-action"
	OriginRemoteSync Origin = "remote-sync"
	OriginSystem     Origin = "system"
)

func (o Origin) Valid() bool {
	switch o {
	case OriginUserAction, OriginRemoteSync, OriginSystem:
		return true
	}
	return false
}

// Undoable reports whether mutations with this origin belong in undo history.
func (o Origin) Undoable() bool {
	return o == OriginUserAction
}

const roomTaskPrefix = "task:"

// RoomForTask returns the replication group name for an annotation task.
func RoomForTask(taskID string) string {
	return roomTaskPrefix + taskID
}

// TaskFromRoom extracts the task id from a room name of the form task:{taskId}.
func TaskFromRoom(room string) (string, bool) {
	if !strings.HasPrefix(room, roomTaskPrefix) {
		return "", false
	}
	taskID := strings.TrimPrefix(room, roomTaskPrefix)
	if taskID == "" || strings.ContainsAny(taskID, " /\t\n") {
		return "", false
	}
	return taskID, true
}

// StorageKey is the local durable storage key for a task: {namespace}:task:{taskId}.
func StorageKey(namespace, taskID string) string {
	return fmt.Sprintf("%s:%s%s", namespace, roomTaskPrefix, taskID)
}
