// Package events provides an event system for worker failure, restart and chaos notifications.
package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	// EventWorkerFailed is emitted when a health check finds a dead worker process
	EventWorkerFailed EventType = "worker_failed"
	// EventWorkerRestart is emitted when the supervisor relaunches a worker
	EventWorkerRestart EventType = "worker_restart"
	// EventWorkerRecovered is emitted when a relaunched worker is alive again
	EventWorkerRecovered EventType = "worker_recovered"
	// EventWorkerRestartFailed is emitted when a relaunched worker did not come back
	EventWorkerRestartFailed EventType = "worker_restart_failed"
	// EventChaosKill is emitted when chaos kills a worker process
	EventChaosKill EventType = "chaos_kill"
)

// Event represents a worker lifecycle or chaos event
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Worker    int       `json:"worker"`
	Data      EventData `json:"data,omitempty"`
}

// EventData contains event-specific data
type EventData struct {
	PID     int    `json:"pid,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
	Error   string `json:"error,omitempty"`
}

func newEvent(t EventType, port int, data EventData) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now(),
		Worker:    port,
		Data:      data,
	}
}

// NewWorkerFailedEvent creates a worker failed event
func NewWorkerFailedEvent(port int) Event {
	return newEvent(EventWorkerFailed, port, EventData{})
}

// NewWorkerRestartEvent creates a worker restart event
func NewWorkerRestartEvent(port, attempt int) Event {
	return newEvent(EventWorkerRestart, port, EventData{Attempt: attempt})
}

// NewWorkerRecoveredEvent creates a worker recovered event
func NewWorkerRecoveredEvent(port, attempt int) Event {
	return newEvent(EventWorkerRecovered, port, EventData{Attempt: attempt})
}

// NewWorkerRestartFailedEvent creates a worker restart failed event
func NewWorkerRestartFailedEvent(port, attempt int, err error) Event {
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	return newEvent(EventWorkerRestartFailed, port, EventData{Attempt: attempt, Error: errMsg})
}

// NewChaosKillEvent creates a chaos kill event
func NewChaosKillEvent(port, pid int) Event {
	return newEvent(EventChaosKill, port, EventData{PID: pid})
}
