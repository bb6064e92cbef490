package timer

import (
	"time"

	"github.com/nightpress/nightpress/internal/models"
)

// RequestType identifies a message sent into the background runner.
type RequestType string

const (
	RequestStartTimer  RequestType = "startTimer"
	RequestPauseTimer  RequestType = "pauseTimer"
	RequestResumeTimer RequestType = "resumeTimer"
	RequestRemoveTimer RequestType = "removeTimer"
	RequestGetStats    RequestType = "getStats"
	RequestCleanup     RequestType = "cleanup"
	RequestSnapshots   RequestType = "snapshots"
)

// request is the internal envelope for one runner request. reply is
// always buffered with capacity 1 so the runner never blocks answering.
type request struct {
	typ       RequestType
	contentID models.UUID
	publishAt time.Time
	reply     chan response
}

// response carries the synchronous result of a request.
type response struct {
	err       error
	stats     *Stats
	cleaned   int
	snapshots []models.TimerSnapshot
}

// EventType identifies a message emitted by the background runner.
type EventType string

const (
	EventTimerUpdate     EventType = "timerUpdate"
	EventTimerComplete   EventType = "timerComplete"
	EventTimerCleaned    EventType = "timerCleaned"
	EventCleanupComplete EventType = "cleanupComplete"
	EventError           EventType = "error"
	EventRecovery        EventType = "recoverySuccess"
)

// Event is one message from the runner to the main context.
type Event struct {
	Type          EventType
	ContentID     models.UUID
	RemainingTime time.Duration
	Priority      Priority
	Message       string
	Code          string
	RetryCount    int
	Recoveries    int
	TotalCleaned  int
}

// MemoryTrend describes the direction of recent memory samples.
type MemoryTrend string

const (
	TrendStable  MemoryTrend = "stable"
	TrendRising  MemoryTrend = "rising"
	TrendFalling MemoryTrend = "falling"
)

// Stats is the runner's answer to a getStats request.
type Stats struct {
	ActiveTimers   int
	TotalProcessed int
	TotalErrors    int
	MemoryUsage    uint64
	MemoryHistory  []uint64
	MemoryTrend    MemoryTrend
}
