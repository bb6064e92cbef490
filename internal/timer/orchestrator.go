package timer

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/nightpress/nightpress/internal/config"
	"github.com/nightpress/nightpress/internal/errors"
	"github.com/nightpress/nightpress/internal/logging"
	"github.com/nightpress/nightpress/internal/metrics"
	"github.com/nightpress/nightpress/internal/models"
)

// memoryFloor is the minimum observed memory limit. Go exposes no hard
// per-goroutine budget, so the limit is the peak heap seen so far with
// this floor.
const memoryFloor = 64 << 20

// memoryHistorySize bounds the sample ring used for trend detection.
const memoryHistorySize = 10

// retryDelayCap bounds the per-timer retry backoff.
const retryDelayCap = time.Minute

// timerState is the runner's per-countdown bookkeeping. The record plus
// retry scheduling live only inside the run loop; nothing outside the
// runner goroutine ever touches them.
type timerState struct {
	rec           *Record
	retryAt       time.Time
	recovering    bool
	recoveredFrom int
}

// Orchestrator owns every per-content countdown. All state is confined
// to the background run loop; public methods translate to messages on
// the request channel and block for the synchronous reply.
type Orchestrator struct {
	cfg      config.TimerConfig
	requests chan request
	events   chan Event
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// New creates an Orchestrator. eventBuffer bounds the outbound event
// channel; a full channel makes tick delivery fail, which feeds the
// timer-level retry path.
func New(cfg config.TimerConfig, eventBuffer int) *Orchestrator {
	if eventBuffer <= 0 {
		eventBuffer = 256
	}
	return &Orchestrator{
		cfg:      cfg,
		requests: make(chan request, 16),
		events:   make(chan Event, eventBuffer),
		stopCh:   make(chan struct{}),
	}
}

// Events returns the outbound event channel.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// Start launches the background runner.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.mu.Unlock()

	o.wg.Add(1)
	go o.run()
}

// Stop shuts the runner down and waits for it to exit.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	o.mu.Unlock()

	close(o.stopCh)
	o.wg.Wait()
}

// run keeps the runner alive across panics: a crashed loop is reported
// as a WORKER_ERROR and restarted with fresh state. The engine restores
// timers from persistence when it sees the error.
func (o *Orchestrator) run() {
	defer o.wg.Done()

	for {
		crashed := o.loop()
		if !crashed {
			return
		}
		o.tryEmit(Event{
			Type:    EventError,
			Code:    string(errors.ErrWorker),
			Message: "timer runner crashed, restarting",
		})
		logging.ErrorWithCode("Timer runner crashed, restarting", string(errors.ErrWorker), nil, nil)
	}
}

// loop is one life of the runner. Returns true if it exited via panic.
func (o *Orchestrator) loop() (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			crashed = true
		}
	}()

	timers := make(map[models.UUID]*timerState)
	var (
		totalProcessed int
		totalErrors    int
		memHistory     []uint64
	)

	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	memTicker := time.NewTicker(o.cfg.MemoryInterval)
	defer memTicker.Stop()

	for {
		select {
		case <-o.stopCh:
			return false

		case req := <-o.requests:
			o.handle(req, timers, &totalProcessed, &totalErrors, memHistory)

		case <-ticker.C:
			now := time.Now()
			for id, state := range timers {
				o.tickOne(id, state, now, timers, &totalProcessed, &totalErrors)
			}
			metrics.SetActiveTimers(len(timers))

		case <-memTicker.C:
			memHistory = o.checkMemory(timers, memHistory)
		}
	}
}

// handle processes one request inside the run loop.
func (o *Orchestrator) handle(
	req request,
	timers map[models.UUID]*timerState,
	totalProcessed, totalErrors *int,
	memHistory []uint64,
) {
	var resp response

	switch req.typ {
	case RequestStartTimer:
		resp.err = o.startTimer(req, timers)

	case RequestPauseTimer:
		state, ok := timers[req.contentID]
		if !ok {
			resp.err = errors.New(errors.ErrTimerNotFound, fmt.Sprintf("no timer for content %s", req.contentID))
			break
		}
		state.rec.IsActive = false
		state.rec.LastAccess = time.Now()
		state.retryAt = time.Time{}

	case RequestResumeTimer:
		state, ok := timers[req.contentID]
		if !ok {
			resp.err = errors.New(errors.ErrTimerNotFound, fmt.Sprintf("no timer for content %s", req.contentID))
			break
		}
		now := time.Now()
		if !req.publishAt.IsZero() {
			state.rec.PublishAt = req.publishAt
		}
		// Remaining time is always recomputed from the wall clock here;
		// a stale pre-pause value is never reused.
		state.rec.IsActive = true
		state.rec.LastAccess = now
		state.rec.Priority = ComputePriority(state.rec.Remaining(now), state.rec.ErrorCount)
		state.retryAt = time.Time{}

	case RequestGetStats:
		usage, trend := summarizeMemory(memHistory)
		resp.stats = &Stats{
			ActiveTimers:   len(timers),
			TotalProcessed: *totalProcessed,
			TotalErrors:    *totalErrors,
			MemoryUsage:    usage,
			MemoryHistory:  append([]uint64(nil), memHistory...),
			MemoryTrend:    trend,
		}

	case RequestRemoveTimer:
		if _, ok := timers[req.contentID]; !ok {
			resp.err = errors.New(errors.ErrTimerNotFound, fmt.Sprintf("no timer for content %s", req.contentID))
			break
		}
		// Cancellation destroys the record outright so the slot does
		// not count against the concurrent timer limit.
		delete(timers, req.contentID)
		metrics.SetActiveTimers(len(timers))

	case RequestCleanup:
		// Requests are serialized through the run loop, so cleanup
		// cannot overlap itself; a repeat call cleans zero.
		cleaned := len(timers)
		for id := range timers {
			delete(timers, id)
		}
		metrics.SetActiveTimers(0)
		o.tryEmit(Event{Type: EventCleanupComplete, TotalCleaned: cleaned})
		resp.cleaned = cleaned

	case RequestSnapshots:
		snapshots := make([]models.TimerSnapshot, 0, len(timers))
		for _, state := range timers {
			snapshots = append(snapshots, state.rec.Snapshot())
		}
		resp.snapshots = snapshots

	default:
		resp.err = errors.New(errors.ErrInvalid, fmt.Sprintf("unknown request type %q", req.typ))
	}

	req.reply <- resp
}

func (o *Orchestrator) startTimer(req request, timers map[models.UUID]*timerState) error {
	if req.publishAt.IsZero() {
		return errors.New(errors.ErrValidation, "publishAt is required")
	}
	if _, exists := timers[req.contentID]; exists {
		// Restarting an existing countdown replaces it.
		delete(timers, req.contentID)
	}
	if len(timers) >= o.cfg.MaxTimers {
		return errors.New(errors.ErrMaxTimersExceeded,
			fmt.Sprintf("maximum concurrent timer count %d reached", o.cfg.MaxTimers))
	}

	now := time.Now()
	rec := &Record{
		ContentID:  req.contentID,
		PublishAt:  req.publishAt,
		IsActive:   true,
		LastAccess: now,
	}
	rec.Priority = ComputePriority(rec.Remaining(now), 0)
	timers[req.contentID] = &timerState{rec: rec}
	metrics.SetActiveTimers(len(timers))
	return nil
}

// tickOne advances one countdown. Remaining time is recomputed from
// publishAt against the wall clock, never carried between ticks.
func (o *Orchestrator) tickOne(
	id models.UUID,
	state *timerState,
	now time.Time,
	timers map[models.UUID]*timerState,
	totalProcessed, totalErrors *int,
) {
	rec := state.rec
	if !rec.IsActive {
		return
	}
	if !state.retryAt.IsZero() && now.Before(state.retryAt) {
		return
	}

	remaining := rec.Remaining(now)
	rec.Priority = ComputePriority(remaining, rec.ErrorCount)

	if remaining <= 0 {
		// Completion is emitted exactly once: the record is only torn
		// down after the event is delivered.
		if o.tryEmit(Event{Type: EventTimerComplete, ContentID: id}) {
			delete(timers, id)
			*totalProcessed++
			metrics.RecordTimerCompleted()
			return
		}
		o.tickFailed(id, state, now, timers, totalErrors)
		return
	}

	if o.tryEmit(Event{
		Type:          EventTimerUpdate,
		ContentID:     id,
		RemainingTime: remaining,
		Priority:      rec.Priority,
	}) {
		state.retryAt = time.Time{}
		if state.recovering {
			state.recovering = false
			o.tryEmit(Event{
				Type:       EventRecovery,
				ContentID:  id,
				RetryCount: state.recoveredFrom,
				Recoveries: rec.RecoveryAttempts,
			})
			logging.Info("Timer recovered",
				map[string]interface{}{"content_id": id, "recovery_attempts": rec.RecoveryAttempts})
		}
		rec.ErrorCount = 0
		return
	}

	o.tickFailed(id, state, now, timers, totalErrors)
}

// tickFailed drives the retry then recovery-restart escalation for one
// timer.
func (o *Orchestrator) tickFailed(
	id models.UUID,
	state *timerState,
	now time.Time,
	timers map[models.UUID]*timerState,
	totalErrors *int,
) {
	rec := state.rec
	rec.ErrorCount++
	*totalErrors++

	if rec.ErrorCount <= o.cfg.MaxRetries {
		delay := o.cfg.RetryBaseDelay << uint(rec.ErrorCount-1)
		if delay > retryDelayCap {
			delay = retryDelayCap
		}
		state.retryAt = now.Add(delay)
		o.tryEmit(Event{
			Type:       EventError,
			ContentID:  id,
			Code:       string(errors.ErrTimer),
			Message:    "timer tick failed, retrying",
			RetryCount: rec.ErrorCount,
		})
		return
	}

	if rec.RecoveryAttempts < o.cfg.MaxRecoveries {
		// Full restart: fresh countdown state recomputed from the wall
		// clock on the next tick.
		rec.RecoveryAttempts++
		state.recoveredFrom = rec.ErrorCount
		rec.ErrorCount = 0
		state.recovering = true
		state.retryAt = now.Add(o.cfg.RetryBaseDelay)
		logging.Warn("Timer entering recovery restart",
			map[string]interface{}{"content_id": id, "attempt": rec.RecoveryAttempts})
		return
	}

	delete(timers, id)
	o.tryEmit(Event{
		Type:       EventError,
		ContentID:  id,
		Code:       string(errors.ErrTimer),
		Message:    "timer failed permanently",
		RetryCount: rec.ErrorCount,
		Recoveries: rec.RecoveryAttempts,
	})
	logging.ErrorWithCode("Timer failed permanently", string(errors.ErrTimer), nil,
		map[string]interface{}{
			"content_id":        id,
			"retry_count":       rec.ErrorCount,
			"recovery_attempts": rec.RecoveryAttempts,
		})
}

// checkMemory samples heap usage and evicts timers under pressure:
// idle timers first, then the oldest-accessed fifth of the LOW-priority
// set.
func (o *Orchestrator) checkMemory(timers map[models.UUID]*timerState, history []uint64) []uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	history = append(history, m.HeapAlloc)
	if len(history) > memoryHistorySize {
		history = history[len(history)-memoryHistorySize:]
	}

	usage, trend := summarizeMemory(history)
	limit := observedLimit(history)

	if float64(usage) <= o.cfg.MemoryThreshold*float64(limit) && trend != TrendRising {
		return history
	}

	now := time.Now()
	evicted := 0

	// Idle timers go first.
	for id, state := range timers {
		if now.Sub(state.rec.LastAccess) > o.cfg.IdleTimeout {
			delete(timers, id)
			evicted++
			metrics.RecordTimerEvicted("idle")
			o.tryEmit(Event{Type: EventTimerCleaned, ContentID: id, Message: "evicted idle timer"})
		}
	}

	// Then the oldest-accessed share of LOW-priority timers.
	var low []*timerState
	for _, state := range timers {
		if state.rec.Priority == PriorityLow {
			low = append(low, state)
		}
	}
	sort.Slice(low, func(i, j int) bool {
		return low[i].rec.LastAccess.Before(low[j].rec.LastAccess)
	})
	quota := int(float64(len(low)) * o.cfg.EvictionFraction)
	for i := 0; i < quota; i++ {
		id := low[i].rec.ContentID
		delete(timers, id)
		evicted++
		metrics.RecordTimerEvicted("low_priority")
		o.tryEmit(Event{Type: EventTimerCleaned, ContentID: id, Message: "evicted low-priority timer"})
	}

	if evicted > 0 {
		metrics.SetActiveTimers(len(timers))
		o.tryEmit(Event{
			Type:    EventError,
			Code:    string(errors.ErrMemory),
			Message: fmt.Sprintf("memory pressure evicted %d timers", evicted),
		})
		logging.Warn("Memory pressure eviction",
			map[string]interface{}{"evicted": evicted, "heap": usage, "trend": trend})
	}

	return history
}

// tryEmit delivers an event without blocking the run loop. A full
// channel is a delivery failure the caller handles.
func (o *Orchestrator) tryEmit(ev Event) bool {
	select {
	case o.events <- ev:
		return true
	default:
		return false
	}
}

// summarizeMemory returns the latest sample and the direction of the
// last three samples.
func summarizeMemory(history []uint64) (uint64, MemoryTrend) {
	if len(history) == 0 {
		return 0, TrendStable
	}
	usage := history[len(history)-1]

	if len(history) < 3 {
		return usage, TrendStable
	}
	a, b, c := history[len(history)-3], history[len(history)-2], history[len(history)-1]
	switch {
	case a < b && b < c:
		return usage, TrendRising
	case a > b && b > c:
		return usage, TrendFalling
	default:
		return usage, TrendStable
	}
}

// observedLimit is the peak sample in the history, floored.
func observedLimit(history []uint64) uint64 {
	limit := uint64(memoryFloor)
	for _, v := range history {
		if v > limit {
			limit = v
		}
	}
	return limit
}

// =====================================================
// Main-context API (message senders)
// =====================================================

// send dispatches a request and waits for the runner's reply.
func (o *Orchestrator) send(req request) (response, error) {
	req.reply = make(chan response, 1)
	select {
	case o.requests <- req:
	case <-o.stopCh:
		return response{}, errors.New(errors.ErrWorker, "timer runner is stopped")
	}
	select {
	case resp := <-req.reply:
		return resp, resp.err
	case <-o.stopCh:
		return response{}, errors.New(errors.ErrWorker, "timer runner is stopped")
	}
}

// StartTimer starts a countdown for contentID firing at publishAt.
func (o *Orchestrator) StartTimer(contentID models.UUID, publishAt time.Time) error {
	_, err := o.send(request{typ: RequestStartTimer, contentID: contentID, publishAt: publishAt})
	return err
}

// PauseTimer cancels a countdown's ticking without destroying it.
func (o *Orchestrator) PauseTimer(contentID models.UUID) error {
	_, err := o.send(request{typ: RequestPauseTimer, contentID: contentID})
	return err
}

// RemoveTimer destroys a countdown, freeing its slot.
func (o *Orchestrator) RemoveTimer(contentID models.UUID) error {
	_, err := o.send(request{typ: RequestRemoveTimer, contentID: contentID})
	return err
}

// ResumeTimer restarts a paused countdown, recomputing remaining time
// from the wall clock. A non-zero publishAt reschedules the target.
func (o *Orchestrator) ResumeTimer(contentID models.UUID, publishAt time.Time) error {
	_, err := o.send(request{typ: RequestResumeTimer, contentID: contentID, publishAt: publishAt})
	return err
}

// Stats returns runner statistics.
func (o *Orchestrator) Stats() (*Stats, error) {
	resp, err := o.send(request{typ: RequestGetStats})
	if err != nil {
		return nil, err
	}
	return resp.stats, nil
}

// Cleanup tears down every timer and reports how many were cleaned.
// Safe to call repeatedly and concurrently.
func (o *Orchestrator) Cleanup() (int, error) {
	resp, err := o.send(request{typ: RequestCleanup})
	if err != nil {
		return 0, err
	}
	return resp.cleaned, nil
}

// Snapshots returns the persisted form of every live timer.
func (o *Orchestrator) Snapshots() []models.TimerSnapshot {
	resp, err := o.send(request{typ: RequestSnapshots})
	if err != nil {
		return nil
	}
	return resp.snapshots
}

// Restore recreates countdowns from persisted snapshots. Snapshots whose
// publish time already passed fire on the first tick.
func (o *Orchestrator) Restore(snapshots []models.TimerSnapshot) error {
	for _, snap := range snapshots {
		if !snap.IsActive {
			continue
		}
		if err := o.StartTimer(snap.ContentID, time.Unix(snap.PublishAt, 0)); err != nil {
			if errors.Is(err, errors.ErrMaxTimersExceeded) {
				logging.Warn("Timer restore stopped at capacity",
					map[string]interface{}{"content_id": snap.ContentID})
				return err
			}
			return err
		}
	}
	return nil
}
