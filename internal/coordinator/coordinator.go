package coordinator

import (
	"sync"
	"time"

	"github.com/nightpress/nightpress/internal/config"
	"github.com/nightpress/nightpress/internal/logging"
	"github.com/nightpress/nightpress/internal/metrics"
	"github.com/nightpress/nightpress/internal/uuid"
)

// StateProvider supplies the per-content synchronization states the
// leader carries on its heartbeats.
type StateProvider func() map[string]string

// Coordinator runs leader election for one engine instance. The election
// is liveness-oriented, not safety-critical: brief dual leadership during
// races is tolerated because replay is idempotent. Ties between
// simultaneous self-promotions break toward the smaller instance ID.
type Coordinator struct {
	instanceID string
	transport  BroadcastTransport
	cfg        config.CoordinatorConfig
	stateFn    StateProvider

	msgCh  chan Message
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu             sync.Mutex
	running        bool
	isLeader       bool
	currentLeader  string
	lastLeaderSeen time.Time

	leaderHandlers []func(isLeader bool)
	stateHandlers  []func(instanceID string, states map[string]string)
}

// New creates a Coordinator over the given transport.
func New(transport BroadcastTransport, cfg config.CoordinatorConfig, stateFn StateProvider) *Coordinator {
	return &Coordinator{
		instanceID: uuid.New(),
		transport:  transport,
		cfg:        cfg,
		stateFn:    stateFn,
		msgCh:      make(chan Message, 64),
		stopCh:     make(chan struct{}),
	}
}

// InstanceID returns this instance's identity on the broadcast channel.
func (c *Coordinator) InstanceID() string {
	return c.instanceID
}

// IsLeader reports whether this instance currently holds leadership.
func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isLeader
}

// CurrentLeader returns the instance ID of the last known leader.
func (c *Coordinator) CurrentLeader() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLeader
}

// OnLeadershipChange registers a callback for leadership transitions.
// Must be called before Start.
func (c *Coordinator) OnLeadershipChange(fn func(isLeader bool)) {
	c.leaderHandlers = append(c.leaderHandlers, fn)
}

// OnStateUpdate registers a callback for leader heartbeat payloads.
// Must be called before Start.
func (c *Coordinator) OnStateUpdate(fn func(instanceID string, states map[string]string)) {
	c.stateHandlers = append(c.stateHandlers, fn)
}

// Start announces the instance and begins the election protocol.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	c.transport.Subscribe(func(msg Message) {
		select {
		case c.msgCh <- msg:
		case <-c.stopCh:
		}
	})

	c.wg.Add(1)
	go c.run()
}

// Stop leaves the election. A leader simply stops heartbeating; the
// remaining followers elect a successor after the election timeout.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	close(c.stopCh)
	c.wg.Wait()
	c.transport.Close()
}

func (c *Coordinator) run() {
	defer c.wg.Done()

	c.publish(MessageAnnounce, nil)

	electionTimer := time.NewTimer(c.cfg.ElectionTimeout)
	defer electionTimer.Stop()

	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	// The watchdog checks follower liveness at heartbeat granularity.
	watchdog := time.NewTicker(c.cfg.HeartbeatInterval)
	defer watchdog.Stop()

	for {
		select {
		case <-c.stopCh:
			c.setLeader(false)
			return

		case msg := <-c.msgCh:
			c.handleMessage(msg, electionTimer)

		case <-electionTimer.C:
			// No leader answered the announce: promote ourselves.
			if !c.IsLeader() && c.CurrentLeader() == "" {
				c.promote()
			}

		case <-heartbeat.C:
			if c.IsLeader() {
				var states map[string]string
				if c.stateFn != nil {
					states = c.stateFn()
				}
				c.publish(MessageStateUpdate, states)
			}

		case <-watchdog.C:
			c.checkLeaderLiveness(electionTimer)
		}
	}
}

func (c *Coordinator) handleMessage(msg Message, electionTimer *time.Timer) {
	switch msg.Type {
	case MessageAnnounce:
		// Answer joiners immediately so they converge without waiting
		// out the election timeout.
		if c.IsLeader() {
			c.publish(MessageLeader, nil)
		}

	case MessageLeader:
		c.observeLeader(msg.InstanceID, electionTimer)

	case MessageStateUpdate:
		c.observeLeader(msg.InstanceID, electionTimer)
		c.mu.Lock()
		handlers := append([]func(string, map[string]string){}, c.stateHandlers...)
		c.mu.Unlock()
		for _, fn := range handlers {
			fn(msg.InstanceID, msg.States)
		}
	}
}

// observeLeader records a remote leader claim and resolves promotion
// races.
func (c *Coordinator) observeLeader(instanceID string, electionTimer *time.Timer) {
	if instanceID == c.instanceID {
		return
	}

	if c.IsLeader() {
		if instanceID < c.instanceID {
			// The smaller ID wins the race; step down.
			logging.Info("Yielding leadership to lower instance ID",
				map[string]interface{}{"other": instanceID, "self": c.instanceID})
			c.setLeader(false)
		} else {
			// Reassert so the other side steps down.
			c.publish(MessageLeader, nil)
			return
		}
	}

	c.mu.Lock()
	c.currentLeader = instanceID
	c.lastLeaderSeen = time.Now()
	c.mu.Unlock()

	stopTimer(electionTimer)
}

// checkLeaderLiveness restarts the election when heartbeats stop.
func (c *Coordinator) checkLeaderLiveness(electionTimer *time.Timer) {
	c.mu.Lock()
	leader := c.currentLeader
	lastSeen := c.lastLeaderSeen
	isLeader := c.isLeader
	c.mu.Unlock()

	if isLeader || leader == "" {
		return
	}

	if time.Since(lastSeen) > c.cfg.ElectionTimeout {
		logging.Warn("Leader heartbeat lost, restarting election",
			map[string]interface{}{"last_leader": leader})
		c.mu.Lock()
		c.currentLeader = ""
		c.mu.Unlock()

		c.publish(MessageAnnounce, nil)
		stopTimer(electionTimer)
		electionTimer.Reset(c.cfg.ElectionTimeout)
	}
}

func (c *Coordinator) promote() {
	logging.Info("Promoting to leader", map[string]interface{}{"instance_id": c.instanceID})
	c.setLeader(true)
	c.mu.Lock()
	c.currentLeader = c.instanceID
	c.mu.Unlock()
	c.publish(MessageLeader, nil)
}

func (c *Coordinator) setLeader(isLeader bool) {
	c.mu.Lock()
	changed := c.isLeader != isLeader
	c.isLeader = isLeader
	handlers := append([]func(bool){}, c.leaderHandlers...)
	c.mu.Unlock()

	if !changed {
		return
	}

	metrics.SetLeader(isLeader)
	for _, fn := range handlers {
		fn(isLeader)
	}
}

func (c *Coordinator) publish(typ MessageType, states map[string]string) {
	msg := Message{
		Type:       typ,
		InstanceID: c.instanceID,
		Timestamp:  time.Now().Unix(),
		States:     states,
	}
	if err := c.transport.Publish(msg); err != nil {
		logging.Warn("Failed to publish broadcast message",
			map[string]interface{}{"type": typ, "error": err.Error()})
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
