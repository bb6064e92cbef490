package coordinator

import (
	"testing"
	"time"

	"github.com/nightpress/nightpress/internal/config"
)

func testCoordConfig() config.CoordinatorConfig {
	return config.CoordinatorConfig{
		ElectionTimeout:   60 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
	}
}

func waitFor(t *testing.T, timeout time.Duration, check func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func countLeaders(coords []*Coordinator) int {
	n := 0
	for _, c := range coords {
		if c.IsLeader() {
			n++
		}
	}
	return n
}

func TestLoneInstanceSelfPromotes(t *testing.T) {
	hub := NewLoopbackHub()
	c := New(hub.NewTransport(), testCoordConfig(), nil)

	var transitions []bool
	done := make(chan struct{})
	c.OnLeadershipChange(func(isLeader bool) {
		transitions = append(transitions, isLeader)
		if isLeader {
			close(done)
		}
	})

	c.Start()
	defer c.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lone instance should promote itself after the election timeout")
	}

	if c.CurrentLeader() != c.InstanceID() {
		t.Errorf("CurrentLeader = %q, want own instance ID %q", c.CurrentLeader(), c.InstanceID())
	}
}

func TestClusterConvergesToSingleLeader(t *testing.T) {
	hub := NewLoopbackHub()

	coords := make([]*Coordinator, 3)
	for i := range coords {
		coords[i] = New(hub.NewTransport(), testCoordConfig(), nil)
		coords[i].Start()
	}
	defer func() {
		for _, c := range coords {
			c.Stop()
		}
	}()

	waitFor(t, 2*time.Second, func() bool {
		return countLeaders(coords) == 1
	}, "cluster should converge to exactly one leader")

	// Convergence must hold across several heartbeat rounds.
	time.Sleep(200 * time.Millisecond)
	if n := countLeaders(coords); n != 1 {
		t.Fatalf("leadership did not stay unique, %d leaders", n)
	}

	// Every follower agrees on who leads.
	var leaderID string
	for _, c := range coords {
		if c.IsLeader() {
			leaderID = c.InstanceID()
		}
	}
	for _, c := range coords {
		if c.CurrentLeader() != leaderID {
			t.Errorf("instance %s sees leader %q, want %q", c.InstanceID(), c.CurrentLeader(), leaderID)
		}
	}
}

func TestFailoverAfterLeaderStops(t *testing.T) {
	hub := NewLoopbackHub()

	coords := make([]*Coordinator, 3)
	for i := range coords {
		coords[i] = New(hub.NewTransport(), testCoordConfig(), nil)
		coords[i].Start()
	}

	waitFor(t, 2*time.Second, func() bool {
		return countLeaders(coords) == 1
	}, "cluster should elect an initial leader")

	var survivors []*Coordinator
	for _, c := range coords {
		if c.IsLeader() {
			c.Stop()
		} else {
			survivors = append(survivors, c)
		}
	}
	defer func() {
		for _, c := range survivors {
			c.Stop()
		}
	}()

	waitFor(t, 3*time.Second, func() bool {
		return countLeaders(survivors) == 1
	}, "survivors should elect a new leader after heartbeat loss")
}

func TestLeaderHeartbeatCarriesState(t *testing.T) {
	hub := NewLoopbackHub()
	cfg := testCoordConfig()

	leader := New(hub.NewTransport(), cfg, func() map[string]string {
		return map[string]string{"active_timers": "7"}
	})
	leader.Start()
	defer leader.Stop()

	waitFor(t, 2*time.Second, leader.IsLeader, "instance should self-promote")

	follower := New(hub.NewTransport(), cfg, nil)
	got := make(chan map[string]string, 16)
	follower.OnStateUpdate(func(_ string, states map[string]string) {
		got <- states
	})
	follower.Start()
	defer follower.Stop()

	select {
	case states := <-got:
		if states["active_timers"] != "7" {
			t.Errorf("heartbeat states = %v", states)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("follower should receive leader heartbeats")
	}
	if follower.IsLeader() {
		t.Error("follower must not promote while heartbeats flow")
	}
}

func TestPromotionRaceBreaksTowardSmallerID(t *testing.T) {
	hub := NewLoopbackHub()
	cfg := testCoordConfig()

	a := New(hub.NewTransport(), cfg, nil)
	b := New(hub.NewTransport(), cfg, nil)

	// Both promote before hearing each other, then exchange claims.
	a.promote()
	b.promote()

	smaller, larger := a, b
	if b.InstanceID() < a.InstanceID() {
		smaller, larger = b, a
	}

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	larger.observeLeader(smaller.InstanceID(), timer)

	if larger.IsLeader() {
		t.Error("larger instance ID should yield leadership")
	}
	if !smaller.IsLeader() {
		t.Error("smaller instance ID should keep leadership")
	}
	if larger.CurrentLeader() != smaller.InstanceID() {
		t.Errorf("larger instance should record the winner, got %q", larger.CurrentLeader())
	}
}
