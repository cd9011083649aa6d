// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the alert engine, silences and notifier fan-out.

package alerting

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRaiseAndResolve(t *testing.T) {
	e := NewEngine()
	defer e.Stop()

	alert, err := e.Raise("disk_full", "disk is full", SeverityError, []string{"node1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, AlertActive, alert.Status)
	assert.Contains(t, alert.ID, "disk_full-")

	active := e.ActiveAlerts()
	require.Len(t, active, 1)

	require.True(t, e.Resolve("disk_full", "Condition no longer met"))
	assert.Empty(t, e.ActiveAlerts())

	history := e.History(0)
	require.Len(t, history, 1)
	assert.Equal(t, AlertResolved, history[0].Status)
	assert.Equal(t, "Condition no longer met", history[0].Message)
	assert.False(t, history[0].ResolvedAt.IsZero())

	assert.False(t, e.Resolve("disk_full", ""), "second resolve is a no-op")
}

func TestOneActiveAlertPerName(t *testing.T) {
	e := NewEngine()
	defer e.Stop()

	_, err := e.Raise("hot", "cpu hot", SeverityWarning, nil, nil)
	require.NoError(t, err)

	_, err = e.Raise("hot", "cpu hotter", SeverityCritical, nil, nil)
	assert.ErrorIs(t, err, ErrDuplicateAlert)
	require.Len(t, e.ActiveAlerts(), 1)
}

func TestInvalidSeverityRejected(t *testing.T) {
	e := NewEngine()
	defer e.Stop()

	_, err := e.Raise("x", "m", Severity("fatal"), nil, nil)
	assert.ErrorIs(t, err, ErrInvalidSeverity)
}

func TestSilenceBlocksRaise(t *testing.T) {
	e := NewEngine()
	defer e.Stop()

	var delivered atomic.Int32
	e.AddNotifier(&MockNotifier{
		NotifyFunc: func(_ context.Context, _ *Alert) error {
			delivered.Add(1)
			return nil
		},
	})

	_, err := e.Silence("disk_full", nil, time.Hour, "ops", "maintenance")
	require.NoError(t, err)

	_, err = e.Raise("disk_full", "full", SeverityError, []string{"node1"}, nil)
	assert.ErrorIs(t, err, ErrSilenced)
	assert.Empty(t, e.ActiveAlerts(), "silenced raise must not enter the active set")
	assert.Empty(t, e.History(0))
	assert.Zero(t, delivered.Load(), "no notifier may run for a silenced raise")
}

func TestSilenceMatching(t *testing.T) {
	e := NewEngine()
	defer e.Stop()

	_, err := e.Silence("db_slow", []string{"shard2"}, 0, "ops", "")
	require.NoError(t, err)

	// Label subset must match.
	assert.True(t, e.IsSilenced("db_slow", []string{"shard2", "eu"}))
	// Missing silence label does not.
	assert.False(t, e.IsSilenced("db_slow", []string{"shard1"}))
	// Different name does not.
	assert.False(t, e.IsSilenced("db_fast", []string{"shard2"}))

	_, err = e.Silence(SilenceWildcard, []string{"canary"}, 0, "ops", "")
	require.NoError(t, err)
	assert.True(t, e.IsSilenced("anything", []string{"canary"}))
	assert.False(t, e.IsSilenced("anything", []string{"prod"}))
}

func TestSilenceExpiresLazily(t *testing.T) {
	e := NewEngine()
	defer e.Stop()

	_, err := e.Silence("x", nil, 10*time.Millisecond, "ops", "")
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	assert.False(t, e.IsSilenced("x", nil))
	assert.Empty(t, e.Silences())
}

func TestSilenceUnsilenceRoundTrip(t *testing.T) {
	e := NewEngine()
	defer e.Stop()

	_, err := e.Raise("queue_backlog", "backlog high", SeverityWarning, []string{"orders"}, nil)
	require.NoError(t, err)

	silence, err := e.Silence("queue_backlog", nil, 0, "ops", "deploy window")
	require.NoError(t, err)

	alert, ok := e.GetAlert("queue_backlog")
	require.True(t, ok)
	assert.Equal(t, AlertSilenced, alert.Status)
	assert.Equal(t, silence.ID, alert.SilencedBy)

	before := len(e.Silences())
	require.True(t, e.Unsilence(silence.ID))
	assert.Len(t, e.Silences(), before-1)

	alert, ok = e.GetAlert("queue_backlog")
	require.True(t, ok)
	assert.Equal(t, AlertActive, alert.Status)
	assert.Empty(t, alert.SilencedBy)

	assert.False(t, e.Unsilence(silence.ID), "second unsilence is a no-op")
}

func TestAcknowledge(t *testing.T) {
	e := NewEngine()
	defer e.Stop()

	_, err := e.Raise("mem_high", "memory high", SeverityWarning, nil, nil)
	require.NoError(t, err)

	require.True(t, e.Acknowledge("mem_high", "alice"))

	alert, ok := e.GetAlert("mem_high")
	require.True(t, ok, "acknowledged alerts stay active")
	assert.Equal(t, AlertAcknowledged, alert.Status)
	assert.Equal(t, "alice", alert.AcknowledgedBy)
	assert.False(t, alert.AcknowledgedAt.IsZero())

	history := e.History(0)
	require.Len(t, history, 1)
	assert.Equal(t, AlertAcknowledged, history[0].Status)

	assert.False(t, e.Acknowledge("missing", "bob"))
}

func TestHistoryBound(t *testing.T) {
	e := NewEngine(WithMaxHistory(5))
	defer e.Stop()

	for i := 0; i < 8; i++ {
		name := fmt.Sprintf("a%d", i)
		_, err := e.Raise(name, "m", SeverityInfo, nil, nil)
		require.NoError(t, err)
		e.Resolve(name, "")
	}

	history := e.History(0)
	require.Len(t, history, 5)
	// Newest first.
	assert.Equal(t, "a7", history[0].Name)
	assert.Equal(t, "a3", history[4].Name)

	assert.Len(t, e.History(2), 2)
}

func TestDeliveryLogAndSinkIsolation(t *testing.T) {
	e := NewEngine()
	defer e.Stop()

	var second atomic.Int32
	e.AddNotifier(&MockNotifier{
		NameValue: "broken",
		NotifyFunc: func(_ context.Context, _ *Alert) error {
			return fmt.Errorf("sink down")
		},
	})
	e.AddNotifier(&MockNotifier{
		NameValue: "working",
		NotifyFunc: func(_ context.Context, _ *Alert) error {
			second.Add(1)
			return nil
		},
	})
	e.AddNotifier(&MockNotifier{
		NameValue:  "filtered",
		FilterFunc: func(_ *Alert) bool { return false },
	})

	_, err := e.Raise("svc_down", "service down", SeverityCritical, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, int32(1), second.Load(), "failing sink must not block later sinks")

	alert, ok := e.GetAlert("svc_down")
	require.True(t, ok)
	require.Len(t, alert.Deliveries, 2, "filtered sink leaves no record")

	assert.Equal(t, "broken", alert.Deliveries[0].Notifier)
	assert.False(t, alert.Deliveries[0].Success)
	assert.Contains(t, alert.Deliveries[0].Error, "sink down")

	assert.Equal(t, "working", alert.Deliveries[1].Notifier)
	assert.True(t, alert.Deliveries[1].Success)
}

func TestPanickingNotifierContained(t *testing.T) {
	e := NewEngine()
	defer e.Stop()

	e.AddNotifier(&MockNotifier{
		NameValue: "wild",
		NotifyFunc: func(_ context.Context, _ *Alert) error {
			panic("sink gone wild")
		},
	})

	_, err := e.Raise("x", "m", SeverityError, nil, nil)
	require.NoError(t, err)

	alert, _ := e.GetAlert("x")
	require.Len(t, alert.Deliveries, 1)
	assert.False(t, alert.Deliveries[0].Success)
	assert.Contains(t, alert.Deliveries[0].Error, "panicked")
}

func TestMetricRuleLifecycle(t *testing.T) {
	e := NewEngine()
	defer e.Stop()

	var value atomic.Int64
	value.Store(95)

	err := e.AddMetricRule("cpu_high", func() float64 { return float64(value.Load()) },
		CompareGreater, 90, SeverityWarning, "CPU usage high", 15*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := e.GetAlert("cpu_high")
		return ok
	}, 2*time.Second, 5*time.Millisecond, "rule must raise once the threshold holds")

	alert, _ := e.GetAlert("cpu_high")
	assert.Contains(t, alert.Message, "CPU usage high")

	value.Store(40)
	require.Eventually(t, func() bool {
		_, ok := e.GetAlert("cpu_high")
		return !ok
	}, 2*time.Second, 5*time.Millisecond, "rule must resolve once the condition clears")

	history := e.History(1)
	require.Len(t, history, 1)
	assert.Equal(t, "Condition no longer met", history[0].Message)
}

func TestRuleNoDuplicateRaiseWhileActive(t *testing.T) {
	e := NewEngine()
	defer e.Stop()

	err := e.AddRule(Rule{
		Name: "always",
		Condition: func(_ context.Context) (ConditionResult, error) {
			return ConditionResult{Triggered: true}, nil
		},
		Message:       "on",
		Severity:      SeverityInfo,
		CheckInterval: 10 * time.Millisecond,
		Enabled:       true,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(e.ActiveAlerts()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	assert.Len(t, e.ActiveAlerts(), 1)
	assert.Len(t, e.History(0), 1, "repeated truthy ticks do not duplicate history")
}

func TestConditionErrorDoesNotRaise(t *testing.T) {
	e := NewEngine()
	defer e.Stop()

	err := e.AddRule(Rule{
		Name: "flaky",
		Condition: func(_ context.Context) (ConditionResult, error) {
			return ConditionResult{}, fmt.Errorf("probe unavailable")
		},
		Severity:      SeverityError,
		CheckInterval: 10 * time.Millisecond,
		Enabled:       true,
	})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, e.ActiveAlerts())
}

func TestAutoResolveAfter(t *testing.T) {
	e := NewEngine()
	defer e.Stop()

	fired := atomic.Bool{}
	fired.Store(true)
	err := e.AddRule(Rule{
		Name: "blip",
		Condition: func(_ context.Context) (ConditionResult, error) {
			// Trigger once, then keep the condition truthy so only the
			// auto-resolve timer can clear it.
			return ConditionResult{Triggered: fired.Load()}, nil
		},
		Message:          "blip",
		Severity:         SeverityInfo,
		CheckInterval:    10 * time.Millisecond,
		AutoResolveAfter: 50 * time.Millisecond,
		Enabled:          true,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(e.ActiveAlerts()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Stop the rule from re-raising after the auto-resolve.
	require.True(t, e.SetRuleEnabled("blip", false))

	require.Eventually(t, func() bool {
		return len(e.ActiveAlerts()) == 0
	}, 2*time.Second, 5*time.Millisecond, "auto-resolve timer must clear the alert")
}

func TestComparisonApply(t *testing.T) {
	cases := []struct {
		cmp       Comparison
		value     float64
		threshold float64
		want      bool
	}{
		{CompareGreater, 5, 4, true},
		{CompareGreater, 4, 4, false},
		{CompareLess, 3, 4, true},
		{CompareGreaterEqual, 4, 4, true},
		{CompareLessEqual, 4, 4, true},
		{CompareLessEqual, 5, 4, false},
		{CompareEqual, 4, 4, true},
		{CompareNotEqual, 5, 4, true},
		{Comparison("~"), 5, 4, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.cmp.Apply(tc.value, tc.threshold),
			"%g %s %g", tc.value, tc.cmp, tc.threshold)
	}
}

func TestSubscribeReceivesLifecycleEvents(t *testing.T) {
	e := NewEngine()
	defer e.Stop()

	events, cancel := e.Subscribe()
	defer cancel()

	_, err := e.Raise("sub", "m", SeverityInfo, nil, nil)
	require.NoError(t, err)
	e.Acknowledge("sub", "ops")
	e.Resolve("sub", "")

	var kinds []EventType
	timeout := time.After(time.Second)
	for len(kinds) < 3 {
		select {
		case ev := <-events:
			kinds = append(kinds, ev.Type)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %v", kinds)
		}
	}
	assert.Equal(t, []EventType{EventRaised, EventAcknowledged, EventResolved}, kinds)
}

func TestStopClosesSubscribers(t *testing.T) {
	e := NewEngine()
	events, _ := e.Subscribe()

	e.Stop()
	e.Stop() // idempotent

	_, open := <-events
	assert.False(t, open)
}

func TestSubscribeCancelRacesWithPublish(t *testing.T) {
	e := NewEngine()
	defer e.Stop()

	alert := &Alert{ID: "churn-1", Name: "churn", Severity: SeverityInfo, Status: AlertActive}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					e.publish(EventRaised, alert)
				}
			}
		}()
	}

	// Churn subscriptions while events are in flight. A send landing on
	// a channel that cancel just closed panics the whole process.
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		events, cancel := e.Subscribe()
		select {
		case <-events:
		default:
		}
		cancel()
		cancel() // idempotent
	}
	close(stop)
	wg.Wait()
}
