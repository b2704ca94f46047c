package statemachine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition_ValidAndInvalid(t *testing.T) {
	m := New(1024, nil)

	require.NoError(t, m.Transition(1, Initializing, "starting"))
	assert.Equal(t, Initializing, m.State(1))

	require.NoError(t, m.Transition(1, Downloading, ""))
	assert.Equal(t, Downloading, m.State(1))

	err := m.Transition(1, Initializing, "")
	require.Error(t, err)
	var ite *InvalidTransitionError
	assert.ErrorAs(t, err, &ite)

	assert.Equal(t, Downloading, m.State(1), "rejected transition must not change state")
}

func TestTransition_FailedCanRestart(t *testing.T) {
	m := New(1024, nil)
	require.NoError(t, m.Transition(1, Initializing, ""))
	require.NoError(t, m.Transition(1, Failed, "upstream 500"))
	require.NoError(t, m.Transition(1, Initializing, "retry"))
	assert.Equal(t, Initializing, m.State(1))
}

func TestReconstruct(t *testing.T) {
	m := New(1024, nil)

	m.Reconstruct(1, true, 1000, 1000)
	assert.Equal(t, Complete, m.State(1))

	m.Reconstruct(2, false, 500, 1000)
	assert.Equal(t, Paused, m.State(2))

	m.Reconstruct(3, false, 0, 1000)
	assert.Equal(t, NotStarted, m.State(3))
}

func TestAuditTrail_Bounded(t *testing.T) {
	m := New(1024, nil)
	require.NoError(t, m.Transition(1, Initializing, ""))
	for i := 0; i < auditTrailLimit+10; i++ {
		require.NoError(t, m.Transition(1, Downloading, ""))
		require.NoError(t, m.Transition(1, Paused, ""))
	}
	trail := m.AuditTrail(1)
	assert.LessOrEqual(t, len(trail), auditTrailLimit)
}

func TestWaitForData_WakesOnProgress(t *testing.T) {
	m := New(1024, nil)
	require.NoError(t, m.Transition(1, Initializing, ""))
	require.NoError(t, m.Transition(1, Downloading, ""))

	done := make(chan bool, 1)
	go func() {
		done <- m.WaitForData(context.Background(), 1, 2*time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	m.UpdateProgress(1, 2048, 0)

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForData did not wake on progress")
	}
}

func TestWaitForData_WakesFalseOnFailure(t *testing.T) {
	m := New(1024, nil)
	require.NoError(t, m.Transition(1, Initializing, ""))
	require.NoError(t, m.Transition(1, Downloading, ""))

	done := make(chan bool, 1)
	go func() {
		done <- m.WaitForData(context.Background(), 1, 2*time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, m.Transition(1, Failed, "disk full"))

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForData did not wake on failure")
	}
}

func TestWaitForData_ImmediateWhenAlreadySatisfied(t *testing.T) {
	m := New(1024, nil)
	require.NoError(t, m.Transition(1, Initializing, ""))
	require.NoError(t, m.Transition(1, Downloading, ""))
	m.UpdateProgress(1, 4096, 4096)

	ok := m.WaitForData(context.Background(), 1, 100*time.Millisecond)
	assert.True(t, ok)
}

func TestWaitForRange_ResolvesWhenConditionMet(t *testing.T) {
	m := New(1024, nil)
	require.NoError(t, m.Transition(1, Initializing, ""))
	require.NoError(t, m.Transition(1, Downloading, ""))

	satisfied := false
	done := make(chan bool, 1)
	go func() {
		done <- m.WaitForRange(context.Background(), 1, 0, 99, 2*time.Second, func() bool { return satisfied })
	}()

	time.Sleep(10 * time.Millisecond)
	satisfied = true
	m.UpdateProgress(1, 100, 0)

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForRange did not resolve")
	}
}

func TestWaitForRange_TimesOut(t *testing.T) {
	m := New(1024, nil)
	require.NoError(t, m.Transition(1, Initializing, ""))
	require.NoError(t, m.Transition(1, Downloading, ""))

	ok := m.WaitForRange(context.Background(), 1, 0, 99, 50*time.Millisecond, func() bool { return false })
	assert.False(t, ok)
}

func TestForget(t *testing.T) {
	m := New(1024, nil)
	require.NoError(t, m.Transition(1, Initializing, ""))
	m.Forget(1)
	assert.Equal(t, NotStarted, m.State(1))
	assert.Empty(t, m.AuditTrail(1))
}
