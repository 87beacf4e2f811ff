package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc := NewService(arbor.NewLogger()).(*Service)
	t.Cleanup(func() { _ = svc.Stop() })
	return svc
}

func waitForStatus(t *testing.T, svc *Service, name string, cond func(lastErr string, lastRun *time.Time) bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		status, err := svc.GetJobStatus(name)
		require.NoError(t, err)
		if !status.IsRunning && cond(status.LastError, status.LastRun) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRegisterJobValidatesSchedule(t *testing.T) {
	svc := newTestService(t)

	err := svc.RegisterJob("bad", "every day", "", func() error { return nil })
	require.Error(t, err)

	// Five-field specs lack the seconds field and are rejected too.
	err = svc.RegisterJob("five-field", "*/5 * * * *", "", func() error { return nil })
	require.Error(t, err)

	err = svc.RegisterJob("good", "0 */10 * * * *", "", func() error { return nil })
	require.NoError(t, err)
}

func TestRegisterJobRejectsDuplicate(t *testing.T) {
	svc := newTestService(t)

	require.NoError(t, svc.RegisterJob("sweep", "0 */10 * * * *", "", func() error { return nil }))
	err := svc.RegisterJob("sweep", "0 */10 * * * *", "", func() error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestTriggerJobRunsHandler(t *testing.T) {
	svc := newTestService(t)

	ran := make(chan struct{}, 1)
	require.NoError(t, svc.RegisterJob("sweep", "0 */10 * * * *", "expire pending entries", func() error {
		ran <- struct{}{}
		return nil
	}))

	require.NoError(t, svc.TriggerJob("sweep"))

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not run")
	}

	waitForStatus(t, svc, "sweep", func(lastErr string, lastRun *time.Time) bool {
		return lastErr == "" && lastRun != nil
	}, "status should record the run")
}

func TestTriggerJobUnknown(t *testing.T) {
	svc := newTestService(t)
	require.Error(t, svc.TriggerJob("ghost"))
}

func TestJobErrorRecorded(t *testing.T) {
	svc := newTestService(t)

	require.NoError(t, svc.RegisterJob("flaky", "0 */10 * * * *", "", func() error {
		return errors.New("lock store unreachable")
	}))
	require.NoError(t, svc.TriggerJob("flaky"))

	waitForStatus(t, svc, "flaky", func(lastErr string, lastRun *time.Time) bool {
		return lastErr == "lock store unreachable"
	}, "handler error should be recorded")
}

func TestJobPanicRecovered(t *testing.T) {
	svc := newTestService(t)

	require.NoError(t, svc.RegisterJob("explosive", "0 */10 * * * *", "", func() error {
		panic("boom")
	}))
	require.NoError(t, svc.TriggerJob("explosive"))

	waitForStatus(t, svc, "explosive", func(lastErr string, lastRun *time.Time) bool {
		return lastErr == "panic: boom"
	}, "panic should be recovered and recorded")
}

func TestDisableAndEnableJob(t *testing.T) {
	svc := newTestService(t)

	require.NoError(t, svc.RegisterJob("health", "*/30 * * * * *", "", func() error { return nil }))
	require.NoError(t, svc.Start())

	require.NoError(t, svc.DisableJob("health"))
	status, err := svc.GetJobStatus("health")
	require.NoError(t, err)
	assert.False(t, status.Enabled)
	assert.Nil(t, status.NextRun)

	require.NoError(t, svc.EnableJob("health"))
	status, err = svc.GetJobStatus("health")
	require.NoError(t, err)
	assert.True(t, status.Enabled)
	require.NotNil(t, status.NextRun)
}

func TestScheduledExecution(t *testing.T) {
	svc := newTestService(t)

	ran := make(chan struct{}, 4)
	require.NoError(t, svc.RegisterJob("tick", "* * * * * *", "", func() error {
		ran <- struct{}{}
		return nil
	}))
	require.NoError(t, svc.Start())

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled job did not fire")
	}
}

func TestStartTwiceFails(t *testing.T) {
	svc := newTestService(t)

	require.NoError(t, svc.Start())
	require.Error(t, svc.Start())
}

func TestGetAllJobStatuses(t *testing.T) {
	svc := newTestService(t)

	require.NoError(t, svc.RegisterJob("sweep", "0 */10 * * * *", "expire pending entries", func() error { return nil }))
	require.NoError(t, svc.RegisterJob("drain", "0 */1 * * * *", "kick the spool drain", func() error { return nil }))

	statuses := svc.GetAllJobStatuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "expire pending entries", statuses["sweep"].Description)
	assert.True(t, statuses["drain"].Enabled)
}
