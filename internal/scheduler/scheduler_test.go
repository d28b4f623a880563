package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"mediadigest/internal/config"
	"mediadigest/internal/engine"
	"mediadigest/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	calls    atomic.Int32
	triggers chan engine.Trigger
}

func newRecorder() *recorder {
	return &recorder{triggers: make(chan engine.Trigger, 8)}
}

func (r *recorder) run(_ context.Context, trigger engine.Trigger) model.SyncResult {
	r.calls.Add(1)
	r.triggers <- trigger
	return model.SyncResult{Success: true}
}

func daily(h, m int) config.ScheduleConfig {
	return config.ScheduleConfig{Enabled: true, Kind: config.ScheduleDaily, Hour: h, Minute: m, IntervalHours: 1}
}

func hourly(n int) config.ScheduleConfig {
	return config.ScheduleConfig{Enabled: true, Kind: config.ScheduleHourly, IntervalHours: n}
}

func TestSpec(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.ScheduleConfig
		want string
	}{
		{"daily", daily(6, 0), "0 6 * * *"},
		{"daily minute", daily(23, 45), "45 23 * * *"},
		{"every hour", hourly(1), "0 * * * *"},
		{"every 6h", hourly(6), "0 */6 * * *"},
		{"every 24h", hourly(24), "0 0 * * *"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Spec(tc.cfg)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := Spec(hourly(0))
	assert.Error(t, err)
	_, err = Spec(config.ScheduleConfig{Kind: "weekly"})
	assert.Error(t, err)
}

func TestReconfigureIsIdempotent(t *testing.T) {
	s := New(time.UTC, newRecorder().run)

	require.NoError(t, s.Reconfigure(daily(6, 0)))
	require.NoError(t, s.Reconfigure(daily(6, 0)))
	assert.Equal(t, 1, s.JobCount())

	require.NoError(t, s.Reconfigure(hourly(2)))
	assert.Equal(t, 1, s.JobCount())
	assert.Equal(t, "0 */2 * * *", s.Status().Spec)
}

func TestDisabledLeavesNoJobs(t *testing.T) {
	s := New(time.UTC, newRecorder().run)

	require.NoError(t, s.Reconfigure(config.ScheduleConfig{Enabled: false}))
	assert.Equal(t, 0, s.JobCount())

	require.NoError(t, s.Reconfigure(daily(6, 0)))
	require.Equal(t, 1, s.JobCount())

	disabled := daily(6, 0)
	disabled.Enabled = false
	require.NoError(t, s.Reconfigure(disabled))
	assert.Equal(t, 0, s.JobCount())

	st := s.Status()
	assert.False(t, st.Enabled)
	assert.Nil(t, st.NextFireTime)
}

func TestInvalidConfigKeepsCurrentJob(t *testing.T) {
	s := New(time.UTC, newRecorder().run)
	require.NoError(t, s.Reconfigure(daily(6, 0)))

	err := s.Reconfigure(daily(25, 0))
	require.Error(t, err)
	assert.Equal(t, 1, s.JobCount())
	assert.Equal(t, daily(6, 0), s.Config())
}

func TestStatusNextFireTimeUsesZone(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	// 08:00 EDT.
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	s := New(ny, newRecorder().run, WithClock(func() time.Time { return now }))

	require.NoError(t, s.Reconfigure(daily(6, 30)))
	st := s.Status()
	require.True(t, st.Enabled)
	assert.Equal(t, config.ScheduleDaily, st.Kind)
	require.NotNil(t, st.NextFireTime)
	assert.True(t, st.NextFireTime.Equal(time.Date(2026, 10, 19, 6, 30, 0, 0, ny)), "got %s", st.NextFireTime)

	require.NoError(t, s.Reconfigure(hourly(6)))
	st = s.Status()
	require.NotNil(t, st.NextFireTime)
	assert.True(t, st.NextFireTime.Equal(time.Date(2026, 10, 18, 12, 0, 0, 0, ny)), "got %s", st.NextFireTime)

	require.NoError(t, s.Reconfigure(hourly(1)))
	assert.True(t, s.Status().NextFireTime.Equal(time.Date(2026, 10, 18, 9, 0, 0, 0, ny)))
}

func TestManualTriggerLeavesScheduleAlone(t *testing.T) {
	rec := newRecorder()
	s := New(time.UTC, rec.run)
	require.NoError(t, s.Reconfigure(daily(6, 0)))
	before := s.Status()

	res := s.ManualTrigger(context.Background())

	assert.True(t, res.Success)
	assert.Equal(t, engine.TriggerManual, <-rec.triggers)
	assert.Equal(t, 1, s.JobCount())
	assert.Equal(t, before, s.Status())
}

func TestScheduledJobUsesSameCycle(t *testing.T) {
	rec := newRecorder()
	s := New(time.UTC, rec.run)
	require.NoError(t, s.Reconfigure(hourly(1)))

	entries := s.cron.Entries()
	require.Len(t, entries, 1)
	entries[0].WrappedJob.Run()

	assert.Equal(t, engine.TriggerSchedule, <-rec.triggers)
	assert.EqualValues(t, 1, rec.calls.Load())
}

func TestPanickingCycleIsRecovered(t *testing.T) {
	s := New(time.UTC, func(context.Context, engine.Trigger) model.SyncResult {
		panic("upstream exploded")
	})
	require.NoError(t, s.Reconfigure(hourly(1)))

	entries := s.cron.Entries()
	require.Len(t, entries, 1)
	assert.NotPanics(t, func() { entries[0].WrappedJob.Run() })
}

func TestStartStop(t *testing.T) {
	s := New(time.UTC, newRecorder().run)
	s.Start()
	s.Start()

	require.NoError(t, s.Reconfigure(daily(6, 0)))
	require.NoError(t, s.Reconfigure(daily(7, 0)))
	assert.Equal(t, 1, s.JobCount())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, 1, s.JobCount(), "stopping keeps the entry")
}
