package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"pixbot/internal/dispatch"
	"pixbot/internal/storage"
	logx "pixbot/pkg/logx"
)

// fixedIntervals always yields the same wait, which makes fire times exact
// under the fake clock.
type fixedIntervals struct {
	next time.Duration
	min  time.Duration
}

func (f fixedIntervals) Next() time.Duration { return f.next }
func (f fixedIntervals) Bounds() (time.Duration, time.Duration) {
	return f.min, f.next
}

type memJobs struct {
	mu      sync.Mutex
	job     *storage.Job
	saves   int
	clears  int
	loadErr error
	saveErr error
}

func (m *memJobs) LoadJob(ctx context.Context) (*storage.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	if m.job == nil {
		return nil, nil
	}
	cp := *m.job
	return &cp, nil
}

func (m *memJobs) SaveJob(ctx context.Context, j storage.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	cp := j
	m.job = &cp
	return nil
}

func (m *memJobs) ClearJob(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clears++
	m.job = nil
	return nil
}

func (m *memJobs) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *memJobs) persisted() *storage.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.job == nil {
		return nil
	}
	cp := *m.job
	return &cp
}

// fakeDisp counts cycles and can hold one open to exercise the in-flight
// serialization paths.
type fakeDisp struct {
	mu     sync.Mutex
	cycles int
	forced int
	lastID int64

	started chan struct{} // one token per cycle entry
	release chan struct{} // nil means cycles complete immediately
}

func newFakeDisp() *fakeDisp {
	return &fakeDisp{started: make(chan struct{}, 16)}
}

func (f *fakeDisp) enter(forced bool, id int64) {
	f.mu.Lock()
	f.cycles++
	if forced {
		f.forced++
	}
	f.lastID = id
	release := f.release
	f.mu.Unlock()

	select {
	case f.started <- struct{}{}:
	default:
	}
	if release != nil {
		<-release
	}
}

func (f *fakeDisp) RunCycle(ctx context.Context) dispatch.CycleResult {
	f.enter(false, 0)
	return dispatch.CycleResult{Outcome: dispatch.OutcomeSent}
}

func (f *fakeDisp) RunCycleFor(ctx context.Context, imageID int64) dispatch.CycleResult {
	f.enter(true, imageID)
	return dispatch.CycleResult{Outcome: dispatch.OutcomeSent, ImageID: imageID, Forced: true}
}

func (f *fakeDisp) cycleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cycles
}

func waitForTimer(t *testing.T, fc *clocktesting.FakeClock) {
	t.Helper()
	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond,
		"timer loop never armed a wait")
}

func TestStartFreshArmsAndPersists(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fc := clocktesting.NewFakeClock(now)
	jobs := &memJobs{}
	disp := newFakeDisp()
	s := New(fixedIntervals{next: 4 * time.Hour, min: time.Hour}, jobs, disp, time.Hour, logx.Nop(), WithClock(fc))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	at, ok := s.NextFireTime()
	require.True(t, ok)
	assert.Equal(t, now.Add(4*time.Hour), at)

	j := jobs.persisted()
	require.NotNil(t, j, "fresh arm must be persisted before any wait")
	assert.Equal(t, at, j.FireAt)
	assert.Equal(t, StateArmed, s.Snapshot().State)
}

func TestNaturalFireRunsOneCycleAndRearms(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fc := clocktesting.NewFakeClock(now)
	jobs := &memJobs{}
	disp := newFakeDisp()
	s := New(fixedIntervals{next: 2 * time.Hour, min: time.Hour}, jobs, disp, time.Hour, logx.Nop(), WithClock(fc))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())
	waitForTimer(t, fc)

	fc.Step(2*time.Hour + time.Second)
	select {
	case <-disp.started:
	case <-time.After(time.Second):
		t.Fatal("cycle never fired after the interval elapsed")
	}

	require.Eventually(t, func() bool {
		at, ok := s.NextFireTime()
		return ok && at.Equal(fc.Now().Add(2*time.Hour))
	}, time.Second, time.Millisecond, "schedule not re-armed after firing")

	assert.Equal(t, 1, disp.cycleCount())
	assert.Equal(t, 2, jobs.saveCount(), "arm on start plus re-arm after fire")

	snap := s.Snapshot()
	require.NotNil(t, snap.LastOutcome)
	assert.Equal(t, dispatch.OutcomeSent, snap.LastOutcome.Outcome)
}

func TestStartResumesPersistedFutureJob(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fc := clocktesting.NewFakeClock(now)
	due := now.Add(45 * time.Minute)
	jobs := &memJobs{job: &storage.Job{FireAt: due, Grace: time.Hour, UpdatedAt: now.Add(-time.Hour)}}
	disp := newFakeDisp()
	s := New(fixedIntervals{next: 6 * time.Hour, min: time.Hour}, jobs, disp, time.Hour, logx.Nop(), WithClock(fc))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	at, ok := s.NextFireTime()
	require.True(t, ok)
	assert.Equal(t, due, at, "a future persisted fire time is resumed, not regenerated")
	assert.Equal(t, 0, jobs.saveCount(), "resume must not rewrite the job")
}

func TestMissedFireBeyondGraceCoalescesToOneCatchUp(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fc := clocktesting.NewFakeClock(now)
	// Due three intervals ago; well past the one-hour grace.
	jobs := &memJobs{job: &storage.Job{FireAt: now.Add(-9 * time.Hour), Grace: time.Hour}}
	disp := newFakeDisp()
	s := New(fixedIntervals{next: 3 * time.Hour, min: time.Hour}, jobs, disp, time.Hour, logx.Nop(), WithClock(fc))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())
	waitForTimer(t, fc)

	fc.Step(time.Millisecond)
	select {
	case <-disp.started:
	case <-time.After(time.Second):
		t.Fatal("catch-up cycle never fired")
	}

	require.Eventually(t, func() bool {
		at, ok := s.NextFireTime()
		return ok && at.After(fc.Now())
	}, time.Second, time.Millisecond)

	// One coalesced delivery, not one per missed interval.
	fc.Step(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, disp.cycleCount())
}

func TestForceFireDoesNotConsumeSchedule(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fc := clocktesting.NewFakeClock(now)
	jobs := &memJobs{}
	disp := newFakeDisp()
	s := New(fixedIntervals{next: 5 * time.Hour, min: time.Hour}, jobs, disp, time.Hour, logx.Nop(), WithClock(fc))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())
	before, _ := s.NextFireTime()
	saves := jobs.saveCount()

	res, err := s.ForceFire(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, dispatch.OutcomeSent, res.Outcome)

	after, _ := s.NextFireTime()
	assert.Equal(t, before, after, "force fire must not advance the armed time")
	assert.Equal(t, saves, jobs.saveCount(), "force fire must not touch the persisted job")
	assert.Equal(t, 1, disp.cycleCount())

	lo := s.LastOutcome()
	require.NotNil(t, lo)
	assert.Equal(t, dispatch.OutcomeSent, lo.Outcome)
}

func TestForceFireWithExplicitImage(t *testing.T) {
	t.Parallel()
	fc := clocktesting.NewFakeClock(time.Now())
	jobs := &memJobs{}
	disp := newFakeDisp()
	s := New(fixedIntervals{next: time.Hour, min: time.Minute}, jobs, disp, time.Hour, logx.Nop(), WithClock(fc))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	res, err := s.ForceFire(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, res.Forced)
	assert.Equal(t, int64(42), disp.lastID)
	assert.Equal(t, 1, disp.forced)
}

func TestForceFireRejectedWhileCycleInFlight(t *testing.T) {
	t.Parallel()
	fc := clocktesting.NewFakeClock(time.Now())
	jobs := &memJobs{}
	disp := newFakeDisp()
	disp.release = make(chan struct{})
	s := New(fixedIntervals{next: time.Hour, min: time.Minute}, jobs, disp, time.Hour, logx.Nop(), WithClock(fc))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	firstDone := make(chan error, 1)
	go func() {
		_, err := s.ForceFire(context.Background(), 0)
		firstDone <- err
	}()
	select {
	case <-disp.started:
	case <-time.After(time.Second):
		t.Fatal("first force fire never reached the dispatcher")
	}

	_, err := s.ForceFire(context.Background(), 0)
	assert.ErrorIs(t, err, ErrCycleInFlight, "concurrent force fire must be rejected, not queued")

	close(disp.release)
	require.NoError(t, <-firstDone)
}

func TestStopWaitsForInFlightCycle(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fc := clocktesting.NewFakeClock(now)
	jobs := &memJobs{}
	disp := newFakeDisp()
	disp.release = make(chan struct{})
	s := New(fixedIntervals{next: time.Hour, min: time.Minute}, jobs, disp, time.Hour, logx.Nop(), WithClock(fc))

	require.NoError(t, s.Start(context.Background()))
	waitForTimer(t, fc)
	fc.Step(time.Hour + time.Second)
	select {
	case <-disp.started:
	case <-time.After(time.Second):
		t.Fatal("cycle never started")
	}

	stopDone := make(chan error, 1)
	go func() { stopDone <- s.Stop(context.Background()) }()

	select {
	case err := <-stopDone:
		t.Fatalf("Stop returned %v while a cycle was still in flight", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(disp.release)
	require.NoError(t, <-stopDone)
	assert.False(t, s.IsRunning())
	assert.Nil(t, jobs.persisted(), "stop must clear the persisted schedule")
}

func TestShutdownKeepsPersistedJobForRestart(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fc := clocktesting.NewFakeClock(now)
	jobs := &memJobs{}
	disp := newFakeDisp()
	s := New(fixedIntervals{next: 6 * time.Hour, min: time.Hour}, jobs, disp, time.Hour, logx.Nop(), WithClock(fc))

	require.NoError(t, s.Start(context.Background()))
	armed, ok := s.NextFireTime()
	require.True(t, ok)

	require.NoError(t, s.Shutdown(context.Background()))
	assert.False(t, s.IsRunning())

	j := jobs.persisted()
	require.NotNil(t, j, "process shutdown must keep the schedule on disk")
	assert.Equal(t, armed, j.FireAt)

	// Next boot resumes the same fire time instead of re-rolling; repeated
	// restarts therefore cannot postpone delivery.
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())
	resumed, ok := s.NextFireTime()
	require.True(t, ok)
	assert.Equal(t, armed, resumed)
	assert.Equal(t, 1, jobs.saveCount(), "resume after shutdown must not rewrite the job")
}

func TestStopClearsPersistedJob(t *testing.T) {
	t.Parallel()
	fc := clocktesting.NewFakeClock(time.Now())
	jobs := &memJobs{}
	disp := newFakeDisp()
	s := New(fixedIntervals{next: time.Hour, min: time.Minute}, jobs, disp, time.Hour, logx.Nop(), WithClock(fc))

	require.NoError(t, s.Start(context.Background()))
	require.NotNil(t, jobs.persisted())

	require.NoError(t, s.Stop(context.Background()))
	assert.Nil(t, jobs.persisted(), "operator stop disarms the stored schedule")
}

func TestForceFireRejectedDuringNaturalFire(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fc := clocktesting.NewFakeClock(now)
	jobs := &memJobs{}
	disp := newFakeDisp()
	disp.release = make(chan struct{})
	s := New(fixedIntervals{next: time.Hour, min: time.Minute}, jobs, disp, time.Hour, logx.Nop(), WithClock(fc))

	require.NoError(t, s.Start(context.Background()))
	waitForTimer(t, fc)
	fc.Step(time.Hour + time.Second)
	select {
	case <-disp.started:
	case <-time.After(time.Second):
		t.Fatal("natural cycle never started")
	}

	_, err := s.ForceFire(context.Background(), 0)
	assert.ErrorIs(t, err, ErrCycleInFlight,
		"force fire during a natural cycle must lose, not run in parallel")

	close(disp.release)
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, 1, disp.cycleCount())
}

func TestStopWithDeadlineGivesUp(t *testing.T) {
	t.Parallel()
	fc := clocktesting.NewFakeClock(time.Now())
	jobs := &memJobs{}
	disp := newFakeDisp()
	disp.release = make(chan struct{})
	s := New(fixedIntervals{next: time.Hour, min: time.Minute}, jobs, disp, time.Hour, logx.Nop(), WithClock(fc))
	require.NoError(t, s.Start(context.Background()))
	waitForTimer(t, fc)
	fc.Step(2 * time.Hour)
	select {
	case <-disp.started:
	case <-time.After(time.Second):
		t.Fatal("cycle never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(disp.release)
}

func TestPersistFailureFallsBackToMinimumInterval(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fc := clocktesting.NewFakeClock(now)
	jobs := &memJobs{saveErr: errors.New("disk full")}
	disp := newFakeDisp()
	s := New(fixedIntervals{next: 8 * time.Hour, min: time.Hour}, jobs, disp, time.Hour, logx.Nop(), WithClock(fc))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	at, ok := s.NextFireTime()
	require.True(t, ok, "scheduler must stay armed when persistence fails")
	assert.Equal(t, now.Add(time.Hour), at, "fallback arms at the minimum interval")
}

func TestStartWithUnreadableJobArmsFresh(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fc := clocktesting.NewFakeClock(now)
	jobs := &memJobs{loadErr: errors.New("schema mismatch")}
	disp := newFakeDisp()
	s := New(fixedIntervals{next: 3 * time.Hour, min: time.Hour}, jobs, disp, time.Hour, logx.Nop(), WithClock(fc))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	at, ok := s.NextFireTime()
	require.True(t, ok)
	assert.Equal(t, now.Add(3*time.Hour), at)
}

func TestRearmsAfterEveryOutcome(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fc := clocktesting.NewFakeClock(now)
	jobs := &memJobs{}
	disp := newFakeDisp()
	s := New(fixedIntervals{next: time.Hour, min: time.Minute}, jobs, disp, time.Hour, logx.Nop(), WithClock(fc))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	for i := 0; i < 3; i++ {
		waitForTimer(t, fc)
		fc.Step(time.Hour + time.Second)
		select {
		case <-disp.started:
		case <-time.After(time.Second):
			t.Fatalf("cycle %d never fired", i)
		}
		require.Eventually(t, func() bool {
			at, ok := s.NextFireTime()
			return ok && at.After(fc.Now())
		}, time.Second, time.Millisecond, "cycle %d did not re-arm", i)
	}
	assert.Equal(t, 3, disp.cycleCount())
}
