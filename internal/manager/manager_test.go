package manager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oca159/gaffer/internal/supervisor"
)

func sleeperConfig(name, session string) ProcessConfig {
	return ProcessConfig{
		Name:    name,
		Session: session,
		Cmd:     "sleep",
		Args:    []string{"60"},
		Start:   true,
	}
}

func nextEvent(t *testing.T, ch <-chan supervisor.Event) supervisor.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event arrived")
		return supervisor.Event{}
	}
}

func TestJobName(t *testing.T) {
	t.Parallel()

	require.Equal(t, "a.web", ProcessConfig{Name: "web", Session: "a"}.JobName())
	require.Equal(t, "default.web", ProcessConfig{Name: "web"}.JobName())
}

func TestLoadSpawnUnload(t *testing.T) {
	t.Parallel()

	m := New(nil)
	defer m.Stop()

	ch := make(chan supervisor.Event, 64)
	snapshot := m.SnapshotAndSubscribe(ch)
	require.Empty(t, snapshot)

	cfg := sleeperConfig("web", "a")
	cfg.NumProcesses = 2
	require.NoError(t, m.Load(cfg))

	require.Equal(t, supervisor.Event{Type: supervisor.JobLoaded, JobName: "a.web"}, nextEvent(t, ch))
	require.Equal(t, supervisor.Event{Type: supervisor.ProcessSpawned, JobName: "a.web", Pid: 1}, nextEvent(t, ch))
	require.Equal(t, supervisor.Event{Type: supervisor.ProcessSpawned, JobName: "a.web", Pid: 2}, nextEvent(t, ch))

	pids, err := m.Pids("a.web")
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, pids)
	require.Equal(t, []string{"a.web"}, m.Jobs())

	require.NoError(t, m.Unload("a.web"))
	require.Equal(t, supervisor.Event{Type: supervisor.ProcessExited, JobName: "a.web", Pid: 1}, nextEvent(t, ch))
	require.Equal(t, supervisor.Event{Type: supervisor.ProcessExited, JobName: "a.web", Pid: 2}, nextEvent(t, ch))
	require.Equal(t, supervisor.Event{Type: supervisor.JobUnloaded, JobName: "a.web"}, nextEvent(t, ch))

	require.Empty(t, m.Jobs())
	_, err = m.Pids("a.web")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestLoadValidation(t *testing.T) {
	t.Parallel()

	m := New(nil)
	defer m.Stop()

	require.Error(t, m.Load(ProcessConfig{Cmd: "sleep"}))
	require.Error(t, m.Load(ProcessConfig{Name: "web"}))

	require.NoError(t, m.Load(sleeperConfig("web", "a")))
	require.ErrorIs(t, m.Load(sleeperConfig("web", "a")), ErrJobLoaded)
}

func TestLoadWithoutStart(t *testing.T) {
	t.Parallel()

	m := New(nil)
	defer m.Stop()

	cfg := sleeperConfig("web", "a")
	cfg.Start = false
	require.NoError(t, m.Load(cfg))

	pids, err := m.Pids("a.web")
	require.NoError(t, err)
	require.Empty(t, pids)

	// Spawn adds a process to the idle job on demand.
	pid, err := m.Spawn("a.web")
	require.NoError(t, err)
	require.Equal(t, 1, pid)
}

func TestNaturalExitIsReaped(t *testing.T) {
	t.Parallel()

	m := New(nil)
	defer m.Stop()

	ch := make(chan supervisor.Event, 64)
	m.SnapshotAndSubscribe(ch)

	require.NoError(t, m.Load(ProcessConfig{
		Name:    "oneshot",
		Session: "a",
		Cmd:     "sh",
		Args:    []string{"-c", "exit 0"},
		Start:   true,
	}))

	require.Equal(t, supervisor.JobLoaded, nextEvent(t, ch).Type)
	require.Equal(t, supervisor.ProcessSpawned, nextEvent(t, ch).Type)

	ev := nextEvent(t, ch)
	require.Equal(t, supervisor.ProcessExited, ev.Type)
	require.Equal(t, "a.oneshot", ev.JobName)
	require.Equal(t, 1, ev.Pid)

	pids, err := m.Pids("a.oneshot")
	require.NoError(t, err)
	require.Empty(t, pids)
}

func TestStopProcess(t *testing.T) {
	t.Parallel()

	m := New(nil)
	defer m.Stop()

	ch := make(chan supervisor.Event, 64)
	m.SnapshotAndSubscribe(ch)

	require.NoError(t, m.Load(sleeperConfig("web", "a")))
	require.Equal(t, supervisor.JobLoaded, nextEvent(t, ch).Type)
	require.Equal(t, supervisor.ProcessSpawned, nextEvent(t, ch).Type)

	require.NoError(t, m.StopProcess(1))
	ev := nextEvent(t, ch)
	require.Equal(t, supervisor.ProcessExited, ev.Type)
	require.Equal(t, 1, ev.Pid)

	require.ErrorIs(t, m.StopProcess(1), ErrProcessNotFound)

	pids, err := m.Pids("a.web")
	require.NoError(t, err)
	require.Empty(t, pids)
}

func TestSnapshotAndSubscribeIsAtomic(t *testing.T) {
	t.Parallel()

	m := New(nil)
	defer m.Stop()

	require.NoError(t, m.Load(sleeperConfig("web", "a")))
	require.NoError(t, m.Load(sleeperConfig("db", "a")))

	ch := make(chan supervisor.Event, 64)
	snapshot := m.SnapshotAndSubscribe(ch)

	require.Len(t, snapshot, 2)
	require.Equal(t, "a.web", snapshot[0].Name)
	require.Equal(t, []int{1}, snapshot[0].Pids)
	require.Equal(t, "a.db", snapshot[1].Name)
	require.Equal(t, []int{2}, snapshot[1].Pids)

	// Nothing already captured in the snapshot is re-delivered as an event.
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event after snapshot: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	// Post-snapshot transitions do arrive.
	require.NoError(t, m.Load(sleeperConfig("cache", "b")))
	require.Equal(t, supervisor.Event{Type: supervisor.JobLoaded, JobName: "b.cache"}, nextEvent(t, ch))
	require.Equal(t, supervisor.Event{Type: supervisor.ProcessSpawned, JobName: "b.cache", Pid: 3}, nextEvent(t, ch))

	m.Unsubscribe(ch)
	require.NoError(t, m.Unload("b.cache"))
	select {
	case ev := <-ch:
		t.Fatalf("event after unsubscribe: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStopKillsEverything(t *testing.T) {
	t.Parallel()

	m := New(nil)
	require.NoError(t, m.Load(sleeperConfig("web", "a")))
	require.NoError(t, m.Load(sleeperConfig("db", "b")))

	m.Stop()
	require.Empty(t, m.Jobs())
}
