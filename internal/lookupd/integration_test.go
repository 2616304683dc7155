package lookupd_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oca159/gaffer/internal/lookup"
	"github.com/oca159/gaffer/internal/lookupd"
	"github.com/oca159/gaffer/internal/manager"
	"github.com/oca159/gaffer/internal/registry"
	"github.com/oca159/gaffer/internal/supervisor"
)

// eventLog collects registry events concurrently with the network stack.
type eventLog struct {
	mu    sync.Mutex
	names []string
}

func (l *eventLog) record(event string, _ any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names = append(l.names, event)
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...)
}

// TestNodeLifecycleEndToEnd drives the full stack: a real process manager
// mirrored through the adapter and client into a real lookup service, and
// asserts the directory sees the canonical event sequence for one node's
// life.
func TestNodeLifecycleEndToEnd(t *testing.T) {
	t.Parallel()

	// --- Lookup service ---
	reg := registry.New(nil)
	srv := lookupd.New(lookupd.Config{Registry: reg, IdleCutoff: 10 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		srv.Run(ctx)
	}()

	ts := httptest.NewServer(srv.Router())
	defer func() {
		ts.Close()
		cancel()
		<-hubDone
	}()

	log := &eventLog{}
	reg.BindAll(log.record)

	// --- Node side ---
	mgr := manager.New(nil)
	defer mgr.Stop()

	client := lookup.New(lookup.Config{
		URL:            "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		Identity:       lookup.Identity{Hostname: "node1", Port: 5000, BroadcastAddress: "node1.local", Version: 1.0},
		PingInterval:   time.Hour,
		RequestTimeout: 5 * time.Second,
		BackoffBase:    20 * time.Millisecond,
	}, nil)
	adapter := supervisor.NewAdapter(mgr, client, nil)

	nodeCtx, nodeCancel := context.WithCancel(context.Background())
	adapterDone := make(chan struct{})
	go func() {
		defer close(adapterDone)
		adapter.Run(nodeCtx)
	}()
	defer func() {
		nodeCancel()
		<-adapterDone
	}()

	// Wait for the node to register and identify.
	require.Eventually(t, func() bool {
		nodes := reg.Nodes()
		return len(nodes) == 1 && nodes[0].Identified
	}, 5*time.Second, 10*time.Millisecond, "node never identified")

	// --- Drive the supervisor ---
	require.NoError(t, mgr.Load(manager.ProcessConfig{
		Name:  "dummy",
		Cmd:   "sleep",
		Args:  []string{"60"},
		Start: true,
	}))

	require.Eventually(t, func() bool {
		jobs, err := reg.FindJob("default.dummy")
		return err == nil && len(jobs) == 1 && len(jobs[0].Pids) == 1
	}, 5*time.Second, 10*time.Millisecond, "job and process never reached the directory")

	jobs, err := reg.FindJob("default.dummy")
	require.NoError(t, err)
	require.Equal(t, []int{1}, jobs[0].Pids)
	require.Equal(t, "node1", jobs[0].Node.Hostname)

	require.NoError(t, mgr.StopProcess(1))
	require.NoError(t, mgr.Unload("default.dummy"))

	require.Eventually(t, func() bool {
		_, err := reg.FindJob("default.dummy")
		return err != nil
	}, 5*time.Second, 10*time.Millisecond, "job never removed from the directory")

	// --- Disconnect ---
	nodeCancel()
	<-adapterDone

	require.Eventually(t, func() bool {
		return len(reg.Nodes()) == 0
	}, 5*time.Second, 10*time.Millisecond, "node not removed after disconnect")

	require.Equal(t, []string{
		registry.EventAddNode,
		registry.EventIdentify,
		registry.EventAddJob,
		registry.EventAddProcess,
		registry.EventRemoveProcess,
		registry.EventRemoveJob,
		registry.EventRemoveNode,
	}, log.snapshot())
}
