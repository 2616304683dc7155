package supervisor

import (
	"context"

	"go.uber.org/zap"

	"github.com/oca159/gaffer/internal/lookup"
	"github.com/oca159/gaffer/internal/protocol"
)

// eventBuffer sizes the adapter's subscription channel. The supervisor may
// emit while the adapter is still replaying the snapshot; the buffer absorbs
// that burst without blocking the supervisor.
const eventBuffer = 1024

// Adapter mirrors one supervisor's state into one lookup service. On every
// fresh connection it replays the current snapshot (add_job for each loaded
// job, add_process for each live pid) before forwarding events, so the
// directory converges to the node's true state across reconnects.
//
// A node registering with several lookup services runs one Adapter per
// service; each holds its own subscription to the shared supervisor.
type Adapter struct {
	sup    Supervisor
	client *lookup.Client
	logger *zap.Logger
}

// NewAdapter wires sup to client.
func NewAdapter(sup Supervisor, client *lookup.Client, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		sup:    sup,
		client: client,
		logger: logger.Named("adapter"),
	}
}

// Run drives the client's connect loop until ctx is cancelled, performing
// resync and event forwarding on each established session.
func (a *Adapter) Run(ctx context.Context) {
	a.client.Run(ctx, a.onSession)
}

// onSession runs once per connection, after identify. The snapshot and the
// subscription are taken in one supervisor critical section, so the replay
// set and the event stream cannot overlap; the replayed-pid markers below
// are a second line of defense for supervisors that cannot guarantee that.
func (a *Adapter) onSession(ctx context.Context) error {
	ch := make(chan Event, eventBuffer)
	snapshot := a.sup.SnapshotAndSubscribe(ch)
	defer a.sup.Unsubscribe(ch)

	// Resync: replay the snapshot and wait for every acknowledgment before
	// forwarding live events.
	replayed := make(map[string]map[int]struct{}, len(snapshot))
	pendings := make([]*lookup.Pending, 0, len(snapshot))
	for _, job := range snapshot {
		pendings = append(pendings, a.client.AddJob(job.Name))
		marks := make(map[int]struct{}, len(job.Pids))
		for _, pid := range job.Pids {
			pendings = append(pendings, a.client.AddProcess(job.Name, pid))
			marks[pid] = struct{}{}
		}
		replayed[job.Name] = marks
	}
	for _, p := range pendings {
		if resp := p.Wait(); !resp.OK() {
			if resp.Error.Code == protocol.CodeConnectionLost {
				return nil
			}
			// already_registered can show up when the service kept state
			// from a half-dead previous connection of this node; the
			// directory is still converging, so log and carry on.
			a.logger.Warn("resync request rejected",
				zap.String("error", resp.Error.String()),
			)
		}
	}
	a.logger.Info("resync complete", zap.Int("jobs", len(snapshot)))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-ch:
			a.forward(ev, replayed)
		}
	}
}

// forward maps one supervisor event to its protocol verb. Requests are
// awaited on a side goroutine: ordering is fixed by write order on the
// channel, and a failure response cannot be retried meaningfully — the next
// resync reconverges the directory.
func (a *Adapter) forward(ev Event, replayed map[string]map[int]struct{}) {
	var p *lookup.Pending

	switch ev.Type {
	case JobLoaded:
		p = a.client.AddJob(ev.JobName)

	case JobUnloaded:
		delete(replayed, ev.JobName)
		p = a.client.RemoveJob(ev.JobName)

	case ProcessSpawned:
		if marks, ok := replayed[ev.JobName]; ok {
			if _, dup := marks[ev.Pid]; dup {
				// Already sent during resync; a supervisor without an
				// atomic snapshot would double-report this spawn.
				delete(marks, ev.Pid)
				return
			}
		}
		p = a.client.AddProcess(ev.JobName, ev.Pid)

	case ProcessExited:
		if marks, ok := replayed[ev.JobName]; ok {
			delete(marks, ev.Pid)
		}
		p = a.client.RemoveProcess(ev.JobName, ev.Pid)

	default:
		a.logger.Warn("unknown supervisor event", zap.String("type", string(ev.Type)))
		return
	}

	go func() {
		if resp := p.Wait(); !resp.OK() && resp.Error.Code != protocol.CodeConnectionLost {
			a.logger.Warn("registration update rejected",
				zap.String("event", string(ev.Type)),
				zap.String("job", ev.JobName),
				zap.String("error", resp.Error.String()),
			)
		}
	}()
}
