// Package registry implements the in-memory directory held by the lookup
// service: every live node connection, the jobs each node hosts grouped by
// session, and the process ids believed alive for each job. Mutations emit
// change events through the built-in bus (see events.go) so the lookup
// endpoint can stream the directory to subscribers.
//
// Nothing is persisted. The directory exists only while nodes are connected
// and is rebuilt from live registrations after a restart — the node side
// replays its full state on every reconnect.
//
// All state is guarded by a single mutex. Operations never block inside the
// critical section (no I/O, no channel sends beyond the non-blocking hub
// hand-off), so contention is negligible and event order per connection is
// exactly operation order.
package registry

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry is the lookup service's directory of nodes, sessions, jobs and
// processes. Create instances with New; the zero value is not usable.
type Registry struct {
	mu     sync.Mutex
	logger *zap.Logger

	// nodes is keyed by connection id, one entry per live connection.
	nodes map[string]*node

	// sessions groups registrations by session id. Each session keeps its
	// job names in first-registration order, and each job name keeps its
	// RemoteJobs in fleet-wide registration order.
	sessions map[string]*session

	// jobs is the global view: job name to RemoteJobs across all nodes.
	// jobOrder preserves first-registration order of the names.
	jobs     map[string][]*remoteJob
	jobOrder []string

	subs    map[string][]subscriber
	allSubs []subscriber
	lastSub int

	// now is swappable in tests.
	now func() time.Time
}

type session struct {
	jobs  map[string][]*remoteJob
	order []string
}

// New creates an empty Registry. logger may be nil.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:   logger.Named("registry"),
		nodes:    make(map[string]*node),
		sessions: make(map[string]*session),
		jobs:     make(map[string][]*remoteJob),
		subs:     make(map[string][]subscriber),
		now:      time.Now,
	}
}

// AddNode inserts a new, unidentified node for connID. The entry exists from
// this moment until RemoveNode. Returns ErrDuplicateNode if connID is already
// present — connection ids are generated per accepted connection, so a
// duplicate is a programmer error, never a protocol condition.
func (r *Registry) AddNode(connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[connID]; exists {
		return ErrDuplicateNode
	}
	n := newNode(connID, r.now())
	r.nodes[connID] = n

	r.logger.Info("node connected",
		zap.String("conn_id", connID),
		zap.Int("total_nodes", len(r.nodes)),
	)
	r.emit(EventAddNode, n.snapshot())
	return nil
}

// RemoveNode removes the node for connID and cascades: for each job the node
// holds, in registration order, its processes are removed (one
// remove_process event per pid) and then the job itself (one remove_job
// event), and finally remove_node is emitted
// carrying the node snapshot with empty sessions. Unknown connID is a no-op.
func (r *Registry) RemoveNode(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[connID]
	if !ok {
		return
	}

	// Snapshot the job list first: removeJobLocked mutates n.jobs.
	names := append([]string(nil), n.jobs...)
	for _, name := range names {
		if j := r.lookupJob(n, name); j != nil {
			for _, pid := range append([]int(nil), j.pids...) {
				j.removePid(pid)
				r.emit(EventRemoveProcess, ProcessEvent{JobName: name, Pid: pid})
			}
		}
		r.removeJobLocked(n, name)
	}

	delete(r.nodes, connID)
	r.logger.Info("node removed",
		zap.String("conn_id", connID),
		zap.String("hostname", n.hostname),
		zap.Int("total_nodes", len(r.nodes)),
	)
	r.emit(EventRemoveNode, n.snapshot())
}

// Identify records the node's identity. The connection must exist and must
// not have identified before, and no other identified node may share the
// (hostname, port) pair.
func (r *Registry) Identify(connID, hostname string, port int, broadcastAddress string, version float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[connID]
	if !ok {
		return ErrNoIdent
	}
	if n.identified {
		return ErrAlreadyIdentified
	}
	for _, other := range r.nodes {
		if other.identified && other.hostname == hostname && other.port == port {
			return ErrIdentExists
		}
	}

	n.hostname = hostname
	n.port = port
	n.broadcastAddress = broadcastAddress
	n.version = version
	n.identified = true
	n.updated = r.now()

	r.logger.Info("node identified",
		zap.String("conn_id", connID),
		zap.String("hostname", hostname),
		zap.Int("port", port),
	)
	r.emit(EventIdentify, n.snapshot())
	return nil
}

// Update is the heartbeat: it bumps the node's updated timestamp so liveness
// tracking can spot stale entries. No other state changes.
func (r *Registry) Update(connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[connID]
	if !ok {
		return ErrNoIdent
	}
	n.updated = r.now()
	r.emit(EventUpdate, n.snapshot())
	return nil
}

// GetNode returns a snapshot of the identified node for connID.
func (r *Registry) GetNode(connID string) (Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[connID]
	if !ok || !n.identified {
		return Node{}, ErrNoIdent
	}
	return n.snapshot(), nil
}

// AddJob registers jobName for the node on connID. The name is canonical
// "<session>.<name>" form; the session is everything before the first dot.
func (r *Registry) AddJob(connID, jobName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[connID]
	if !ok || !n.identified {
		return ErrNoIdent
	}
	if n.holdsJob(jobName) {
		return ErrAlreadyRegistered
	}

	j := &remoteJob{name: jobName, node: n}
	n.addJob(jobName)

	sid := sessionOf(jobName)
	sess, ok := r.sessions[sid]
	if !ok {
		sess = &session{jobs: make(map[string][]*remoteJob)}
		r.sessions[sid] = sess
	}
	if _, ok := sess.jobs[jobName]; !ok {
		sess.order = append(sess.order, jobName)
	}
	sess.jobs[jobName] = append(sess.jobs[jobName], j)

	if _, ok := r.jobs[jobName]; !ok {
		r.jobOrder = append(r.jobOrder, jobName)
	}
	r.jobs[jobName] = append(r.jobs[jobName], j)

	r.emit(EventAddJob, JobEvent{JobName: jobName, Node: n.snapshot()})
	return nil
}

// RemoveJob unregisters jobName from the node on connID. Fails with
// ErrJobNotFound unless this node currently holds the job.
func (r *Registry) RemoveJob(connID, jobName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[connID]
	if !ok || !n.holdsJob(jobName) {
		return ErrJobNotFound
	}
	r.removeJobLocked(n, jobName)
	return nil
}

// removeJobLocked removes the (n, jobName) entry from the node, the session
// view and the global view, pruning empty job lists and empty sessions, and
// emits remove_job. Caller holds r.mu and has verified the node holds the job.
func (r *Registry) removeJobLocked(n *node, jobName string) {
	n.removeJob(jobName)

	sid := sessionOf(jobName)
	if sess, ok := r.sessions[sid]; ok {
		sess.jobs[jobName] = dropJob(sess.jobs[jobName], n)
		if len(sess.jobs[jobName]) == 0 {
			delete(sess.jobs, jobName)
			sess.order = dropName(sess.order, jobName)
		}
		if len(sess.jobs) == 0 {
			delete(r.sessions, sid)
		}
	}

	r.jobs[jobName] = dropJob(r.jobs[jobName], n)
	if len(r.jobs[jobName]) == 0 {
		delete(r.jobs, jobName)
		r.jobOrder = dropName(r.jobOrder, jobName)
	}

	r.emit(EventRemoveJob, JobEvent{JobName: jobName, Node: n.snapshot()})
}

// AddProcess appends pid to the job's process list. The same pid may be
// appended more than once; the registry records what the node reports and
// does not deduplicate at this layer.
func (r *Registry) AddProcess(connID, jobName string, pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[connID]
	if !ok || !n.identified {
		return ErrNoIdent
	}
	j := r.lookupJob(n, jobName)
	if j == nil {
		return ErrJobNotFound
	}

	j.pids = append(j.pids, pid)
	r.emit(EventAddProcess, ProcessEvent{JobName: jobName, Pid: pid})
	return nil
}

// RemoveProcess removes pid from the job's process list. Removing a pid that
// is not present succeeds silently, so exit notifications are idempotent —
// but the node must still hold the job, checked first.
func (r *Registry) RemoveProcess(connID, jobName string, pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[connID]
	if !ok || !n.identified {
		return ErrNoIdent
	}
	j := r.lookupJob(n, jobName)
	if j == nil {
		return ErrJobNotFound
	}

	if j.removePid(pid) {
		r.emit(EventRemoveProcess, ProcessEvent{JobName: jobName, Pid: pid})
	}
	return nil
}

// FindJob returns the RemoteJobs registered under jobName across the fleet,
// in registration order.
func (r *Registry) FindJob(jobName string) ([]RemoteJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list, ok := r.jobs[jobName]
	if !ok {
		return nil, ErrJobNotFound
	}
	out := make([]RemoteJob, 0, len(list))
	for _, j := range list {
		out = append(out, j.snapshot())
	}
	return out, nil
}

// Sessions returns a snapshot of the per-session view: session id to job
// name to the RemoteJobs registered under it.
func (r *Registry) Sessions() map[string]map[string][]RemoteJob {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]map[string][]RemoteJob, len(r.sessions))
	for sid, sess := range r.sessions {
		m := make(map[string][]RemoteJob, len(sess.jobs))
		for _, name := range sess.order {
			list := make([]RemoteJob, 0, len(sess.jobs[name]))
			for _, j := range sess.jobs[name] {
				list = append(list, j.snapshot())
			}
			m[name] = list
		}
		out[sid] = m
	}
	return out
}

// JobsEntry is one element of the global jobs view.
type JobsEntry struct {
	Name string      `json:"name"`
	Jobs []RemoteJob `json:"jobs"`
}

// Jobs returns the global view as a slice so fleet-wide first-registration
// order of the job names is preserved.
func (r *Registry) Jobs() []JobsEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]JobsEntry, 0, len(r.jobOrder))
	for _, name := range r.jobOrder {
		list := make([]RemoteJob, 0, len(r.jobs[name]))
		for _, j := range r.jobs[name] {
			list = append(list, j.snapshot())
		}
		out = append(out, JobsEntry{Name: name, Jobs: list})
	}
	return out
}

// Nodes returns snapshots of every node, connection-age order.
func (r *Registry) Nodes() []Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n.snapshot())
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return out[i].ConnID < out[k].ConnID
	})
	return out
}

// lookupJob finds the remoteJob registered by n under jobName, or nil.
func (r *Registry) lookupJob(n *node, jobName string) *remoteJob {
	for _, j := range r.jobs[jobName] {
		if j.node == n {
			return j
		}
	}
	return nil
}

func dropJob(list []*remoteJob, n *node) []*remoteJob {
	for i, j := range list {
		if j.node == n {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func dropName(list []string, name string) []string {
	for i, s := range list {
		if s == name {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
