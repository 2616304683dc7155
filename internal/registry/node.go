package registry

import (
	"strings"
	"time"
)

// node is the registry's mutable record of one live connection.
// It is owned exclusively by the Registry; everything handed to callers or
// event subscribers is a Node snapshot built by snapshot().
type node struct {
	connID     string
	identified bool

	hostname         string
	port             int
	broadcastAddress string
	version          float64

	created time.Time
	updated time.Time

	// jobs holds the full "<session>.<name>" job names this node hosts, in
	// registration order. jobSet mirrors it for O(1) duplicate checks.
	jobs   []string
	jobSet map[string]struct{}
}

func newNode(connID string, now time.Time) *node {
	return &node{
		connID:  connID,
		created: now,
		updated: now,
		jobSet:  make(map[string]struct{}),
	}
}

func (n *node) holdsJob(name string) bool {
	_, ok := n.jobSet[name]
	return ok
}

func (n *node) addJob(name string) {
	n.jobs = append(n.jobs, name)
	n.jobSet[name] = struct{}{}
}

func (n *node) removeJob(name string) {
	for i, j := range n.jobs {
		if j == name {
			n.jobs = append(n.jobs[:i], n.jobs[i+1:]...)
			break
		}
	}
	delete(n.jobSet, name)
}

// snapshot returns an immutable copy of the node for callers and event
// payloads. The Sessions map groups job names by session prefix; slices and
// the map are freshly allocated so later registry mutations cannot leak into
// a payload that was already delivered.
func (n *node) snapshot() Node {
	sessions := make(map[string][]string)
	for _, name := range n.jobs {
		sid := sessionOf(name)
		sessions[sid] = append(sessions[sid], name)
	}
	return Node{
		ConnID:           n.connID,
		Identified:       n.identified,
		Hostname:         n.hostname,
		Port:             n.port,
		BroadcastAddress: n.broadcastAddress,
		Version:          n.version,
		CreatedAt:        n.created,
		UpdatedAt:        n.updated,
		Sessions:         sessions,
	}
}

// sessionOf derives the session id from a canonical "<session>.<name>" job
// name: everything before the first dot. A name without a dot is its own
// session, matching how the lookup service has always split names.
func sessionOf(jobName string) string {
	if i := strings.IndexByte(jobName, '.'); i >= 0 {
		return jobName[:i]
	}
	return jobName
}

// Node is the immutable snapshot of a registered node. It is the payload of
// the add_node, identify, update and remove_node events and the element type
// of the /nodes view.
type Node struct {
	ConnID           string    `json:"conn_id"`
	Identified       bool      `json:"identified"`
	Hostname         string    `json:"hostname"`
	Port             int       `json:"port"`
	BroadcastAddress string    `json:"broadcast_address"`
	Version          float64   `json:"version"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`

	// Sessions maps session id to the job names this node hosts in that
	// session, in registration order. Empty (but non-nil) for a node that
	// hosts nothing — including the final remove_node snapshot.
	Sessions map[string][]string `json:"sessions"`
}

// RemoteJob is the immutable snapshot of one (node, job name) registration.
type RemoteJob struct {
	Name string `json:"name"`
	Node Node   `json:"node"`
	Pids []int  `json:"pids"`
}

// remoteJob is the registry's mutable counterpart. The node pointer is a
// non-owning back-reference: lifetime is governed by the node entry.
type remoteJob struct {
	name string
	node *node
	pids []int
}

// removePid removes the first occurrence of pid and reports whether it was
// present.
func (j *remoteJob) removePid(pid int) bool {
	for i, p := range j.pids {
		if p == pid {
			j.pids = append(j.pids[:i], j.pids[i+1:]...)
			return true
		}
	}
	return false
}

func (j *remoteJob) snapshot() RemoteJob {
	return RemoteJob{
		Name: j.name,
		Node: j.node.snapshot(),
		Pids: append([]int(nil), j.pids...),
	}
}
