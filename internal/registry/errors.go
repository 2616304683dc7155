package registry

import "errors"

// Registry error kinds. Each maps 1:1 to a wire error code in the
// registration protocol — see internal/protocol.
var (
	// ErrNoIdent is returned when an operation requires an identified node
	// and the connection is either unknown or has not identified yet.
	ErrNoIdent = errors.New("node is not identified")

	// ErrAlreadyIdentified is returned when identify is called a second
	// time on the same connection.
	ErrAlreadyIdentified = errors.New("node is already identified")

	// ErrIdentExists is returned when identify would give two live nodes
	// the same (hostname, port) pair.
	ErrIdentExists = errors.New("a node with this hostname and port is already identified")

	// ErrJobNotFound is returned when a job lookup or removal targets a job
	// the node does not hold, or when FindJob finds no entry fleet-wide.
	ErrJobNotFound = errors.New("job not found")

	// ErrAlreadyRegistered is returned when a node registers the same job
	// name twice.
	ErrAlreadyRegistered = errors.New("job is already registered for this node")

	// ErrDuplicateNode is returned when AddNode is called with a connection
	// id that is already present. The endpoint generates a fresh id per
	// accepted connection, so hitting this is a programmer error.
	ErrDuplicateNode = errors.New("a node with this connection id already exists")
)
