// Package lookup implements the node-side registration client. A Client
// owns one persistent WebSocket channel to a single lookup service and keeps
// it alive: it dials, identifies, lets the caller replay current state, then
// forwards requests until the connection drops, reconnecting with bounded
// exponential backoff.
//
// Requests are correlated with responses by msgid, a per-connection counter
// rendered as decimal text. Every request gets a Pending that resolves with
// the service's result or error body, with a timeout body if no response
// arrives in time, or with a connection_lost body when the channel dies —
// callers are never left waiting on a dead connection.
package lookup

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/oca159/gaffer/internal/protocol"
)

const (
	// DefaultPingInterval is how often an otherwise idle client pings the
	// lookup service. The service's idle cutoff is twice this.
	DefaultPingInterval = 15 * time.Second

	// DefaultRequestTimeout bounds how long a Pending may wait for its
	// response. Hitting it resolves the Pending with a timeout error body;
	// the connection itself stays up.
	DefaultRequestTimeout = 10 * time.Second

	backoffBase = 1 * time.Second
	backoffMax  = 60 * time.Second

	backoffFactor = 2.0
	// jitterFraction spreads reconnects by up to ±20% so a restarted lookup
	// service is not hit by the whole fleet at once.
	jitterFraction = 0.2

	writeWait = 10 * time.Second
)

// Identity is what the client announces in the identify request after every
// connect.
type Identity struct {
	Hostname         string
	Port             int
	BroadcastAddress string
	Version          float64
}

// Config configures a Client. URL is required; zero durations fall back to
// the defaults above.
type Config struct {
	// URL is the registration endpoint, e.g. "ws://lookup1:5010/ws".
	URL string

	Identity Identity

	PingInterval   time.Duration
	RequestTimeout time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.PingInterval <= 0 {
		out.PingInterval = DefaultPingInterval
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = DefaultRequestTimeout
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = backoffBase
	}
	if out.BackoffMax <= 0 {
		out.BackoffMax = backoffMax
	}
	return out
}

// OnSession runs once per established connection, after identify has been
// acknowledged. It should replay current node state and then forward events
// for as long as ctx is live; ctx is cancelled when the connection dies.
// Returning a non-nil error tears the connection down.
type OnSession func(ctx context.Context) error

// Client maintains the registration channel to one lookup service.
// Create with New, start with Run.
type Client struct {
	cfg    Config
	logger *zap.Logger

	mu   sync.Mutex
	sess *session
}

// New creates a Client for the given lookup URL.
func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg.withDefaults(),
		logger: logger.Named("lookup").With(zap.String("url", cfg.URL)),
	}
}

// Run connects and keeps reconnecting until ctx is cancelled. onSession may
// be nil when the caller only needs the request methods.
func (c *Client) Run(ctx context.Context, onSession OnSession) {
	backoff := c.cfg.BackoffBase

	for {
		if ctx.Err() != nil {
			c.logger.Info("lookup client stopped")
			return
		}

		c.logger.Info("connecting to lookup service")
		identified, err := c.runSession(ctx, onSession)
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("lookup session ended",
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
		}
		if identified {
			// The session got past identify — start the next retry fresh.
			backoff = c.cfg.BackoffBase
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(backoff)):
		}
		backoff = nextBackoff(backoff, c.cfg.BackoffMax)
	}
}

// runSession establishes one connection and blocks until it ends. The bool
// reports whether identify was acknowledged, which resets the backoff.
func (c *Client) runSession(ctx context.Context, onSession OnSession) (bool, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return false, err
	}

	sessCtx, cancel := context.WithCancel(ctx)
	s := &session{
		client:  c,
		ws:      ws,
		pending: make(map[string]*Pending),
		cancel:  cancel,
	}
	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()

	defer func() {
		s.teardown()
		c.mu.Lock()
		c.sess = nil
		c.mu.Unlock()
		cancel()
	}()

	go s.readLoop()
	go s.pingLoop(sessCtx, c.cfg.PingInterval)

	id := c.cfg.Identity
	resp := c.Identify(id.Hostname, id.Port, id.BroadcastAddress, id.Version).Wait()
	if !resp.OK() {
		return false, &ResponseError{Verb: protocol.VerbIdentify, Err: resp.Error}
	}
	c.logger.Info("identified with lookup service",
		zap.String("hostname", id.Hostname),
		zap.Int("port", id.Port),
	)

	if onSession != nil {
		if err := onSession(sessCtx); err != nil {
			return true, err
		}
	}
	<-sessCtx.Done()
	return true, nil
}

// Identify announces the node's identity. Sent automatically by Run after
// every connect; exposed for direct protocol use.
func (c *Client) Identify(hostname string, port int, broadcastAddress string, version float64) *Pending {
	return c.send(protocol.Request{
		Msg:              protocol.VerbIdentify,
		Name:             hostname,
		Port:             port,
		BroadcastAddress: broadcastAddress,
		Version:          version,
	})
}

// Ping is the application-level heartbeat.
func (c *Client) Ping() *Pending {
	return c.send(protocol.Request{Msg: protocol.VerbPing})
}

// AddJob registers a job on the lookup service.
func (c *Client) AddJob(name string) *Pending {
	return c.send(protocol.Request{Msg: protocol.VerbAddJob, Name: name})
}

// RemoveJob unregisters a job.
func (c *Client) RemoveJob(name string) *Pending {
	return c.send(protocol.Request{Msg: protocol.VerbRemoveJob, Name: name})
}

// AddProcess reports a spawned process.
func (c *Client) AddProcess(name string, pid int) *Pending {
	return c.send(protocol.Request{Msg: protocol.VerbAddProcess, Name: name, Pid: pid})
}

// RemoveProcess reports an exited process.
func (c *Client) RemoveProcess(name string, pid int) *Pending {
	return c.send(protocol.Request{Msg: protocol.VerbRemoveProcess, Name: name, Pid: pid})
}

func (c *Client) send(req protocol.Request) *Pending {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()

	if s == nil {
		return resolved(protocol.ErrorResponse("", protocol.CodeConnectionLost, "not connected"))
	}
	return s.send(req, c.cfg.RequestTimeout)
}

// ResponseError wraps a protocol error body as a Go error.
type ResponseError struct {
	Verb string
	Err  *protocol.Error
}

func (e *ResponseError) Error() string {
	return e.Verb + " failed: " + e.Err.String()
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > max {
		return max
	}
	return next
}

// jitter adds a random ±jitterFraction perturbation to d.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
