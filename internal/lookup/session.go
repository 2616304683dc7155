package lookup

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/oca159/gaffer/internal/protocol"
)

// Pending is the in-flight handle for one request. It resolves exactly once:
// with the response body, a timeout body, or a connection_lost body.
type Pending struct {
	// MsgID is the decimal request id this Pending is correlated by.
	MsgID string

	once sync.Once
	ch   chan protocol.Response
}

func newPending(msgid string) *Pending {
	return &Pending{MsgID: msgid, ch: make(chan protocol.Response, 1)}
}

// resolved returns a Pending that is already settled, used when there is no
// live connection to send on.
func resolved(resp protocol.Response) *Pending {
	p := newPending(resp.MsgID)
	p.resolve(resp)
	return p
}

func (p *Pending) resolve(resp protocol.Response) {
	p.once.Do(func() {
		p.ch <- resp
		close(p.ch)
	})
}

// Wait blocks until the Pending settles and returns the response. It always
// returns: the request timeout and the connection-lost path both settle
// outstanding Pendings.
func (p *Pending) Wait() protocol.Response {
	resp, ok := <-p.ch
	if !ok {
		// Already consumed; repeat waiters see connection_lost.
		return protocol.ErrorResponse(p.MsgID, protocol.CodeConnectionLost, "response already consumed")
	}
	return resp
}

// session is one live connection's state: the socket, the msgid counter and
// the pending table. It dies as a unit — any read or write error settles
// every outstanding Pending with connection_lost and cancels the session
// context, which sends Run back into its reconnect loop.
type session struct {
	client *Client
	ws     *websocket.Conn
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*Pending
	nextID  uint64
	dead    bool
}

// send assigns the next msgid, registers the Pending and writes the frame.
// The timeout timer starts at write time; a timed-out Pending resolves with
// a timeout body but the connection stays up — late responses are dropped by
// the read loop.
func (s *session) send(req protocol.Request, timeout time.Duration) *Pending {
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return resolved(protocol.ErrorResponse("", protocol.CodeConnectionLost, "connection lost"))
	}
	s.nextID++
	msgid := strconv.FormatUint(s.nextID, 10)
	req.MsgID = msgid
	p := newPending(msgid)
	s.pending[msgid] = p
	s.mu.Unlock()

	s.writeMu.Lock()
	err := s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err == nil {
		err = s.ws.WriteJSON(req)
	}
	s.writeMu.Unlock()

	if err != nil {
		s.client.logger.Warn("request write failed",
			zap.String("verb", req.Msg),
			zap.Error(err),
		)
		s.fail()
		return p
	}

	time.AfterFunc(timeout, func() {
		s.forget(msgid)
		p.resolve(protocol.ErrorResponse(msgid, protocol.CodeTimeout, "request timed out"))
	})
	return p
}

// readLoop correlates inbound responses with pending requests. It owns the
// read side of the socket and runs until the connection dies.
func (s *session) readLoop() {
	defer s.fail()

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			return
		}
		var resp protocol.Response
		if err := protocol.DecodeResponse(data, &resp); err != nil {
			s.client.logger.Warn("undecodable response frame", zap.Error(err))
			continue
		}

		if p := s.forget(resp.MsgID); p != nil {
			p.resolve(resp)
		} else {
			// Late response for a request that already timed out.
			s.client.logger.Debug("response for unknown msgid",
				zap.String("msgid", resp.MsgID),
			)
		}
	}
}

// pingLoop keeps the channel warm while it is otherwise idle. A failed ping
// write kills the session via send's error path.
func (s *session) pingLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p := s.send(protocol.Request{Msg: protocol.VerbPing}, interval)
			go func() {
				if resp := p.Wait(); !resp.OK() && resp.Error.Code != protocol.CodeConnectionLost {
					s.client.logger.Warn("ping rejected", zap.String("error", resp.Error.String()))
				}
			}()
		}
	}
}

// forget removes and returns the Pending for msgid, or nil.
func (s *session) forget(msgid string) *Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[msgid]
	if !ok {
		return nil
	}
	delete(s.pending, msgid)
	return p
}

// fail marks the session dead, closes the socket, settles every outstanding
// Pending with connection_lost and cancels the session context. Idempotent.
func (s *session) fail() {
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return
	}
	s.dead = true
	outstanding := make([]*Pending, 0, len(s.pending))
	for _, p := range s.pending {
		outstanding = append(outstanding, p)
	}
	s.pending = make(map[string]*Pending)
	s.mu.Unlock()

	s.ws.Close()
	for _, p := range outstanding {
		p.resolve(protocol.ErrorResponse(p.MsgID, protocol.CodeConnectionLost, "connection lost"))
	}
	s.cancel()
}

// teardown ends the session; called by the client when runSession returns
// for any reason, including context cancellation.
func (s *session) teardown() {
	s.fail()
}
