package lookupd

import (
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/oca159/gaffer/internal/metrics"
	"github.com/oca159/gaffer/internal/protocol"
	"github.com/oca159/gaffer/internal/registry"
)

// nodeConn is one node's registration channel. Its lifetime defines the
// node's registry entry: AddNode when the connection is accepted, RemoveNode
// when it closes for any reason.
//
// Frames are read, dispatched and answered strictly in receive order by the
// single serve loop, which is also the only writer on the connection — so a
// node observes responses in the order it issued requests.
type nodeConn struct {
	id         string
	ws         *websocket.Conn
	reg        *registry.Registry
	metrics    *metrics.Metrics
	logger     *zap.Logger
	idleCutoff time.Duration
}

// serve runs the connection until the peer disconnects, the idle cutoff
// expires, or a write fails. The registry cascade on RemoveNode cleans up
// every job and process the node had registered.
func (c *nodeConn) serve() {
	if err := c.reg.AddNode(c.id); err != nil {
		// Connection ids are freshly generated; this cannot happen short of
		// a programmer error.
		c.logger.Error("failed to register connection", zap.Error(err))
		c.ws.Close()
		return
	}
	defer func() {
		c.ws.Close()
		c.reg.RemoveNode(c.id)
	}()

	for {
		// Any frame, including ping, counts as liveness: the deadline is
		// re-armed before every read.
		if err := c.ws.SetReadDeadline(time.Now().Add(c.idleCutoff)); err != nil {
			return
		}
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Info("node connection closed", zap.Error(err))
			}
			return
		}

		resp := c.handle(data)
		if err := c.write(resp); err != nil {
			c.logger.Warn("response write failed", zap.Error(err))
			return
		}
	}
}

func (c *nodeConn) write(resp protocol.Response) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteJSON(resp)
}

// handle decodes one frame and applies the mapped registry operation.
// Malformed frames produce a bad_request response; the connection stays up.
func (c *nodeConn) handle(data []byte) protocol.Response {
	req, err := protocol.DecodeRequest(data)
	if err != nil {
		c.metrics.ObserveError(protocol.CodeBadRequest)
		return protocol.ErrorResponse(req.MsgID, protocol.CodeBadRequest, err.Error())
	}
	c.metrics.ObserveFrame(req.Msg)

	if err := c.apply(req); err != nil {
		code := protocol.CodeFor(err)
		c.metrics.ObserveError(code)
		return protocol.ErrorResponse(req.MsgID, code, err.Error())
	}
	return protocol.OKResponse(req.MsgID)
}

func (c *nodeConn) apply(req protocol.Request) error {
	switch req.Msg {
	case protocol.VerbIdentify:
		if req.Name == "" {
			return fmt.Errorf("malformed frame: identify requires a name")
		}
		if req.Port < 1 || req.Port > 65535 {
			return fmt.Errorf("malformed frame: port %d out of range", req.Port)
		}
		return c.reg.Identify(c.id, req.Name, req.Port, req.BroadcastAddress, req.Version)

	case protocol.VerbPing:
		return c.reg.Update(c.id)

	case protocol.VerbAddJob:
		if req.Name == "" {
			return fmt.Errorf("malformed frame: add_job requires a name")
		}
		return c.reg.AddJob(c.id, req.Name)

	case protocol.VerbRemoveJob:
		if req.Name == "" {
			return fmt.Errorf("malformed frame: remove_job requires a name")
		}
		return c.reg.RemoveJob(c.id, req.Name)

	case protocol.VerbAddProcess:
		if req.Name == "" {
			return fmt.Errorf("malformed frame: add_process requires a name")
		}
		return c.reg.AddProcess(c.id, req.Name, req.Pid)

	case protocol.VerbRemoveProcess:
		if req.Name == "" {
			return fmt.Errorf("malformed frame: remove_process requires a name")
		}
		return c.reg.RemoveProcess(c.id, req.Name, req.Pid)

	default:
		return fmt.Errorf("unknown verb %q", req.Msg)
	}
}
