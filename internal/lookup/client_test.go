package lookup_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/oca159/gaffer/internal/lookup"
	"github.com/oca159/gaffer/internal/protocol"
)

var testIdentity = lookup.Identity{
	Hostname:         "node1",
	Port:             5000,
	BroadcastAddress: "node1.local",
	Version:          1.0,
}

// fakeLookup is a scriptable stand-in for the lookup service: it accepts
// registration channels and hands each to the test for manual driving.
type fakeLookup struct {
	ts    *httptest.Server
	conns chan *websocket.Conn
}

func newFakeLookup(t *testing.T) *fakeLookup {
	t.Helper()

	f := &fakeLookup{conns: make(chan *websocket.Conn, 64)}
	upgrader := websocket.Upgrader{}
	f.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- ws
	}))
	// Registered before the client's cleanup, so it runs after the client
	// has stopped dialing.
	t.Cleanup(func() {
		f.ts.Close()
		for {
			select {
			case ws := <-f.conns:
				ws.Close()
			default:
				return
			}
		}
	})
	return f
}

func (f *fakeLookup) url() string {
	return "ws" + strings.TrimPrefix(f.ts.URL, "http")
}

// accept waits for the next client connection.
func (f *fakeLookup) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-f.conns:
		return ws
	case <-time.After(5 * time.Second):
		t.Fatal("no connection arrived")
		return nil
	}
}

func readRequest(t *testing.T, ws *websocket.Conn) protocol.Request {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	req, err := protocol.DecodeRequest(data)
	require.NoError(t, err)
	return req
}

func respondOK(t *testing.T, ws *websocket.Conn, msgid string) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(protocol.OKResponse(msgid)))
}

// startClient runs the client and passes the session context to the test
// through a channel so it can issue requests on an established connection.
func startClient(t *testing.T, cfg lookup.Config) (*lookup.Client, chan context.Context) {
	t.Helper()

	client := lookup.New(cfg, nil)
	sessions := make(chan context.Context, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		client.Run(ctx, func(sessCtx context.Context) error {
			sessions <- sessCtx
			<-sessCtx.Done()
			return nil
		})
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return client, sessions
}

func baseConfig(url string) lookup.Config {
	return lookup.Config{
		URL:            url,
		Identity:       testIdentity,
		PingInterval:   time.Hour, // keep pings out of scripted exchanges
		RequestTimeout: 500 * time.Millisecond,
		BackoffBase:    20 * time.Millisecond,
		BackoffMax:     100 * time.Millisecond,
	}
}

// serveIdentify consumes the automatic identify request and acknowledges it.
func serveIdentify(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	req := readRequest(t, ws)
	require.Equal(t, protocol.VerbIdentify, req.Msg)
	require.Equal(t, "node1", req.Name)
	require.Equal(t, 5000, req.Port)
	respondOK(t, ws, req.MsgID)
}

func TestCorrelation(t *testing.T) {
	t.Parallel()

	f := newFakeLookup(t)
	client, sessions := startClient(t, baseConfig(f.url()))

	ws := f.accept(t)
	defer ws.Close()
	serveIdentify(t, ws)
	<-sessions

	p1 := client.AddJob("a.job1")
	p2 := client.AddProcess("a.job1", 1)

	req1 := readRequest(t, ws)
	req2 := readRequest(t, ws)
	require.Equal(t, protocol.VerbAddJob, req1.Msg)
	require.Equal(t, protocol.VerbAddProcess, req2.Msg)
	require.NotEqual(t, req1.MsgID, req2.MsgID)

	// Answer out of order; correlation must still match each Pending to its
	// own response.
	respondOK(t, ws, req2.MsgID)
	respondOK(t, ws, req1.MsgID)

	require.True(t, p1.Wait().OK())
	require.True(t, p2.Wait().OK())
}

func TestMsgIDsAreSequentialDecimals(t *testing.T) {
	t.Parallel()

	f := newFakeLookup(t)
	client, sessions := startClient(t, baseConfig(f.url()))

	ws := f.accept(t)
	defer ws.Close()

	req := readRequest(t, ws)
	require.Equal(t, "1", req.MsgID, "identify is the first request on a connection")
	respondOK(t, ws, req.MsgID)
	<-sessions

	client.Ping()
	client.AddJob("a.job1")
	require.Equal(t, "2", readRequest(t, ws).MsgID)
	require.Equal(t, "3", readRequest(t, ws).MsgID)
}

func TestRequestTimeout(t *testing.T) {
	t.Parallel()

	f := newFakeLookup(t)
	client, sessions := startClient(t, baseConfig(f.url()))

	ws := f.accept(t)
	defer ws.Close()
	serveIdentify(t, ws)
	<-sessions

	p := client.AddJob("a.job1")
	_ = readRequest(t, ws) // swallow the request, never answer

	start := time.Now()
	resp := p.Wait()
	require.NotNil(t, resp.Error)
	require.Equal(t, protocol.CodeTimeout, resp.Error.Code)
	require.Less(t, time.Since(start), 5*time.Second)

	// The timeout did not tear the connection down.
	p = client.Ping()
	req := readRequest(t, ws)
	require.Equal(t, protocol.VerbPing, req.Msg)
	respondOK(t, ws, req.MsgID)
	require.True(t, p.Wait().OK())
}

func TestConnectionLostResolvesPending(t *testing.T) {
	t.Parallel()

	f := newFakeLookup(t)
	client, sessions := startClient(t, baseConfig(f.url()))

	ws := f.accept(t)
	serveIdentify(t, ws)
	sessCtx := <-sessions

	p := client.AddJob("a.job1")
	_ = readRequest(t, ws)
	ws.Close()

	resp := p.Wait()
	require.NotNil(t, resp.Error)
	require.Equal(t, protocol.CodeConnectionLost, resp.Error.Code)

	select {
	case <-sessCtx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session context not cancelled on connection loss")
	}
}

func TestReconnectRestartsMsgIDs(t *testing.T) {
	t.Parallel()

	f := newFakeLookup(t)
	_, sessions := startClient(t, baseConfig(f.url()))

	ws := f.accept(t)
	serveIdentify(t, ws)
	<-sessions
	ws.Close()

	// The client redials and identifies again, msgid counter reset.
	ws2 := f.accept(t)
	defer ws2.Close()
	req := readRequest(t, ws2)
	require.Equal(t, protocol.VerbIdentify, req.Msg)
	require.Equal(t, "1", req.MsgID)
	respondOK(t, ws2, req.MsgID)
	<-sessions
}

func TestRejectedIdentifyRetries(t *testing.T) {
	t.Parallel()

	f := newFakeLookup(t)
	_, sessions := startClient(t, baseConfig(f.url()))

	ws := f.accept(t)
	req := readRequest(t, ws)
	require.NoError(t, ws.WriteJSON(protocol.ErrorResponse(req.MsgID, protocol.CodeIdentExists, "taken")))

	// No session is established for a rejected identify; the client backs
	// off and tries again.
	select {
	case <-sessions:
		t.Fatal("session established despite rejected identify")
	case <-time.After(100 * time.Millisecond):
	}

	ws2 := f.accept(t)
	defer ws2.Close()
	serveIdentify(t, ws2)
	<-sessions
}

func TestNotConnectedResolvesImmediately(t *testing.T) {
	t.Parallel()

	client := lookup.New(lookup.Config{URL: "ws://127.0.0.1:1/ws", Identity: testIdentity}, nil)

	resp := client.AddJob("a.job1").Wait()
	require.NotNil(t, resp.Error)
	require.Equal(t, protocol.CodeConnectionLost, resp.Error.Code)
}

func TestPingLoop(t *testing.T) {
	t.Parallel()

	cfg := baseConfig("")
	cfg.PingInterval = 50 * time.Millisecond

	f := newFakeLookup(t)
	cfg.URL = f.url()
	_, sessions := startClient(t, cfg)

	ws := f.accept(t)
	defer ws.Close()
	serveIdentify(t, ws)
	<-sessions

	// With no other traffic, pings arrive on the interval.
	for i := 0; i < 2; i++ {
		req := readRequest(t, ws)
		require.Equal(t, protocol.VerbPing, req.Msg)
		respondOK(t, ws, req.MsgID)
	}
}
