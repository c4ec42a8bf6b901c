// Copyright 2026 The Chord Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/chordlabs/chord/lib/testutil"
)

// fakeConn is a scripted Transport. Tests deliver inbound frames on
// incoming, observe outbound frames on sent, and end the read loop by
// sending a CloseStatus on status (as the server) or via Close (as the
// engine does).
type fakeConn struct {
	sent     chan []byte
	closed   chan closeRequest
	incoming chan []byte
	status   chan CloseStatus
}

type closeRequest struct {
	code   int
	reason string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		sent:     make(chan []byte, 16),
		closed:   make(chan closeRequest, 8),
		incoming: make(chan []byte, 16),
		status:   make(chan CloseStatus, 8),
	}
}

func (f *fakeConn) SendText(data []byte) error   { f.sent <- data; return nil }
func (f *fakeConn) SendBinary(data []byte) error { f.sent <- data; return nil }

func (f *fakeConn) Close(code int, reason string) error {
	f.closed <- closeRequest{code: code, reason: reason}
	// A locally initiated close surfaces to the read loop as a transport
	// teardown, not as a server close frame.
	f.status <- CloseStatus{Err: net.ErrClosed}
	return nil
}

func (f *fakeConn) ReadLoop(onMessage func(data []byte)) CloseStatus {
	for {
		select {
		case data := <-f.incoming:
			onMessage(data)
		case status := <-f.status:
			return status
		}
	}
}

// fakeDialer hands out a fresh fakeConn per dial and reports each one.
type fakeDialer struct {
	dialed chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeConn, 8)}
}

func (d *fakeDialer) dial(ctx context.Context, rawURL string) (Transport, error) {
	conn := newFakeConn()
	d.dialed <- conn
	return conn, nil
}

// envelope is the decoded shape of a frame the session sent.
type envelope struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

func decodeSent(t *testing.T, frame []byte) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("session sent unparseable frame %q: %v", frame, err)
	}
	return env
}

// expectSends reads n outbound frames, returning them keyed by opcode.
// Order is not asserted: the heartbeat task and the handshake send race
// by design.
func expectSends(t *testing.T, conn *fakeConn, n int) map[int]envelope {
	t.Helper()
	byOp := make(map[int]envelope, n)
	for i := 0; i < n; i++ {
		env := decodeSent(t, testutil.RequireReceive(t, conn.sent, 2*time.Second, "waiting for gateway send"))
		byOp[env.Op] = env
	}
	return byOp
}

func waitFor(t *testing.T, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", message)
}

func newTestSession(t *testing.T) (*Session, *fakeDialer, *clock.Mock) {
	t.Helper()
	dialer := newFakeDialer()
	mock := clock.NewMock()
	session, err := New(Config{
		Token:   "bot-token",
		URL:     "wss://gateway.test",
		Intents: 513,
		Clock:   mock,
		Dial:    dialer.dial,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session, dialer, mock
}

func helloFrame(intervalMillis int) []byte {
	return fmt.Appendf(nil, `{"op":10,"d":{"heartbeat_interval":%d}}`, intervalMillis)
}

const readyFrame = `{"op":0,"t":"READY","s":1,"d":{"session_id":"abc"}}`

// bootstrapReady drives a fresh session through connect, HELLO, and
// READY, consuming the handshake sends. Returns the live connection.
func bootstrapReady(t *testing.T, session *Session, dialer *fakeDialer) *fakeConn {
	t.Helper()
	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	conn := testutil.RequireReceive(t, dialer.dialed, 2*time.Second, "waiting for dial")

	conn.incoming <- helloFrame(45000)
	sends := expectSends(t, conn, 2) // heartbeat + IDENTIFY, either order
	if _, ok := sends[int(OpIdentify)]; !ok {
		t.Fatalf("handshake sends = %v, IDENTIFY missing", sends)
	}

	conn.incoming <- []byte(readyFrame)
	waitFor(t, func() bool { return session.State() == StateReady }, "session did not reach ready")
	return conn
}

func TestNewValidation(t *testing.T) {
	t.Run("unknown encoding", func(t *testing.T) {
		_, err := New(Config{Token: "t", URL: "wss://x", Encoding: "etf"})
		if !errors.Is(err, ErrInvalidEncoding) {
			t.Fatalf("error = %v, want ErrInvalidEncoding", err)
		}
	})

	t.Run("bad scheme", func(t *testing.T) {
		if _, err := New(Config{Token: "t", URL: "https://x"}); err == nil {
			t.Fatal("expected error for non-websocket scheme")
		}
	})

	t.Run("bad shard", func(t *testing.T) {
		if _, err := New(Config{Token: "t", URL: "wss://x", Shard: []int{1}}); err == nil {
			t.Fatal("expected error for one-element shard")
		}
	})
}

func TestConnectURL(t *testing.T) {
	session, _, _ := newTestSession(t)
	url := session.connectURL()
	want := "wss://gateway.test?encoding=json&version=10"
	if url != want {
		t.Fatalf("connectURL = %q, want %q", url, want)
	}
}

func TestConnectURLWithCompression(t *testing.T) {
	session, err := New(Config{Token: "t", URL: "wss://gateway.test", Compress: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	url := session.connectURL()
	want := "wss://gateway.test?compress=zlib-stream&encoding=json&version=10"
	if url != want {
		t.Fatalf("connectURL = %q, want %q", url, want)
	}
}

func TestBootstrapIdentifiesAndLatchesSession(t *testing.T) {
	session, dialer, mock := newTestSession(t)

	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	conn := testutil.RequireReceive(t, dialer.dialed, 2*time.Second, "waiting for dial")

	conn.incoming <- helloFrame(45000)
	sends := expectSends(t, conn, 2)

	identify, ok := sends[int(OpIdentify)]
	if !ok {
		t.Fatalf("no IDENTIFY in handshake sends: %v", sends)
	}
	var identity identifyData
	if err := json.Unmarshal(identify.D, &identity); err != nil {
		t.Fatalf("IDENTIFY data unparseable: %v", err)
	}
	if identity.Token != "bot-token" || identity.Intents != 513 {
		t.Fatalf("IDENTIFY = %+v", identity)
	}

	heartbeat, ok := sends[int(OpHeartbeat)]
	if !ok {
		t.Fatalf("no heartbeat in handshake sends: %v", sends)
	}
	if string(heartbeat.D) != "null" {
		t.Fatalf("first heartbeat sequence = %s, want null", heartbeat.D)
	}

	conn.incoming <- []byte(readyFrame)
	waitFor(t, func() bool { return session.SessionID() == "abc" }, "session ID not latched from READY")
	if seq, ok := session.Sequence(); !ok || seq != 1 {
		t.Fatalf("Sequence = %d, %v; want 1, true", seq, ok)
	}
	if session.State() != StateReady {
		t.Fatalf("state = %s, want ready", session.State())
	}

	// Heartbeat cadence: ack the first beat, advance one interval, and
	// the next beat must carry the latched sequence.
	conn.incoming <- []byte(`{"op":11}`)
	waitFor(t, func() bool { return session.ackReceived.Load() }, "heartbeat ack not recorded")
	time.Sleep(50 * time.Millisecond) // let the heartbeat task park on the interval timer
	mock.Add(45 * time.Second)

	beat := decodeSent(t, testutil.RequireReceive(t, conn.sent, 2*time.Second, "waiting for second heartbeat"))
	if beat.Op != int(OpHeartbeat) {
		t.Fatalf("post-interval send op = %d, want heartbeat", beat.Op)
	}
	if string(beat.D) != "1" {
		t.Fatalf("heartbeat sequence = %s, want 1", beat.D)
	}
}

func TestDispatchFanOut(t *testing.T) {
	session, dialer, _ := newTestSession(t)

	events := make(chan []byte, 1)
	frames := make(chan *Payload, 1)
	session.On("MESSAGE_CREATE", func(payload any) {
		events <- payload.([]byte)
	})
	session.On("DISPATCH", func(payload any) {
		frames <- payload.(*Payload)
	})

	conn := bootstrapReady(t, session, dialer)
	// The READY dispatch already hit the DISPATCH subscriber.
	testutil.RequireReceive(t, frames, 2*time.Second, "READY frame to opcode subscriber")

	conn.incoming <- []byte(`{"op":0,"t":"MESSAGE_CREATE","s":2,"d":{"content":"hi"}}`)

	data := testutil.RequireReceive(t, events, 2*time.Second, "event data to name subscriber")
	if string(data) != `{"content":"hi"}` {
		t.Fatalf("event data = %s", data)
	}
	frame := testutil.RequireReceive(t, frames, 2*time.Second, "full frame to opcode subscriber")
	if frame.Type != "MESSAGE_CREATE" || frame.Seq == nil || *frame.Seq != 2 {
		t.Fatalf("frame = %+v", frame)
	}
	if seq, _ := session.Sequence(); seq != 2 {
		t.Fatalf("sequence = %d, want 2", seq)
	}
}

func TestFatalCloseDoesNotReconnect(t *testing.T) {
	session, dialer, _ := newTestSession(t)
	conn := bootstrapReady(t, session, dialer)

	conn.status <- CloseStatus{Code: CloseAuthenticationFailed, Reason: "auth"}

	testutil.RequireClosed(t, session.Done(), 2*time.Second, "engine did not stop on fatal close")
	if session.State() != StateClosed {
		t.Fatalf("state = %s, want closed", session.State())
	}
	testutil.RequireNoReceive(t, dialer.dialed, 100*time.Millisecond, "engine redialed after fatal close")

	if err := session.UpdatePresence("online", false, nil, nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send after fatal close = %v, want ErrNotConnected", err)
	}
}

func TestSessionTimeoutReidentifies(t *testing.T) {
	session, dialer, _ := newTestSession(t)
	conn := bootstrapReady(t, session, dialer)

	// Establish a sequence the session would otherwise resume from.
	conn.incoming <- []byte(`{"op":0,"t":"GUILD_CREATE","s":17,"d":{}}`)
	waitFor(t, func() bool { seq, _ := session.Sequence(); return seq == 17 }, "sequence not tracked")

	conn.status <- CloseStatus{Code: CloseSessionTimedOut, Reason: "timeout"}

	next := testutil.RequireReceive(t, dialer.dialed, 2*time.Second, "engine did not reconnect after 4009")
	if _, ok := session.Sequence(); ok {
		t.Fatal("sequence survived a session-clearing close code")
	}

	next.incoming <- helloFrame(45000)
	sends := expectSends(t, next, 2)
	if _, resumed := sends[int(OpResume)]; resumed {
		t.Fatal("engine sent RESUME after a session-clearing close code")
	}
	if _, identified := sends[int(OpIdentify)]; !identified {
		t.Fatalf("engine did not IDENTIFY after 4009: %v", sends)
	}
}

func TestRecoverableCloseResumes(t *testing.T) {
	session, dialer, _ := newTestSession(t)
	conn := bootstrapReady(t, session, dialer)

	conn.incoming <- []byte(`{"op":0,"t":"GUILD_CREATE","s":17,"d":{}}`)
	waitFor(t, func() bool { seq, _ := session.Sequence(); return seq == 17 }, "sequence not tracked")

	conn.status <- CloseStatus{Code: 4000, Reason: "unknown error"}

	next := testutil.RequireReceive(t, dialer.dialed, 2*time.Second, "engine did not reconnect")
	next.incoming <- helloFrame(45000)
	sends := expectSends(t, next, 2)

	resume, ok := sends[int(OpResume)]
	if !ok {
		t.Fatalf("engine did not RESUME on recoverable close: %v", sends)
	}
	var data resumeData
	if err := json.Unmarshal(resume.D, &data); err != nil {
		t.Fatalf("RESUME data unparseable: %v", err)
	}
	if data.SessionID != "abc" || data.Seq != 17 || data.Token != "bot-token" {
		t.Fatalf("RESUME = %+v", data)
	}
}

func TestServerReconnectRequest(t *testing.T) {
	session, dialer, _ := newTestSession(t)
	conn := bootstrapReady(t, session, dialer)

	conn.incoming <- []byte(`{"op":7}`)

	request := testutil.RequireReceive(t, conn.closed, 2*time.Second, "RECONNECT did not close the socket")
	if request.code != closeCodeReconnect {
		t.Fatalf("close code = %d, want %d", request.code, closeCodeReconnect)
	}
	testutil.RequireReceive(t, dialer.dialed, 2*time.Second, "engine did not reconnect after RECONNECT")
}

func TestInvalidSessionReidentifies(t *testing.T) {
	session, dialer, _ := newTestSession(t)
	conn := bootstrapReady(t, session, dialer)

	conn.incoming <- []byte(`{"op":0,"t":"GUILD_CREATE","s":5,"d":{}}`)
	waitFor(t, func() bool { seq, _ := session.Sequence(); return seq == 5 }, "sequence not tracked")

	conn.incoming <- []byte(`{"op":9,"d":false}`)

	identify := decodeSent(t, testutil.RequireReceive(t, conn.sent, 2*time.Second, "waiting for IDENTIFY"))
	if identify.Op != int(OpIdentify) {
		t.Fatalf("post-invalidation send op = %d, want IDENTIFY", identify.Op)
	}
	if _, ok := session.Sequence(); ok {
		t.Fatal("sequence survived INVALID_SESSION")
	}
	if session.SessionID() != "" {
		t.Fatal("session ID survived non-resumable INVALID_SESSION")
	}
}

func TestUnsolicitedHeartbeatRequest(t *testing.T) {
	session, dialer, _ := newTestSession(t)
	conn := bootstrapReady(t, session, dialer)

	conn.incoming <- []byte(`{"op":1}`)

	beat := decodeSent(t, testutil.RequireReceive(t, conn.sent, 2*time.Second, "waiting for requested heartbeat"))
	if beat.Op != int(OpHeartbeat) {
		t.Fatalf("send op = %d, want heartbeat", beat.Op)
	}
	if string(beat.D) != "1" {
		t.Fatalf("heartbeat sequence = %s, want 1 (from READY)", beat.D)
	}
}

func TestMissedHeartbeatAckForcesReconnect(t *testing.T) {
	session, dialer, mock := newTestSession(t)
	conn := bootstrapReady(t, session, dialer)

	// No ack ever arrives. One interval later the engine must give up on
	// the connection.
	time.Sleep(50 * time.Millisecond) // let the heartbeat task park on the interval timer
	mock.Add(45 * time.Second)

	request := testutil.RequireReceive(t, conn.closed, 2*time.Second, "missed ack did not close the socket")
	if request.code != closeCodeReconnect {
		t.Fatalf("close code = %d, want %d", request.code, closeCodeReconnect)
	}
	testutil.RequireReceive(t, dialer.dialed, 2*time.Second, "engine did not reconnect after missed ack")
}

func TestSendOperations(t *testing.T) {
	session, dialer, _ := newTestSession(t)
	conn := bootstrapReady(t, session, dialer)

	t.Run("request guild members", func(t *testing.T) {
		query := ""
		if err := session.RequestGuildMembers("g1", RequestGuildMembersOptions{Query: &query, Limit: 0}); err != nil {
			t.Fatalf("RequestGuildMembers failed: %v", err)
		}
		env := decodeSent(t, testutil.RequireReceive(t, conn.sent, 2*time.Second, "waiting for member request"))
		if env.Op != int(OpRequestGuildMembers) {
			t.Fatalf("op = %d", env.Op)
		}
		var data map[string]any
		json.Unmarshal(env.D, &data)
		if data["guild_id"] != "g1" {
			t.Fatalf("data = %v", data)
		}
		if _, present := data["user_ids"]; present {
			t.Fatal("absent user_ids serialized")
		}
	})

	t.Run("voice state update", func(t *testing.T) {
		channel := "c1"
		if err := session.UpdateVoiceState("g1", &channel, true, false); err != nil {
			t.Fatalf("UpdateVoiceState failed: %v", err)
		}
		env := decodeSent(t, testutil.RequireReceive(t, conn.sent, 2*time.Second, "waiting for voice update"))
		if env.Op != int(OpVoiceStateUpdate) {
			t.Fatalf("op = %d", env.Op)
		}
		var data map[string]any
		json.Unmarshal(env.D, &data)
		if data["channel_id"] != "c1" || data["self_mute"] != true {
			t.Fatalf("data = %v", data)
		}
	})

	t.Run("presence update", func(t *testing.T) {
		if err := session.UpdatePresence("dnd", false, nil, nil); err != nil {
			t.Fatalf("UpdatePresence failed: %v", err)
		}
		env := decodeSent(t, testutil.RequireReceive(t, conn.sent, 2*time.Second, "waiting for presence update"))
		if env.Op != int(OpPresenceUpdate) {
			t.Fatalf("op = %d", env.Op)
		}
		var data map[string]any
		json.Unmarshal(env.D, &data)
		if data["status"] != "dnd" {
			t.Fatalf("data = %v", data)
		}
		if since, present := data["since"]; !present || since != nil {
			t.Fatalf("since = %v, want explicit null", data["since"])
		}
	})
}

func TestCloseStopsEngine(t *testing.T) {
	session, dialer, _ := newTestSession(t)
	bootstrapReady(t, session, dialer)

	if err := session.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	testutil.RequireClosed(t, session.Done(), 2*time.Second, "engine did not stop on Close")
	testutil.RequireNoReceive(t, dialer.dialed, 100*time.Millisecond, "engine redialed after Close")

	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect after Close failed: %v", err)
	}
	testutil.RequireReceive(t, dialer.dialed, 2*time.Second, "Connect after Close did not dial")
}

func TestUndecodableFrameForcesReconnect(t *testing.T) {
	session, dialer, _ := newTestSession(t)
	conn := bootstrapReady(t, session, dialer)

	conn.incoming <- []byte("not json at all")

	testutil.RequireReceive(t, conn.closed, 2*time.Second, "codec error did not close the socket")
	testutil.RequireReceive(t, dialer.dialed, 2*time.Second, "engine did not reconnect after codec error")
}
