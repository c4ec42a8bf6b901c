// Copyright 2026 The Chord Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/chordlabs/chord/event"
)

// protocolVersion is the gateway protocol version, carried in the
// connection URL's version query parameter.
const protocolVersion = 10

// closeCodeReconnect is the close code the engine uses when it tears
// down the socket intending to reconnect — heartbeat miss, server
// RECONNECT, corrupt stream. In the 4000 range so the supervising loop
// classifies it as recoverable.
const closeCodeReconnect = 4000

// closeCodeNormal is the WebSocket normal-closure code sent on Close.
const closeCodeNormal = 1000

var (
	// ErrAlreadyStarted is returned by Connect on a running session.
	ErrAlreadyStarted = errors.New("gateway: session already started")

	// ErrNotConnected is returned by send operations when no transport
	// is up.
	ErrNotConnected = errors.New("gateway: not connected")
)

// State is the session engine's lifecycle position.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingHello
	StateIdentifying
	StateResuming
	StateReady
	StateReconnecting
	StateClosed
)

var stateNames = map[State]string{
	StateIdle:          "idle",
	StateConnecting:    "connecting",
	StateAwaitingHello: "awaiting-hello",
	StateIdentifying:   "identifying",
	StateResuming:      "resuming",
	StateReady:         "ready",
	StateReconnecting:  "reconnecting",
	StateClosed:        "closed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// IdentifyProperties describes the connecting client in IDENTIFY.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// Config holds configuration for creating a Session.
type Config struct {
	// Token is the bot token used in IDENTIFY and RESUME.
	Token string

	// URL is the gateway WebSocket URL, typically from
	// rest.Client.GatewayURL. Query parameters for version, encoding,
	// and compression are appended by the engine.
	URL string

	// Encoding selects the payload wire encoding. Defaults to
	// EncodingJSON; New returns ErrInvalidEncoding for unknown names.
	Encoding Encoding

	// Compress enables connection-long zlib-stream compression.
	Compress bool

	// Properties identifies the client in IDENTIFY. Defaults to the
	// runtime OS and this library's name.
	Properties *IdentifyProperties

	// Shard is the [index, total] pair for sharded bots. Empty means
	// unsharded.
	Shard []int

	// LargeThreshold caps offline member lists in guild payloads.
	// Zero omits the field.
	LargeThreshold int

	// Presence is the initial presence, sent verbatim in IDENTIFY.
	Presence any

	// Intents is the event-group subscription bitmask.
	Intents int

	// Logger is used for structured logging. If nil, slog.Default() is
	// used.
	Logger *slog.Logger

	// Clock overrides the time source for the heartbeat and reconnect
	// pacing. If nil, the real clock is used.
	Clock clock.Clock

	// Dial overrides the transport. If nil, the engine dials a real
	// WebSocket.
	Dial Dialer
}

// Session is the gateway session engine. Create with [New], start with
// [Connect]; the engine then owns the connection — handshake, heartbeat,
// dispatch fan-out, reconnection — until [Close].
type Session struct {
	token          string
	baseURL        string
	compress       bool
	codec          payloadCodec
	properties     IdentifyProperties
	shard          []int
	largeThreshold int
	presence       any
	intents        int

	logger  *slog.Logger
	clk     clock.Clock
	dial    Dialer
	emitter *event.Emitter

	// inflate is the current connection's zlib stream. Touched only on
	// the run/read goroutine: created before the read loop starts,
	// discarded after it returns.
	inflate *inflater

	ackReceived atomic.Bool

	mu            sync.Mutex
	state         State
	sessionID     string
	resumeURL     string
	seq           int64
	hasSeq        bool
	conn          Transport
	heartbeatStop chan struct{}
	started       bool
	closing       bool
	wantReconnect bool
	runDone       chan struct{}
}

// New creates a session engine. The token, URL, and encoding are
// validated here: an unknown encoding fails with ErrInvalidEncoding
// before any connection is attempted.
func New(config Config) (*Session, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("gateway: Token is required")
	}
	if config.URL == "" {
		return nil, fmt.Errorf("gateway: URL is required")
	}
	parsed, err := url.Parse(config.URL)
	if err != nil {
		return nil, fmt.Errorf("gateway: invalid URL %q: %w", config.URL, err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return nil, fmt.Errorf("gateway: URL scheme %q is not ws or wss", parsed.Scheme)
	}
	if len(config.Shard) != 0 && len(config.Shard) != 2 {
		return nil, fmt.Errorf("gateway: Shard must be [index, total], got %d values", len(config.Shard))
	}

	codec, err := newPayloadCodec(config.Encoding)
	if err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}
	dial := config.Dial
	if dial == nil {
		dial = dialWebSocket
	}
	properties := IdentifyProperties{OS: runtime.GOOS, Browser: "chord", Device: "chord"}
	if config.Properties != nil {
		properties = *config.Properties
	}

	return &Session{
		token:          config.Token,
		baseURL:        config.URL,
		compress:       config.Compress,
		codec:          codec,
		properties:     properties,
		shard:          config.Shard,
		largeThreshold: config.LargeThreshold,
		presence:       config.Presence,
		intents:        config.Intents,
		logger:         logger,
		clk:            clk,
		dial:           dial,
		emitter:        event.New(logger),
		state:          StateIdle,
		runDone:        make(chan struct{}),
	}, nil
}

// On registers a handler. Register under an opcode name ("DISPATCH",
// "HELLO", ...) to receive the full *Payload for every frame with that
// opcode, or under a dispatch event name ("READY", "MESSAGE_CREATE",
// ...) to receive just that event's data as []byte in the connection's
// encoding. Handlers run synchronously on the read loop.
func (s *Session) On(name string, handler event.Handler) {
	s.emitter.On(name, handler)
}

// Off removes all handlers for an event name.
func (s *Session) Off(name string) {
	s.emitter.Off(name)
}

// State returns the engine's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the server-assigned session ID, or "" before READY.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Sequence returns the last seen dispatch sequence number, and whether
// one has been seen on this session.
func (s *Session) Sequence() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq, s.hasSeq
}

// Done returns a channel closed when the supervising loop exits — after
// Close, a fatal close code, or context cancellation.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runDone
}

// Connect starts the supervising loop: dial, run the read loop, decide
// whether to reconnect, repeat. It returns immediately; subscribe to
// events or watch [Session.Done] for lifecycle. The context bounds the
// whole session — cancelling it stops reconnecting.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.closing = false
	s.state = StateConnecting
	s.runDone = make(chan struct{})
	done := s.runDone
	s.mu.Unlock()

	go s.run(ctx, done)
	return nil
}

// Close sends a normal close frame, stops the supervising loop, and
// waits for it to exit. Safe to call on a session that never connected.
func (s *Session) Close() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	conn := s.conn
	done := s.runDone
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(closeCodeNormal, "closing"); err != nil {
			s.logger.Debug("close frame send failed", "error", err)
		}
	}
	<-done
	return nil
}

// Reconnect closes the socket without stopping the supervising loop; the
// loop dials again and resumes the session if it can.
func (s *Session) Reconnect() {
	s.forceReconnect(closeCodeReconnect, "client requested reconnect")
}

// run is the supervising loop. One iteration per connection: dial, hand
// the read loop the frame handler, block until the connection ends, then
// decide from the close status whether to go around again.
func (s *Session) run(ctx context.Context, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.state = StateClosed
		s.started = false
		s.mu.Unlock()
		close(done)
	}()

	for {
		if ctx.Err() != nil || s.isClosing() {
			return
		}

		s.setState(StateConnecting)
		target := s.connectURL()
		conn, err := s.dial(ctx, target)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("gateway dial failed, retrying", "url", target, "error", err)
			s.clk.Sleep(time.Second)
			continue
		}

		if s.compress {
			// Fresh zlib stream per connection.
			s.inflate = newInflater()
		}
		s.ackReceived.Store(false)
		s.mu.Lock()
		s.conn = conn
		s.wantReconnect = false
		s.state = StateAwaitingHello
		s.mu.Unlock()
		s.logger.Info("gateway connected", "url", target)

		status := conn.ReadLoop(s.handleFrame)

		s.stopHeartbeat()
		s.mu.Lock()
		s.conn = nil
		closing := s.closing
		s.mu.Unlock()
		if s.inflate != nil {
			s.inflate.close()
			s.inflate = nil
		}

		if closing {
			s.logger.Info("gateway session closed")
			return
		}

		if status.Code != 0 {
			if isFatalClose(status.Code) {
				s.logger.Error("fatal gateway close code, not reconnecting",
					"code", status.Code,
					"reason", status.Reason,
				)
				return
			}
			if clearsSession(status.Code) {
				s.logger.Warn("close code invalidates the session, next handshake will identify",
					"code", status.Code,
				)
				s.clearSession()
			}
			s.logger.Warn("gateway closed, reconnecting",
				"code", status.Code,
				"reason", status.Reason,
			)
		} else {
			s.logger.Warn("gateway connection ended, reconnecting", "error", status.Err)
		}
		s.setState(StateReconnecting)
	}
}

// connectURL builds the dial target: the resume URL when a session is
// live, the configured URL otherwise, with version, encoding, and
// compression query parameters applied.
func (s *Session) connectURL() string {
	s.mu.Lock()
	base := s.baseURL
	if s.resumeURL != "" && s.hasSeq && s.sessionID != "" {
		base = s.resumeURL
	}
	s.mu.Unlock()

	parsed, err := url.Parse(base)
	if err != nil {
		// The configured URL was validated in New; a bad resume URL from
		// the server falls back to the configured one.
		s.logger.Warn("unparseable resume URL, using configured URL", "url", base)
		parsed, _ = url.Parse(s.baseURL)
	}
	query := parsed.Query()
	query.Set("version", strconv.Itoa(protocolVersion))
	query.Set("encoding", s.codec.name())
	if s.compress {
		query.Set("compress", "zlib-stream")
	}
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

// handleFrame processes one WebSocket message on the read loop:
// decompress, decode, track the sequence, fan out, then react to the
// opcode.
func (s *Session) handleFrame(data []byte) {
	if s.inflate != nil {
		message, err := s.inflate.feed(data)
		if err != nil {
			s.logger.Error("gateway stream corrupt, forcing reconnect", "error", err)
			s.forceReconnect(closeCodeReconnect, "compression stream corrupt")
			return
		}
		if message == nil {
			return // fragment; message still incomplete
		}
		data = message
	}

	payload, err := s.codec.decode(data)
	if err != nil {
		s.logger.Error("undecodable gateway frame, forcing reconnect", "error", err)
		s.forceReconnect(closeCodeReconnect, "undecodable frame")
		return
	}

	if payload.Seq != nil {
		s.mu.Lock()
		s.seq = *payload.Seq
		s.hasSeq = true
		s.mu.Unlock()
	}

	// Opcode-name subscribers get every frame with the full record.
	s.emitter.Emit(payload.Op.String(), payload)

	switch payload.Op {
	case OpDispatch:
		s.handleDispatch(payload)
	case OpHello:
		s.handleHello(payload)
	case OpHeartbeat:
		// The server may request an immediate beat.
		if err := s.sendHeartbeat(); err != nil {
			s.logger.Warn("requested heartbeat send failed", "error", err)
		}
	case OpHeartbeatACK:
		s.ackReceived.Store(true)
	case OpReconnect:
		s.logger.Info("server requested reconnect")
		s.forceReconnect(closeCodeReconnect, "server requested reconnect")
	case OpInvalidSession:
		s.handleInvalidSession(payload)
	default:
		s.logger.Debug("unhandled gateway opcode", "op", int(payload.Op))
	}
}

// handleHello starts the heartbeat at the server-mandated interval and
// picks the handshake branch: RESUME when a session with a sequence is
// held, IDENTIFY otherwise.
func (s *Session) handleHello(payload *Payload) {
	var hello struct {
		HeartbeatInterval int64 `json:"heartbeat_interval"`
	}
	if err := s.codec.decodeData(payload.Data, &hello); err != nil {
		s.logger.Error("unparseable HELLO, forcing reconnect", "error", err)
		s.forceReconnect(closeCodeReconnect, "unparseable HELLO")
		return
	}
	s.startHeartbeat(time.Duration(hello.HeartbeatInterval) * time.Millisecond)

	s.mu.Lock()
	resume := s.hasSeq && s.sessionID != ""
	if resume {
		s.state = StateResuming
	} else {
		s.state = StateIdentifying
	}
	s.mu.Unlock()

	if resume {
		if err := s.sendResume(); err != nil {
			s.logger.Error("RESUME send failed", "error", err)
		}
	} else {
		if err := s.sendIdentify(); err != nil {
			s.logger.Error("IDENTIFY send failed", "error", err)
		}
	}
}

// handleDispatch latches session identity from READY and fans the event
// out to event-name subscribers.
func (s *Session) handleDispatch(payload *Payload) {
	switch payload.Type {
	case "READY":
		var ready struct {
			SessionID        string `json:"session_id"`
			ResumeGatewayURL string `json:"resume_gateway_url"`
		}
		if err := s.codec.decodeData(payload.Data, &ready); err != nil {
			s.logger.Error("unparseable READY", "error", err)
		} else {
			s.mu.Lock()
			s.sessionID = ready.SessionID
			if ready.ResumeGatewayURL != "" {
				s.resumeURL = ready.ResumeGatewayURL
			}
			s.state = StateReady
			s.mu.Unlock()
			s.logger.Info("gateway ready", "session_id", ready.SessionID)
		}
	case "RESUMED":
		s.setState(StateReady)
		s.logger.Info("gateway session resumed")
	}

	s.emitter.Emit(payload.Type, payload.Data)
}

// handleInvalidSession discards the sequence (and, unless the server
// flags the session resumable, the session ID) and re-identifies.
func (s *Session) handleInvalidSession(payload *Payload) {
	var resumable bool
	if err := s.codec.decodeData(payload.Data, &resumable); err != nil {
		resumable = false
	}
	s.logger.Warn("session invalidated by server", "resumable", resumable)

	s.mu.Lock()
	s.seq = 0
	s.hasSeq = false
	if !resumable {
		s.sessionID = ""
		s.resumeURL = ""
	}
	s.state = StateIdentifying
	s.mu.Unlock()

	if err := s.sendIdentify(); err != nil {
		s.logger.Error("IDENTIFY send failed after invalid session", "error", err)
	}
}

// startHeartbeat launches the periodic heartbeat task, replacing any
// previous one.
func (s *Session) startHeartbeat(interval time.Duration) {
	s.stopHeartbeat()
	stop := make(chan struct{})
	s.mu.Lock()
	s.heartbeatStop = stop
	s.mu.Unlock()
	s.logger.Debug("heartbeat started", "interval", interval)
	go s.heartbeatLoop(interval, stop)
}

func (s *Session) stopHeartbeat() {
	s.mu.Lock()
	stop := s.heartbeatStop
	s.heartbeatStop = nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

// heartbeatLoop beats, waits one interval, and checks that the server
// acknowledged. A missed ack means the connection is dead even though
// TCP may not know yet: force it closed and let the supervising loop
// reconnect.
func (s *Session) heartbeatLoop(interval time.Duration, stop chan struct{}) {
	for {
		s.ackReceived.Store(false)
		if err := s.sendHeartbeat(); err != nil {
			s.logger.Warn("heartbeat send failed", "error", err)
			return
		}

		select {
		case <-stop:
			return
		case <-s.clk.After(interval):
		}

		if !s.ackReceived.Load() {
			s.logger.Error("heartbeat ack missed, forcing reconnect", "interval", interval)
			s.forceReconnect(closeCodeReconnect, "heartbeat ack timeout")
			return
		}
	}
}

func (s *Session) sendHeartbeat() error {
	s.mu.Lock()
	var seq any
	if s.hasSeq {
		seq = s.seq
	}
	s.mu.Unlock()
	return s.sendPayload(OpHeartbeat, seq)
}

// identifyData is the IDENTIFY payload body.
type identifyData struct {
	Token          string             `json:"token"`
	Properties     IdentifyProperties `json:"properties"`
	Compress       bool               `json:"compress"`
	LargeThreshold int                `json:"large_threshold,omitempty"`
	Shard          []int              `json:"shard,omitempty"`
	Presence       any                `json:"presence,omitempty"`
	Intents        int                `json:"intents"`
}

func (s *Session) sendIdentify() error {
	return s.sendPayload(OpIdentify, identifyData{
		Token:          s.token,
		Properties:     s.properties,
		Compress:       s.compress,
		LargeThreshold: s.largeThreshold,
		Shard:          s.shard,
		Presence:       s.presence,
		Intents:        s.intents,
	})
}

// resumeData is the RESUME payload body.
type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

func (s *Session) sendResume() error {
	s.mu.Lock()
	data := resumeData{Token: s.token, SessionID: s.sessionID, Seq: s.seq}
	s.mu.Unlock()
	s.logger.Info("resuming session", "session_id", data.SessionID, "seq", data.Seq)
	return s.sendPayload(OpResume, data)
}

// sendPayload is the single funnel for all gateway sends: encode with
// the session's codec and emit on the frame type the codec dictates.
func (s *Session) sendPayload(op Opcode, data any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	frame, err := s.codec.encode(op, data)
	if err != nil {
		return err
	}
	if s.codec.binary() {
		return conn.SendBinary(frame)
	}
	return conn.SendText(frame)
}

// forceReconnect sets wantReconnect and closes the socket. The read loop
// unblocks, and the supervising loop, which dials again after any ending
// that is neither a Close call nor a fatal close code, reconnects. The
// loop itself does not read wantReconnect.
func (s *Session) forceReconnect(code int, reason string) {
	s.mu.Lock()
	s.wantReconnect = true
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		if err := conn.Close(code, reason); err != nil {
			s.logger.Debug("close during forced reconnect", "error", err)
		}
	}
}

// clearSession forgets the session identity so the next handshake
// identifies instead of resuming.
func (s *Session) clearSession() {
	s.mu.Lock()
	s.sessionID = ""
	s.resumeURL = ""
	s.seq = 0
	s.hasSeq = false
	s.mu.Unlock()
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}
