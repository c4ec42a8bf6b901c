// Copyright 2026 The Chord Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
)

// zlibSuffix terminates every logical message in the gateway's zlib
// stream: the trailing bytes of a deflate sync flush. The compressed
// stream itself runs for the whole connection — the sliding window is
// shared across messages — so the decompressor must persist between
// messages and only be discarded on reconnect.
var zlibSuffix = []byte{0x00, 0x00, 0xff, 0xff}

// errInflaterReset aborts the decode goroutine when the stream is torn
// down on reconnect.
var errInflaterReset = errors.New("gateway: inflater reset")

// inflater reassembles logical messages from the connection-long zlib
// stream. WebSocket frames are fed in as they arrive; a non-nil result
// is returned once a frame closes a message at the sync-flush boundary.
//
// Decompression runs on a companion goroutine reading from an io.Pipe,
// because a zlib reader wants a blocking stream, not frame-sized chunks.
// feed synchronizes with that goroutine through the pipe: a pipe write
// returns only once the decoder has consumed the bytes, and the decoder
// proves it has fully processed them by coming back to the pipe for more
// input with nothing left pending. At that instant every decompressed
// byte of the message has been collected, and feed cuts the message.
//
// inflater is driven from the transport read loop only; it is not safe
// for concurrent feeds.
type inflater struct {
	stream *inflateStream
}

func newInflater() *inflater {
	return &inflater{stream: newInflateStream()}
}

// feed passes one WebSocket frame into the stream. Returns the completed
// message when the frame ends at the sync-flush boundary, nil when the
// message is still fragmented. An error means the stream is corrupt and
// the connection must be torn down.
func (inf *inflater) feed(frame []byte) ([]byte, error) {
	return inf.stream.feed(frame)
}

// reset discards all stream state and starts a fresh stream. Must be
// called on every reconnect — the server starts a fresh zlib stream per
// connection.
func (inf *inflater) reset() {
	inf.stream.close()
	inf.stream = newInflateStream()
}

// close tears the stream down without starting a new one. The inflater
// is unusable afterwards; connections create a fresh one.
func (inf *inflater) close() {
	inf.stream.close()
}

// inflateStream is the state of one connection's zlib stream.
type inflateStream struct {
	pw     *io.PipeWriter
	source *pipeSource

	mu  sync.Mutex
	out bytes.Buffer
	err error
}

func newInflateStream() *inflateStream {
	pr, pw := io.Pipe()
	stream := &inflateStream{
		pw:     pw,
		source: newPipeSource(pr),
	}
	go stream.decodeLoop()
	return stream
}

// decodeLoop drains the zlib reader, collecting decompressed output
// until the pipe is closed or the stream errors. The zlib reader is
// created here because its constructor blocks until the stream header
// arrives with the first frame.
func (s *inflateStream) decodeLoop() {
	defer s.source.markDone()

	reader, err := zlib.NewReader(s.source)
	if err != nil {
		s.fail(fmt.Errorf("gateway: zlib stream header: %w", err))
		return
	}
	defer reader.Close()

	buf := make([]byte, 32<<10)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.out.Write(buf[:n])
			s.mu.Unlock()
		}
		if err != nil {
			s.fail(fmt.Errorf("gateway: zlib stream: %w", err))
			return
		}
	}
}

func (s *inflateStream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *inflateStream) feed(frame []byte) ([]byte, error) {
	// Register the frame before writing it: any idle input request the
	// decoder makes after this point proves the whole frame has been
	// decompressed and collected.
	waitpoint := s.source.expect(len(frame))

	if _, err := s.pw.Write(frame); err != nil {
		return nil, s.takeError(err)
	}

	if !bytes.HasSuffix(frame, zlibSuffix) {
		// Message still fragmented across frames; keep accumulating.
		return nil, nil
	}

	if !s.source.awaitIdle(waitpoint) {
		// Decoder exited instead of asking for more input: stream error.
		return nil, s.takeError(errInflaterReset)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	message := make([]byte, s.out.Len())
	copy(message, s.out.Bytes())
	s.out.Reset()
	return message, nil
}

// takeError prefers the decode goroutine's diagnosis over the generic
// pipe error.
func (s *inflateStream) takeError(fallback error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	return fallback
}

func (s *inflateStream) close() {
	s.pw.CloseWithError(errInflaterReset)
}

// pipeSource wraps the pipe's read end with consumption accounting. An
// "idle entry" is an input request made when every written byte has
// already been consumed — the decoder's signal that it has finished
// processing all prior input and wants the next message.
type pipeSource struct {
	pr *io.PipeReader

	mu          sync.Mutex
	cond        *sync.Cond
	written     int64
	consumed    int64
	idleEntries int
	done        bool
}

func newPipeSource(pr *io.PipeReader) *pipeSource {
	source := &pipeSource{pr: pr}
	source.cond = sync.NewCond(&source.mu)
	return source
}

func (p *pipeSource) Read(buf []byte) (int, error) {
	p.mu.Lock()
	if p.consumed == p.written {
		p.idleEntries++
		p.cond.Broadcast()
	}
	p.mu.Unlock()

	n, err := p.pr.Read(buf)

	p.mu.Lock()
	p.consumed += int64(n)
	p.mu.Unlock()
	return n, err
}

// expect records that n more bytes are about to be written and returns
// the current idle-entry count. Pass the count to awaitIdle after the
// write: only idle entries made once those bytes were consumed can push
// the count past it.
func (p *pipeSource) expect(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written += int64(n)
	return p.idleEntries
}

// awaitIdle blocks until the decoder makes an idle input request after
// the waitpoint, or returns false if the decode loop exited.
func (p *pipeSource) awaitIdle(waitpoint int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.idleEntries <= waitpoint && !p.done {
		p.cond.Wait()
	}
	return !p.done
}

// markDone wakes any feed waiting on a decoder that is exiting.
func (p *pipeSource) markDone() {
	p.mu.Lock()
	p.done = true
	p.cond.Broadcast()
	p.mu.Unlock()
}
