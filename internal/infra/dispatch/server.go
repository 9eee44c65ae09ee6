// Package dispatch accepts framed analysis requests over a byte stream
// (TCP or stdio), validates and decodes them, submits them to the
// orchestrator, and writes framed responses. Requests on one connection are
// decoded one at a time but orchestrated concurrently; responses surface in
// completion order, tagged by request id.
package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/thestingr/ghidrad/internal/application/pipeline"
	domain "github.com/thestingr/ghidrad/internal/domain/analysis"
)

// maxFrameBytes bounds one request line; oversized frames fail that request
// only, not the connection.
const maxFrameBytes = 4 << 20

// errFrameTooLong marks a line that exceeded maxFrameBytes.
var errFrameTooLong = errors.New("dispatch: frame too long")

type Server struct {
	orch   *pipeline.Service
	logger *slog.Logger

	mu        sync.Mutex
	ln        net.Listener
	conns     map[net.Conn]struct{}
	closed    bool
	accepting atomic.Bool

	wg sync.WaitGroup
}

func NewServer(orch *pipeline.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		orch:   orch,
		logger: logger,
		conns:  make(map[net.Conn]struct{}),
	}
}

// Listen binds the TCP transport and starts accepting connections.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("dispatch: listen %s: %w", addr, err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return fmt.Errorf("dispatch: server closed")
	}
	s.ln = ln
	s.mu.Unlock()

	s.accepting.Store(true)
	s.wg.Add(1)
	go s.acceptLoop(ln)
	s.logger.Info("dispatcher listening", "addr", ln.Addr().String())
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.accepting.Store(false)
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.dropConn(conn)
			s.serveStream(conn, conn)
		}()
	}
}

// ServeStdio serves one session over standard input/output, the transport
// the MCP-style deployment uses. Blocks until EOF or ctx cancellation.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.serveStream(r, w)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// serveStream decodes frames one at a time and serializes all responses for
// this stream through a single writer goroutine.
func (s *Server) serveStream(r io.Reader, w io.Writer) {
	responses := make(chan ResponseFrame, 16)
	var writerWg sync.WaitGroup
	writerWg.Add(1)
	go func() {
		defer writerWg.Done()
		enc := json.NewEncoder(w)
		for frame := range responses {
			if err := enc.Encode(frame); err != nil {
				s.logger.Warn("response write failed", "request", frame.ID, "error", err)
				// the peer is gone; keep draining so pending responders
				// never block sending into a dead writer
				for range responses {
				}
				return
			}
		}
	}()

	var pending sync.WaitGroup
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := readFrame(br)
		if errors.Is(err, errFrameTooLong) {
			responses <- errorResponse("", fmt.Errorf("%w: frame exceeds %d bytes",
				domain.ErrDecode, maxFrameBytes))
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("connection read ended", "error", err)
			}
			break
		}
		if len(line) == 0 {
			continue
		}
		s.handleFrame(line, responses, &pending)
	}

	pending.Wait()
	close(responses)
	writerWg.Wait()
}

// readFrame returns the next newline-delimited frame. A line longer than
// maxFrameBytes is discarded to its terminating newline and reported as
// errFrameTooLong, so the oversized request fails without ending the stream.
func readFrame(br *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := br.ReadSlice('\n')
		buf = append(buf, chunk...)
		switch {
		case err == nil, errors.Is(err, io.EOF) && len(bytes.TrimRight(buf, "\r\n")) > 0:
			line := bytes.TrimRight(buf, "\r\n")
			if len(line) > maxFrameBytes {
				return nil, errFrameTooLong
			}
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			if len(buf) > maxFrameBytes {
				return nil, discardLine(br)
			}
		default:
			return nil, err
		}
	}
}

// discardLine consumes the rest of an oversized line.
func discardLine(br *bufio.Reader) error {
	for {
		_, err := br.ReadSlice('\n')
		switch {
		case err == nil:
			return errFrameTooLong
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return err
		}
	}
}

// handleFrame decodes one line and submits it. A malformed frame fails that
// request, never the connection; an unknown kind is rejected, never coerced.
func (s *Server) handleFrame(line []byte, responses chan<- ResponseFrame, pending *sync.WaitGroup) {
	var frame RequestFrame
	if err := json.Unmarshal(line, &frame); err != nil {
		responses <- errorResponse(frame.ID, fmt.Errorf("%w: %v", domain.ErrDecode, err))
		return
	}

	if frame.Kind == KindCancel {
		s.handleCancel(frame, responses)
		return
	}

	id := frame.ID
	if id == "" {
		id = uuid.New().String()
	}
	params, err := scalarParams(frame.Params)
	if err != nil {
		responses <- errorResponse(id, err)
		return
	}

	req := domain.Request{
		ID:      domain.RequestID(id),
		Kind:    domain.Kind(frame.Kind),
		Target:  frame.Target,
		Project: frame.Project,
		Params:  params,
	}
	if frame.DeadlineMS > 0 {
		req.Deadline = time.Duration(frame.DeadlineMS) * time.Millisecond
	}

	updates, err := s.orch.Submit(req)
	if err != nil {
		responses <- errorResponse(id, err)
		return
	}

	// orchestrate concurrently; the second request on a connection does not
	// wait for the first's result
	pending.Add(1)
	go func() {
		defer pending.Done()
		for upd := range updates {
			if upd.Result != nil {
				responses <- resultResponse(upd.Result)
				return
			}
		}
		// stream closed without a terminal result: pipeline invariant broken
		responses <- errorResponse(id, fmt.Errorf("%w: update stream ended without result",
			domain.ErrInvariantViolation))
	}()
}

func (s *Server) handleCancel(frame RequestFrame, responses chan<- ResponseFrame) {
	target, _ := frame.Params["request_id"].(string)
	if target == "" {
		responses <- errorResponse(frame.ID, fmt.Errorf("%w: cancel frame missing params.request_id", domain.ErrDecode))
		return
	}
	if s.orch.Cancel(domain.RequestID(target)) {
		responses <- ResponseFrame{ID: frame.ID, Status: "ok"}
		return
	}
	responses <- errorResponse(frame.ID, fmt.Errorf("%w: unknown request %s", domain.ErrDecode, target))
}

// Accepting reports whether the TCP transport is accepting connections.
// The supervisor health loop reads this.
func (s *Server) Accepting() bool { return s.accepting.Load() }

// Addr returns the bound listener address, nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) dropConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

// Close stops accepting, closes every connection, and waits for in-flight
// streams to drain their responses.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	ln := s.ln
	s.ln = nil
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.accepting.Store(false)
	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
}
