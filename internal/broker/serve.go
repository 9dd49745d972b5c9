package broker

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/devit-tools/devit-mcpd/internal/journal"
	"github.com/devit-tools/devit-mcpd/internal/wire"
)

// drainGrace bounds how long Draining keeps answering queued frames
// before the process exits.
const drainGrace = 200 * time.Millisecond

// inFrame is one unit of work from the reader goroutine.
type inFrame struct {
	line      []byte
	oversized bool
	size      int
	err       error
}

// Serve runs the session until EOF or the watchdog deadline. It returns
// the process exit code. Responses go to w; diagnostics to stderr only.
func (s *Server) Serve(r io.Reader, w io.Writer) int {
	s.started = s.now()
	if s.opts.MaxRuntimeSecs > 0 {
		s.deadline = s.started.Add(time.Duration(s.opts.MaxRuntimeSecs) * time.Second)
	}

	frames := make(chan inFrame)
	go readFrames(r, s.opts.MaxJSONKB*1024, frames)

	var watchdog <-chan time.Time
	if !s.deadline.IsZero() {
		t := time.NewTimer(s.deadline.Sub(s.now()))
		defer t.Stop()
		watchdog = t.C
	}

	for {
		select {
		case <-watchdog:
			return s.drain(nil, frames, w)
		case f, ok := <-frames:
			if !ok || f.err == io.EOF {
				return ExitClean
			}
			if f.err != nil {
				fmt.Fprintf(os.Stderr, "devit-mcpd: reading stdin: %v\n", f.err)
				return ExitClean
			}
			if !s.deadline.IsZero() && s.now().After(s.deadline) {
				return s.drain(&f, frames, w)
			}
			if !s.handleFrame(f, w) {
				return ExitFatal
			}
		}
	}
}

// readFrames feeds the loop from its own goroutine so the watchdog can
// fire while the broker is blocked on stdin.
func readFrames(r io.Reader, maxBytes int, out chan<- inFrame) {
	reader := wire.NewReader(r, maxBytes)
	for {
		line, oversized, size, err := reader.ReadLine()
		out <- inFrame{line: line, oversized: oversized, size: size, err: err}
		if err != nil {
			close(out)
			return
		}
	}
}

// drain is the watchdog path: journal the trip, say so once on stderr,
// refuse the pending frame (if any) and anything else already queued with
// shutting_down, then exit 2 after the bounded grace.
func (s *Server) drain(pending *inFrame, frames <-chan inFrame, w io.Writer) int {
	if err := s.journalRecord(journal.Record{
		Actor:   "broker",
		Action:  "watchdog_exceeded",
		Outcome: "drain",
	}); err != nil {
		fmt.Fprintf(os.Stderr, "devit-mcpd: %v\n", err)
	}
	fmt.Fprintln(os.Stderr, "max runtime exceeded")

	if pending != nil {
		s.refuse(*pending, w)
	}
	grace := time.After(drainGrace)
	for {
		select {
		case <-grace:
			return ExitFatal
		case f, ok := <-frames:
			if !ok || f.err != nil {
				return ExitFatal
			}
			s.refuse(f, w)
		}
	}
}

// refuse answers one frame with shutting_down during the drain.
func (s *Server) refuse(f inFrame, w io.Writer) {
	if f.err != nil {
		return
	}
	_ = wire.WriteFrame(w, wire.Fail(wire.TypeError, wire.NewError(wire.TagShuttingDown)))
}

// handleFrame processes one inbound frame end to end. It returns false
// only on a fatal journal failure.
func (s *Server) handleFrame(f inFrame, w io.Writer) bool {
	if f.oversized {
		if err := s.journalRecord(journal.Record{
			Actor:   "client",
			Action:  "request.oversized",
			Outcome: "rejected",
			Extra:   map[string]any{"bytes": f.size, "limit_kb": s.opts.MaxJSONKB},
		}); err != nil {
			return s.journalFatal(err)
		}
		return s.respond(w, wire.Fail(wire.TypeError,
			wire.NewError(wire.TagOversizedRequest, "limit_kb", s.opts.MaxJSONKB)))
	}

	var req wire.Request
	if err := json.Unmarshal(f.line, &req); err != nil || req.Type == "" {
		werr := wire.NewError(wire.TagInvalidJSON, "bytes", f.size)
		if serr, ok := err.(*json.SyntaxError); ok {
			werr.With("offset", serr.Offset)
		}
		if err == nil {
			werr.With("reason", "missing type")
		}
		if jerr := s.journalRecord(journal.Record{
			Actor:   "client",
			Action:  "request.invalid",
			Outcome: "rejected",
			Extra:   map[string]any{"bytes": f.size},
		}); jerr != nil {
			return s.journalFatal(jerr)
		}
		return s.respond(w, wire.Fail(wire.TypeError, werr))
	}

	rec := journal.Record{Actor: "client", Action: req.Type}
	if !s.handshaken && req.Type != wire.TypeHandshake {
		rec.Extra = map[string]any{"handshake": false}
	}

	switch req.Type {
	case wire.TypeHandshake:
		s.handshaken = true
		if err := s.journalRecord(rec); err != nil {
			return s.journalFatal(err)
		}
		return s.respond(w, wire.Result(wire.TypeHandshake, map[string]any{
			"server":  s.opts.Version,
			"session": s.sessionID,
		}))

	case wire.TypeVersion:
		if err := s.journalRecord(rec); err != nil {
			return s.journalFatal(err)
		}
		return s.respond(w, wire.Result(wire.TypeVersion, map[string]any{
			"server":      s.opts.Version,
			"server_name": "devit-mcpd",
		}))

	case wire.TypeCapabilities:
		if err := s.journalRecord(rec); err != nil {
			return s.journalFatal(err)
		}
		return s.respond(w, wire.Result(wire.TypeCapabilities, map[string]any{
			"tools": s.reg.MCPTools(),
		}))

	case wire.TypePing:
		if err := s.journalRecord(rec); err != nil {
			return s.journalFatal(err)
		}
		return s.respond(w, wire.Result(wire.TypePong, map[string]any{
			"ts": s.timestamp(),
		}))

	case wire.TypeApprove:
		// approve is shorthand for tool.call on server.approve.
		return s.dispatchToolCall(w, wire.ToolCallPayload{
			Name: "server.approve",
			Args: req.Payload,
		}, rec.Extra)

	case wire.TypeToolCall:
		var payload wire.ToolCallPayload
		if err := json.Unmarshal(req.Payload, &payload); err != nil || payload.Name == "" {
			if jerr := s.journalRecord(journal.Record{
				Actor:   "client",
				Action:  "tool.call",
				Outcome: "rejected",
				Extra:   map[string]any{"reason": "missing tool name"},
			}); jerr != nil {
				return s.journalFatal(jerr)
			}
			return s.respond(w, wire.Fail(wire.TypeToolError,
				wire.NewError(wire.TagSchemaError, "path", "/payload/name", "reason", "missing tool name")))
		}
		return s.dispatchToolCall(w, payload, rec.Extra)

	default:
		if err := s.journalRecord(journal.Record{
			Actor:   "client",
			Action:  "request.unsupported",
			Outcome: "rejected",
			Extra:   map[string]any{"type": req.Type},
		}); err != nil {
			return s.journalFatal(err)
		}
		return s.respond(w, wire.Fail(wire.TypeError,
			wire.NewError(wire.TagInvalidJSON, "reason", fmt.Sprintf("unsupported type %q", req.Type))))
	}
}

func (s *Server) respond(w io.Writer, resp *wire.Response) bool {
	if err := wire.WriteFrame(w, resp); err != nil {
		fmt.Fprintf(os.Stderr, "devit-mcpd: %v\n", err)
		return false
	}
	return true
}

func (s *Server) journalFatal(err error) bool {
	fmt.Fprintf(os.Stderr, "devit-mcpd: journal failure: %v\n", err)
	return false
}
