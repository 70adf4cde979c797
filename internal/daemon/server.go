package daemon

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/openstarry/core/internal/bus"
	"github.com/openstarry/core/internal/queue"
	"github.com/openstarry/core/internal/session"
)

func currentPID() int { return os.Getpid() }

var sessionIDRE = regexp.MustCompile(sessionIDPattern)

const (
	defaultReplayCount = 50
	slowClientGrace    = 5 * time.Second
)

// AgentInfo identifies the running agent for status/attach responses.
type AgentInfo struct {
	ID      string
	Name    string
	Version string
}

// Server is the daemon's length-delimited-JSON RPC endpoint: it serves
// agent.* and daemon.* methods over a local socket/named pipe and fans out
// bus-derived notifications to every client subscribed to a session.
type Server struct {
	info      AgentInfo
	startedAt time.Time

	sessions *session.Manager
	queue    *queue.Queue
	bus      *bus.Bus
	logger   *slog.Logger

	replayCount int

	mu            sync.Mutex
	listener      net.Listener
	conns         map[*conn]struct{}
	subsBySession map[string]map[*conn]struct{}
	closed        bool
}

// NewServer constructs a Server. replayCount <= 0 falls back to
// defaultReplayCount.
func NewServer(info AgentInfo, sessions *session.Manager, q *queue.Queue, b *bus.Bus, logger *slog.Logger, replayCount int) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if replayCount <= 0 {
		replayCount = defaultReplayCount
	}
	return &Server{
		info:          info,
		startedAt:     time.Now(),
		sessions:      sessions,
		queue:         q,
		bus:           b,
		logger:        logger,
		replayCount:   replayCount,
		conns:         make(map[*conn]struct{}),
		subsBySession: make(map[string]map[*conn]struct{}),
	}
}

// conn is one connected RPC client.
type conn struct {
	nc         net.Conn
	writeMu    sync.Mutex
	sessions   map[string]struct{}
	slowTimer  *time.Timer
	slowMu     sync.Mutex
	pendingAck chan struct{}
}

// ListenAndServe binds the platform default endpoint at endpointPath and
// serves on it until the server is closed.
func (s *Server) ListenAndServe(endpointPath string) error {
	l, err := listen(endpointPath)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve accepts connections on l until the server is closed. Each connection
// is served on its own goroutine.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	for {
		nc, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		c := &conn{nc: nc, sessions: make(map[string]struct{})}
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		go s.handleConn(c)
	}
}

// Close stops accepting connections and disconnects every client.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	l := s.listener
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.nc.Close()
	}
	if l != nil {
		return l.Close()
	}
	return nil
}

func (s *Server) handleConn(c *conn) {
	defer s.dropConn(c)
	scanner := bufio.NewScanner(c.nc)
	scanner.Buffer(make([]byte, 4096), maxInputPayloadBytes*2)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		resp := s.dispatch(c, line)
		if resp != nil {
			s.writeTo(c, resp)
		}
	}
}

// dropConn removes c from every index and releases its slow-client timer.
func (s *Server) dropConn(c *conn) {
	c.nc.Close()
	c.slowMu.Lock()
	if c.slowTimer != nil {
		c.slowTimer.Stop()
	}
	c.slowMu.Unlock()

	s.mu.Lock()
	delete(s.conns, c)
	for sid := range c.sessions {
		if set, ok := s.subsBySession[sid]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(s.subsBySession, sid)
			}
		}
	}
	s.mu.Unlock()
}

func (s *Server) dispatch(c *conn, line []byte) *Response {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return ptr(errorResponse(nil, ErrCodeParse, "invalid JSON"))
	}
	if len(req.ID) == 0 || req.Method == "" {
		return ptr(errorResponse(req.ID, ErrCodeInvalidRequest, "request must carry id and method"))
	}

	result, rpcErr := s.call(c, req.Method, req.Params)
	if rpcErr != nil {
		return ptr(Response{ID: req.ID, Error: rpcErr})
	}
	return &Response{ID: req.ID, Result: result}
}

func (s *Server) call(c *conn, method string, params json.RawMessage) (any, *RPCError) {
	switch method {
	case "agent.ping":
		return map[string]any{"ok": true}, nil
	case "daemon.health":
		return HealthResult{OK: true, Version: s.info.Version}, nil
	case "agent.status":
		return s.status(), nil
	case "agent.stop":
		go func() { _ = s.Close() }()
		return map[string]any{"stopping": true}, nil
	case "agent.attach":
		var p AttachParams
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "bad attach params"}
			}
		}
		return s.attach(c, p)
	case "agent.detach":
		var p DetachParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "bad detach params"}
		}
		s.detach(c, p.SessionID)
		return map[string]any{"detached": true}, nil
	case "agent.input":
		return s.input(c, params)
	case "agent.list-clients":
		return s.listClients(), nil
	default:
		return nil, &RPCError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", method)}
	}
}

func (s *Server) status() StatusResult {
	return StatusResult{
		AgentID:       s.info.ID,
		AgentName:     s.info.Name,
		AgentVersion:  s.info.Version,
		PID:           currentPID(),
		SessionCount:  len(s.sessions.List()),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
}

func (s *Server) attach(c *conn, p AttachParams) (any, *RPCError) {
	sessionID := p.SessionID
	if sessionID != "" && !sessionIDRE.MatchString(sessionID) {
		return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "invalid session id"}
	}

	isNew := false
	var sid string
	if sessionID == "" {
		created := s.sessions.Create(nil)
		sid = created.ID
		isNew = true
	} else if existing := s.sessions.Get(sessionID); existing != nil {
		sid = existing.ID
	} else {
		created := s.sessions.Create(nil)
		sid = created.ID
		isNew = true
	}

	s.subscribe(c, sid)
	s.replay(c, sid)

	return AttachResult{
		SessionID:    sid,
		IsNew:        isNew,
		AgentID:      s.info.ID,
		AgentName:    s.info.Name,
		AgentVersion: s.info.Version,
	}, nil
}

func (s *Server) subscribe(c *conn, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.sessions[sessionID] = struct{}{}
	set, ok := s.subsBySession[sessionID]
	if !ok {
		set = make(map[*conn]struct{})
		s.subsBySession[sessionID] = set
	}
	set[c] = struct{}{}
}

func (s *Server) detach(c *conn, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(c.sessions, sessionID)
	if set, ok := s.subsBySession[sessionID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(s.subsBySession, sessionID)
		}
	}
}

// replay streams the tail of sessionID's transcript as agent.replay
// notifications, best-effort: a write failure here is handled the same as
// any other slow/dead client.
func (s *Server) replay(c *conn, sessionID string) {
	store := s.sessions.GetStateManager(sessionID)
	all := store.Snapshot()
	start := 0
	if len(all) > s.replayCount {
		start = len(all) - s.replayCount
	}
	for _, m := range all[start:] {
		s.writeTo(c, Notification{Event: "agent.replay", Data: map[string]any{"sessionId": sessionID, "message": m}})
	}
}

func (s *Server) input(c *conn, params json.RawMessage) (any, *RPCError) {
	var p InputParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "bad input params"}
	}
	if p.SessionID != "" && !sessionIDRE.MatchString(p.SessionID) {
		return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "invalid session id"}
	}
	if !allowedInputTypes[p.Type] {
		return nil, &RPCError{Code: ErrCodeInvalidParams, Message: fmt.Sprintf("unsupported input type %q", p.Type)}
	}
	raw, _ := json.Marshal(p.Data)
	if len(raw) > maxInputPayloadBytes {
		return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "input payload too large"}
	}

	s.queue.Push(queue.InputEvent{SessionID: p.SessionID, Data: p.Data})
	return map[string]any{"enqueued": true}, nil
}

func (s *Server) listClients() []ClientInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ClientInfo, 0, len(s.conns))
	for c := range s.conns {
		for sid := range c.sessions {
			out = append(out, ClientInfo{SessionID: sid, RemoteAddr: c.nc.RemoteAddr().String()})
		}
	}
	return out
}

// BroadcastToSession writes notif to every client subscribed to sessionID.
func (s *Server) BroadcastToSession(sessionID string, notif Notification) {
	s.mu.Lock()
	set := s.subsBySession[sessionID]
	targets := make([]*conn, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		s.writeTo(c, notif)
	}
}

// detectBackPressureAfter is how long writeTo waits for a write to complete
// before treating it as back-pressure and arming the slow-client timer.
const detectBackPressureAfter = 20 * time.Millisecond

// writeTo serialises v as one newline-terminated JSON line. A write that
// doesn't drain promptly is treated as back-pressure: a 5s slow-client
// eviction timer starts, cancelled if the write completes before it fires.
func (s *Server) writeTo(c *conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	data = append(data, '\n')

	done := make(chan error, 1)
	go func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		_, err := c.nc.Write(data)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			s.dropConn(c)
		}
		return
	case <-time.After(detectBackPressureAfter):
	}

	s.armSlowTimer(c)
	err = <-done
	s.cancelSlowTimer(c)
	if err != nil {
		s.dropConn(c)
	}
}

func (s *Server) armSlowTimer(c *conn) {
	c.slowMu.Lock()
	defer c.slowMu.Unlock()
	if c.slowTimer != nil {
		return
	}
	c.slowTimer = time.AfterFunc(slowClientGrace, func() {
		s.logger.Warn("evicting slow client", "remote", c.nc.RemoteAddr())
		s.dropConn(c)
	})
}

func (s *Server) cancelSlowTimer(c *conn) {
	c.slowMu.Lock()
	defer c.slowMu.Unlock()
	if c.slowTimer != nil {
		c.slowTimer.Stop()
		c.slowTimer = nil
	}
}

func ptr(r Response) *Response { return &r }
