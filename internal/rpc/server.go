// Package rpc exposes the workspace tracker as a newline-delimited JSON
// protocol over a unix socket.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trellishq/trellis/internal/bulk"
	"github.com/trellishq/trellis/internal/debug"
	"github.com/trellishq/trellis/internal/deletion"
	"github.com/trellishq/trellis/internal/issueops"
	"github.com/trellishq/trellis/internal/storage"
	"github.com/trellishq/trellis/internal/template"
)

// ServerVersion is reported by ping and health. Overridden at daemon
// startup from the build version.
var ServerVersion = "0.0.0"

// Server serves tracker operations over a unix socket. One goroutine per
// connection; requests on a connection are handled in order.
type Server struct {
	sockPath string
	store    storage.Adapter
	svc      *issueops.Service
	planner  *deletion.Planner
	expander *template.Expander
	engine   *bulk.Engine

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	shutdown bool
	conns    map[net.Conn]struct{}
	handlers map[string]func(context.Context, *Request) *Response

	startTime      time.Time
	metrics        *Metrics
	maxConns       int
	connSemaphore  chan struct{}
	activeConns    int32
	requestTimeout time.Duration

	// defaultIssueLimit pages list responses when the caller sets no limit.
	defaultIssueLimit int
}

// DefaultIssueLimit pages list responses when neither the request nor the
// configuration says otherwise.
const DefaultIssueLimit = 50

// NewServer wires an RPC server over the tracker services. Connection and
// timeout limits come from TRELLIS_DAEMON_MAX_CONNS and
// TRELLIS_DAEMON_REQUEST_TIMEOUT when set.
func NewServer(sockPath string, store storage.Adapter, svc *issueops.Service, planner *deletion.Planner, expander *template.Expander, engine *bulk.Engine) *Server {
	maxConns := 100
	if env := os.Getenv("TRELLIS_DAEMON_MAX_CONNS"); env != "" {
		var n int
		if _, err := fmt.Sscanf(env, "%d", &n); err == nil && n > 0 {
			maxConns = n
		}
	}
	requestTimeout := 60 * time.Second
	if env := os.Getenv("TRELLIS_DAEMON_REQUEST_TIMEOUT"); env != "" {
		if d, err := time.ParseDuration(env); err == nil && d > 0 {
			requestTimeout = d
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		sockPath:       sockPath,
		store:          store,
		svc:            svc,
		planner:        planner,
		expander:       expander,
		engine:         engine,
		ctx:            ctx,
		cancel:         cancel,
		conns:          make(map[net.Conn]struct{}),
		startTime:      time.Now(),
		metrics:        NewMetrics(),
		maxConns:       maxConns,
		connSemaphore:  make(chan struct{}, maxConns),
		requestTimeout: requestTimeout,

		defaultIssueLimit: DefaultIssueLimit,
	}
	s.initHandlers()
	return s
}

// SetDefaultIssueLimit overrides the page size applied to list requests that
// carry no limit. Call before Start.
func (s *Server) SetDefaultIssueLimit(n int) {
	if n > 0 {
		s.defaultIssueLimit = n
	}
}

func (s *Server) initHandlers() {
	s.handlers = map[string]func(context.Context, *Request) *Response{
		OpPing:     s.handlePing,
		OpHealth:   s.handleHealth,
		OpMetrics:  s.handleMetrics,
		OpShutdown: s.handleShutdown,

		OpCreateProject:   s.handleCreateProject,
		OpCreateComponent: s.handleCreateComponent,
		OpCreateMilestone: s.handleCreateMilestone,
		OpCreateTemplate:  s.handleCreateTemplate,

		OpCreateIssue:    s.handleCreateIssue,
		OpCreateSubissue: s.handleCreateSubissue,
		OpUpdateIssue:    s.handleUpdateIssue,
		OpGetIssue:       s.handleGetIssue,
		OpListIssues:     s.handleListIssues,

		OpDeleteIssue:     s.handleDeleteIssue,
		OpDeleteProject:   s.handleDeleteProject,
		OpDeleteComponent: s.handleDeleteComponent,
		OpDeleteMilestone: s.handleDeleteMilestone,

		OpBulkCreateIssues: s.handleBulkCreateIssues,
		OpBulkUpdateIssues: s.handleBulkUpdateIssues,
		OpBulkDeleteIssues: s.handleBulkDeleteIssues,

		OpValidateDeletion:        s.handleValidateDeletion,
		OpCreateIssueFromTemplate: s.handleCreateIssueFromTemplate,

		OpBulkStatus: s.handleBulkStatus,
		OpBulkCancel: s.handleBulkCancel,
	}
}

// Metrics returns the server's metrics collector.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Start begins listening on the unix socket. The socket is owner-only; a
// stale socket file from a previous run is removed first.
func (s *Server) Start() error {
	if err := os.Remove(s.sockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", s.sockPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket %s: %w", s.sockPath, err)
	}
	s.listener = listener

	if err := os.Chmod(s.sockPath, 0600); err != nil {
		s.listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.wg.Add(1)
	go s.acceptLoop()
	debug.Logf("rpc: listening on %s\n", s.sockPath)
	return nil
}

// Stop gracefully stops the server: no new connections, existing handlers
// drain, socket file removed.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	// Unblock connection readers so the drain below terminates. In-flight
	// handlers finish through the cancelled context.
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()

	if err := os.Remove(s.sockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove socket: %w", err)
	}
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				fmt.Fprintf(os.Stderr, "Error accepting connection: %v\n", err)
				continue
			}
		}

		select {
		case s.connSemaphore <- struct{}{}:
		default:
			s.metrics.RecordRejectedConnection()
			conn.Close()
			continue
		}

		s.metrics.RecordConnection()
		atomic.AddInt32(&s.activeConns, 1)
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		atomic.AddInt32(&s.activeConns, -1)
		<-s.connSemaphore
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	writer := bufio.NewWriter(conn)

	for scanner.Scan() {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			s.sendResponse(writer, NewErrorResponse(fmt.Errorf("invalid request JSON: %w", err)))
			continue
		}
		s.sendResponse(writer, s.handleRequest(&req))
	}

	if err := scanner.Err(); err != nil {
		debug.Logf("rpc: connection read error: %v\n", err)
	}
}

func (s *Server) sendResponse(writer *bufio.Writer, resp *Response) {
	raw, err := json.Marshal(resp)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling response: %v\n", err)
		return
	}
	if _, err := writer.Write(raw); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing response: %v\n", err)
		return
	}
	if err := writer.WriteByte('\n'); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing newline: %v\n", err)
		return
	}
	if err := writer.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "Error flushing response: %v\n", err)
	}
}

// reqCtx derives the per-request context: bounded by the request timeout and
// cancelled on server shutdown.
func (s *Server) reqCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, s.requestTimeout)
}

func (s *Server) handleRequest(req *Request) *Response {
	handler, ok := s.handlers[req.Operation]
	if !ok {
		return NewErrorResponse(fmt.Errorf("unknown operation: %s", req.Operation))
	}

	ctx, cancel := s.reqCtx()
	defer cancel()

	start := time.Now()
	resp := handler(ctx, req)
	s.metrics.RecordRequest(req.Operation, time.Since(start))
	if !resp.Success {
		s.metrics.RecordError(req.Operation)
	}
	return resp
}
