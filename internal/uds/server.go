package uds

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"
)

// HandlerFunc serves one request. ctx is cancelled when the server stops.
type HandlerFunc func(ctx context.Context, req *Request) *Response

type Server struct {
	socketPath  string
	listener    net.Listener
	handlers    map[string]HandlerFunc
	mu          sync.RWMutex
	connTimeout time.Duration
	logger      *log.Logger
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
}

func NewServer(socketPath string) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath:  socketPath,
		handlers:    make(map[string]HandlerFunc),
		connTimeout: 30 * time.Second,
		logger:      log.New(io.Discard, "", 0),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *Server) SetConnTimeout(d time.Duration) {
	s.connTimeout = d
}

// SetLogger routes connection-level errors to l.
func (s *Server) SetLogger(l *log.Logger) {
	s.logger = l
}

func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

func (s *Server) SocketPath() string { return s.socketPath }

func (s *Server) Start() error {
	// a stale socket from a crashed daemon blocks Listen
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
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
				s.logger.Printf("uds: accept error=%v", err)
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.logger.Printf("uds: read request error=%v", err)
		return
	}

	resp := s.dispatch(&req)
	if err := WriteFrame(conn, resp); err != nil {
		s.logger.Printf("uds: write response command=%s error=%v", req.Command, err)
	}
}

func (s *Server) dispatch(req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("uds: panic command=%s: %v\n%s", req.Command, r, debug.Stack())
			resp = ErrorResponse(ErrCodeInternal, fmt.Sprintf("handler panic: %v", r))
		}
	}()

	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(
			ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion),
		)
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.connTimeout)
	defer cancel()
	return handler(ctx, req)
}
