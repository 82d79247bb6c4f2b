// Package server is the UDP request-loop harness around the resolver core:
// it binds the listen address, receives datagrams, dispatches each one to
// the recursive resolver, and replies with the result.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/CentauriSolutions/dnsafe/internal/dns/packet"
	"github.com/CentauriSolutions/dnsafe/internal/metrics"
	"github.com/CentauriSolutions/dnsafe/internal/resolver"
)

// Server listens for UDP DNS queries and answers them via Resolver.
type Server struct {
	Addr        string
	WorkerCount int
	Logger      *slog.Logger
	Resolver    *resolver.Resolver

	limiter  *rateLimiter
	udpQueue chan udpTask
}

type udpTask struct {
	addr net.Addr
	data []byte
	conn net.PacketConn
}

// NewServer builds a Server bound to addr that answers queries via res.
func NewServer(addr string, res *resolver.Resolver, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Addr:        addr,
		Resolver:    res,
		WorkerCount: runtime.NumCPU() * 4,
		Logger:      logger,
		limiter:     newRateLimiter(2000, 1000),
		udpQueue:    make(chan udpTask, 4096),
	}

	go func() {
		for {
			time.Sleep(5 * time.Minute)
			s.limiter.Cleanup()
		}
	}()

	return s
}

// Run starts runtime.NumCPU() parallel SO_REUSEPORT UDP listeners and a pool
// of workers draining them, blocking until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	s.Logger.Info("starting resolver", "addr", s.Addr, "listeners", runtime.NumCPU())

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			if err := c.Control(func(fd uintptr) {
				ctrlErr = setReusePort(fd)
			}); err != nil {
				return err
			}
			return ctrlErr
		},
	}

	for i := 0; i < runtime.NumCPU(); i++ {
		conn, err := lc.ListenPacket(ctx, "udp", s.Addr)
		if err != nil {
			return fmt.Errorf("listen udp %s: %w", s.Addr, err)
		}
		go s.acceptLoop(conn)
	}

	for i := 0; i < s.WorkerCount; i++ {
		go s.udpWorker()
	}

	<-ctx.Done()
	return ctx.Err()
}

func (s *Server) acceptLoop(conn net.PacketConn) {
	defer func() { _ = conn.Close() }()
	for {
		buf := make([]byte, packet.FixedCapacity)
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		s.udpQueue <- udpTask{addr: addr, data: data, conn: conn}
	}
}

func (s *Server) udpWorker() {
	for task := range s.udpQueue {
		s.handleUDPConnection(task.conn, task.addr, task.data)
	}
}

func (s *Server) handleUDPConnection(pc net.PacketConn, addr net.Addr, data []byte) {
	resp := s.HandlePacket(data, addr)
	if resp == nil {
		return
	}
	if _, err := pc.WriteTo(resp, addr); err != nil {
		s.Logger.Error("write response failed", "addr", addr, "error", err)
	}
}

// HandlePacket parses a single inbound datagram, resolves its question via
// Resolver, and returns the marshaled response bytes, or nil if the request
// was rate-limited or too malformed to answer at all.
func (s *Server) HandlePacket(data []byte, addr net.Addr) []byte {
	requestID := uuid.NewString()
	logger := s.Logger.With("request_id", requestID, "client", addr.String())

	if host, _, err := net.SplitHostPort(addr.String()); err == nil {
		if !s.limiter.Allow(host) {
			logger.Warn("rate limit exceeded")
			return nil
		}
	}

	in := packet.NewFixedBuffer()
	in.Load(data)
	req := packet.NewMessage()
	if err := req.Unmarshal(in); err != nil {
		logger.Warn("malformed request", "error", err)
		return nil
	}

	resp := packet.NewMessage()
	resp.Header.ID = req.Header.ID
	resp.Header.Response = true
	resp.Header.RecursionDesired = req.Header.RecursionDesired
	resp.Header.RecursionAvailable = true

	if len(req.Questions) == 0 {
		resp.Header.ResCode = packet.FORMERR
		return s.marshal(resp, logger)
	}

	q := req.Questions[0]
	resp.Questions = []packet.Question{q}

	start := time.Now()
	result, err := s.Resolver.RecursiveLookup(context.Background(), q.Name, q.QType)
	metrics.QueryDuration.WithLabelValues("total").Observe(time.Since(start).Seconds())
	if err != nil {
		logger.Error("recursive lookup failed", "qname", q.Name, "error", err)
		resp.Header.ResCode = packet.SERVFAIL
		return s.marshal(resp, logger)
	}

	resp.Header.ResCode = result.Header.ResCode
	resp.Answers = result.Answers
	resp.Authorities = result.Authorities
	resp.Resources = result.Resources

	logger.Info("resolved", "qname", q.Name, "qtype", q.QType.String(), "rcode", resp.Header.ResCode.String(), "answers", len(resp.Answers))
	return s.marshal(resp, logger)
}

func (s *Server) marshal(resp *packet.Message, logger *slog.Logger) []byte {
	out := packet.NewGrowableBuffer()
	if err := resp.Marshal(out); err != nil {
		logger.Error("marshal response failed", "error", err)
		return nil
	}
	return out.Bytes()
}
