// Package cmdserver is the loopback-only UDP listener for the
// command-wire protocol arbitrated by cmdproto: fixed-length,
// zero-padded requests in, fixed-length zero-padded replies out
// (spec.md §4.7). A request must already be padded out to its reply's
// size before cmdproto.ValidateRequest accepts it, which is the
// protocol's actual anti-amplification invariant — a spoofed request
// can never be smaller than the reply it elicits. It plays chrony's
// UDP command-socket role; the admin package's HTTP surface is a
// separate, read-only JSON convenience view over the same underlying
// state.
package cmdserver

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"

	"go.uber.org/zap"

	"github.com/timewarden/timewardend/cmdproto"
	"github.com/timewarden/timewardend/discipline"
	"github.com/timewarden/timewardend/rawclock"
	"github.com/timewarden/timewardend/smooth"
	"github.com/timewarden/timewardend/sourceset"
)

// headerLength is the fixed command header every request and reply
// shares ahead of its version-specific body: a one-byte protocol
// version, a one-byte packet type, and a two-byte big-endian code.
const headerLength = 4

const (
	pktTypeRequest byte = 1
	pktTypeReply   byte = 2
)

// Deps are the subsystems the command server reports on. Like admin.Deps,
// this never holds anything that lets a request mutate daemon state:
// the wire protocol arbitrated here is a read-only status channel.
type Deps struct {
	Sources    *sourceset.Registry
	Discipline *discipline.Engine
	// Smoother is optional; when set and enabled, CodeTracking reports
	// the smoother's hidden frequency instead of the discipline
	// engine's base frequency (spec.md §4.5). The error bound still
	// comes from the engine.
	Smoother *smooth.Smoother
}

// Server is a bound, not-yet-serving command-protocol listener.
type Server struct {
	conn *net.UDPConn
	log  *zap.Logger
	deps Deps
}

// New binds a loopback UDP socket at addr (chrony's own command port is
// "127.0.0.1:323") and returns a Server ready for Serve.
func New(addr string, deps Deps, log *zap.Logger) (*Server, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("cmdserver: resolving %q: %w", addr, err)
	}
	if udpAddr.IP == nil || !udpAddr.IP.IsLoopback() {
		return nil, fmt.Errorf("cmdserver: refusing to bind non-loopback address %q", addr)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("cmdserver: binding %q: %w", addr, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{conn: conn, log: log, deps: deps}, nil
}

// Serve reads and answers requests until the socket is closed, at which
// point it returns nil.
func (s *Server) Serve() error {
	buf := make([]byte, 512)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		reply, ok := s.handle(buf[:n])
		if !ok {
			continue
		}
		if _, err := s.conn.WriteToUDP(reply, from); err != nil {
			s.log.Warn("cmdserver: reply write failed", zap.Error(err))
		}
	}
}

// Close releases the listening socket, unblocking Serve.
func (s *Server) Close() error { return s.conn.Close() }

func (s *Server) handle(req []byte) ([]byte, bool) {
	if len(req) < headerLength || req[1] != pktTypeRequest {
		return nil, false
	}
	version := cmdproto.Version(req[0])
	code := cmdproto.Code(binary.BigEndian.Uint16(req[2:4]))

	if err := cmdproto.ValidateRequest(version, code, len(req)); err != nil {
		s.log.Debug("cmdserver: rejecting malformed request", zap.Error(err))
		return nil, false
	}
	replyLength, _ := cmdproto.ReplyLength(version, code)
	return cmdproto.PadReply(s.buildReply(version, code), replyLength), true
}

func (s *Server) buildReply(version cmdproto.Version, code cmdproto.Code) []byte {
	head := make([]byte, headerLength)
	head[0] = byte(version)
	head[1] = pktTypeReply
	binary.BigEndian.PutUint16(head[2:4], uint16(code))

	switch code {
	case cmdproto.CodeTracking:
		if s.deps.Discipline == nil {
			return head
		}
		now := rawclock.Now()
		_, errBound := s.deps.Discipline.OffsetConvert(now)
		freq := s.deps.Discipline.ReadFrequency()
		// When a smoother is configured, report its hidden frequency instead
		// of the engine's raw one: downstream clients should see the
		// shaped correction, not the slew chrony itself is applying
		// (spec.md §4.5).
		if s.deps.Smoother != nil && s.deps.Smoother.Enabled() {
			_, freq = s.deps.Smoother.Query(now)
		}
		body := make([]byte, 16)
		binary.BigEndian.PutUint64(body[0:8], math.Float64bits(freq))
		binary.BigEndian.PutUint64(body[8:16], math.Float64bits(errBound))
		return append(head, body...)

	case cmdproto.CodeSourceData:
		if s.deps.Sources == nil {
			return head
		}
		body := make([]byte, 4)
		binary.BigEndian.PutUint32(body, uint32(len(s.deps.Sources.Units())))
		return append(head, body...)

	default:
		return head
	}
}
