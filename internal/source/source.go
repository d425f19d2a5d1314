// Package source implements the TCP syslog connector: a
// single-connection-at-a-time listener that reframes inbound bytes by a
// discovered trailer and emits WireEnvelopes, heartbeating every timeout
// interval so its caller never blocks indefinitely. Accept and read both
// run under deadlines so cancellation via ctx.Done() is always observed
// within one timeout interval.
package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dagainz/correlator/internal/logging"
	"github.com/dagainz/correlator/internal/runtimeconfig"
	"github.com/dagainz/correlator/internal/syslog"
)

const (
	defaultBufferSize = 4096
	defaultTimeout    = 60 * time.Second
	defaultTrailerStr = "\n"
)

// Config is one source instance's bound configuration (namespace
// "sources.<source-id>").
type Config struct {
	SourceID       string
	TenantID       string
	ListenAddress  string
	ListenPort     int64
	BufferSize     int64
	DefaultTrailer []byte
	Timeout        time.Duration
	GRPCHost       string
	GRPCPort       int64
}

// Register declares this source's configuration items under
// "sources.<sourceID>.", binding any values the application config
// loader staged from the topology file or CLI.
func Register(cfg *runtimeconfig.Store, sourceID string) error {
	return cfg.Register([]runtimeconfig.Item{
		{Key: "buffer_size", Type: runtimeconfig.Integer, Default: int64(defaultBufferSize)},
		{Key: "default_trailer", Type: runtimeconfig.String, Default: defaultTrailerStr},
		{Key: "listen_address", Type: runtimeconfig.String, Default: "0.0.0.0"},
		{Key: "listen_port", Type: runtimeconfig.Integer, Default: int64(514)},
		{Key: "grpc_host", Type: runtimeconfig.String, Default: ""},
		{Key: "grpc_port", Type: runtimeconfig.Integer, Default: int64(0)},
		{Key: "tenant", Type: runtimeconfig.String, Default: ""},
		{Key: "timeout_seconds", Type: runtimeconfig.Integer, Default: int64(defaultTimeout / time.Second)},
	}, "sources", sourceID)
}

// Load reads back a source's bound configuration.
func Load(cfg *runtimeconfig.Store, sourceID string) (Config, error) {
	fq := func(key string) string { return runtimeconfig.FullyQualify("sources", sourceID, key) }

	bufSize, err := cfg.GetInt(fq("buffer_size"))
	if err != nil {
		return Config{}, err
	}
	trailer, err := cfg.GetString(fq("default_trailer"))
	if err != nil {
		return Config{}, err
	}
	addr, err := cfg.GetString(fq("listen_address"))
	if err != nil {
		return Config{}, err
	}
	port, err := cfg.GetInt(fq("listen_port"))
	if err != nil {
		return Config{}, err
	}
	grpcHost, err := cfg.GetString(fq("grpc_host"))
	if err != nil {
		return Config{}, err
	}
	grpcPort, err := cfg.GetInt(fq("grpc_port"))
	if err != nil {
		return Config{}, err
	}
	tenant, err := cfg.GetString(fq("tenant"))
	if err != nil {
		return Config{}, err
	}
	timeoutSeconds, err := cfg.GetInt(fq("timeout_seconds"))
	if err != nil {
		return Config{}, err
	}

	return Config{
		SourceID:       sourceID,
		TenantID:       tenant,
		ListenAddress:  addr,
		ListenPort:     port,
		BufferSize:     bufSize,
		DefaultTrailer: []byte(trailer),
		Timeout:        time.Duration(timeoutSeconds) * time.Second,
		GRPCHost:       grpcHost,
		GRPCPort:       grpcPort,
	}, nil
}

// Source is one TCP listener/connection-handling instance.
type Source struct {
	cfg       Config
	discovery syslog.DiscoveryFunc

	mu           sync.Mutex
	lastActivity time.Time
}

// New constructs a Source. discovery may be nil, in which case the
// connector always falls back to cfg.DefaultTrailer.
func New(cfg Config, discovery syslog.DiscoveryFunc) *Source {
	return &Source{cfg: cfg, discovery: discovery, lastActivity: time.Now()}
}

// LastActivity reports the last time this source accepted a connection
// or received data, so an external health check can alert on a source
// that has gone silent for longer than its heartbeat interval.
func (s *Source) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Source) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Run binds the listener and loops accept -> read until ctx is
// cancelled, calling emit for every WireEnvelope produced (heartbeats and
// syslog data alike). It returns only on ctx cancellation or a
// non-recoverable listener error.
func (s *Source) Run(ctx context.Context, emit func(WireEnvelope)) error {
	addr := net.JoinHostPort(s.cfg.ListenAddress, fmt.Sprintf("%d", s.cfg.ListenPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("source %s: listen %s: %w", s.cfg.SourceID, addr, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	logging.Op().Info("source listening", "source", s.cfg.SourceID, "addr", addr)

	tcpLn, _ := ln.(*net.TCPListener)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if tcpLn != nil {
			_ = tcpLn.SetDeadline(time.Now().Add(s.cfg.Timeout))
		}
		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				emit(heartbeat(s.cfg.TenantID, s.cfg.SourceID))
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("source %s: accept: %w", s.cfg.SourceID, err)
		}

		s.touch()
		connID := uuid.New().String()[:8]
		logging.Op().Info("connection accepted", "source", s.cfg.SourceID, "conn", connID, "peer", conn.RemoteAddr().String())
		s.handleConnection(ctx, conn, connID, emit)
	}
}

// handleConnection runs the read loop for a single accepted connection:
// read-with-timeout -> heartbeat on idle, else reframe by trailer and
// emit one envelope per complete record. Returns when the peer closes or
// ctx is cancelled, so Run can go back to accept().
func (s *Source) handleConnection(ctx context.Context, conn net.Conn, connID string, emit func(WireEnvelope)) {
	defer conn.Close()

	var trailer []byte
	carry := make([]byte, 0, s.cfg.BufferSize)
	buf := make([]byte, s.cfg.BufferSize)

	for {
		if ctx.Err() != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.Timeout))
		n, err := conn.Read(buf)
		if n > 0 {
			s.touch()
			if trailer == nil {
				trailer = syslog.DiscoverTrailer(buf[:n], s.discovery, s.cfg.DefaultTrailer)
			}
			carry = append(carry, buf[:n]...)
			carry = s.drainRecords(carry, trailer, emit)
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				emit(heartbeat(s.cfg.TenantID, s.cfg.SourceID))
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logging.Op().Debug("source connection closed", "source", s.cfg.SourceID, "conn", connID, "error", err)
			return
		}
	}
}

// drainRecords splits carry on every complete trailer-delimited frame,
// emits each one unparsed, and returns the unconsumed remainder. Parsing
// happens once, in the engine: a source forwards raw frames regardless
// of whether they parse, so a malformed record still reaches the engine
// and becomes a SimpleError event instead of vanishing at the edge.
func (s *Source) drainRecords(carry, trailer []byte, emit func(WireEnvelope)) []byte {
	for {
		idx := indexOf(carry, trailer)
		if idx < 0 {
			return carry
		}
		frame := carry[:idx]
		carry = carry[idx+len(trailer):]

		if len(frame) == 0 {
			continue
		}
		emit(syslogData(s.cfg.TenantID, s.cfg.SourceID, frame))
	}
}

func indexOf(data, sep []byte) int {
	if len(sep) == 0 {
		return -1
	}
	for i := 0; i+len(sep) <= len(data); i++ {
		match := true
		for j := range sep {
			if data[i+j] != sep[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
