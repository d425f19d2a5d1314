// Package ingestrpc implements the gRPC leg between a source connector
// and the ingest broker: a Forwarder that a source uses to push each
// WireEnvelope to the input gateway, and the Gateway itself, which
// receives pushed envelopes and appends them to the ingest stream.
//
// The service is declared in code via grpc.ServiceDesc rather than
// generated stubs: the only message either direction needs is an
// already-encoded WireEnvelope, carried as a wrapperspb.BytesValue, so a
// schema compiler would add a build step without adding a field.
package ingestrpc

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/dagainz/correlator/internal/logging"
	"github.com/dagainz/correlator/internal/runtimeconfig"
	"github.com/dagainz/correlator/internal/source"
	"github.com/dagainz/correlator/internal/stream"
)

const (
	serviceName       = "correlator.v1.FrontEndInput"
	processRecordFull = "/" + serviceName + "/ProcessRecord"

	defaultListenAddress = "0.0.0.0"
	defaultListenPort    = 50051
)

// Config is the input gateway's bound configuration (namespace
// "input_processor").
type Config struct {
	ListenAddress string
	ListenPort    int64
	InputStream   string
}

// Register declares the gateway's configuration items.
func Register(cfg *runtimeconfig.Store) error {
	return cfg.Register([]runtimeconfig.Item{
		{Key: "grpc_listen_address", Type: runtimeconfig.String, Default: defaultListenAddress,
			Description: "Interface to listen on for gRPC requests"},
		{Key: "grpc_listen_port", Type: runtimeconfig.Integer, Default: int64(defaultListenPort),
			Description: "Port to listen on for gRPC requests"},
		{Key: "input_stream", Type: runtimeconfig.String, Default: "correlator:ingest:default",
			Description: "Ingest stream key the gateway appends to"},
	}, "input_processor", "")
}

// LoadConfig reads back the gateway's bound configuration.
func LoadConfig(cfg *runtimeconfig.Store) (Config, error) {
	addr, err := cfg.GetString("input_processor.grpc_listen_address")
	if err != nil {
		return Config{}, err
	}
	port, err := cfg.GetInt("input_processor.grpc_listen_port")
	if err != nil {
		return Config{}, err
	}
	streamKey, err := cfg.GetString("input_processor.input_stream")
	if err != nil {
		return Config{}, err
	}
	return Config{ListenAddress: addr, ListenPort: port, InputStream: streamKey}, nil
}

// RecordReceiver is the server side of the service: one call per envelope
// pushed by a source connector. blob is the envelope's wire encoding.
type RecordReceiver interface {
	ProcessRecord(ctx context.Context, blob []byte) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*RecordReceiver)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ProcessRecord", Handler: processRecordHandler},
	},
	Metadata: "correlator/v1/frontend.proto",
}

func processRecordHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req interface{}) (interface{}, error) {
		if err := srv.(RecordReceiver).ProcessRecord(ctx, req.(*wrapperspb.BytesValue).GetValue()); err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		return &emptypb.Empty{}, nil
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: processRecordFull}, handle)
}

// Gateway is the input-processor half: it validates each pushed envelope
// and appends it to the ingest stream. Heartbeats stop here; they keep
// the source's connection warm but carry nothing the engine needs once
// the push has succeeded.
type Gateway struct {
	ingest stream.Stream
	server *grpc.Server
}

// NewGateway constructs a Gateway appending to ingest.
func NewGateway(ingest stream.Stream) *Gateway {
	return &Gateway{ingest: ingest}
}

// ProcessRecord implements RecordReceiver.
func (g *Gateway) ProcessRecord(ctx context.Context, blob []byte) error {
	env, err := source.DecodeEnvelope(blob)
	if err != nil {
		return fmt.Errorf("ingestrpc: decode envelope: %w", err)
	}
	if env.RecordType == source.Heartbeat {
		logging.Op().Debug("gateway ignoring heartbeat", "tenant", env.TenantID, "source", env.SourceID)
		return nil
	}
	if _, err := g.ingest.Append(ctx, blob); err != nil {
		return fmt.Errorf("ingestrpc: append envelope from %s: %w", env.SourceID, err)
	}
	return nil
}

// Serve blocks accepting gRPC requests on lis until Stop is called or the
// listener fails.
func (g *Gateway) Serve(lis net.Listener) error {
	g.server = grpc.NewServer()
	g.server.RegisterService(&serviceDesc, g)
	logging.Op().Info("gateway listening", "addr", lis.Addr().String())
	return g.server.Serve(lis)
}

// Stop drains in-flight calls and stops the server.
func (g *Gateway) Stop() {
	if g.server != nil {
		g.server.GracefulStop()
	}
}

// Forwarder is the source-connector half: it dials the gateway named by a
// source's grpc_host/grpc_port config and pushes each envelope as it is
// produced. Connection management (reconnect, backoff) is grpc's own; a
// Push during an outage fails fast and the caller decides whether the
// record is droppable.
type Forwarder struct {
	conn *grpc.ClientConn
}

// NewForwarder builds a client for the gateway at host:port. Extra dial
// options are appended after the defaults, so tests can inject a dialer.
func NewForwarder(host string, port int64, opts ...grpc.DialOption) (*Forwarder, error) {
	target := "passthrough:///" + net.JoinHostPort(host, fmt.Sprintf("%d", port))
	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("ingestrpc: dial %s: %w", target, err)
	}
	return &Forwarder{conn: conn}, nil
}

// Push sends one envelope to the gateway.
func (f *Forwarder) Push(ctx context.Context, env source.WireEnvelope) error {
	blob, err := env.Encode()
	if err != nil {
		return fmt.Errorf("ingestrpc: encode envelope: %w", err)
	}
	out := new(emptypb.Empty)
	if err := f.conn.Invoke(ctx, processRecordFull, wrapperspb.Bytes(blob), out); err != nil {
		return fmt.Errorf("ingestrpc: push record: %w", err)
	}
	return nil
}

// Close tears down the client connection.
func (f *Forwarder) Close() error { return f.conn.Close() }
