// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package grpctransport implements the "tcp://<host>:<port>" transport over gRPC.
//
// Rank 0 serves the Coordinator of the group on the given address, and the other ranks connect to it.
// Messages are encoded with encoding/gob, registered as the "gob" content-subtype, while the standard
// gRPC health service (used for the rendezvous) keeps using protobuf.
//
// Import it for its side effect of registering the scheme:
//
//	import _ "github.com/gomlx/distcomm/pkg/distributed/transport/grpctransport"
package grpctransport

import (
	"bytes"
	"context"
	"encoding/gob"
	"net"

	"github.com/gomlx/distcomm/pkg/distributed/transport"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

// Scheme of the init method URLs served by this package.
const Scheme = "tcp"

// ServiceName of the coordinator gRPC service.
const ServiceName = "gomlx.distributed.Coordinator"

// MaxMessageSize of the requests and responses of the transport opened by Open. A gathered response holds
// the payloads of all ranks.
const MaxMessageSize = 1 << 30

func init() {
	encoding.RegisterCodec(gobCodec{})
	transport.RegisterScheme(Scheme, Open)
}

type gobCodec struct{}

const gobCodecName = "gob"

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string { return gobCodecName }

// coordinatorServer is the interface of the gRPC service.
type coordinatorServer interface {
	Collective(ctx context.Context, req *transport.Request) (*transport.Response, error)
	Ping(ctx context.Context, req *transport.PingRequest) (*transport.PingResponse, error)
}

func collectiveHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(transport.Request)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(coordinatorServer).Collective(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Collective"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(coordinatorServer).Collective(ctx, req.(*transport.Request))
	}
	return interceptor(ctx, in, info, handler)
}

func pingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(transport.PingRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(coordinatorServer).Ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Ping"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(coordinatorServer).Ping(ctx, req.(*transport.PingRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*coordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Collective", Handler: collectiveHandler},
		{MethodName: "Ping", Handler: pingHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gomlx/distributed/coordinator",
}

// toStatus converts coordinator errors to gRPC status errors.
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, transport.ErrProtocol):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, transport.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// fromStatus converts gRPC status errors back to the transport errors.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	s, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch s.Code() {
	case codes.FailedPrecondition:
		return errors.Wrap(transport.ErrProtocol, s.Message())
	case codes.Unavailable:
		return errors.Wrap(transport.ErrClosed, s.Message())
	case codes.Canceled:
		return errors.Wrap(context.Canceled, s.Message())
	case codes.DeadlineExceeded:
		return errors.Wrap(context.DeadlineExceeded, s.Message())
	default:
		return errors.New(s.Message())
	}
}

// Server serves a Coordinator over gRPC.
type Server struct {
	coordinator *transport.Coordinator
	grpcServer  *grpc.Server
	health      *health.Server
	serveErr    chan error
}

var _ coordinatorServer = (*Server)(nil)

// Serve the coordinator on the listener, in a separate goroutine, until Stop is called.
func Serve(lis net.Listener, coordinator *transport.Coordinator, opts ...grpc.ServerOption) *Server {
	s := &Server{
		coordinator: coordinator,
		grpcServer:  grpc.NewServer(opts...),
		health:      health.NewServer(),
		serveErr:    make(chan error, 1),
	}
	s.grpcServer.RegisterService(&serviceDesc, s)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	go func() {
		s.serveErr <- s.grpcServer.Serve(lis)
	}()
	klog.V(1).Infof("distributed: coordinator serving on %s", lis.Addr())
	return s
}

// Collective implements the gRPC service.
func (s *Server) Collective(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	response, err := s.coordinator.Submit(ctx, req)
	return response, toStatus(err)
}

// Ping implements the gRPC service.
func (s *Server) Ping(_ context.Context, req *transport.PingRequest) (*transport.PingResponse, error) {
	response, err := s.coordinator.Ping(req)
	return response, toStatus(err)
}

// Stop the coordinator, releasing the pending collectives, and the server.
func (s *Server) Stop() error {
	s.health.Shutdown()
	s.coordinator.Close()
	s.grpcServer.GracefulStop()
	if err := <-s.serveErr; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return errors.Wrap(err, "coordinator gRPC server failed")
	}
	return nil
}

// Client connects a rank to the coordinator served by Server.
type Client struct {
	conn *grpc.ClientConn
}

// Dial the coordinator at target (a gRPC target, like "passthrough:///10.0.0.1:29500"), and waits up to
// cfg.Timeout() for it to be serving the job.
func Dial(ctx context.Context, target string, cfg transport.Config, opts ...grpc.DialOption) (*Client, error) {
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create gRPC client for %q", target)
	}
	c := &Client{conn: conn}
	if err := c.rendezvous(ctx, cfg); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) rendezvous(ctx context.Context, cfg transport.Config) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()
	check, err := healthpb.NewHealthClient(c.conn).Check(ctx,
		&healthpb.HealthCheckRequest{Service: ServiceName}, grpc.WaitForReady(true))
	if err != nil {
		return errors.Wrapf(err, "rank %d failed to reach the coordinator within %s", cfg.Rank, cfg.Timeout())
	}
	if check.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return errors.Errorf("coordinator is not serving: %s", check.GetStatus())
	}
	pong := new(transport.PingResponse)
	err = c.conn.Invoke(ctx, "/"+ServiceName+"/Ping", &transport.PingRequest{JobID: cfg.JobID, Rank: cfg.Rank}, pong,
		grpc.CallContentSubtype(gobCodecName), grpc.WaitForReady(true))
	if err != nil {
		return errors.WithMessage(fromStatus(err), "rendezvous")
	}
	if pong.WorldSize != cfg.WorldSize {
		return errors.Wrapf(transport.ErrProtocol, "rank %d expected world size %d, the coordinator serves %d",
			cfg.Rank, cfg.WorldSize, pong.WorldSize)
	}
	return nil
}

// Collective implements transport.Transport.
func (c *Client) Collective(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	response := new(transport.Response)
	err := c.conn.Invoke(ctx, "/"+ServiceName+"/Collective", req, response,
		grpc.CallContentSubtype(gobCodecName), grpc.WaitForReady(true))
	if err != nil {
		return nil, fromStatus(err)
	}
	return response, nil
}

// Close implements transport.Transport.
func (c *Client) Close() error {
	return c.conn.Close()
}

// coordinatorTransport is the transport of rank 0, which hosts the coordinator.
type coordinatorTransport struct {
	server *Server
}

// Collective implements transport.Transport.
func (t *coordinatorTransport) Collective(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	return t.server.coordinator.Submit(ctx, req)
}

// Close implements transport.Transport.
func (t *coordinatorTransport) Close() error {
	return t.server.Stop()
}

// Open implements transport.Opener for "tcp://<address>": rank 0 listens on address, the other ranks
// connect to it.
func Open(ctx context.Context, address string, cfg transport.Config) (transport.Transport, error) {
	if cfg.Rank == 0 {
		lis, err := net.Listen("tcp", address)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to listen on %q", address)
		}
		server := Serve(lis, transport.NewCoordinator(cfg.WorldSize, cfg.JobID),
			grpc.MaxRecvMsgSize(MaxMessageSize), grpc.MaxSendMsgSize(MaxMessageSize))
		return &coordinatorTransport{server: server}, nil
	}
	client, err := Dial(ctx, "passthrough:///"+address, cfg,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(MaxMessageSize), grpc.MaxCallSendMsgSize(MaxMessageSize)))
	if err != nil {
		return nil, err
	}
	return client, nil
}
