// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package jsonrpc implements the "http://<host>:<port>" transport with JSON-RPC 2.0 over HTTP.
//
// Rank 0 serves the Coordinator of the group on the given address (under the path RPCPath), and the other
// ranks post their requests to it. It is slower than the gRPC transport (buffers are base64 encoded),
// but it only requires plain HTTP between the nodes.
//
// Import it for its side effect of registering the scheme:
//
//	import _ "github.com/gomlx/distcomm/pkg/distributed/transport/jsonrpc"
package jsonrpc

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gomlx/distcomm/pkg/distributed/transport"
	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// Scheme of the init method URLs served by this package.
	Scheme = "http"

	// RPCPath where the coordinator is served.
	RPCPath = "/rpc"

	// ServiceName of the coordinator JSON-RPC service: methods are "Coordinator.Collective" and "Coordinator.Ping".
	ServiceName = "Coordinator"
)

// Server-defined JSON-RPC error codes.
const (
	codeClosed   json2.ErrorCode = -32001
	codeProtocol json2.ErrorCode = -32002
)

func init() {
	transport.RegisterScheme(Scheme, Open)
}

// service exposes the coordinator methods to gorilla/rpc.
type service struct {
	coordinator *transport.Coordinator
}

func toRPCError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, transport.ErrProtocol):
		return &json2.Error{Code: codeProtocol, Message: err.Error()}
	case errors.Is(err, transport.ErrClosed):
		return &json2.Error{Code: codeClosed, Message: err.Error()}
	default:
		return &json2.Error{Code: json2.E_SERVER, Message: err.Error()}
	}
}

func fromRPCError(err error) error {
	var rpcErr *json2.Error
	if !errors.As(err, &rpcErr) {
		return err
	}
	switch rpcErr.Code {
	case codeProtocol:
		return errors.Wrap(transport.ErrProtocol, rpcErr.Message)
	case codeClosed:
		return errors.Wrap(transport.ErrClosed, rpcErr.Message)
	default:
		return errors.New(rpcErr.Message)
	}
}

// Collective is the JSON-RPC method "Coordinator.Collective".
func (s *service) Collective(r *http.Request, args *transport.Request, reply *transport.Response) error {
	response, err := s.coordinator.Submit(r.Context(), args)
	if err != nil {
		return toRPCError(err)
	}
	*reply = *response
	return nil
}

// Ping is the JSON-RPC method "Coordinator.Ping".
func (s *service) Ping(_ *http.Request, args *transport.PingRequest, reply *transport.PingResponse) error {
	response, err := s.coordinator.Ping(args)
	if err != nil {
		return toRPCError(err)
	}
	*reply = *response
	return nil
}

// Server serves a Coordinator with JSON-RPC over HTTP.
type Server struct {
	coordinator *transport.Coordinator
	httpServer  *http.Server
	serveErr    chan error
}

// NewHandler returns the http.Handler of the coordinator JSON-RPC service, served at RPCPath.
func NewHandler(coordinator *transport.Coordinator) (http.Handler, error) {
	rpcServer := rpc.NewServer()
	rpcServer.RegisterCodec(json2.NewCodec(), "application/json")
	if err := rpcServer.RegisterService(&service{coordinator: coordinator}, ServiceName); err != nil {
		return nil, errors.Wrap(err, "failed to register coordinator JSON-RPC service")
	}
	mux := http.NewServeMux()
	mux.Handle(RPCPath, rpcServer)
	return mux, nil
}

// Serve the coordinator on the listener, in a separate goroutine, until Stop is called.
func Serve(lis net.Listener, coordinator *transport.Coordinator) (*Server, error) {
	handler, err := NewHandler(coordinator)
	if err != nil {
		return nil, err
	}
	s := &Server{
		coordinator: coordinator,
		httpServer:  &http.Server{Handler: handler, ReadHeaderTimeout: 30 * time.Second},
		serveErr:    make(chan error, 1),
	}
	go func() {
		s.serveErr <- s.httpServer.Serve(lis)
	}()
	klog.V(1).Infof("distributed: coordinator serving JSON-RPC on http://%s%s", lis.Addr(), RPCPath)
	return s, nil
}

// Stop the coordinator, releasing the pending collectives, and the server.
func (s *Server) Stop() error {
	s.coordinator.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "failed to shutdown coordinator HTTP server")
	}
	if err := <-s.serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "coordinator HTTP server failed")
	}
	return nil
}

// Client posts the requests of a rank to the coordinator.
type Client struct {
	url        string
	httpClient *http.Client
}

// Dial the coordinator at url (e.g. "http://10.0.0.1:29500/rpc"), retrying with exponential backoff for up to
// cfg.Timeout() until it serves the job.
func Dial(ctx context.Context, url string, cfg transport.Config) (*Client, error) {
	c := &Client{
		url:        url,
		httpClient: &http.Client{Transport: &http.Transport{MaxIdleConnsPerHost: 4}},
	}
	if err := c.rendezvous(ctx, cfg); err != nil {
		c.httpClient.CloseIdleConnections()
		return nil, err
	}
	return c, nil
}

func (c *Client) rendezvous(ctx context.Context, cfg transport.Config) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = cfg.Timeout()
	attempts := 0
	var pong transport.PingResponse
	err := backoff.Retry(func() error {
		attempts++
		err := c.call(ctx, ServiceName+".Ping", &transport.PingRequest{JobID: cfg.JobID, Rank: cfg.Rank}, &pong)
		if errors.Is(err, transport.ErrProtocol) {
			return backoff.Permanent(err)
		}
		if err != nil {
			klog.V(2).Infof("distributed: rank %d waiting for coordinator at %s: %v", cfg.Rank, c.url, err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return errors.WithMessagef(err, "rank %d failed to reach the coordinator at %s after %d attempts",
			cfg.Rank, c.url, attempts)
	}
	if pong.WorldSize != cfg.WorldSize {
		return errors.Wrapf(transport.ErrProtocol, "rank %d expected world size %d, the coordinator serves %d",
			cfg.Rank, cfg.WorldSize, pong.WorldSize)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, args, reply any) error {
	body, err := json2.EncodeClientRequest(method, args)
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s request", method)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(err, "failed to create %s request", method)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s request failed", method)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("%s request failed with HTTP status %d", method, resp.StatusCode)
	}
	if err := json2.DecodeClientResponse(resp.Body, reply); err != nil {
		return fromRPCError(err)
	}
	return nil
}

// Collective implements transport.Transport.
func (c *Client) Collective(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	response := new(transport.Response)
	if err := c.call(ctx, ServiceName+".Collective", req, response); err != nil {
		return nil, err
	}
	return response, nil
}

// Close implements transport.Transport.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
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

// Open implements transport.Opener for "http://<address>": rank 0 serves on address, the other ranks
// post to it.
func Open(ctx context.Context, address string, cfg transport.Config) (transport.Transport, error) {
	if cfg.Rank == 0 {
		lis, err := net.Listen("tcp", address)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to listen on %q", address)
		}
		server, err := Serve(lis, transport.NewCoordinator(cfg.WorldSize, cfg.JobID))
		if err != nil {
			_ = lis.Close()
			return nil, err
		}
		return &coordinatorTransport{server: server}, nil
	}
	client, err := Dial(ctx, "http://"+address+RPCPath, cfg)
	if err != nil {
		return nil, err
	}
	return client, nil
}
