package service

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/tOgg1/devlink/internal/logging"
)

// Full method names of the device inspector service. The service speaks a
// small fixed gRPC surface with google.protobuf well-known types as the wire
// messages, so no generated stubs are needed on the client side.
const (
	methodListViews          = "/devlink.v1.Inspector/ListViews"
	methodListExecutionUnits = "/devlink.v1.Inspector/ListExecutionUnits"
)

// GRPCOptions configures gRPC service clients.
type GRPCOptions struct {
	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration

	// RPCTimeout bounds each call.
	RPCTimeout time.Duration
}

// DefaultGRPCOptions returns sensible defaults.
func DefaultGRPCOptions() GRPCOptions {
	return GRPCOptions{
		DialTimeout: 5 * time.Second,
		RPCTimeout:  15 * time.Second,
	}
}

// grpcClient talks to one inspector service over a forwarded loopback port.
type grpcClient struct {
	conn    *grpc.ClientConn
	options GRPCOptions
	logger  zerolog.Logger
}

// NewGRPCDialer returns a Dialer producing gRPC-backed clients.
func NewGRPCDialer(options GRPCOptions) Dialer {
	if options.DialTimeout <= 0 {
		options.DialTimeout = DefaultGRPCOptions().DialTimeout
	}
	if options.RPCTimeout <= 0 {
		options.RPCTimeout = DefaultGRPCOptions().RPCTimeout
	}
	return func(ctx context.Context, uri string) (Client, error) {
		conn, err := grpc.NewClient(uri, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("connect to service at %s: %w", uri, err)
		}
		// Kick off connection establishment; readiness is observed per RPC.
		conn.Connect()
		return &grpcClient{
			conn:    conn,
			options: options,
			logger:  logging.Component("service-client").With().Str("uri", uri).Logger(),
		}, nil
	}
}

// ListViews returns the views the service currently exposes.
func (c *grpcClient) ListViews(ctx context.Context) ([]ViewDescriptor, error) {
	list, err := c.invokeList(ctx, methodListViews, &emptypb.Empty{})
	if err != nil {
		return nil, err
	}
	return decodeViews(list, c.logger), nil
}

// ListExecutionUnitsByPattern returns the execution units matching pattern.
func (c *grpcClient) ListExecutionUnitsByPattern(ctx context.Context, pattern string) ([]ExecutionUnitRef, error) {
	list, err := c.invokeList(ctx, methodListExecutionUnits, wrapperspb.String(pattern))
	if err != nil {
		return nil, err
	}
	return decodeExecutionUnits(list, c.logger), nil
}

// Stop closes the connection.
func (c *grpcClient) Stop() error {
	return c.conn.Close()
}

// invokeList performs one RPC returning a ListValue, retrying with backoff
// while the freshly forwarded tunnel is still warming up.
func (c *grpcClient) invokeList(ctx context.Context, method string, req any) (*structpb.ListValue, error) {
	ctx, cancel := context.WithTimeout(ctx, c.options.RPCTimeout)
	defer cancel()

	reply := &structpb.ListValue{}
	operation := func() error {
		err := c.conn.Invoke(ctx, method, req, reply)
		if err == nil {
			return nil
		}
		if status.Code(err) == codes.Unavailable {
			c.logger.Debug().Str("method", method).Err(err).Msg("service not yet reachable, retrying")
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	return reply, nil
}

func decodeViews(list *structpb.ListValue, logger zerolog.Logger) []ViewDescriptor {
	var views []ViewDescriptor
	for _, value := range list.GetValues() {
		fields := value.GetStructValue().GetFields()
		if fields == nil {
			logger.Debug().Msg("skipping malformed view entry")
			continue
		}
		views = append(views, ViewDescriptor{
			Name:     fields["name"].GetStringValue(),
			Geometry: fields["geometry"].GetStringValue(),
			Visible:  fields["visible"].GetBoolValue(),
		})
	}
	return views
}

func decodeExecutionUnits(list *structpb.ListValue, logger zerolog.Logger) []ExecutionUnitRef {
	var units []ExecutionUnitRef
	for _, value := range list.GetValues() {
		fields := value.GetStructValue().GetFields()
		if fields == nil {
			logger.Debug().Msg("skipping malformed execution unit entry")
			continue
		}
		units = append(units, ExecutionUnitRef{
			ID:    fields["id"].GetStringValue(),
			Label: fields["label"].GetStringValue(),
		})
	}
	return units
}
