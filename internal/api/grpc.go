package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/VarunGitGood/livedata/internal/graphql"
	"github.com/VarunGitGood/livedata/internal/livedata"
	"github.com/VarunGitGood/livedata/internal/monitoring"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName   = "livedata.v1.LiveData"
	MethodGet     = "/" + ServiceName + "/Get"
	MethodRefresh = "/" + ServiceName + "/Refresh"
)

// liveDataService is the handler type of the LiveData service. Requests and
// responses are plain structs so clients need no generated code.
type liveDataService interface {
	Get(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Refresh(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var liveDataServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*liveDataService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Get", Handler: unaryHandler(MethodGet, liveDataService.Get)},
		{MethodName: "Refresh", Handler: unaryHandler(MethodRefresh, liveDataService.Refresh)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "livedata/v1/livedata.proto",
}

func unaryHandler(fullMethod string, call func(liveDataService, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(liveDataService), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(liveDataService), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

type GRPCServer struct {
	source Source
	lookup Lookuper
	logger *zap.Logger

	server       *grpc.Server
	health       *health.Server
	removeUpdate func()
}

// NewGRPCServer registers the LiveData and health services. Health follows
// the tracker: NOT_SERVING while its last fetch failed.
func NewGRPCServer(source Source, lookup Lookuper, logger *zap.Logger, opts ...grpc.ServerOption) *GRPCServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &GRPCServer{
		source: source,
		lookup: lookup,
		logger: logger,
		health: health.NewServer(),
	}

	opts = append(opts, grpc.ChainUnaryInterceptor(s.observe))
	s.server = grpc.NewServer(opts...)
	s.server.RegisterService(&liveDataServiceDesc, s)
	healthpb.RegisterHealthServer(s.server, s.health)

	s.setHealth(source.Result().Status)
	s.removeUpdate = source.OnUpdate(func(r livedata.Result) {
		s.setHealth(r.Status)
	})
	return s
}

func (s *GRPCServer) Serve(lis net.Listener) error {
	return s.server.Serve(lis)
}

// GracefulStop marks every service NOT_SERVING and waits for pending RPCs.
func (s *GRPCServer) GracefulStop() {
	s.removeUpdate()
	s.health.Shutdown()
	s.server.GracefulStop()
}

func (s *GRPCServer) setHealth(st livedata.NetworkStatus) {
	serving := healthpb.HealthCheckResponse_SERVING
	if st == livedata.StatusError {
		serving = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", serving)
	s.health.SetServingStatus(ServiceName, serving)
}

// Get returns the tracked snapshot, or live data for req's assetKeys when
// the field is present.
func (s *GRPCServer) Get(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	raw, err := assetKeysField(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if len(raw) == 0 {
		return toStruct(s.source.Result())
	}

	keys, err := livedata.ParseAssetKeys(raw)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	nodes, err := s.lookup.Lookup(ctx, keys)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(assetsBody{LiveData: nodes})
}

func (s *GRPCServer) Refresh(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	result, err := s.source.Refresh(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(result)
}

func (s *GRPCServer) observe(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	code := status.Code(err)
	monitoring.APIRequestsTotal.WithLabelValues("grpc", info.FullMethod, code.String()).Inc()
	if err != nil && code != codes.InvalidArgument {
		s.logger.Warn("rpc failed", zap.String("method", info.FullMethod), zap.Error(err))
	}
	return resp, err
}

func assetKeysField(req *structpb.Struct) ([]string, error) {
	v, ok := req.GetFields()["assetKeys"]
	if !ok {
		return nil, nil
	}
	list := v.GetListValue()
	if list == nil {
		return nil, errors.New("assetKeys must be a list of strings")
	}
	keys := make([]string, 0, len(list.GetValues()))
	for _, item := range list.GetValues() {
		sv, ok := item.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, errors.New("assetKeys must be a list of strings")
		}
		keys = append(keys, sv.StringValue)
	}
	return keys, nil
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, livedata.ErrNotStarted), errors.Is(err, graphql.ErrTransport):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, graphql.ErrResponse):
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	return status.Error(codes.Internal, fmt.Sprintf("live data: %v", err))
}
