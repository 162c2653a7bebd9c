package grpc

import (
	"context"
	"errors"

	"github.com/maxpert/hive/cell"
	"github.com/maxpert/hive/hive"
	"github.com/maxpert/hive/schema"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified name of the peer management service
const ServiceName = "hive.HiveService"

// Method names
const (
	MethodFetchCellInfo   = "FetchCellInfo"
	MethodPushSchemaChunk = "PushSchemaChunk"
	MethodCheckProperties = "CheckProperties"
	MethodPushHiveConfig  = "PushHiveConfig"
	MethodNotifyAdd       = "NotifyAdd"
	MethodNotifyRemove    = "NotifyRemove"
	MethodNotifyUpdate    = "NotifyUpdate"
	MethodPushPowerOfTwo  = "PushPowerOfTwo"
	MethodPullCapacity    = "PullCapacity"
)

// Handler is the receiving side of the peer RPCs. *hive.Hive implements it.
type Handler interface {
	CellInfo() *cell.Record
	AcceptSchemaChunk(chunk schema.Chunk, first, last bool) bool
	CheckProperties(remote hive.Properties) *hive.PropertyReport
	ApplyHiveConfig(ctx context.Context, cells []*cell.Record, major uint64) error
	ApplyAddCell(ctx context.Context, rec *cell.Record, major uint64) error
	ApplyRemoveCell(ctx context.Context, id cell.ID, major uint64) error
	ApplyCellUpdate(ctx context.Context, rec *cell.Record, major uint64) error
	ApplyPowerOfTwoUpdate(ctx context.Context, cells []*cell.Record, major, minor uint64) error
	ReportCapacity() cell.Capacity
}

var _ Handler = (*hive.Hive)(nil)

// ServiceDesc describes the peer service. Payloads use the msgpack codec.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodFetchCellInfo, func(ctx context.Context, h Handler, _ *Empty) (interface{}, error) {
			return &CellInfoResponse{Cell: h.CellInfo()}, nil
		}),
		unary(MethodPushSchemaChunk, func(ctx context.Context, h Handler, req *SchemaChunkRequest) (interface{}, error) {
			return &SchemaChunkResponse{Accepted: h.AcceptSchemaChunk(req.Chunk, req.First, req.Last)}, nil
		}),
		unary(MethodCheckProperties, func(ctx context.Context, h Handler, req *PropertiesRequest) (interface{}, error) {
			return h.CheckProperties(req.Properties), nil
		}),
		unary(MethodPushHiveConfig, func(ctx context.Context, h Handler, req *HiveConfigRequest) (interface{}, error) {
			return ack(h.ApplyHiveConfig(ctx, req.Cells, req.Major))
		}),
		unary(MethodNotifyAdd, func(ctx context.Context, h Handler, req *CellChangeRequest) (interface{}, error) {
			if req.Cell == nil {
				return nil, status.Error(codes.InvalidArgument, "missing cell")
			}
			return ack(h.ApplyAddCell(ctx, req.Cell, req.Major))
		}),
		unary(MethodNotifyRemove, func(ctx context.Context, h Handler, req *RemoveCellRequest) (interface{}, error) {
			return ack(h.ApplyRemoveCell(ctx, req.ID, req.Major))
		}),
		unary(MethodNotifyUpdate, func(ctx context.Context, h Handler, req *CellChangeRequest) (interface{}, error) {
			if req.Cell == nil {
				return nil, status.Error(codes.InvalidArgument, "missing cell")
			}
			return ack(h.ApplyCellUpdate(ctx, req.Cell, req.Major))
		}),
		unary(MethodPushPowerOfTwo, func(ctx context.Context, h Handler, req *PowerOfTwoRequest) (interface{}, error) {
			return ack(h.ApplyPowerOfTwoUpdate(ctx, req.Cells, req.Major, req.Minor))
		}),
		unary(MethodPullCapacity, func(ctx context.Context, h Handler, _ *Empty) (interface{}, error) {
			c := h.ReportCapacity()
			return &c, nil
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hive/peer",
}

// RegisterHandler registers h as the peer service on s
func RegisterHandler(s grpc.ServiceRegistrar, h Handler) {
	s.RegisterService(&ServiceDesc, h)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unary adapts a typed handler to grpc.MethodDesc, running the server
// interceptor chain the same way generated code does
func unary[Req any](name string, fn func(ctx context.Context, h Handler, req *Req) (interface{}, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			h := srv.(Handler)
			if interceptor == nil {
				return fn(ctx, h, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return fn(ctx, h, req.(*Req))
			})
		},
	}
}

func ack(err error) (interface{}, error) {
	if err != nil {
		return nil, toStatus(err)
	}
	return &Ack{}, nil
}

// toStatus maps hive errors to gRPC codes so the caller can tell a refused
// request from a broken peer
func toStatus(err error) error {
	var (
		notFound *hive.NotFoundError
		dup      *hive.DuplicateCellError
		count    *hive.CellCountMismatchError
	)
	switch {
	case errors.As(err, &notFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.As(err, &dup):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.As(err, &count):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
