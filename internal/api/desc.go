package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// SyncServer is the server side of convsync.v1.SyncService.
type SyncServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListConversations(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetField(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendMessage(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	DeleteConversation(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Search(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Ingest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Reconnect(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	WatchChanges(*structpb.Struct, grpc.ServerStream) error
}

var _ SyncServer = (*SyncService)(nil)

func newStruct() *structpb.Struct { return &structpb.Struct{} }
func newEmpty() *emptypb.Empty    { return &emptypb.Empty{} }

func unary[R any](method string, newReq func() R, call func(SyncServer, context.Context, R) (any, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SyncServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(SyncServer), ctx, req.(R))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SyncServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetStatus", newEmpty, func(s SyncServer, ctx context.Context, in *emptypb.Empty) (any, error) {
			return s.GetStatus(ctx, in)
		}),
		unary("ListConversations", newStruct, func(s SyncServer, ctx context.Context, in *structpb.Struct) (any, error) {
			return s.ListConversations(ctx, in)
		}),
		unary("ListMessages", newStruct, func(s SyncServer, ctx context.Context, in *structpb.Struct) (any, error) {
			return s.ListMessages(ctx, in)
		}),
		unary("SetField", newStruct, func(s SyncServer, ctx context.Context, in *structpb.Struct) (any, error) {
			return s.SetField(ctx, in)
		}),
		unary("MarkRead", newStruct, func(s SyncServer, ctx context.Context, in *structpb.Struct) (any, error) {
			return s.MarkRead(ctx, in)
		}),
		unary("SendMessage", newStruct, func(s SyncServer, ctx context.Context, in *structpb.Struct) (any, error) {
			return s.SendMessage(ctx, in)
		}),
		unary("DeleteConversation", newStruct, func(s SyncServer, ctx context.Context, in *structpb.Struct) (any, error) {
			return s.DeleteConversation(ctx, in)
		}),
		unary("Search", newStruct, func(s SyncServer, ctx context.Context, in *structpb.Struct) (any, error) {
			return s.Search(ctx, in)
		}),
		unary("Ingest", newStruct, func(s SyncServer, ctx context.Context, in *structpb.Struct) (any, error) {
			return s.Ingest(ctx, in)
		}),
		unary("Reconnect", newEmpty, func(s SyncServer, ctx context.Context, in *emptypb.Empty) (any, error) {
			return s.Reconnect(ctx, in)
		}),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchChanges",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := newStruct()
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(SyncServer).WatchChanges(in, stream)
			},
		},
	},
	Metadata: "convsync/v1/sync.proto",
}
