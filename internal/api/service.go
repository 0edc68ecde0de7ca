// Package api exposes the sync engine to local tools over gRPC.
//
// The service is described by hand rather than generated: requests and
// responses are protobuf Structs carrying the JSON shapes in codec.go.
package api

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/stitchline/convsync/internal/bus"
	"github.com/stitchline/convsync/internal/model"
	"github.com/stitchline/convsync/internal/mutation"
	"github.com/stitchline/convsync/internal/remote"
	"github.com/stitchline/convsync/internal/search"
	"github.com/stitchline/convsync/internal/store"
	intsync "github.com/stitchline/convsync/internal/sync"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "convsync.v1.SyncService"

// Ingester accepts inbound messages. Only the local backend provides one.
type Ingester interface {
	Ingest(ctx context.Context, in store.InboundMessage) (*model.Message, error)
}

// SyncService implements the gRPC surface over an engine.
type SyncService struct {
	engine   *intsync.Engine
	ingester Ingester
	logger   *zap.Logger
}

// NewSyncService creates the service. ingester may be nil.
func NewSyncService(engine *intsync.Engine, ingester Ingester, logger *zap.Logger) *SyncService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncService{engine: engine, ingester: ingester, logger: logger}
}

// Register adds the service to a gRPC server.
func Register(s grpc.ServiceRegistrar, svc *SyncService) {
	s.RegisterService(&serviceDesc, svc)
}

func (s *SyncService) GetStatus(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	snap := s.engine.ConnectionStatus()
	stats := s.engine.Stats()
	return encode(StatusView{
		State:              snap.State,
		Scope:              snap.Scope,
		Attempts:           snap.Attempts,
		LastConnectedAt:    snap.LastConnectedAt,
		OpenConversationID: s.engine.OpenConversationID(),
		EventsApplied:      stats.Router.Applied,
		EventsDropped:      stats.Router.Dropped,
		Recoveries:         stats.Recoveries,
	})
}

func (s *SyncService) ListConversations(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	convs, err := s.engine.ConversationIndex(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(ConversationList{Conversations: nonNilConvs(convs)})
}

func (s *SyncService) ListMessages(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req MessagesRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.ConversationID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation_id is required")
	}
	if req.Open {
		s.engine.OpenConversation(req.ConversationID)
	}
	msgs, err := s.engine.Messages(ctx, req.ConversationID)
	if err != nil {
		return nil, toStatus(err)
	}
	if msgs == nil {
		msgs = []*model.Message{}
	}
	return encode(MessageList{Messages: msgs})
}

func (s *SyncService) SetField(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SetFieldRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return s.settle(ctx, req.ConversationID, func() (*mutation.Pending, error) {
		return s.engine.MutateConversationField(ctx, req.ConversationID, req.Field, req.Value)
	})
}

func (s *SyncService) MarkRead(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ConversationRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return s.settle(ctx, req.ConversationID, func() (*mutation.Pending, error) {
		return s.engine.MarkRead(ctx, req.ConversationID)
	})
}

// settle runs a mutation and waits for the backend's answer. The index is
// loaded first so the conversation is cached.
func (s *SyncService) settle(ctx context.Context, id string, run func() (*mutation.Pending, error)) (*structpb.Struct, error) {
	if id == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation_id is required")
	}
	if _, err := s.engine.ConversationIndex(ctx); err != nil {
		return nil, toStatus(err)
	}
	p, err := run()
	if err != nil {
		return nil, toStatus(err)
	}
	if err := p.Wait(ctx); err != nil {
		return nil, toStatus(err)
	}
	var current *model.Conversation
	convs, err := s.engine.ConversationIndex(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	for _, c := range convs {
		if c.ID == id {
			current = c
			break
		}
	}
	return encode(ConversationView{Conversation: current})
}

func (s *SyncService) SendMessage(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	var req SendRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.ConversationID == "" || strings.TrimSpace(req.Content) == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation_id and content are required")
	}
	if err := s.engine.SendMessage(ctx, req.ConversationID, req.Content); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *SyncService) DeleteConversation(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	var req ConversationRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.ConversationID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation_id is required")
	}
	if err := s.engine.DeleteConversation(ctx, req.ConversationID); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *SyncService) Search(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SearchRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if !req.Wait || strings.TrimSpace(req.Term) == "" {
		return encode(searchView(s.engine.Search(req.Term, req.Filters)))
	}

	updates, unsub := s.engine.Bus().Subscribe(bus.SearchUpdated, 32)
	defer unsub()
	st := s.engine.Search(req.Term, req.Filters)
	for st.Term != req.Term || st.IsSearching {
		select {
		case <-updates:
			st = s.engine.SearchState()
		case <-time.After(time.Second):
			st = s.engine.SearchState()
		case <-ctx.Done():
			return nil, toStatus(ctx.Err())
		}
	}
	return encode(searchView(st))
}

func (s *SyncService) Ingest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.ingester == nil {
		return nil, grpcstatus.Error(codes.FailedPrecondition, "ingest requires the local backend")
	}
	var req IngestRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	m, err := s.ingester.Ingest(ctx, store.InboundMessage{
		Scope:          s.engine.ConnectionStatus().Scope,
		ConversationID: req.ConversationID,
		ExternalID:     req.ExternalID,
		DisplayName:    req.DisplayName,
		Type:           req.Type,
		Content:        req.Content,
		MediaURL:       req.MediaURL,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(MessageView{Message: m})
}

func (s *SyncService) Reconnect(_ context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	s.engine.Reconnect()
	return &emptypb.Empty{}, nil
}

// WatchChanges streams engine notifications until the client goes away.
func (s *SyncService) WatchChanges(in *structpb.Struct, stream grpc.ServerStream) error {
	var req WatchRequest
	if err := decode(in, &req); err != nil {
		return err
	}
	ch, unsub := s.engine.Bus().Subscribe(req.Prefix, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			payload := evt.Payload
			if st, ok := payload.(search.State); ok {
				payload = searchView(st)
			}
			out, err := encode(ChangeView{
				EventID:    uuid.NewString(),
				Kind:       evt.Kind,
				OccurredAt: evt.Timestamp,
				Payload:    payload,
			})
			if err != nil {
				s.logger.Warn("skip unencodable change", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func encode(v any) (*structpb.Struct, error) {
	s, err := Encode(v)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "%v", err)
	}
	return s, nil
}

func decode(in *structpb.Struct, v any) error {
	if err := Decode(in, v); err != nil {
		return grpcstatus.Errorf(codes.InvalidArgument, "%v", err)
	}
	return nil
}

// toStatus maps engine errors onto gRPC codes.
func toStatus(err error) error {
	var mErr *mutation.MutationError
	switch {
	case errors.Is(err, remote.ErrNotFound):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, intsync.ErrReadOnlyField):
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, mutation.ErrNotCached):
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case errors.As(err, &mErr):
		return grpcstatus.Error(codes.Aborted, err.Error())
	case errors.Is(err, context.Canceled):
		return grpcstatus.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.Error(codes.DeadlineExceeded, err.Error())
	}
	return grpcstatus.Error(codes.Internal, err.Error())
}

func nonNilConvs(c []*model.Conversation) []*model.Conversation {
	if c == nil {
		return []*model.Conversation{}
	}
	return c
}
