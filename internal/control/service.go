// Package control exposes the chat engine to the UI layer over gRPC on the
// profile's Unix socket. The service is declared by hand on well-known
// protobuf types: requests and results are google.protobuf.Struct values
// holding the JSON views in views.go, and methods without a result answer
// google.protobuf.Empty.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/netzeal/chatsync/internal/bus"
	"github.com/netzeal/chatsync/internal/chat"
	"github.com/netzeal/chatsync/internal/conn"
	"github.com/netzeal/chatsync/internal/httpapi"
	"github.com/netzeal/chatsync/internal/outbox"
	"github.com/netzeal/chatsync/internal/store"
	chatsync "github.com/netzeal/chatsync/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatsync.control.v1.Control"

// Service is the chat surface the control socket drives.
type Service interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Foreground() error
	Background() error
	Join(conversationID int64)
	Leave(conversationID int64)
	Send(o outbox.Outgoing) (*store.Message, error)
	Retry(tempID string) (*store.Message, error)
	SetTyping(conversationID int64, typing bool) error
	MarkRead(conversationID int64) ([]int64, error)
	Messages(conversationID int64, limit int) ([]store.Message, error)
	LoadHistory(ctx context.Context, conversationID int64, cursor string) (*chat.HistoryPage, error)
	Conversations(ctx context.Context, refresh bool) ([]store.Conversation, error)
	SaveDraft(conversationID int64, content string) error
	Draft(conversationID int64) (*store.Draft, error)
	ClearCache() error
	Logout() error
	Status() chat.Status
}

type controlServer interface {
	svc() Service
}

type handler struct {
	service Service
	bus     *bus.Bus
	profile string
	started time.Time
	logger  *zap.Logger
}

func (h *handler) svc() Service { return h.service }

// Register adds the control service to s.
func Register(s *grpc.Server, service Service, b *bus.Bus, profile string, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s.RegisterService(&serviceDesc, &handler{
		service: service,
		bus:     b,
		profile: profile,
		started: time.Now(),
		logger:  logger.Named("control"),
	})
}

// Request payloads.

type conversationReq struct {
	ConversationID int64 `json:"conversation_id"`
}

type sendReq struct {
	ConversationID int64  `json:"conversation_id"`
	Content        string `json:"content"`
	Type           string `json:"message_type,omitempty"`
	MediaURL       string `json:"media_url,omitempty"`
	ReplyToID      *int64 `json:"reply_to_id,omitempty"`
}

type retryReq struct {
	TempID string `json:"temp_id"`
}

type typingReq struct {
	ConversationID int64 `json:"conversation_id"`
	IsTyping       bool  `json:"is_typing"`
}

type messagesReq struct {
	ConversationID int64 `json:"conversation_id"`
	Limit          int   `json:"limit,omitempty"`
}

type historyReq struct {
	ConversationID int64  `json:"conversation_id"`
	Cursor         string `json:"cursor,omitempty"`
}

type conversationsReq struct {
	Refresh bool `json:"refresh,omitempty"`
}

type draftReq struct {
	ConversationID int64  `json:"conversation_id"`
	Content        string `json:"content"`
}

type watchReq struct {
	Prefix string `json:"prefix,omitempty"`
}

type none struct{}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*controlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Status", func(_ context.Context, h *handler, _ none) (any, error) {
			return statusView(h.profile, h.service.Status(), h.started), nil
		}),
		unary("Connect", func(ctx context.Context, h *handler, _ none) (any, error) {
			return nil, h.service.Connect(ctx)
		}),
		unary("Disconnect", func(_ context.Context, h *handler, _ none) (any, error) {
			return nil, h.service.Disconnect()
		}),
		unary("Foreground", func(_ context.Context, h *handler, _ none) (any, error) {
			return nil, h.service.Foreground()
		}),
		unary("Background", func(_ context.Context, h *handler, _ none) (any, error) {
			return nil, h.service.Background()
		}),
		unary("Join", func(_ context.Context, h *handler, r conversationReq) (any, error) {
			if r.ConversationID == 0 {
				return nil, errInvalidArgument
			}
			h.service.Join(r.ConversationID)
			return nil, nil
		}),
		unary("Leave", func(_ context.Context, h *handler, r conversationReq) (any, error) {
			h.service.Leave(r.ConversationID)
			return nil, nil
		}),
		unary("Send", func(_ context.Context, h *handler, r sendReq) (any, error) {
			if r.ConversationID == 0 || (r.Content == "" && r.MediaURL == "") {
				return nil, errInvalidArgument
			}
			m, err := h.service.Send(outbox.Outgoing{
				ConversationID: r.ConversationID,
				Content:        r.Content,
				Type:           store.ParseMessageType(r.Type),
				MediaURL:       r.MediaURL,
				ReplyToID:      r.ReplyToID,
			})
			if err != nil {
				return nil, err
			}
			return messageView(m), nil
		}),
		unary("Retry", func(_ context.Context, h *handler, r retryReq) (any, error) {
			m, err := h.service.Retry(r.TempID)
			if err != nil {
				return nil, err
			}
			return messageView(m), nil
		}),
		unary("SetTyping", func(_ context.Context, h *handler, r typingReq) (any, error) {
			return nil, h.service.SetTyping(r.ConversationID, r.IsTyping)
		}),
		unary("MarkRead", func(_ context.Context, h *handler, r conversationReq) (any, error) {
			ids, err := h.service.MarkRead(r.ConversationID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"message_ids": ids}, nil
		}),
		unary("Messages", func(_ context.Context, h *handler, r messagesReq) (any, error) {
			msgs, err := h.service.Messages(r.ConversationID, r.Limit)
			if err != nil {
				return nil, err
			}
			return map[string]any{"messages": messageViews(msgs)}, nil
		}),
		unary("LoadHistory", func(ctx context.Context, h *handler, r historyReq) (any, error) {
			page, err := h.service.LoadHistory(ctx, r.ConversationID, r.Cursor)
			if err != nil {
				return nil, err
			}
			return History{Added: messageViews(page.Added), NextCursor: page.NextCursor, HasMore: page.HasMore}, nil
		}),
		unary("Conversations", func(ctx context.Context, h *handler, r conversationsReq) (any, error) {
			convs, err := h.service.Conversations(ctx, r.Refresh)
			if err != nil {
				return nil, err
			}
			out := make([]Conversation, len(convs))
			for i, c := range convs {
				out[i] = Conversation{
					ID:              c.ID,
					Type:            c.Type,
					Title:           c.Title,
					LastMessage:     c.LastMessage,
					LastMessageAtMs: c.LastMessageAt.UnixMilli(),
					UnreadCount:     c.UnreadCount,
				}
			}
			return map[string]any{"conversations": out}, nil
		}),
		unary("SaveDraft", func(_ context.Context, h *handler, r draftReq) (any, error) {
			return nil, h.service.SaveDraft(r.ConversationID, r.Content)
		}),
		unary("GetDraft", func(_ context.Context, h *handler, r conversationReq) (any, error) {
			d, err := h.service.Draft(r.ConversationID)
			if err != nil {
				return nil, err
			}
			if d == nil {
				return Draft{ConversationID: r.ConversationID}, nil
			}
			return Draft{ConversationID: d.ConversationID, Content: d.Content, UpdatedAtMs: d.UpdatedAt.UnixMilli()}, nil
		}),
		unary("ClearCache", func(_ context.Context, h *handler, _ none) (any, error) {
			return nil, h.service.ClearCache()
		}),
		unary("Logout", func(_ context.Context, h *handler, _ none) (any, error) {
			return nil, h.service.Logout()
		}),
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchEvents", Handler: watchEvents, ServerStreams: true},
	},
	Metadata: "chatsync/control/v1/control.proto",
}

// unary builds a method whose request Struct decodes into Req. A nil result
// answers Empty.
func unary[Req any](name string, fn func(ctx context.Context, h *handler, req Req) (any, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			h := srv.(*handler)
			call := func(ctx context.Context, req any) (any, error) {
				var r Req
				if err := fromStruct(req.(*structpb.Struct), &r); err != nil {
					return nil, toStatus(err)
				}
				out, err := fn(ctx, h, r)
				if err != nil {
					h.logger.Debug("call failed", zap.String("method", name), zap.Error(err))
					return nil, toStatus(err)
				}
				return encodeResult(out)
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}, call)
		},
	}
}

func encodeResult(out any) (proto.Message, error) {
	if out == nil {
		return &emptypb.Empty{}, nil
	}
	s, err := toStruct(out)
	if err != nil {
		return nil, grpcstatus.Error(codes.Internal, err.Error())
	}
	return s, nil
}

// toStatus maps engine errors onto gRPC codes.
func toStatus(err error) error {
	var se *httpapi.StatusError
	switch {
	case errors.Is(err, errInvalidArgument):
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, store.ErrNotFound):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, conn.ErrAuthenticationRequired), errors.Is(err, httpapi.ErrUnauthorized), errors.Is(err, httpapi.ErrNoToken):
		return grpcstatus.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, conn.ErrNotConnected), errors.Is(err, conn.ErrClosed):
		return grpcstatus.Error(codes.Unavailable, err.Error())
	case errors.Is(err, conn.ErrMaxReconnectAttempts):
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case errors.As(err, &se) && se.Code == 404:
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled):
		return grpcstatus.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.Error(codes.DeadlineExceeded, err.Error())
	}
	return grpcstatus.Error(codes.Internal, err.Error())
}

func watchEvents(srv any, stream grpc.ServerStream) error {
	h := srv.(*handler)
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	var req watchReq
	if err := fromStruct(in, &req); err != nil {
		return toStatus(err)
	}

	ch, unsub := h.bus.Subscribe(req.Prefix, 256)
	defer unsub()
	h.logger.Debug("watcher attached", zap.String("prefix", req.Prefix))

	for {
		select {
		case evt := <-ch:
			out, err := toStruct(Event{
				ID:           uuid.NewString(),
				Profile:      h.profile,
				Kind:         evt.Kind,
				OccurredAtMs: evt.Timestamp.UnixMilli(),
				Payload:      eventPayload(evt.Payload),
			})
			if err != nil {
				h.logger.Warn("dropping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
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

// eventPayload renders bus payloads as JSON objects.
func eventPayload(p any) json.RawMessage {
	var v any
	switch p := p.(type) {
	case nil:
		return nil
	case *store.Message:
		v = messageView(p)
	case outbox.Failure:
		errText := ""
		if p.Err != nil {
			errText = p.Err.Error()
		}
		v = map[string]any{"temp_id": p.TempID, "conversation_id": p.ConversationID, "error": errText}
	case chatsync.Merged:
		v = map[string]any{"conversation_id": p.ConversationID, "messages": messageViews(p.Messages)}
	case error:
		v = map[string]any{"error": p.Error()}
	default:
		v = p
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if len(raw) == 0 || raw[0] != '{' {
		raw, _ = json.Marshal(map[string]json.RawMessage{"value": raw})
	}
	return raw
}
