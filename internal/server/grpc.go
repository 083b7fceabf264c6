package server

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matt-riley/discountfn/internal/core"
	"github.com/matt-riley/discountfn/internal/middleware"
	"github.com/matt-riley/discountfn/internal/repository"
	"github.com/matt-riley/discountfn/internal/service"
)

const (
	defaultGRPCStreamPollInterval = time.Second

	// GRPCServiceName is the fully qualified name clients dial.
	GRPCServiceName = "discountfn.v1.DiscountFunction"

	outcomeMetadataKey = "x-discount-outcome"
)

// DiscountFunctionServer is the server API for the DiscountFunction service.
// Every message is a google.protobuf.Struct holding the same JSON document the
// HTTP API uses.
type DiscountFunctionServer interface {
	Run(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Evaluate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ResolveConfiguration(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetDiscount(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListDiscounts(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	WatchDiscountEvents(req *structpb.Struct, stream grpc.ServerStream) error
}

// RegisterDiscountFunctionServer registers srv on s.
func RegisterDiscountFunctionServer(s grpc.ServiceRegistrar, srv DiscountFunctionServer) {
	s.RegisterService(&discountFunctionServiceDesc, srv)
}

var discountFunctionServiceDesc = grpc.ServiceDesc{
	ServiceName: GRPCServiceName,
	HandlerType: (*DiscountFunctionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Run", Handler: unaryHandler("Run", DiscountFunctionServer.Run)},
		{MethodName: "Evaluate", Handler: unaryHandler("Evaluate", DiscountFunctionServer.Evaluate)},
		{MethodName: "ResolveConfiguration", Handler: unaryHandler("ResolveConfiguration", DiscountFunctionServer.ResolveConfiguration)},
		{MethodName: "GetDiscount", Handler: unaryHandler("GetDiscount", DiscountFunctionServer.GetDiscount)},
		{MethodName: "ListDiscounts", Handler: unaryHandler("ListDiscounts", DiscountFunctionServer.ListDiscounts)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchDiscountEvents",
			Handler:       watchDiscountEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "discountfn/v1/discount_function.proto",
}

type unaryMethod func(DiscountFunctionServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, method unaryMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + GRPCServiceName + "/" + name
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := new(structpb.Struct)
		if err := dec(req); err != nil {
			return nil, err
		}
		server := srv.(DiscountFunctionServer)
		if interceptor == nil {
			return method(server, ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
			return method(server, ctx, req.(*structpb.Struct))
		})
	}
}

func watchDiscountEventsHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(DiscountFunctionServer).WatchDiscountEvents(req, stream)
}

// GRPCServer implements [DiscountFunctionServer] on top of a [Service].
type GRPCServer struct {
	service            Service
	streamPollInterval time.Duration
}

var _ DiscountFunctionServer = (*GRPCServer)(nil)

// NewGRPCServer creates a [GRPCServer] with a default stream poll interval of
// 1 second.
func NewGRPCServer(svc Service) *GRPCServer {
	return NewGRPCServerWithStreamPollInterval(svc, defaultGRPCStreamPollInterval)
}

// NewGRPCServerWithStreamPollInterval creates a [GRPCServer] with the specified
// poll interval for the WatchDiscountEvents streaming RPC.
func NewGRPCServerWithStreamPollInterval(svc Service, streamPollInterval time.Duration) *GRPCServer {
	if svc == nil {
		panic("service is nil")
	}

	if streamPollInterval <= 0 {
		streamPollInterval = defaultGRPCStreamPollInterval
	}

	return &GRPCServer{
		service:            svc,
		streamPollInterval: streamPollInterval,
	}
}

// Run evaluates a function-input document. The outcome is sent as the
// x-discount-outcome response header.
func (s *GRPCServer) Run(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if _, err := grpcShop(ctx); err != nil {
		return nil, err
	}

	payload, err := structToJSON(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid function input")
	}
	input, err := core.DecodeInput(payload)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid function input")
	}

	evaluation, err := s.service.Run(ctx, input)
	if err != nil {
		return nil, toGRPCError(err)
	}

	// Fails only when called outside a live RPC, as in unit tests.
	_ = grpc.SetHeader(ctx, metadata.Pairs(outcomeMetadataKey, string(evaluation.Outcome)))

	output, err := core.EncodeOutput(evaluation.Output)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return jsonToStruct(output)
}

func (s *GRPCServer) Evaluate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	shop, err := grpcShop(ctx)
	if err != nil {
		return nil, err
	}
	id, err := requiredDiscountID(req)
	if err != nil {
		return nil, err
	}

	var cart core.Cart
	if value, ok := req.GetFields()["cart"]; ok {
		payload, err := protojson.Marshal(value)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, "invalid cart")
		}
		if err := json.Unmarshal(payload, &cart); err != nil {
			return nil, status.Error(codes.InvalidArgument, "invalid cart")
		}
	}

	evaluation, err := s.service.Evaluate(ctx, shop, id, cart)
	if err != nil {
		return nil, toGRPCError(err)
	}

	response, err := newEvaluationResponse(evaluation)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return marshalStruct(response)
}

func (s *GRPCServer) ResolveConfiguration(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	shop, err := grpcShop(ctx)
	if err != nil {
		return nil, err
	}
	id, err := requiredDiscountID(req)
	if err != nil {
		return nil, err
	}

	cfg, err := s.service.ResolveConfiguration(ctx, shop, id)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return marshalStruct(cfg)
}

func (s *GRPCServer) GetDiscount(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	shop, err := grpcShop(ctx)
	if err != nil {
		return nil, err
	}
	id, err := requiredDiscountID(req)
	if err != nil {
		return nil, err
	}

	discount, err := s.service.GetDiscount(ctx, shop, id)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return marshalStruct(discount)
}

func (s *GRPCServer) ListDiscounts(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	shop, err := grpcShop(ctx)
	if err != nil {
		return nil, err
	}

	discounts, err := s.service.ListDiscounts(ctx, shop)
	if err != nil {
		return nil, toGRPCError(err)
	}
	if discounts == nil {
		discounts = []repository.Discount{}
	}
	return marshalStruct(map[string]any{"discounts": discounts})
}

// WatchDiscountEvents streams the caller's discount events after
// last_event_id, polling until the client goes away.
func (s *GRPCServer) WatchDiscountEvents(req *structpb.Struct, stream grpc.ServerStream) error {
	shop, err := grpcShop(stream.Context())
	if err != nil {
		return err
	}

	lastEventID, err := lastEventIDField(req)
	if err != nil {
		return err
	}

	sendEvents := func(ctx context.Context) error {
		events, err := s.service.ListEventsSince(ctx, shop, lastEventID)
		if err != nil {
			return toGRPCError(err)
		}

		for _, event := range events {
			lastEventID = event.EventID
			if toSSEEventName(event.EventType) == "" {
				continue
			}

			message, err := marshalStruct(event)
			if err != nil {
				return err
			}
			if err := stream.SendMsg(message); err != nil {
				return err
			}
		}

		return nil
	}

	if err := sendEvents(stream.Context()); err != nil {
		return err
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case <-ticker.C:
			if err := sendEvents(stream.Context()); err != nil {
				if errors.Is(stream.Context().Err(), context.Canceled) {
					return nil
				}
				return err
			}
		}
	}
}

func toGRPCError(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, service.ErrInvalidDiscount):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, service.ErrShopRequired):
		return status.Error(codes.InvalidArgument, "shop is required")
	case errors.Is(err, service.ErrDiscountNotFound):
		return status.Error(codes.NotFound, "discount not found")
	case errors.Is(err, service.ErrCartTooLarge):
		return status.Error(codes.ResourceExhausted, "cart has too many lines")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	default:
		return status.Error(codes.Internal, "internal server error")
	}
}

func grpcShop(ctx context.Context) (string, error) {
	shop, ok := middleware.ShopFromContext(ctx)
	if !ok || strings.TrimSpace(shop) == "" {
		return "", status.Error(codes.Unauthenticated, "unauthorized")
	}
	return shop, nil
}

func requiredDiscountID(req *structpb.Struct) (string, error) {
	id := strings.TrimSpace(req.GetFields()["discount_id"].GetStringValue())
	if id == "" {
		return "", status.Error(codes.InvalidArgument, "discount_id is required")
	}
	return id, nil
}

func lastEventIDField(req *structpb.Struct) (int64, error) {
	value, ok := req.GetFields()["last_event_id"]
	if !ok {
		return 0, nil
	}

	number, isNumber := value.GetKind().(*structpb.Value_NumberValue)
	if !isNumber {
		return 0, status.Error(codes.InvalidArgument, "last_event_id must be a number")
	}
	id := number.NumberValue
	if id < 0 || id != math.Trunc(id) || id >= math.MaxInt64 {
		return 0, status.Error(codes.InvalidArgument, "last_event_id must be a non-negative integer")
	}
	return int64(id), nil
}

func structToJSON(msg *structpb.Struct) ([]byte, error) {
	if msg == nil {
		return []byte(`{}`), nil
	}
	return protojson.Marshal(msg)
}

func jsonToStruct(payload []byte) (*structpb.Struct, error) {
	msg := new(structpb.Struct)
	if err := protojson.Unmarshal(payload, msg); err != nil {
		return nil, status.Error(codes.Internal, "internal server error")
	}
	return msg, nil
}

func marshalStruct(v any) (*structpb.Struct, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "internal server error")
	}
	return jsonToStruct(payload)
}
