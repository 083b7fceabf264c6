package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matt-riley/discountfn/internal/core"
	"github.com/matt-riley/discountfn/internal/middleware"
	"github.com/matt-riley/discountfn/internal/repository"
	"github.com/matt-riley/discountfn/internal/service"
)

func shopContext() context.Context {
	return middleware.NewContextWithShop(context.Background(), testShop)
}

func mustStruct(t *testing.T, document string) *structpb.Struct {
	t.Helper()
	msg := new(structpb.Struct)
	if err := protojson.Unmarshal([]byte(document), msg); err != nil {
		t.Fatalf("build struct: %v", err)
	}
	return msg
}

func TestGRPCServerRequiresShop(t *testing.T) {
	grpcServer := NewGRPCServer(&fakeService{})
	req := mustStruct(t, `{"discount_id":"d-1"}`)

	calls := map[string]func() error{
		"Run":                  func() error { _, err := grpcServer.Run(context.Background(), req); return err },
		"Evaluate":             func() error { _, err := grpcServer.Evaluate(context.Background(), req); return err },
		"ResolveConfiguration": func() error { _, err := grpcServer.ResolveConfiguration(context.Background(), req); return err },
		"GetDiscount":          func() error { _, err := grpcServer.GetDiscount(context.Background(), req); return err },
		"ListDiscounts":        func() error { _, err := grpcServer.ListDiscounts(context.Background(), req); return err },
	}
	for name, call := range calls {
		if code := status.Code(call()); code != codes.Unauthenticated {
			t.Fatalf("%s() code = %v, want %v", name, code, codes.Unauthenticated)
		}
	}
}

func TestGRPCServerRun(t *testing.T) {
	svc := &fakeService{
		runFunc: func(_ context.Context, input core.Input) (core.Evaluation, error) {
			if len(input.Cart.Lines) != 1 {
				t.Fatalf("Run lines = %d, want 1", len(input.Cart.Lines))
			}
			return appliedEvaluation(), nil
		},
	}
	grpcServer := NewGRPCServer(svc)

	resp, err := grpcServer.Run(shopContext(), mustStruct(t, `{
		"cart": {"lines": [{"id": "gid://shopify/CartLine/1", "quantity": 1,
			"merchandise": {"__typename": "ProductVariant", "id": "v1", "product": {"id": "p1"}},
			"cost": {"amountPerQuantity": {"amount": "10.0", "currencyCode": "USD"}}}]},
		"discount": {"discountClasses": ["PRODUCT"], "metafield": {"value": "{\"percentage\": 15}"}}
	}`))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	operations := resp.GetFields()["operations"].GetListValue().GetValues()
	if len(operations) != 1 {
		t.Fatalf("Run() operations = %d, want 1", len(operations))
	}
	candidate := operations[0].GetStructValue().GetFields()["productDiscountsAdd"].GetStructValue().
		GetFields()["candidates"].GetListValue().GetValues()[0].GetStructValue()
	if got := candidate.GetFields()["message"].GetStringValue(); got != "15% OFF PRODUCT" {
		t.Fatalf("Run() message = %q, want %q", got, "15% OFF PRODUCT")
	}
}

func TestGRPCServerRunEmptyOutputKeepsOperationsList(t *testing.T) {
	svc := &fakeService{
		runFunc: func(context.Context, core.Input) (core.Evaluation, error) {
			return core.Evaluation{Outcome: core.OutcomeEmptyCart}, nil
		},
	}
	grpcServer := NewGRPCServer(svc)

	resp, err := grpcServer.Run(shopContext(), &structpb.Struct{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	list := resp.GetFields()["operations"].GetListValue()
	if list == nil || len(list.GetValues()) != 0 {
		t.Fatalf("Run() operations = %v, want empty list", resp.GetFields()["operations"])
	}
}

func TestGRPCServerRunInvalidInput(t *testing.T) {
	svc := &fakeService{
		runFunc: func(context.Context, core.Input) (core.Evaluation, error) {
			t.Fatal("Run should not be called")
			return core.Evaluation{}, nil
		},
	}
	grpcServer := NewGRPCServer(svc)

	_, err := grpcServer.Run(shopContext(), mustStruct(t, `{"cart": {"lines": "nope"}}`))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("Run() code = %v, want %v", status.Code(err), codes.InvalidArgument)
	}
}

func TestGRPCServerEvaluate(t *testing.T) {
	t.Run("missing discount id", func(t *testing.T) {
		grpcServer := NewGRPCServer(&fakeService{})

		_, err := grpcServer.Evaluate(shopContext(), mustStruct(t, `{"cart": {"lines": []}}`))
		if status.Code(err) != codes.InvalidArgument {
			t.Fatalf("Evaluate() code = %v, want %v", status.Code(err), codes.InvalidArgument)
		}
	})

	t.Run("invalid cart", func(t *testing.T) {
		grpcServer := NewGRPCServer(&fakeService{})

		_, err := grpcServer.Evaluate(shopContext(), mustStruct(t, `{"discount_id": "d-1", "cart": {"lines": 3}}`))
		if status.Code(err) != codes.InvalidArgument {
			t.Fatalf("Evaluate() code = %v, want %v", status.Code(err), codes.InvalidArgument)
		}
	})

	t.Run("returns evaluation document", func(t *testing.T) {
		svc := &fakeService{
			evaluateFunc: func(_ context.Context, shop, id string, cart core.Cart) (core.Evaluation, error) {
				if shop != testShop || id != "d-1" {
					t.Fatalf("Evaluate shop=%q id=%q", shop, id)
				}
				if len(cart.Lines) != 1 || cart.Lines[0].ID != "gid://shopify/CartLine/1" {
					t.Fatalf("Evaluate cart = %#v", cart)
				}
				return appliedEvaluation(), nil
			},
		}
		grpcServer := NewGRPCServer(svc)

		resp, err := grpcServer.Evaluate(shopContext(), mustStruct(t, `{
			"discount_id": "d-1",
			"cart": {"lines": [{"id": "gid://shopify/CartLine/1", "quantity": 1,
				"cost": {"amountPerQuantity": {"amount": "10.0"}}}]}
		}`))
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		if got := resp.GetFields()["outcome"].GetStringValue(); got != string(core.OutcomeApplied) {
			t.Fatalf("Evaluate() outcome = %q, want %q", got, core.OutcomeApplied)
		}
		if got := resp.GetFields()["eligible_lines"].GetNumberValue(); got != 1 {
			t.Fatalf("Evaluate() eligible_lines = %v, want 1", got)
		}
		if got := resp.GetFields()["configuration"].GetStructValue().GetFields()["kind"].GetStringValue(); got != "percentage" {
			t.Fatalf("Evaluate() configuration kind = %q, want percentage", got)
		}
	})
}

func TestGRPCServerResolveConfiguration(t *testing.T) {
	svc := &fakeService{
		resolveConfigurationFunc: func(context.Context, string, string) (core.Configuration, error) {
			return core.ResolveConfiguration([]byte(`{"amount": 5, "productIds": "p1,p2"}`)), nil
		},
	}
	grpcServer := NewGRPCServer(svc)

	resp, err := grpcServer.ResolveConfiguration(shopContext(), mustStruct(t, `{"discount_id": "d-1"}`))
	if err != nil {
		t.Fatalf("ResolveConfiguration() error = %v", err)
	}
	if got := resp.GetFields()["kind"].GetStringValue(); got != string(core.DiscountKindFixedAmount) {
		t.Fatalf("kind = %q, want %q", got, core.DiscountKindFixedAmount)
	}
	if got := resp.GetFields()["magnitude"].GetNumberValue(); got != 5 {
		t.Fatalf("magnitude = %v, want 5", got)
	}
	if got := len(resp.GetFields()["productIds"].GetListValue().GetValues()); got != 2 {
		t.Fatalf("productIds = %d, want 2", got)
	}
}

func TestGRPCServerGetAndListDiscounts(t *testing.T) {
	svc := &fakeService{
		getDiscountFunc: func(_ context.Context, shop, id string) (repository.Discount, error) {
			if id == "missing" {
				return repository.Discount{}, service.ErrDiscountNotFound
			}
			return repository.Discount{ID: id, Shop: shop, Title: "Spring sale"}, nil
		},
		listDiscountsFunc: func(context.Context, string) ([]repository.Discount, error) {
			return nil, nil
		},
	}
	grpcServer := NewGRPCServer(svc)

	resp, err := grpcServer.GetDiscount(shopContext(), mustStruct(t, `{"discount_id": "d-1"}`))
	if err != nil {
		t.Fatalf("GetDiscount() error = %v", err)
	}
	if got := resp.GetFields()["title"].GetStringValue(); got != "Spring sale" {
		t.Fatalf("GetDiscount() title = %q, want %q", got, "Spring sale")
	}

	_, err = grpcServer.GetDiscount(shopContext(), mustStruct(t, `{"discount_id": "missing"}`))
	if status.Code(err) != codes.NotFound {
		t.Fatalf("GetDiscount() code = %v, want %v", status.Code(err), codes.NotFound)
	}

	resp, err = grpcServer.ListDiscounts(shopContext(), nil)
	if err != nil {
		t.Fatalf("ListDiscounts() error = %v", err)
	}
	list := resp.GetFields()["discounts"].GetListValue()
	if list == nil || len(list.GetValues()) != 0 {
		t.Fatalf("ListDiscounts() = %v, want empty discounts list", resp)
	}
}

func TestGRPCServerWatchDiscountEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(shopContext())
	stream := &fakeServerStream{ctx: ctx, cancel: cancel}

	var sinceCalls []int64
	svc := &fakeService{
		listEventsSinceFunc: func(_ context.Context, shop string, eventID int64) ([]repository.DiscountEvent, error) {
			if shop != testShop {
				t.Fatalf("ListEventsSince shop = %q, want %q", shop, testShop)
			}
			sinceCalls = append(sinceCalls, eventID)
			return []repository.DiscountEvent{
				{EventID: 5, DiscountID: "d-1", EventType: "noise"},
				{EventID: 6, DiscountID: "d-1", EventType: service.EventTypeUpdated, Payload: json.RawMessage(`{"id":"d-1"}`)},
			}, nil
		},
	}
	grpcServer := NewGRPCServerWithStreamPollInterval(svc, time.Hour)

	err := grpcServer.WatchDiscountEvents(mustStruct(t, `{"last_event_id": 4}`), stream)
	if err != nil {
		t.Fatalf("WatchDiscountEvents() error = %v", err)
	}
	if len(sinceCalls) == 0 || sinceCalls[0] != 4 {
		t.Fatalf("ListEventsSince calls = %#v, want first value 4", sinceCalls)
	}
	if len(stream.sent) != 1 {
		t.Fatalf("WatchDiscountEvents() sent %d events, want 1", len(stream.sent))
	}
	if got := stream.sent[0].GetFields()["event_id"].GetNumberValue(); got != 6 {
		t.Fatalf("event_id = %v, want 6", got)
	}
}

func TestGRPCServerWatchDiscountEventsRejectsBadLastEventID(t *testing.T) {
	svc := &fakeService{
		listEventsSinceFunc: func(context.Context, string, int64) ([]repository.DiscountEvent, error) {
			t.Fatal("ListEventsSince should not be called")
			return nil, nil
		},
	}
	grpcServer := NewGRPCServerWithStreamPollInterval(svc, time.Hour)

	for _, document := range []string{`{"last_event_id": -1}`, `{"last_event_id": 1.5}`, `{"last_event_id": "7"}`} {
		err := grpcServer.WatchDiscountEvents(mustStruct(t, document), &fakeServerStream{ctx: shopContext()})
		if status.Code(err) != codes.InvalidArgument {
			t.Fatalf("WatchDiscountEvents(%s) code = %v, want %v", document, status.Code(err), codes.InvalidArgument)
		}
	}
}

func TestToGRPCError(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{err: nil, want: codes.OK},
		{err: service.ErrInvalidDiscount, want: codes.InvalidArgument},
		{err: service.ErrShopRequired, want: codes.InvalidArgument},
		{err: service.ErrDiscountNotFound, want: codes.NotFound},
		{err: service.ErrCartTooLarge, want: codes.ResourceExhausted},
		{err: context.Canceled, want: codes.Canceled},
		{err: context.DeadlineExceeded, want: codes.DeadlineExceeded},
		{err: status.Error(codes.Unavailable, "down"), want: codes.Unavailable},
		{err: errors.New("boom"), want: codes.Internal},
	}

	for _, tt := range tests {
		if got := status.Code(toGRPCError(tt.err)); got != tt.want {
			t.Fatalf("toGRPCError(%v) code = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestRegisterDiscountFunctionServerOverBufconn(t *testing.T) {
	svc := &fakeService{
		runFunc: func(context.Context, core.Input) (core.Evaluation, error) {
			return core.Evaluation{Outcome: core.OutcomeEmptyCart}, nil
		},
	}

	lis := bufconn.Listen(1 << 20)
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		return handler(middleware.NewContextWithShop(ctx, testShop), req)
	}))
	RegisterDiscountFunctionServer(grpcServer, NewGRPCServer(svc))
	go func() { _ = grpcServer.Serve(lis) }()
	defer grpcServer.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var header metadata.MD
	resp := new(structpb.Struct)
	err = conn.Invoke(context.Background(), "/"+GRPCServiceName+"/Run", &structpb.Struct{}, resp, grpc.Header(&header))
	if err != nil {
		t.Fatalf("Invoke(Run) error = %v", err)
	}
	if got := header.Get(outcomeMetadataKey); len(got) != 1 || got[0] != string(core.OutcomeEmptyCart) {
		t.Fatalf("outcome header = %v, want %q", got, core.OutcomeEmptyCart)
	}
	if _, ok := resp.GetFields()["operations"]; !ok {
		t.Fatalf("Run response = %v, want operations field", resp)
	}
}

type fakeServerStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	sent   []*structpb.Struct
}

func (f *fakeServerStream) SendMsg(m any) error {
	f.sent = append(f.sent, m.(*structpb.Struct))
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	return nil
}

func (f *fakeServerStream) SetHeader(metadata.MD) error {
	return nil
}

func (f *fakeServerStream) SendHeader(metadata.MD) error {
	return nil
}

func (f *fakeServerStream) SetTrailer(metadata.MD) {}

func (f *fakeServerStream) Context() context.Context {
	return f.ctx
}

func (f *fakeServerStream) RecvMsg(any) error {
	return io.EOF
}
