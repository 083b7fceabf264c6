// Package grpc provides a gRPC client for the discountfn service.
//
// Requests and responses travel as google.protobuf.Struct messages shaped
// like the HTTP API's JSON bodies.
package grpc

import (
	"context"
	"encoding/json"
	"fmt"

	discountfn "github.com/matt-riley/discountfn/clients/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the fully-qualified gRPC service name.
	ServiceName = "discountfn.v1.DiscountFunction"

	outcomeMetadataKey = "x-discount-outcome"
)

// Config holds configuration for the gRPC client.
type Config struct {
	// Address is the host:port of the discountfn gRPC server, e.g. "localhost:9090".
	Address string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// DialOpts are additional gRPC dial options (e.g. TLS credentials).
	// If empty, insecure credentials are used.
	DialOpts []grpc.DialOption
}

// Client implements discountfn.DiscountReader, discountfn.Evaluator, and
// discountfn.Streamer over gRPC.
type Client struct {
	cfg  Config
	conn *grpc.ClientConn
}

var (
	_ discountfn.DiscountReader = (*Client)(nil)
	_ discountfn.Evaluator      = (*Client)(nil)
	_ discountfn.Streamer       = (*Client)(nil)
)

// NewGRPCClient creates a client for the discountfn gRPC server.
// Call Close() when done.
func NewGRPCClient(cfg Config) (*Client, error) {
	opts := []grpc.DialOption{}
	if len(cfg.DialOpts) > 0 {
		opts = append(opts, cfg.DialOpts...)
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("discountfn: grpc dial: %w", err)
	}
	return &Client{cfg: cfg, conn: conn}, nil
}

// Close closes the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// authCtx injects the bearer token into outgoing gRPC metadata.
func (c *Client) authCtx(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.cfg.APIKey)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// -- wire helpers ------------------------------------------------------------

func toStruct(v any) (*structpb.Struct, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	msg := &structpb.Struct{}
	if err := protojson.Unmarshal(payload, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func fromStruct(msg *structpb.Struct, out any) error {
	payload, err := protojson.Marshal(msg)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, out)
}

func (c *Client) invoke(ctx context.Context, method string, req any, out any, opts ...grpc.CallOption) error {
	msg, err := toStruct(req)
	if err != nil {
		return fmt.Errorf("discountfn: encode %s request: %w", method, err)
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(c.authCtx(ctx), fullMethod(method), msg, resp, opts...); err != nil {
		return fmt.Errorf("discountfn: %s: %w", method, err)
	}
	if err := fromStruct(resp, out); err != nil {
		return fmt.Errorf("discountfn: decode %s response: %w", method, err)
	}
	return nil
}

type discountIDRequest struct {
	DiscountID string `json:"discount_id"`
}

// -- DiscountReader ----------------------------------------------------------

func (c *Client) GetDiscount(ctx context.Context, id string) (discountfn.Discount, error) {
	var out discountfn.Discount
	if err := c.invoke(ctx, "GetDiscount", discountIDRequest{DiscountID: id}, &out); err != nil {
		return discountfn.Discount{}, err
	}
	return out, nil
}

func (c *Client) ListDiscounts(ctx context.Context) ([]discountfn.Discount, error) {
	var out struct {
		Discounts []discountfn.Discount `json:"discounts"`
	}
	if err := c.invoke(ctx, "ListDiscounts", struct{}{}, &out); err != nil {
		return nil, err
	}
	if out.Discounts == nil {
		out.Discounts = []discountfn.Discount{}
	}
	return out.Discounts, nil
}

// -- Evaluator ---------------------------------------------------------------

func (c *Client) ResolveConfiguration(ctx context.Context, id string) (discountfn.Configuration, error) {
	var out discountfn.Configuration
	if err := c.invoke(ctx, "ResolveConfiguration", discountIDRequest{DiscountID: id}, &out); err != nil {
		return discountfn.Configuration{}, err
	}
	return out, nil
}

func (c *Client) Evaluate(ctx context.Context, id string, cart json.RawMessage) (discountfn.Evaluation, error) {
	req := struct {
		DiscountID string          `json:"discount_id"`
		Cart       json.RawMessage `json:"cart,omitempty"`
	}{DiscountID: id, Cart: cart}

	var out discountfn.Evaluation
	if err := c.invoke(ctx, "Evaluate", req, &out); err != nil {
		return discountfn.Evaluation{}, err
	}
	return out, nil
}

// Run sends a function-input document. The input must be a JSON object.
func (c *Client) Run(ctx context.Context, input json.RawMessage) (discountfn.RunResult, error) {
	var (
		header metadata.MD
		output json.RawMessage
	)
	if err := c.invoke(ctx, "Run", input, &output, grpc.Header(&header)); err != nil {
		return discountfn.RunResult{}, err
	}

	result := discountfn.RunResult{Output: output}
	if values := header.Get(outcomeMetadataKey); len(values) > 0 {
		result.Outcome = values[0]
	}
	return result, nil
}

// -- Streamer ----------------------------------------------------------------

var watchStreamDesc = &grpc.StreamDesc{
	StreamName:    "WatchDiscountEvents",
	ServerStreams: true,
}

type wireEvent struct {
	EventID    int64               `json:"event_id"`
	DiscountID string              `json:"discount_id"`
	EventType  string              `json:"event_type"`
	Payload    *discountfn.Discount `json:"payload"`
}

// Stream opens the WatchDiscountEvents stream and emits DiscountEvents on the
// returned channel. The channel is closed when ctx is cancelled or the stream
// ends.
func (c *Client) Stream(ctx context.Context, lastEventID int64) (<-chan discountfn.DiscountEvent, error) {
	req, err := toStruct(map[string]int64{"last_event_id": lastEventID})
	if err != nil {
		return nil, fmt.Errorf("discountfn: encode WatchDiscountEvents request: %w", err)
	}

	stream, err := c.conn.NewStream(c.authCtx(ctx), watchStreamDesc, fullMethod("WatchDiscountEvents"))
	if err != nil {
		return nil, fmt.Errorf("discountfn: WatchDiscountEvents: %w", err)
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, fmt.Errorf("discountfn: WatchDiscountEvents: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("discountfn: WatchDiscountEvents: %w", err)
	}

	ch := make(chan discountfn.DiscountEvent, 16)
	go func() {
		defer close(ch)
		for {
			msg := &structpb.Struct{}
			if err := stream.RecvMsg(msg); err != nil {
				return
			}

			var ev wireEvent
			if err := fromStruct(msg, &ev); err != nil {
				continue
			}
			de := discountfn.DiscountEvent{
				Type:       eventType(ev.EventType),
				DiscountID: ev.DiscountID,
				Discount:   ev.Payload,
				EventID:    ev.EventID,
			}
			select {
			case ch <- de:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func eventType(stored string) string {
	switch stored {
	case "updated", "update":
		return "update"
	case "deleted", "delete":
		return "delete"
	default:
		return "unknown"
	}
}
