package service

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype of the bar stream messages.
const CodecName = "json"

const (
	barServiceName     = "tradecore.BarService"
	streamBarsMethod   = "/" + barServiceName + "/StreamBars"
	streamBarsStreamID = "StreamBars"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec carries plain Go structs over gRPC, so the bar stream needs no generated code.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string { return CodecName }

// BarRequest asks for the bars of the given logical instrument names.
type BarRequest struct {
	Instruments []string `json:"instruments"`
}

// BarMessage is one bar on the wire. Prices are decimal strings, empty when the bucket
// has no trade yet.
type BarMessage struct {
	Exchange   string `json:"exchange"`
	Instrument string `json:"instrument"`
	Freq       string `json:"freq"`
	Timestamp  string `json:"timestamp"`
	Open       string `json:"open"`
	High       string `json:"high"`
	Low        string `json:"low"`
	Close      string `json:"close"`
	Volume     string `json:"volume"`
	Complete   bool   `json:"complete"`
}

// BarStreamer is the server side of the bar stream.
type BarStreamer interface {
	StreamBars(req *BarRequest, stream BarStream) error
}

// BarStream sends bars to one client.
type BarStream interface {
	Send(*BarMessage) error
	Context() context.Context
}

// BarServiceDesc describes the server-streaming StreamBars RPC.
var BarServiceDesc = grpc.ServiceDesc{
	ServiceName: barServiceName,
	HandlerType: (*BarStreamer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    streamBarsStreamID,
			Handler:       streamBarsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "tradecore/bars",
}

// RegisterBarServiceServer registers srv on s.
func RegisterBarServiceServer(s grpc.ServiceRegistrar, srv BarStreamer) {
	s.RegisterService(&BarServiceDesc, srv)
}

func streamBarsHandler(srv any, stream grpc.ServerStream) error {
	req := new(BarRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(BarStreamer).StreamBars(req, &barStreamServer{stream})
}

type barStreamServer struct {
	grpc.ServerStream
}

func (s *barStreamServer) Send(m *BarMessage) error {
	return s.ServerStream.SendMsg(m)
}

// BarClient opens bar streams on a connection.
type BarClient struct {
	cc grpc.ClientConnInterface
}

func NewBarClient(cc grpc.ClientConnInterface) *BarClient {
	return &BarClient{cc: cc}
}

// BarReceiver reads bars from an open stream.
type BarReceiver interface {
	Recv() (*BarMessage, error)
}

type barStreamClient struct {
	grpc.ClientStream
}

func (c *barStreamClient) Recv() (*BarMessage, error) {
	m := new(BarMessage)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// StreamBars opens a bar stream for req.
func (c *BarClient) StreamBars(ctx context.Context, req *BarRequest, opts ...grpc.CallOption) (BarReceiver, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &BarServiceDesc.Streams[0], streamBarsMethod, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, fmt.Errorf("send bar request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("close send: %w", err)
	}
	return &barStreamClient{stream}, nil
}
