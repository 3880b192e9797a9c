package transport

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/rendis/relay/pkg/schema"
)

const serviceName = "relay.v1.Dispatcher"

const (
	methodRegister        = "/" + serviceName + "/Register"
	methodListen          = "/" + serviceName + "/Listen"
	methodSubscribeEvents = "/" + serviceName + "/SubscribeToRunEvents"
	methodSendActionEvent = "/" + serviceName + "/SendActionEvent"
	methodUnsubscribe     = "/" + serviceName + "/Unsubscribe"
)

var (
	listenStreamDesc = grpc.StreamDesc{
		StreamName:    "Listen",
		ServerStreams: true,
	}
	subscribeStreamDesc = grpc.StreamDesc{
		StreamName:    "SubscribeToRunEvents",
		ServerStreams: true,
		ClientStreams: true,
	}
)

// GRPCSession is a Session backed by a gRPC client connection.
type GRPCSession struct {
	conn *grpc.ClientConn
}

// Dial creates a GRPCSession for the dispatcher at target. Without extra
// options the connection is plaintext.
func Dial(target string, opts ...grpc.DialOption) (*GRPCSession, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec{})),
	}
	conn, err := grpc.NewClient(target, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("dial dispatcher %q: %w", target, err)
	}
	return &GRPCSession{conn: conn}, nil
}

// NewGRPCSession wraps an existing connection. The connection must use Codec.
func NewGRPCSession(conn *grpc.ClientConn) *GRPCSession {
	return &GRPCSession{conn: conn}
}

// Close closes the underlying connection.
func (s *GRPCSession) Close() error { return s.conn.Close() }

func (s *GRPCSession) Register(ctx context.Context, reg *schema.WorkerRegistration) (*schema.WorkerRegistered, error) {
	out := new(schema.WorkerRegistered)
	if err := s.conn.Invoke(ctx, methodRegister, reg, out, grpc.ForceCodec(Codec{})); err != nil {
		return nil, wrap("register worker", err)
	}
	return out, nil
}

func (s *GRPCSession) Listen(ctx context.Context, workerID string) (ActionStream, error) {
	cs, err := s.conn.NewStream(ctx, &listenStreamDesc, methodListen, grpc.ForceCodec(Codec{}))
	if err != nil {
		return nil, wrap("open listen stream", err)
	}
	if err := cs.SendMsg(&schema.ListenRequest{WorkerID: workerID}); err != nil {
		return nil, wrap("send listen request", err)
	}
	if err := cs.CloseSend(); err != nil {
		return nil, wrap("close listen send side", err)
	}
	return &grpcActionStream{cs: cs}, nil
}

func (s *GRPCSession) SubscribeToRunEvents(ctx context.Context) (RunEventStream, error) {
	cs, err := s.conn.NewStream(ctx, &subscribeStreamDesc, methodSubscribeEvents, grpc.ForceCodec(Codec{}))
	if err != nil {
		return nil, wrap("open run event stream", err)
	}
	return &grpcRunEventStream{cs: cs}, nil
}

func (s *GRPCSession) ReportActionEvent(ctx context.Context, ev *schema.ActionEvent) error {
	if err := s.conn.Invoke(ctx, methodSendActionEvent, ev, new(schema.Ack), grpc.ForceCodec(Codec{})); err != nil {
		return wrap("send action event", err)
	}
	return nil
}

func (s *GRPCSession) Unsubscribe(ctx context.Context, workerID string) error {
	req := &schema.UnsubscribeRequest{WorkerID: workerID}
	if err := s.conn.Invoke(ctx, methodUnsubscribe, req, new(schema.Ack), grpc.ForceCodec(Codec{})); err != nil {
		return wrap("unsubscribe worker", err)
	}
	return nil
}

type grpcActionStream struct {
	cs grpc.ClientStream
}

func (s *grpcActionStream) Recv() (*schema.Action, error) {
	a := new(schema.Action)
	if err := s.cs.RecvMsg(a); err != nil {
		return nil, err
	}
	return a, nil
}

type grpcRunEventStream struct {
	cs grpc.ClientStream
}

func (s *grpcRunEventStream) Send(req *schema.SubscribeRequest) error {
	return s.cs.SendMsg(req)
}

func (s *grpcRunEventStream) Recv() (*schema.RunEvent, error) {
	ev := new(schema.RunEvent)
	if err := s.cs.RecvMsg(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

var _ Session = (*GRPCSession)(nil)
