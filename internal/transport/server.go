package transport

import (
	"context"

	"google.golang.org/grpc"

	"github.com/rendis/relay/pkg/schema"
)

// ActionSender is the server side of a Listen stream.
type ActionSender interface {
	Send(a *schema.Action) error
	Context() context.Context
}

// RunEventServerStream is the server side of a run-event subscription.
type RunEventServerStream interface {
	Send(ev *schema.RunEvent) error
	Recv() (*schema.SubscribeRequest, error)
	Context() context.Context
}

// DispatcherServer is implemented by dispatch services speaking the relay protocol.
type DispatcherServer interface {
	Register(ctx context.Context, reg *schema.WorkerRegistration) (*schema.WorkerRegistered, error)
	Listen(req *schema.ListenRequest, stream ActionSender) error
	SubscribeToRunEvents(stream RunEventServerStream) error
	SendActionEvent(ctx context.Context, ev *schema.ActionEvent) (*schema.Ack, error)
	Unsubscribe(ctx context.Context, req *schema.UnsubscribeRequest) (*schema.Ack, error)
}

// NewServer returns a gRPC server configured with the relay codec.
func NewServer(opts ...grpc.ServerOption) *grpc.Server {
	return grpc.NewServer(append([]grpc.ServerOption{grpc.ForceServerCodec(Codec{})}, opts...)...)
}

// RegisterDispatcherServer registers impl on s.
func RegisterDispatcherServer(s grpc.ServiceRegistrar, impl DispatcherServer) {
	s.RegisterService(&dispatcherServiceDesc, impl)
}

var dispatcherServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*DispatcherServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Register", Handler: registerHandler},
		{MethodName: "SendActionEvent", Handler: sendActionEventHandler},
		{MethodName: "Unsubscribe", Handler: unsubscribeHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Listen", Handler: listenHandler, ServerStreams: true},
		{StreamName: "SubscribeToRunEvents", Handler: subscribeHandler, ServerStreams: true, ClientStreams: true},
	},
	Metadata: "relay/v1/dispatcher",
}

func registerHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(schema.WorkerRegistration)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DispatcherServer).Register(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRegister}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DispatcherServer).Register(ctx, req.(*schema.WorkerRegistration))
	}
	return interceptor(ctx, in, info, handler)
}

func sendActionEventHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(schema.ActionEvent)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DispatcherServer).SendActionEvent(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSendActionEvent}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DispatcherServer).SendActionEvent(ctx, req.(*schema.ActionEvent))
	}
	return interceptor(ctx, in, info, handler)
}

func unsubscribeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(schema.UnsubscribeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DispatcherServer).Unsubscribe(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodUnsubscribe}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DispatcherServer).Unsubscribe(ctx, req.(*schema.UnsubscribeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func listenHandler(srv any, stream grpc.ServerStream) error {
	in := new(schema.ListenRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(DispatcherServer).Listen(in, &actionServerStream{stream})
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	return srv.(DispatcherServer).SubscribeToRunEvents(&runEventServerStream{stream})
}

type actionServerStream struct {
	grpc.ServerStream
}

func (s *actionServerStream) Send(a *schema.Action) error {
	return s.ServerStream.SendMsg(a)
}

type runEventServerStream struct {
	grpc.ServerStream
}

func (s *runEventServerStream) Send(ev *schema.RunEvent) error {
	return s.ServerStream.SendMsg(ev)
}

func (s *runEventServerStream) Recv() (*schema.SubscribeRequest, error) {
	req := new(schema.SubscribeRequest)
	if err := s.ServerStream.RecvMsg(req); err != nil {
		return nil, err
	}
	return req, nil
}
