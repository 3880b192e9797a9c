package transport

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rendis/relay/pkg/schema"
)

// ActionStream is the receive side of the server-streaming Listen call.
type ActionStream interface {
	Recv() (*schema.Action, error)
}

// RunEventStream is a bidirectional run-event subscription stream.
// Send and Recv may be called from different goroutines, but Send must
// not be called concurrently with itself.
type RunEventStream interface {
	Send(req *schema.SubscribeRequest) error
	Recv() (*schema.RunEvent, error)
}

// Session is the worker's connection to the dispatch service.
// All implementations must be safe for concurrent use.
type Session interface {
	Register(ctx context.Context, reg *schema.WorkerRegistration) (*schema.WorkerRegistered, error)
	Listen(ctx context.Context, workerID string) (ActionStream, error)
	SubscribeToRunEvents(ctx context.Context) (RunEventStream, error)
	ReportActionEvent(ctx context.Context, ev *schema.ActionEvent) error
	Unsubscribe(ctx context.Context, workerID string) error
}

// IsCancelled reports whether err signals a deliberate cancellation,
// either a cancelled context or a Canceled gRPC status.
func IsCancelled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	return status.Code(err) == codes.Canceled
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil || IsCancelled(err) {
		return false
	}
	switch status.Code(err) {
	case codes.InvalidArgument, codes.NotFound, codes.AlreadyExists,
		codes.PermissionDenied, codes.Unauthenticated, codes.Unimplemented,
		codes.FailedPrecondition:
		return false
	}
	return true
}

// wrap converts a transport failure into a RelayError, leaving cancellations untouched.
func wrap(op string, err error) error {
	if err == nil || IsCancelled(err) {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeTransport, "%s: %s", op, err.Error()).WithCause(err)
}
