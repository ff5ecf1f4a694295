package rpc

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"jobmesh/internal/domain"
)

// ToStatus maps domain errors onto gRPC status errors on the server side.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, domain.ErrNotDispatcher):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrWorkerNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrDispatcherStopped):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// FromStatus turns a gRPC status error back into a wrapped domain error where
// one applies.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: %s", domain.ErrNotDispatcher, st.Message())
	case codes.NotFound:
		return fmt.Errorf("%w: %s", domain.ErrWorkerNotFound, st.Message())
	case codes.Aborted:
		return fmt.Errorf("%w: %s", domain.ErrDispatcherStopped, st.Message())
	}
	return err
}
