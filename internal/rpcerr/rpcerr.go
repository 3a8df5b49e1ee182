// Package rpcerr переводит отказы движка записи в gRPC-статусы.
package rpcerr

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/Leganyst/clinic-scheduler/internal/service"
)

// Domain: значение ErrorInfo.Domain для всех отказов движка.
const Domain = "scheduling.clinic"

// RetryDelay: рекомендуемая пауза перед повтором при конфликте.
const RetryDelay = 200 * time.Millisecond

// Status строит gRPC-статус для ошибки. Отказ движка несёт ErrorInfo
// с кодом и числами занятости, конфликт дополнительно несёт RetryInfo.
// Прочие ошибки становятся Internal без подробностей.
func Status(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	if st, ok := status.FromError(err); ok {
		return st
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.New(codes.Canceled, "request cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.New(codes.DeadlineExceeded, "request deadline exceeded")
	}

	r, ok := service.AsRejection(err)
	if !ok {
		return status.New(codes.Internal, "internal error")
	}

	st := status.New(Code(r), r.Message)
	info := &errdetails.ErrorInfo{
		Reason: string(r.Code),
		Domain: Domain,
		Metadata: map[string]string{
			"kind":      string(r.Kind),
			"occupied":  strconv.Itoa(r.Occupied),
			"capacity":  strconv.Itoa(r.Capacity),
			"available": strconv.Itoa(r.Available),
			"requested": strconv.Itoa(r.Requested),
		},
	}

	var detailed *status.Status
	if r.Retryable() {
		detailed, err = st.WithDetails(info, &errdetails.RetryInfo{RetryDelay: durationpb.New(RetryDelay)})
	} else {
		detailed, err = st.WithDetails(info)
	}
	if err != nil {
		return st
	}
	return detailed
}

// Code: gRPC-код для отказа.
func Code(r *service.Rejection) codes.Code {
	switch r.Kind {
	case service.KindValidation:
		return codes.InvalidArgument
	case service.KindConcurrency:
		return codes.Aborted
	case service.KindBusinessRule:
		switch r.Code {
		case service.CodeSlotFull, service.CodeInsufficientSpace, service.CodeDailyLimitReached:
			return codes.ResourceExhausted
		case service.CodeNotOwner:
			return codes.PermissionDenied
		}
		return codes.FailedPrecondition
	case service.KindIntegrity:
		switch r.Code {
		case service.CodeProviderNotFound, service.CodeBookingNotFound,
			service.CodeOfferNotFound, service.CodeAbsenceNotFound:
			return codes.NotFound
		case service.CodeOfferResolved:
			return codes.AlreadyExists
		}
	}
	return codes.Internal
}

// UnaryServerInterceptor переводит ошибки обработчиков в статусы
// и пишет в лог всё, что стало Internal.
func UnaryServerInterceptor(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if err == nil {
			return resp, nil
		}
		st := Status(err)
		if st.Code() == codes.Internal {
			log.Error("rpc failed", zap.String("method", info.FullMethod), zap.Error(err))
		}
		return resp, st.Err()
	}
}
