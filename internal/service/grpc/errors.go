package grpcsvc

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/cafeteria/internal/domain"
)

const errorDomain = "cafeteria"

// Причины в ErrorInfo, по которым клиент различает отказы с одинаковым кодом.
const (
	ReasonInsufficientStock = "INSUFFICIENT_STOCK"
	ReasonInUse             = "IN_USE"
	ReasonIllegalTransition = "ILLEGAL_TRANSITION"
	ReasonVersionConflict   = "VERSION_CONFLICT"
)

// toStatus переводит доменную ошибку в gRPC status.
func toStatus(err error, logger *log.Entry) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrInvalidPromotionDefinition):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrAlreadyExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, domain.ErrInsufficientStock):
		return withReason(codes.FailedPrecondition, err, ReasonInsufficientStock, shortageMetadata(err))
	case errors.Is(err, domain.ErrInUseConflict):
		return withReason(codes.FailedPrecondition, err, ReasonInUse, nil)
	case errors.Is(err, domain.ErrIllegalTransition):
		return withReason(codes.FailedPrecondition, err, ReasonIllegalTransition, nil)
	case errors.Is(err, domain.ErrVersionConflict):
		return withReason(codes.Aborted, err, ReasonVersionConflict, nil)
	default:
		logger.WithError(err).Error("unexpected error")
		return status.Error(codes.Internal, "internal error")
	}
}

func withReason(code codes.Code, err error, reason string, metadata map[string]string) error {
	st := status.New(code, err.Error())
	detailed, detailsErr := st.WithDetails(&errdetails.ErrorInfo{
		Reason:   reason,
		Domain:   errorDomain,
		Metadata: metadata,
	})
	if detailsErr != nil {
		return st.Err()
	}
	return detailed.Err()
}

func shortageMetadata(err error) map[string]string {
	details, ok := domain.AsInsufficientStock(err)
	if !ok {
		return nil
	}
	md := map[string]string{"product_id": details.ProductID}
	for _, s := range details.Shortages {
		md[string(s.Node.Kind)+":"+s.Name] = s.Required.String() + "/" + s.Available.String()
	}
	return md
}

// ErrorReason достаёт причину из ErrorInfo в деталях статуса.
func ErrorReason(err error) string {
	st, ok := status.FromError(err)
	if !ok {
		return ""
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok {
			return info.GetReason()
		}
	}
	return ""
}
