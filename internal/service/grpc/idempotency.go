package grpcsvc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/cafeteria/internal/domain"
)

const (
	// IdempotencyKeyHeader — metadata с ключом идемпотентности запроса.
	IdempotencyKeyHeader = "idempotency-key"
	idempotencyTTL       = 24 * time.Hour
)

type idempotencyErrorPayload struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

// idempotent оборачивает мутирующий метод. Повтор с тем же ключом и телом отдаёт
// сохранённый ответ или ошибку; тот же ключ с другим телом отклоняется.
// Без ключа метод выполняется как есть, если ключ не обязателен.
func (s *CafeteriaService) idempotent(method string, required bool, handler unaryMethod) unaryMethod {
	return func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
		if s.idemRepo == nil {
			return handler(ctx, req)
		}

		idemKey, ok := readIdempotencyKey(ctx)
		if !ok {
			if required {
				return nil, status.Errorf(codes.InvalidArgument, "%s metadata is required", IdempotencyKeyHeader)
			}
			return handler(ctx, req)
		}

		reqHash, err := buildIdempotencyRequestHash(method, req)
		if err != nil {
			s.logger.WithError(err).WithField("method", method).Warn("failed to build idempotency request hash")
			return nil, status.Error(codes.Internal, "failed to initialize idempotency request")
		}

		scope := domain.IdempotencyScope{Method: method, Key: idemKey}
		record, err := s.idemRepo.Begin(ctx, scope, reqHash, idempotencyTTL)
		if err != nil {
			return s.replayIdempotency(err, record)
		}

		resp, runErr := handler(ctx, req)
		// ответ сохраняется, даже если клиент уже отключился
		storeCtx := context.WithoutCancel(ctx)
		if runErr != nil {
			runErr = toStatus(runErr, s.logger.WithField("method", method))
			s.cacheIdempotencyFailure(storeCtx, scope, runErr)
			return nil, runErr
		}

		if cacheErr := s.cacheIdempotencySuccess(storeCtx, scope, resp); cacheErr != nil {
			s.logger.WithError(cacheErr).WithField("idempotency_scope", scope.String()).Warn("failed to store idempotent success response")
		}
		return resp, nil
	}
}

func (s *CafeteriaService) replayIdempotency(beginErr error, record domain.IdempotencyRecord) (*structpb.Struct, error) {
	switch {
	case errors.Is(beginErr, domain.ErrIdempotencyHashMismatch):
		return nil, status.Error(codes.AlreadyExists, "idempotency key is already used with different request payload")
	case errors.Is(beginErr, domain.ErrIdempotencyKeyAlreadyExists):
		switch record.Status {
		case domain.IdempotencyStatusDone:
			if len(record.Reply) == 0 {
				return nil, status.Error(codes.Internal, "idempotency cache is empty")
			}
			resp := &structpb.Struct{}
			if err := protojson.Unmarshal(record.Reply, resp); err != nil {
				s.logger.WithError(err).WithField("idempotency_scope", record.Scope.String()).Warn("failed to decode cached idempotency response")
				return nil, status.Error(codes.Internal, "failed to decode cached idempotency response")
			}
			return resp, nil
		case domain.IdempotencyStatusProcessing:
			return nil, status.Error(codes.Aborted, "request with the same idempotency key is already processing")
		case domain.IdempotencyStatusFailed:
			return nil, decodeIdempotencyFailure(record)
		default:
			return nil, status.Error(codes.Internal, "unknown idempotency record status")
		}
	default:
		s.logger.WithError(beginErr).Warn("failed to create idempotency record")
		return nil, status.Error(codes.Internal, "failed to initialize idempotency request")
	}
}

func (s *CafeteriaService) cacheIdempotencySuccess(ctx context.Context, scope domain.IdempotencyScope, resp proto.Message) error {
	if resp == nil {
		return s.idemRepo.Complete(ctx, scope, nil, int(codes.OK))
	}
	data, err := protojson.Marshal(resp)
	if err != nil {
		return err
	}
	return s.idemRepo.Complete(ctx, scope, data, int(codes.OK))
}

func (s *CafeteriaService) cacheIdempotencyFailure(ctx context.Context, scope domain.IdempotencyScope, runErr error) {
	st := status.Convert(runErr)
	code := st.Code()
	if code == codes.OK {
		code = codes.Internal
	}

	payload, err := json.Marshal(idempotencyErrorPayload{
		Code:    int32(code), //nolint:gosec // codes.Code is a bounded enum value.
		Message: st.Message(),
	})
	if err != nil {
		s.logger.WithError(err).WithField("idempotency_scope", scope.String()).Warn("failed to encode idempotency failure payload")
		payload = nil
	}

	if err := s.idemRepo.Complete(ctx, scope, payload, int(code)); err != nil {
		s.logger.WithError(err).WithField("idempotency_scope", scope.String()).Warn("failed to store idempotency failure response")
	}
}

func decodeIdempotencyFailure(record domain.IdempotencyRecord) error {
	const msg = "previous request with the same idempotency key failed"

	if len(record.Reply) > 0 {
		var payload idempotencyErrorPayload
		if err := json.Unmarshal(record.Reply, &payload); err == nil {
			if code, ok := grpcCode(int64(payload.Code)); ok {
				if payload.Message == "" {
					payload.Message = msg
				}
				return status.Error(code, payload.Message)
			}
		}
	}
	if code, ok := grpcCode(int64(record.Code)); ok {
		return status.Error(code, msg)
	}
	return status.Error(codes.Internal, msg)
}

func grpcCode(value int64) (codes.Code, bool) {
	if value <= int64(codes.OK) || value > int64(codes.Unauthenticated) {
		return codes.Internal, false
	}
	return codes.Code(uint32(value)), true
}

func readIdempotencyKey(ctx context.Context) (string, bool) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		values := md.Get(IdempotencyKeyHeader)
		if len(values) > 0 && strings.TrimSpace(values[0]) != "" {
			return strings.TrimSpace(values[0]), true
		}
	}
	return "", false
}

func buildIdempotencyRequestHash(method string, req proto.Message) (string, error) {
	if req == nil {
		return "", fmt.Errorf("request is nil")
	}

	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(req)
	if err != nil {
		return "", err
	}

	payload := make([]byte, 0, len(method)+1+len(data))
	payload = append(payload, method...)
	payload = append(payload, ':')
	payload = append(payload, data...)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
