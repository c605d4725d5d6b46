package domain

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrIdempotencyKeyRequired — пустой ключ идемпотентности.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyMethodRequired — ключ не привязан к RPC-методу.
	ErrIdempotencyMethodRequired = errors.New("idempotency method is required")
	// ErrIdempotencyRequestHashRequired — пустой хэш запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyKeyAlreadyExists — ключ уже использован тем же запросом.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyHashMismatch — ключ уже использован другим запросом.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different payload")
	// ErrIdempotencyKeyNotFound — записи с таким ключом нет.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
)

// IdempotencyStaleAfter — сколько запись может висеть в processing, прежде чем
// её заберёт повтор того же запроса (обработчик упал, не записав результат).
const IdempotencyStaleAfter = 2 * time.Minute

// IsIdempotencyConflict сообщает о повторе ключа (тем же или другим запросом).
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}

// IdempotencyScope — ключ идемпотентности в пространстве одного RPC-метода:
// один и тот же ключ для CreateOrder и CancelOrder не пересекается.
type IdempotencyScope struct {
	Method string
	Key    string
}

// Normalize обрезает пробелы и проверяет, что обе части заданы.
func (s IdempotencyScope) Normalize() (IdempotencyScope, error) {
	s.Method = strings.TrimSpace(s.Method)
	s.Key = strings.TrimSpace(s.Key)
	if s.Method == "" {
		return s, ErrIdempotencyMethodRequired
	}
	if s.Key == "" {
		return s, ErrIdempotencyKeyRequired
	}
	return s, nil
}

func (s IdempotencyScope) String() string {
	return s.Method + "/" + s.Key
}

// IdempotencyStatus описывает жизненный цикл ключа идемпотентности.
type IdempotencyStatus string

const (
	// IdempotencyStatusProcessing означает, что запрос принят и ещё обрабатывается.
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	// IdempotencyStatusDone означает, что запрос завершён успешно и ответ сохранён.
	IdempotencyStatusDone IdempotencyStatus = "done"
	// IdempotencyStatusFailed означает, что обработка завершилась ошибкой.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// CompletedStatus выбирает итоговый статус по gRPC-коду ответа: 0 — done, иначе failed.
func CompletedStatus(code int) IdempotencyStatus {
	if code == 0 {
		return IdempotencyStatusDone
	}
	return IdempotencyStatusFailed
}

// IdempotencyRecord хранит состояние обработки запроса с idempotency-key.
type IdempotencyRecord struct {
	Scope       IdempotencyScope
	RequestHash string
	Reply       []byte
	Code        int
	Status      IdempotencyStatus
	ExpiresAt   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Reclaimable сообщает, может ли новый запрос занять ключ заново:
// запись просрочена либо застряла в processing дольше IdempotencyStaleAfter.
func (r IdempotencyRecord) Reclaimable(requestHash string, now time.Time) bool {
	if !r.ExpiresAt.After(now) {
		return true
	}
	return r.Status == IdempotencyStatusProcessing &&
		r.RequestHash == requestHash &&
		!r.UpdatedAt.After(now.Add(-IdempotencyStaleAfter))
}
