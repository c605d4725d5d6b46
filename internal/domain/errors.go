package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound — ингредиент, продукт, промо-акция или заказ не найдены.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists — имя уже занято (создание или переименование).
	ErrAlreadyExists = errors.New("already exists")
	// ErrInsufficientStock — запрошено больше, чем есть на складе.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrInUseConflict — узел ещё входит в состав активного продукта или комбо.
	ErrInUseConflict = errors.New("in use by active composition")
	// ErrIllegalTransition — недопустимый переход статуса заказа.
	ErrIllegalTransition = errors.New("illegal order status transition")
	// ErrInvalidPromotionDefinition — некорректные параметры промо-акции.
	ErrInvalidPromotionDefinition = errors.New("invalid promotion definition")
	// ErrInvalidArgument — отрицательные/пустые количества и прочие некорректные аргументы.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrVersionConflict сигнализирует о конфликте версий при фиксации unit of work.
	ErrVersionConflict = errors.New("version conflict")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// StockShortage описывает один узел, которому не хватает остатка.
type StockShortage struct {
	Node      NodeRef
	Name      string
	Required  decimal.Decimal
	Available decimal.Decimal
}

// InsufficientStockError несёт детали нехватки: что запросили и какие листья в дефиците.
type InsufficientStockError struct {
	ProductID string
	Requested int64
	Available int64
	Shortages []StockShortage
}

func (e *InsufficientStockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: product %s requested %d, available %d", ErrInsufficientStock, e.ProductID, e.Requested, e.Available)
	for i, s := range e.Shortages {
		if i == 0 {
			b.WriteString(" (")
		} else {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s %q needs %s, has %s", s.Node.Kind, s.Name, s.Required.String(), s.Available.String())
	}
	if len(e.Shortages) > 0 {
		b.WriteString(")")
	}
	return b.String()
}

// Unwrap позволяет матчить ошибку через errors.Is(err, ErrInsufficientStock).
func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// AsInsufficientStock достаёт детали нехватки из цепочки ошибок.
func AsInsufficientStock(err error) (*InsufficientStockError, bool) {
	var target *InsufficientStockError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// NotFoundError формирует ErrNotFound с указанием сущности.
func NotFoundError(entity, id string) error {
	return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
}
