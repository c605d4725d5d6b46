package cache

import (
	"context"

	"github.com/vladislavdragonenkov/cafeteria/internal/domain"
)

// Nop — кэш, который ничего не хранит; используется, когда Redis не настроен.
type Nop struct{}

var _ domain.MenuCache = Nop{}

// GetMenu всегда сообщает о промахе.
func (Nop) GetMenu(context.Context) (domain.CachedMenu, error) { return domain.CachedMenu{}, nil }

// SetMenu ничего не делает и не сообщает о конфликте поколений.
func (Nop) SetMenu(context.Context, int64, []domain.Product) (bool, error) { return true, nil }

// Invalidate ничего не делает.
func (Nop) Invalidate(context.Context) error { return nil }
