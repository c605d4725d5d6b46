package domain

import (
	"context"
	"time"
)

// CatalogRepository отдаёт снимки каталога для чтения и для построения графа.
type CatalogRepository interface {
	// LoadCatalog возвращает полный снимок узлов и рёбер.
	LoadCatalog(ctx context.Context) (CatalogState, error)
	GetIngredient(ctx context.Context, id string) (Ingredient, error)
	GetProduct(ctx context.Context, id string) (Product, error)
	ListIngredients(ctx context.Context) ([]Ingredient, error)
	ListProducts(ctx context.Context) ([]Product, error)
}

// PromotionRepository хранит промо-акции.
type PromotionRepository interface {
	GetPromotion(ctx context.Context, id string) (Promotion, error)
	ListPromotions(ctx context.Context) ([]Promotion, error)
}

// OrderRepository описывает чтение заказов; запись идёт через UnitOfWork.
type OrderRepository interface {
	// GetOrder возвращает заказ по идентификатору или ErrNotFound.
	GetOrder(ctx context.Context, id string) (Order, error)
	// ListOrdersByUser возвращает заказы пользователя, новые первыми.
	ListOrdersByUser(ctx context.Context, userID string, limit int) ([]Order, error)
	// ListOrdersByStatus возвращает заказы в статусе, старые первыми (очередь кухни).
	ListOrdersByStatus(ctx context.Context, status OrderStatus, limit int) ([]Order, error)
	// NextOrderNumber выдаёт следующий номер заказа; пропуски допустимы.
	NextOrderNumber(ctx context.Context) (int64, error)
}

// AuditRepository — append-only журнал мутаций.
type AuditRepository interface {
	ListAudit(ctx context.Context, entity AuditEntity, entityID string) ([]AuditRecord, error)
}

// UnitOfWork — всё, что одна операция должна зафиксировать атомарно.
type UnitOfWork struct {
	Catalog       CatalogChanges
	NewPromotions []Promotion
	Promotions    []Promotion
	NewOrder      *Order
	Order         *Order
	Outbox        []OutboxMessage
	Audit         []AuditRecord
}

// Empty сообщает, что фиксировать нечего.
func (u UnitOfWork) Empty() bool {
	return u.Catalog.Empty() && len(u.NewPromotions) == 0 && len(u.Promotions) == 0 &&
		u.NewOrder == nil && u.Order == nil && len(u.Outbox) == 0 && len(u.Audit) == 0
}

// Committer атомарно применяет UnitOfWork с проверкой версий.
type Committer interface {
	// Commit применяет изменения целиком или не применяет вовсе.
	// Возвращает ErrVersionConflict, если затронутая запись изменилась с момента чтения,
	// и ErrAlreadyExists при нарушении уникальности имён.
	Commit(ctx context.Context, uow UnitOfWork) error
}

// Store объединяет все порты хранилища.
type Store interface {
	CatalogRepository
	PromotionRepository
	OrderRepository
	AuditRepository
	Committer
}

// MenuCache кэширует витрину доступных продуктов.
type MenuCache interface {
	GetMenu(ctx context.Context) (CachedMenu, error)
	// SetMenu сохраняет витрину, только если поколение кэша всё ещё равно generation.
	// false означает, что между чтением и записью кэш был инвалидирован.
	SetMenu(ctx context.Context, generation int64, menu []Product) (bool, error)
	// Invalidate удаляет витрину и сдвигает поколение.
	Invalidate(ctx context.Context) error
}

// CachedMenu — результат чтения кэша витрины.
type CachedMenu struct {
	Products   []Product
	Hit        bool
	Generation int64
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// DeadLetterPublisher перекладывает событие, исчерпавшее попытки, в DLQ.
type DeadLetterPublisher interface {
	PublishDeadLetter(event OutboxMessage, attempts int, cause error) error
}

// OutboxRepository выдаёт события outbox на публикацию.
//
// ClaimPending берёт в аренду до limit событий, чья очередная попытка уже наступила.
// Из событий одного агрегата выдаётся только самое раннее неотправленное, поэтому
// смены статуса одного заказа уходят в брокер по порядку. Аренда сдвигает следующую
// попытку на lease вперёд: упавший экземпляр не теряет событие, а соседний не берёт
// его повторно, пока аренда не истекла.
type OutboxRepository interface {
	ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	// Reschedule откладывает следующую попытку до at и запоминает причину неудачи.
	Reschedule(ctx context.Context, id string, at time.Time, cause string) error
	// MarkFailed снимает событие с доставки окончательно.
	MarkFailed(ctx context.Context, id string, cause string) error
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	// Begin занимает ключ под новый запрос со сроком жизни ttl. Если ключ занят,
	// возвращает существующую запись вместе с ErrIdempotencyKeyAlreadyExists
	// или ErrIdempotencyHashMismatch. Просроченные и зависшие записи занимаются заново.
	Begin(ctx context.Context, scope IdempotencyScope, requestHash string, ttl time.Duration) (IdempotencyRecord, error)
	Get(ctx context.Context, scope IdempotencyScope) (IdempotencyRecord, error)
	// Complete сохраняет ответ; статус определяется кодом (см. CompletedStatus).
	Complete(ctx context.Context, scope IdempotencyScope, reply []byte, code int) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte

	// Заполняются хранилищем при выдаче в аренду.
	Attempts  int
	CreatedAt time.Time
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	FailedCount     int
	OldestPendingAt time.Time
}
