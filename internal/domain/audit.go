package domain

import "time"

// AuditEntity — тип сущности, к которой относится запись аудита.
type AuditEntity string

const (
	AuditIngredient AuditEntity = "ingredient"
	AuditProduct    AuditEntity = "product"
	AuditPromotion  AuditEntity = "promotion"
	AuditOrder      AuditEntity = "order"
)

// AuditRecord — запись append-only журнала мутаций.
type AuditRecord struct {
	ID         string
	Entity     AuditEntity
	EntityID   string
	Operation  string
	Delta      string
	Reason     string
	OccurredAt time.Time
}
