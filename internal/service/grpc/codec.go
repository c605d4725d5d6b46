package grpcsvc

import (
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/cafeteria/internal/domain"
	"github.com/vladislavdragonenkov/cafeteria/internal/service/order"
)

const dateLayout = "2006-01-02"

// args — поля запроса, разобранные из structpb.Struct.
type args map[string]any

func newArgs(req *structpb.Struct) args {
	if req == nil {
		return args{}
	}
	return args(req.AsMap())
}

func invalidf(format string, a ...any) error {
	return status.Errorf(codes.InvalidArgument, format, a...)
}

func (a args) has(key string) bool {
	v, ok := a[key]
	return ok && v != nil
}

func (a args) str(key string) (string, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", invalidf("%s must be a string", key)
	}
	return strings.TrimSpace(s), nil
}

func (a args) requiredStr(key string) (string, error) {
	s, err := a.str(key)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", invalidf("%s is required", key)
	}
	return s, nil
}

func (a args) boolean(key string) (bool, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, invalidf("%s must be a boolean", key)
	}
	return b, nil
}

func (a args) int64(key string) (int64, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return 0, nil
	}
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) || math.Abs(n) > 1<<53 {
			return 0, invalidf("%s must be an integer", key)
		}
		return int64(n), nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		if err != nil || !d.IsInteger() {
			return 0, invalidf("%s must be an integer", key)
		}
		return d.IntPart(), nil
	default:
		return 0, invalidf("%s must be an integer", key)
	}
}

// decimal принимает как строку ("8.50"), так и число; строка предпочтительна для денег.
func (a args) decimal(key string) (decimal.Decimal, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return decimal.Zero, nil
	}
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n), nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		if err != nil {
			return decimal.Zero, invalidf("%s must be a decimal: %v", key, err)
		}
		return d, nil
	default:
		return decimal.Zero, invalidf("%s must be a decimal", key)
	}
}

func (a args) optionalDecimal(key string) (*decimal.Decimal, error) {
	if !a.has(key) {
		return nil, nil
	}
	d, err := a.decimal(key)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (a args) date(key string) (*time.Time, error) {
	s, err := a.str(key)
	if err != nil || s == "" {
		return nil, err
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return nil, invalidf("%s must be a date in YYYY-MM-DD format", key)
	}
	return &t, nil
}

func (a args) list(key string) ([]any, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return nil, nil
	}
	l, ok := v.([]any)
	if !ok {
		return nil, invalidf("%s must be a list", key)
	}
	return l, nil
}

func (a args) object(key string) (args, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return nil, invalidf("%s is required", key)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, invalidf("%s must be an object", key)
	}
	return args(m), nil
}

func (a args) objects(key string) ([]args, error) {
	l, err := a.list(key)
	if err != nil {
		return nil, err
	}
	out := make([]args, 0, len(l))
	for i, v := range l {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, invalidf("%s[%d] must be an object", key, i)
		}
		out = append(out, args(m))
	}
	return out, nil
}

func (a args) strings(key string) ([]string, error) {
	l, err := a.list(key)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(l))
	for i, v := range l {
		s, ok := v.(string)
		if !ok {
			return nil, invalidf("%s[%d] must be a string", key, i)
		}
		out = append(out, strings.TrimSpace(s))
	}
	return out, nil
}

func (a args) nodeRef() (domain.NodeRef, error) {
	kind, err := a.requiredStr("kind")
	if err != nil {
		return domain.NodeRef{}, err
	}
	id, err := a.requiredStr("id")
	if err != nil {
		return domain.NodeRef{}, err
	}
	switch domain.NodeKind(strings.ToLower(kind)) {
	case domain.NodeIngredient:
		return domain.IngredientRef(id), nil
	case domain.NodeProduct:
		return domain.ProductRef(id), nil
	default:
		return domain.NodeRef{}, invalidf("unknown node kind %q", kind)
	}
}

func (a args) items() ([]order.Item, error) {
	raw, err := a.objects("items")
	if err != nil {
		return nil, err
	}
	items := make([]order.Item, 0, len(raw))
	for i, item := range raw {
		id, err := item.str("product_id")
		if err != nil {
			return nil, err
		}
		qty, err := item.int64("quantity")
		if err != nil {
			return nil, invalidf("items[%d]: %v", i, status.Convert(err).Message())
		}
		items = append(items, order.Item{ProductID: id, Quantity: qty})
	}
	return items, nil
}

var weekdays = map[string]time.Weekday{
	"SUNDAY": time.Sunday, "MONDAY": time.Monday, "TUESDAY": time.Tuesday, "WEDNESDAY": time.Wednesday,
	"THURSDAY": time.Thursday, "FRIDAY": time.Friday, "SATURDAY": time.Saturday,
}

func (a args) weekdays(key string) ([]time.Weekday, error) {
	names, err := a.strings(key)
	if err != nil {
		return nil, err
	}
	days := make([]time.Weekday, 0, len(names))
	for _, name := range names {
		day, ok := weekdays[strings.ToUpper(name)]
		if !ok {
			return nil, invalidf("unknown weekday %q", name)
		}
		days = append(days, day)
	}
	return days, nil
}

func (a args) timeRanges(key string) ([]domain.TimeRange, error) {
	raw, err := a.objects(key)
	if err != nil {
		return nil, err
	}
	ranges := make([]domain.TimeRange, 0, len(raw))
	for _, r := range raw {
		startRaw, err := r.requiredStr("start")
		if err != nil {
			return nil, err
		}
		endRaw, err := r.requiredStr("end")
		if err != nil {
			return nil, err
		}
		start, err := domain.ParseTimeOfDay(startRaw)
		if err != nil {
			return nil, invalidf("%v", err)
		}
		end, err := domain.ParseTimeOfDay(endRaw)
		if err != nil {
			return nil, invalidf("%v", err)
		}
		ranges = append(ranges, domain.TimeRange{Start: start, End: end})
	}
	return ranges, nil
}

// Кодирование ответов. structpb понимает только []any и map[string]any.

func toStruct(m map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatDate(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(dateLayout)
}

func ingredientToMap(i domain.Ingredient) map[string]any {
	var stock any
	if i.Stock != nil {
		stock = i.Stock.String()
	}
	return map[string]any{
		"id":         i.ID,
		"name":       i.Name,
		"unit":       i.Unit,
		"stock":      stock,
		"active":     i.Active,
		"available":  i.Available,
		"version":    float64(i.Version),
		"created_at": formatTime(i.CreatedAt),
		"updated_at": formatTime(i.UpdatedAt),
	}
}

func productToMap(p domain.Product) map[string]any {
	components := make([]any, 0, len(p.Components))
	for _, c := range p.Components {
		components = append(components, map[string]any{
			"kind":     string(c.Node.Kind),
			"id":       c.Node.ID,
			"quantity": c.Quantity.String(),
		})
	}
	return map[string]any{
		"id":          p.ID,
		"name":        p.Name,
		"description": p.Description,
		"kind":        string(p.Kind),
		"category":    p.Category,
		"price":       p.Price.StringFixed(2),
		"stock":       float64(p.Stock),
		"active":      p.Active,
		"available":   p.Available,
		"components":  components,
		"version":     float64(p.Version),
		"created_at":  formatTime(p.CreatedAt),
		"updated_at":  formatTime(p.UpdatedAt),
	}
}

func weekdaysToList(days []time.Weekday) []any {
	out := make([]any, 0, len(days))
	for _, d := range days {
		out = append(out, strings.ToUpper(d.String()))
	}
	return out
}

func timeRangesToList(ranges []domain.TimeRange) []any {
	out := make([]any, 0, len(ranges))
	for _, h := range ranges {
		out = append(out, map[string]any{"start": h.Start.String(), "end": h.End.String()})
	}
	return out
}

func promotionToMap(p domain.Promotion) map[string]any {
	days := weekdaysToList(p.ApplicableDays)
	hours := timeRangesToList(p.ApplicableHours)
	return map[string]any{
		"id":                p.ID,
		"name":              p.Name,
		"description":       p.Description,
		"type":              string(p.Type),
		"active":            p.Active,
		"start_date":        formatDate(p.StartDate),
		"end_date":          formatDate(p.EndDate),
		"applicable_days":   days,
		"applicable_hours":  hours,
		"category":          p.Category,
		"multiplier":        p.Multiplier.String(),
		"minimum_purchase":  p.MinimumPurchase.StringFixed(2),
		"discount_amount":   p.DiscountAmount.StringFixed(2),
		"required_category": p.RequiredCategory,
		"free_category":     p.FreeCategory,
		"required_quantity": float64(p.RequiredQuantity),
		"free_quantity":     float64(p.FreeQuantity),
		"charged_quantity":  float64(p.ChargedQuantity),
		"version":           float64(p.Version),
		"created_at":        formatTime(p.CreatedAt),
	}
}

func appliedToList(applied []domain.AppliedPromotion) []any {
	out := make([]any, 0, len(applied))
	for _, a := range applied {
		out = append(out, map[string]any{
			"promotion_id":     a.PromotionID,
			"name":             a.Name,
			"type":             string(a.Type),
			"scope":            string(a.Scope),
			"discount":         a.Discount.StringFixed(2),
			"start_date":       formatDate(a.StartDate),
			"end_date":         formatDate(a.EndDate),
			"applicable_days":  weekdaysToList(a.ApplicableDays),
			"applicable_hours": timeRangesToList(a.ApplicableHours),
		})
	}
	return out
}

func linesToList(lines []domain.OrderLine) []any {
	out := make([]any, 0, len(lines))
	for _, l := range lines {
		out = append(out, map[string]any{
			"product_id": l.ProductID,
			"name":       l.Name,
			"category":   l.Category,
			"unit_price": l.UnitPrice.StringFixed(2),
			"quantity":   float64(l.Quantity),
			"subtotal":   l.Subtotal.StringFixed(2),
		})
	}
	return out
}

func orderToMap(o domain.Order) map[string]any {
	history := make([]any, 0, len(o.History))
	for _, h := range o.History {
		history = append(history, map[string]any{
			"from":       string(h.From),
			"to":         string(h.To),
			"reason":     h.Reason,
			"actor":      h.Actor,
			"changed_at": formatTime(h.ChangedAt),
		})
	}
	return map[string]any{
		"id":         o.ID,
		"number":     float64(o.Number),
		"user_id":    o.UserID,
		"status":     string(o.Status),
		"lines":      linesToList(o.Lines),
		"promotions": appliedToList(o.Promotions),
		"subtotal":   o.Subtotal.StringFixed(2),
		"discount":   o.DiscountAmount.StringFixed(2),
		"total":      o.Total.StringFixed(2),
		"history":    history,
		"version":    float64(o.Version),
		"created_at": formatTime(o.CreatedAt),
		"updated_at": formatTime(o.UpdatedAt),
	}
}

func evaluationToMap(e order.Evaluation) map[string]any {
	return map[string]any{
		"lines":    linesToList(e.Lines),
		"subtotal": e.Subtotal.StringFixed(2),
		"discount": e.Discount.StringFixed(2),
		"total":    e.Total.StringFixed(2),
		"applied":  appliedToList(e.Applied),
	}
}

func auditToMap(r domain.AuditRecord) map[string]any {
	return map[string]any{
		"id":          r.ID,
		"entity":      string(r.Entity),
		"entity_id":   r.EntityID,
		"operation":   r.Operation,
		"delta":       r.Delta,
		"reason":      r.Reason,
		"occurred_at": formatTime(r.OccurredAt),
	}
}

func listOf[T any](items []T, encode func(T) map[string]any) []any {
	out := make([]any, 0, len(items))
	for _, item := range items {
		out = append(out, encode(item))
	}
	return out
}

func wrap(key string, value any) (*structpb.Struct, error) {
	return toStruct(map[string]any{key: value})
}
