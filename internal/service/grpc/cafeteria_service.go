package grpcsvc

import (
	"context"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/cafeteria/internal/domain"
	"github.com/vladislavdragonenkov/cafeteria/internal/service/catalog"
	"github.com/vladislavdragonenkov/cafeteria/internal/service/order"
	"github.com/vladislavdragonenkov/cafeteria/internal/service/promotion"
)

// ServiceName — полное имя gRPC-сервиса.
const ServiceName = "cafeteria.v1.CafeteriaService"

const defaultListOrdersLimit = 100

type unaryMethod func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

// CafeteriaServer — всё, что можно зарегистрировать как CafeteriaService.
type CafeteriaServer interface {
	ServiceDesc() *grpc.ServiceDesc
}

// CafeteriaService реализует gRPC API поверх сервисов каталога, акций и заказов.
// Запросы и ответы — google.protobuf.Struct, деньги и количества ингредиентов передаются строками.
type CafeteriaService struct {
	catalog    *catalog.Service
	promotions *promotion.Service
	orders     *order.Service
	idemRepo   domain.IdempotencyRepository
	logger     *log.Entry

	methods map[string]unaryMethod
}

// NewCafeteriaService конструирует сервис с зависимостями.
func NewCafeteriaService(
	catalogSvc *catalog.Service,
	promotionSvc *promotion.Service,
	orderSvc *order.Service,
	idemRepo domain.IdempotencyRepository,
	logger *log.Entry,
) *CafeteriaService {
	if logger == nil {
		logger = log.WithField("component", "cafeteria-grpc")
	}
	s := &CafeteriaService{
		catalog:    catalogSvc,
		promotions: promotionSvc,
		orders:     orderSvc,
		idemRepo:   idemRepo,
		logger:     logger,
	}
	s.methods = s.buildMethods()
	return s
}

// FullMethod возвращает полное имя метода для Invoke.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func (s *CafeteriaService) buildMethods() map[string]unaryMethod {
	m := map[string]unaryMethod{
		// каталог: ингредиенты
		"CreateIngredient":      s.createIngredient,
		"RenameIngredient":      s.renameIngredient,
		"UpdateIngredientStock": s.updateIngredientStock,
		"DeactivateIngredient":  s.deactivateIngredient,
		"RestoreIngredient":     s.restoreIngredient,
		"GetIngredient":         s.getIngredient,
		"ListIngredients":       s.listIngredients,
		// каталог: продукты
		"CreateProduct":        s.createProduct,
		"RenameProduct":        s.renameProduct,
		"UpdateProductDetails": s.updateProductDetails,
		"UpdateProductStock":   s.updateProductStock,
		"DeactivateProduct":    s.deactivateProduct,
		"RestoreProduct":       s.restoreProduct,
		"AddComponent":         s.addComponent,
		"RemoveComponent":      s.removeComponent,
		"GetProduct":           s.getProduct,
		"ListProducts":         s.listProducts,
		"ListMenu":             s.listMenu,
		"ListAudit":            s.listAudit,
		// акции
		"CreatePromotion":     s.createPromotion,
		"ActivatePromotion":   s.activatePromotion,
		"DeactivatePromotion": s.deactivatePromotion,
		"GetPromotion":        s.getPromotion,
		"ListPromotions":      s.listPromotions,
		"EvaluatePromotions":  s.evaluatePromotions,
		// заказы
		"CreateOrder":       s.createOrder,
		"CancelOrder":       s.cancelOrder,
		"RejectOrder":       s.rejectOrder,
		"ForceCancelOrder":  s.forceCancelOrder,
		"MoveOrderForward":  s.moveOrderForward,
		"MoveOrderBackward": s.moveOrderBackward,
		"GetOrder":          s.getOrder,
		"ListOrders":        s.listOrders,
	}

	for name, fn := range m {
		switch {
		case name == "CreateOrder":
			m[name] = s.idempotent(FullMethod(name), true, fn)
		case isMutation(name):
			m[name] = s.idempotent(FullMethod(name), false, fn)
		}
	}
	return m
}

func isMutation(name string) bool {
	for _, prefix := range []string{"Get", "List", "Evaluate"} {
		if strings.HasPrefix(name, prefix) {
			return false
		}
	}
	return true
}

// ServiceDesc собирает описание сервиса для grpc.Server.
func (s *CafeteriaService) ServiceDesc() *grpc.ServiceDesc {
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	sort.Strings(names)

	desc := &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*CafeteriaServer)(nil),
		Streams:     []grpc.StreamDesc{},
		Metadata:    "cafeteria/v1/cafeteria_service.proto",
	}
	for _, name := range names {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: name,
			Handler:    s.handler(name),
		})
	}
	return desc
}

func (s *CafeteriaService) handler(name string) grpc.MethodHandler {
	fullMethod := FullMethod(name)
	return func(_ any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		call := func(ctx context.Context, req any) (any, error) {
			resp, err := s.methods[name](ctx, req.(*structpb.Struct))
			if err != nil {
				return nil, toStatus(err, s.logger.WithField("method", fullMethod))
			}
			return resp, nil
		}
		if interceptor == nil {
			return call(ctx, in)
		}
		return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: s, FullMethod: fullMethod}, call)
	}
}

// Register регистрирует сервис на сервере.
func Register(registrar grpc.ServiceRegistrar, s *CafeteriaService) {
	registrar.RegisterService(s.ServiceDesc(), s)
}

// Client — тонкий клиент CafeteriaService поверх Invoke.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient создаёт клиента для соединения.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call вызывает метод с полями запроса и возвращает поля ответа.
func (c *Client) Call(ctx context.Context, method string, req map[string]any, opts ...grpc.CallOption) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// --- каталог: ингредиенты ---

func (s *CafeteriaService) createIngredient(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := newArgs(req)
	name, err := a.str("name")
	if err != nil {
		return nil, err
	}
	unit, err := a.str("unit")
	if err != nil {
		return nil, err
	}
	stock, err := a.optionalDecimal("stock")
	if err != nil {
		return nil, err
	}
	ing, err := s.catalog.CreateIngredient(ctx, catalog.CreateIngredientInput{Name: name, Unit: unit, Stock: stock})
	if err != nil {
		return nil, err
	}
	return wrap("ingredient", ingredientToMap(ing))
}

func (s *CafeteriaService) renameIngredient(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := newArgs(req)
	id, err := a.requiredStr("id")
	if err != nil {
		return nil, err
	}
	name, err := a.str("name")
	if err != nil {
		return nil, err
	}
	ing, err := s.catalog.RenameIngredient(ctx, id, name)
	if err != nil {
		return nil, err
	}
	return wrap("ingredient", ingredientToMap(ing))
}

func (s *CafeteriaService) updateIngredientStock(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := newArgs(req)
	id, err := a.requiredStr("id")
	if err != nil {
		return nil, err
	}
	if !a.has("stock") {
		return nil, invalidf("stock is required")
	}
	stock, err := a.decimal("stock")
	if err != nil {
		return nil, err
	}
	reason, err := a.str("reason")
	if err != nil {
		return nil, err
	}
	ing, err := s.catalog.UpdateIngredientStock(ctx, id, stock, reason)
	if err != nil {
		return nil, err
	}
	return wrap("ingredient", ingredientToMap(ing))
}

func (s *CafeteriaService) ingredientLifecycle(
	ctx context.Context,
	req *structpb.Struct,
	fn func(ctx context.Context, id, reason string) (domain.Ingredient, error),
) (*structpb.Struct, error) {
	a := newArgs(req)
	id, err := a.requiredStr("id")
	if err != nil {
		return nil, err
	}
	reason, err := a.str("reason")
	if err != nil {
		return nil, err
	}
	ing, err := fn(ctx, id, reason)
	if err != nil {
		return nil, err
	}
	return wrap("ingredient", ingredientToMap(ing))
}

func (s *CafeteriaService) deactivateIngredient(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.ingredientLifecycle(ctx, req, s.catalog.DeactivateIngredient)
}

func (s *CafeteriaService) restoreIngredient(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.ingredientLifecycle(ctx, req, s.catalog.RestoreIngredient)
}

func (s *CafeteriaService) getIngredient(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := newArgs(req).requiredStr("id")
	if err != nil {
		return nil, err
	}
	ing, err := s.catalog.GetIngredient(ctx, id)
	if err != nil {
		return nil, err
	}
	return wrap("ingredient", ingredientToMap(ing))
}

func (s *CafeteriaService) listIngredients(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	items, err := s.catalog.ListIngredients(ctx)
	if err != nil {
		return nil, err
	}
	return wrap("ingredients", listOf(items, ingredientToMap))
}

// --- каталог: продукты ---

func (s *CafeteriaService) createProduct(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := newArgs(req)
	in := catalog.CreateProductInput{}
	var err error
	if in.Name, err = a.str("name"); err != nil {
		return nil, err
	}
	if in.Description, err = a.str("description"); err != nil {
		return nil, err
	}
	kind, err := a.str("kind")
	if err != nil {
		return nil, err
	}
	in.Kind = domain.ProductKind(strings.ToLower(kind))
	if in.Category, err = a.str("category"); err != nil {
		return nil, err
	}
	if in.Price, err = a.decimal("price"); err != nil {
		return nil, err
	}
	if in.Stock, err = a.int64("stock"); err != nil {
		return nil, err
	}
	components, err := a.objects("components")
	if err != nil {
		return nil, err
	}
	for _, c := range components {
		ref, err := c.nodeRef()
		if err != nil {
			return nil, err
		}
		qty, err := c.decimal("quantity")
		if err != nil {
			return nil, err
		}
		in.Components = append(in.Components, catalog.ProductComponentInput{Node: ref, Quantity: qty})
	}

	p, err := s.catalog.CreateProduct(ctx, in)
	if err != nil {
		return nil, err
	}
	return wrap("product", productToMap(p))
}

func (s *CafeteriaService) renameProduct(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := newArgs(req)
	id, err := a.requiredStr("id")
	if err != nil {
		return nil, err
	}
	name, err := a.str("name")
	if err != nil {
		return nil, err
	}
	p, err := s.catalog.RenameProduct(ctx, id, name)
	if err != nil {
		return nil, err
	}
	return wrap("product", productToMap(p))
}

func (s *CafeteriaService) updateProductDetails(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := newArgs(req)
	id, err := a.requiredStr("id")
	if err != nil {
		return nil, err
	}
	description, err := a.str("description")
	if err != nil {
		return nil, err
	}
	category, err := a.str("category")
	if err != nil {
		return nil, err
	}
	price, err := a.decimal("price")
	if err != nil {
		return nil, err
	}
	p, err := s.catalog.UpdateProductDetails(ctx, id, description, category, price)
	if err != nil {
		return nil, err
	}
	return wrap("product", productToMap(p))
}

func (s *CafeteriaService) updateProductStock(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := newArgs(req)
	id, err := a.requiredStr("id")
	if err != nil {
		return nil, err
	}
	stock, err := a.int64("stock")
	if err != nil {
		return nil, err
	}
	reason, err := a.str("reason")
	if err != nil {
		return nil, err
	}
	p, err := s.catalog.UpdateProductStock(ctx, id, stock, reason)
	if err != nil {
		return nil, err
	}
	return wrap("product", productToMap(p))
}

func (s *CafeteriaService) productLifecycle(
	ctx context.Context,
	req *structpb.Struct,
	fn func(ctx context.Context, id, reason string) (domain.Product, error),
) (*structpb.Struct, error) {
	a := newArgs(req)
	id, err := a.requiredStr("id")
	if err != nil {
		return nil, err
	}
	reason, err := a.str("reason")
	if err != nil {
		return nil, err
	}
	p, err := fn(ctx, id, reason)
	if err != nil {
		return nil, err
	}
	return wrap("product", productToMap(p))
}

func (s *CafeteriaService) deactivateProduct(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.productLifecycle(ctx, req, s.catalog.DeactivateProduct)
}

func (s *CafeteriaService) restoreProduct(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.productLifecycle(ctx, req, s.catalog.RestoreProduct)
}

func (s *CafeteriaService) addComponent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := newArgs(req)
	productID, err := a.requiredStr("product_id")
	if err != nil {
		return nil, err
	}
	component, err := a.object("component")
	if err != nil {
		return nil, err
	}
	ref, err := component.nodeRef()
	if err != nil {
		return nil, err
	}
	qty, err := a.decimal("quantity")
	if err != nil {
		return nil, err
	}
	p, err := s.catalog.AddComponent(ctx, productID, ref, qty)
	if err != nil {
		return nil, err
	}
	return wrap("product", productToMap(p))
}

func (s *CafeteriaService) removeComponent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := newArgs(req)
	productID, err := a.requiredStr("product_id")
	if err != nil {
		return nil, err
	}
	component, err := a.object("component")
	if err != nil {
		return nil, err
	}
	ref, err := component.nodeRef()
	if err != nil {
		return nil, err
	}
	p, err := s.catalog.RemoveComponent(ctx, productID, ref)
	if err != nil {
		return nil, err
	}
	return wrap("product", productToMap(p))
}

func (s *CafeteriaService) getProduct(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := newArgs(req).requiredStr("id")
	if err != nil {
		return nil, err
	}
	p, err := s.catalog.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	return wrap("product", productToMap(p))
}

func (s *CafeteriaService) listProducts(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	items, err := s.catalog.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	return wrap("products", listOf(items, productToMap))
}

func (s *CafeteriaService) listMenu(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	items, err := s.catalog.ListMenu(ctx)
	if err != nil {
		return nil, err
	}
	return wrap("products", listOf(items, productToMap))
}

func (s *CafeteriaService) listAudit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := newArgs(req)
	entity, err := a.requiredStr("entity")
	if err != nil {
		return nil, err
	}
	id, err := a.str("entity_id")
	if err != nil {
		return nil, err
	}
	records, err := s.catalog.ListAudit(ctx, domain.AuditEntity(strings.ToLower(entity)), id)
	if err != nil {
		return nil, err
	}
	return wrap("records", listOf(records, auditToMap))
}

// --- акции ---

func (s *CafeteriaService) createPromotion(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := newArgs(req)
	in := promotion.CreateInput{}
	var err error
	if in.Name, err = a.str("name"); err != nil {
		return nil, err
	}
	if in.Description, err = a.str("description"); err != nil {
		return nil, err
	}
	typ, err := a.str("type")
	if err != nil {
		return nil, err
	}
	in.Type = domain.PromotionType(strings.ToLower(typ))
	if in.StartDate, err = a.date("start_date"); err != nil {
		return nil, err
	}
	if in.EndDate, err = a.date("end_date"); err != nil {
		return nil, err
	}
	if in.ApplicableDays, err = a.weekdays("applicable_days"); err != nil {
		return nil, err
	}
	if in.ApplicableHours, err = a.timeRanges("applicable_hours"); err != nil {
		return nil, err
	}
	if in.Category, err = a.str("category"); err != nil {
		return nil, err
	}
	if in.Multiplier, err = a.decimal("multiplier"); err != nil {
		return nil, err
	}
	if in.MinimumPurchase, err = a.decimal("minimum_purchase"); err != nil {
		return nil, err
	}
	if in.DiscountAmount, err = a.decimal("discount_amount"); err != nil {
		return nil, err
	}
	if in.RequiredCategory, err = a.str("required_category"); err != nil {
		return nil, err
	}
	if in.FreeCategory, err = a.str("free_category"); err != nil {
		return nil, err
	}
	if in.RequiredQuantity, err = a.int64("required_quantity"); err != nil {
		return nil, err
	}
	if in.FreeQuantity, err = a.int64("free_quantity"); err != nil {
		return nil, err
	}
	if in.ChargedQuantity, err = a.int64("charged_quantity"); err != nil {
		return nil, err
	}

	p, err := s.promotions.Create(ctx, in)
	if err != nil {
		return nil, err
	}
	return wrap("promotion", promotionToMap(p))
}

func (s *CafeteriaService) promotionLifecycle(
	ctx context.Context,
	req *structpb.Struct,
	fn func(ctx context.Context, id, reason string) (domain.Promotion, error),
) (*structpb.Struct, error) {
	a := newArgs(req)
	id, err := a.requiredStr("id")
	if err != nil {
		return nil, err
	}
	reason, err := a.str("reason")
	if err != nil {
		return nil, err
	}
	p, err := fn(ctx, id, reason)
	if err != nil {
		return nil, err
	}
	return wrap("promotion", promotionToMap(p))
}

func (s *CafeteriaService) activatePromotion(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.promotionLifecycle(ctx, req, s.promotions.Activate)
}

func (s *CafeteriaService) deactivatePromotion(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.promotionLifecycle(ctx, req, s.promotions.Deactivate)
}

func (s *CafeteriaService) getPromotion(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := newArgs(req).requiredStr("id")
	if err != nil {
		return nil, err
	}
	p, err := s.promotions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return wrap("promotion", promotionToMap(p))
}

func (s *CafeteriaService) listPromotions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	validOnly, err := newArgs(req).boolean("valid_only")
	if err != nil {
		return nil, err
	}
	var items []domain.Promotion
	if validOnly {
		items, err = s.promotions.ListValid(ctx)
	} else {
		items, err = s.promotions.List(ctx)
	}
	if err != nil {
		return nil, err
	}
	return wrap("promotions", listOf(items, promotionToMap))
}

func (s *CafeteriaService) evaluatePromotions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	items, err := newArgs(req).items()
	if err != nil {
		return nil, err
	}
	eval, err := s.orders.EvaluatePromotions(ctx, items)
	if err != nil {
		return nil, err
	}
	return toStruct(evaluationToMap(eval))
}

// --- заказы ---

func (s *CafeteriaService) createOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := newArgs(req)
	userID, err := a.str("user_id")
	if err != nil {
		return nil, err
	}
	items, err := a.items()
	if err != nil {
		return nil, err
	}
	o, err := s.orders.CreateOrder(ctx, userID, items)
	if err != nil {
		return nil, err
	}
	return wrap("order", orderToMap(o))
}

func (s *CafeteriaService) orderTransition(
	ctx context.Context,
	req *structpb.Struct,
	fn func(ctx context.Context, id, reason string) (domain.Order, error),
) (*structpb.Struct, error) {
	a := newArgs(req)
	id, err := a.requiredStr("id")
	if err != nil {
		return nil, err
	}
	reason, err := a.str("reason")
	if err != nil {
		return nil, err
	}
	o, err := fn(ctx, id, reason)
	if err != nil {
		return nil, err
	}
	return wrap("order", orderToMap(o))
}

func (s *CafeteriaService) cancelOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.orderTransition(ctx, req, s.orders.CancelOrder)
}

func (s *CafeteriaService) rejectOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.orderTransition(ctx, req, s.orders.RejectOrder)
}

func (s *CafeteriaService) forceCancelOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.orderTransition(ctx, req, s.orders.ForceCancel)
}

func (s *CafeteriaService) moveOrderForward(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.orderTransition(ctx, req, func(ctx context.Context, id, _ string) (domain.Order, error) {
		return s.orders.MoveForward(ctx, id)
	})
}

func (s *CafeteriaService) moveOrderBackward(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.orderTransition(ctx, req, func(ctx context.Context, id, _ string) (domain.Order, error) {
		return s.orders.MoveBackward(ctx, id)
	})
}

func (s *CafeteriaService) getOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := newArgs(req).requiredStr("id")
	if err != nil {
		return nil, err
	}
	o, err := s.orders.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	return wrap("order", orderToMap(o))
}

// listOrders отдаёт заказы пользователя (user_id) либо очередь статуса (status).
func (s *CafeteriaService) listOrders(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := newArgs(req)
	userID, err := a.str("user_id")
	if err != nil {
		return nil, err
	}
	statusName, err := a.str("status")
	if err != nil {
		return nil, err
	}
	limit, err := a.int64("limit")
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > defaultListOrdersLimit {
		limit = defaultListOrdersLimit
	}

	var orders []domain.Order
	switch {
	case userID != "" && statusName != "":
		return nil, invalidf("either user_id or status must be set, not both")
	case userID != "":
		orders, err = s.orders.ListOrdersByUser(ctx, userID, int(limit))
	case statusName != "":
		orders, err = s.orders.ListOrdersByStatus(ctx, domain.OrderStatus(strings.ToLower(statusName)), int(limit))
	default:
		return nil, invalidf("user_id or status is required")
	}
	if err != nil {
		return nil, err
	}
	return wrap("orders", listOf(orders, orderToMap))
}
