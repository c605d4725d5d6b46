package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/cafeteria/internal/domain"
)

const (
	selectIngredients = `
		SELECT id, name, unit, stock, active, available, version, created_at, updated_at
		FROM ingredients`
	selectProducts = `
		SELECT id, name, description, kind, category, price, stock, active, available, version, created_at, updated_at
		FROM products`
)

// LoadCatalog читает все узлы и рёбра в одной read-only транзакции.
func (s *Store) LoadCatalog(ctx context.Context) (domain.CatalogState, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return domain.CatalogState{}, fmt.Errorf("begin catalog snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ingredients, err := queryIngredients(ctx, tx, selectIngredients+` ORDER BY created_at, id`)
	if err != nil {
		return domain.CatalogState{}, err
	}
	products, err := queryProducts(ctx, tx, selectProducts+` ORDER BY created_at, id`)
	if err != nil {
		return domain.CatalogState{}, err
	}
	edges, err := queryEdges(ctx, tx)
	if err != nil {
		return domain.CatalogState{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CatalogState{}, fmt.Errorf("commit catalog snapshot: %w", err)
	}

	return domain.CatalogState{Ingredients: ingredients, Products: products, Edges: edges}, nil
}

func (s *Store) GetIngredient(ctx context.Context, id string) (domain.Ingredient, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	items, err := queryIngredients(ctx, s.db, selectIngredients+` WHERE id = $1`, id)
	if err != nil {
		return domain.Ingredient{}, err
	}
	if len(items) == 0 {
		return domain.Ingredient{}, fmt.Errorf("ingredient %s: %w", id, domain.ErrNotFound)
	}
	return items[0], nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	items, err := queryProducts(ctx, s.db, selectProducts+` WHERE id = $1`, id)
	if err != nil {
		return domain.Product{}, err
	}
	if len(items) == 0 {
		return domain.Product{}, fmt.Errorf("product %s: %w", id, domain.ErrNotFound)
	}
	return items[0], nil
}

func (s *Store) ListIngredients(ctx context.Context) ([]domain.Ingredient, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return queryIngredients(ctx, s.db, selectIngredients+` ORDER BY LOWER(name), id`)
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return queryProducts(ctx, s.db, selectProducts+` ORDER BY LOWER(name), id`)
}

func queryIngredients(ctx context.Context, q queryer, query string, args ...any) ([]domain.Ingredient, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ingredients: %w", err)
	}
	defer rows.Close()

	var result []domain.Ingredient
	for rows.Next() {
		var (
			ing   domain.Ingredient
			stock decimal.NullDecimal
		)
		if err := rows.Scan(
			&ing.ID, &ing.Name, &ing.Unit, &stock, &ing.Active, &ing.Available,
			&ing.Version, &ing.CreatedAt, &ing.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan ingredient: %w", err)
		}
		if stock.Valid {
			v := stock.Decimal
			ing.Stock = &v
		}
		ing.CreatedAt = ing.CreatedAt.UTC()
		ing.UpdatedAt = ing.UpdatedAt.UTC()
		result = append(result, ing)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ingredients: %w", err)
	}
	return result, nil
}

func queryProducts(ctx context.Context, q queryer, query string, args ...any) ([]domain.Product, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}

	var (
		result []domain.Product
		index  = make(map[string]int)
	)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(
			&p.ID, &p.Name, &p.Description, &p.Kind, &p.Category, &p.Price, &p.Stock,
			&p.Active, &p.Available, &p.Version, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan product: %w", err)
		}
		p.CreatedAt = p.CreatedAt.UTC()
		p.UpdatedAt = p.UpdatedAt.UTC()
		index[p.ID] = len(result)
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	rows.Close()

	if len(result) == 0 {
		return result, nil
	}
	if err := attachComponents(ctx, q, result, index); err != nil {
		return nil, err
	}
	return result, nil
}

func attachComponents(ctx context.Context, q queryer, products []domain.Product, index map[string]int) error {
	ids := make([]string, 0, len(index))
	for id := range index {
		ids = append(ids, id)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT product_id, node_kind, node_id, quantity
		FROM product_components
		WHERE product_id = ANY($1)
		ORDER BY product_id, position
	`, ids)
	if err != nil {
		return fmt.Errorf("query product components: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			productID string
			c         domain.Component
		)
		if err := rows.Scan(&productID, &c.Node.Kind, &c.Node.ID, &c.Quantity); err != nil {
			return fmt.Errorf("scan product component: %w", err)
		}
		i, ok := index[productID]
		if !ok {
			continue
		}
		products[i].Components = append(products[i].Components, c)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate product components: %w", err)
	}
	return nil
}

func queryEdges(ctx context.Context, q queryer) ([]domain.Edge, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT source_kind, source_id, dependent_id
		FROM catalog_edges
		ORDER BY source_kind, source_id, dependent_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query catalog edges: %w", err)
	}
	defer rows.Close()

	var result []domain.Edge
	for rows.Next() {
		var e domain.Edge
		if err := rows.Scan(&e.Source.Kind, &e.Source.ID, &e.DependentID); err != nil {
			return nil, fmt.Errorf("scan catalog edge: %w", err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate catalog edges: %w", err)
	}
	return result, nil
}
