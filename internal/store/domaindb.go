package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/meridianhq/meridian/internal/domain"
)

// DomainStore reads the authoritative business schema. The core never
// writes this namespace, and callers never supply query text: tables and
// columns are checked against the registry below and every value is bound.
type DomainStore struct {
	db Querier
}

type domainTable struct {
	columns     map[string]bool
	nameColumns []string
	primaryKey  string
}

func cols(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// domainTables is the registry of readable tables in the domain namespace.
var domainTables = map[string]domainTable{
	"domain.customers": {
		columns:     cols("id", "name", "email", "phone", "address", "segment", "credit_limit", "created_at"),
		nameColumns: []string{"name"},
		primaryKey:  "id",
	},
	"domain.sales_orders": {
		columns:     cols("id", "customer_id", "order_number", "status", "total_amount", "currency", "ordered_at", "promised_at"),
		nameColumns: []string{"order_number"},
		primaryKey:  "id",
	},
	"domain.work_orders": {
		columns:     cols("id", "sales_order_id", "work_order_number", "status", "assignee", "scheduled_for", "completed_at"),
		nameColumns: []string{"work_order_number"},
		primaryKey:  "id",
	},
	"domain.invoices": {
		columns:     cols("id", "customer_id", "sales_order_id", "invoice_number", "status", "amount_due", "currency", "due_date", "paid_at"),
		nameColumns: []string{"invoice_number"},
		primaryKey:  "id",
	},
	"domain.tasks": {
		columns:     cols("id", "work_order_id", "title", "status", "assignee", "due_date", "completed_at"),
		nameColumns: []string{"title"},
		primaryKey:  "id",
	},
	"domain.persons": {
		columns:     cols("id", "customer_id", "full_name", "role", "email", "phone"),
		nameColumns: []string{"full_name"},
		primaryKey:  "id",
	},
	"domain.locations": {
		columns:     cols("id", "customer_id", "name", "address", "city", "country"),
		nameColumns: []string{"name"},
		primaryKey:  "id",
	},
}

// TablesForEntityType returns the domain tables likely to hold rows for an
// inferred entity type; all searchable tables when the type is unknown.
func TablesForEntityType(t domain.EntityType) []string {
	switch t {
	case domain.EntityCustomer:
		return []string{"domain.customers"}
	case domain.EntityOrder:
		return []string{"domain.sales_orders"}
	case domain.EntityWorkOrder:
		return []string{"domain.work_orders"}
	case domain.EntityInvoice:
		return []string{"domain.invoices"}
	case domain.EntityTask:
		return []string{"domain.tasks"}
	case domain.EntityPerson:
		return []string{"domain.persons"}
	case domain.EntityLocation:
		return []string{"domain.locations"}
	default:
		all := make([]string, 0, len(domainTables))
		for name := range domainTables {
			all = append(all, name)
		}
		return all
	}
}

func (s *DomainStore) table(name string) (domainTable, error) {
	t, ok := domainTables[name]
	if !ok {
		return domainTable{}, fmt.Errorf("%w: unknown domain table %q", ErrValidation, name)
	}
	return t, nil
}

func (s *DomainStore) projection(t domainTable, name string, columns []string) (string, error) {
	if len(columns) == 0 {
		all := make([]string, 0, len(t.columns))
		for c := range t.columns {
			all = append(all, c)
		}
		columns = all
	}
	for _, c := range columns {
		if !t.columns[c] {
			return "", fmt.Errorf("%w: column %q not readable on %s", ErrValidation, c, name)
		}
	}
	return strings.Join(columns, ", "), nil
}

func collectRows(rows pgx.Rows) ([]domain.DomainRow, error) {
	defer rows.Close()
	fields := rows.FieldDescriptions()

	var out []domain.DomainRow
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(domain.DomainRow, len(fields))
		for i, f := range fields {
			row[string(f.Name)] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *DomainStore) Query(ctx context.Context, table string, filter map[string]any, columns []string, limit int) ([]domain.DomainRow, error) {
	t, err := s.table(table)
	if err != nil {
		return nil, err
	}
	proj, err := s.projection(t, table, columns)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	var conditions []string
	var args []any
	for col, val := range filter {
		if !t.columns[col] {
			return nil, fmt.Errorf("%w: column %q not filterable on %s", ErrValidation, col, table)
		}
		args = append(args, val)
		conditions = append(conditions, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, limit)

	rows, err := s.db.Query(ctx,
		fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s LIMIT $%d", proj, table, where, t.primaryKey, len(args)),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("domain query %s: %w", table, err)
	}
	return collectRows(rows)
}

// Join hops from parent rows to a child table per the ontology join spec.
// Each on-pair becomes child_col = ANY(distinct parent values).
func (s *DomainStore) Join(ctx context.Context, spec domain.JoinSpec, parentRows []domain.DomainRow, columns []string, limit int) ([]domain.DomainRow, error) {
	if len(parentRows) == 0 {
		return nil, nil
	}
	child, err := s.table(spec.ToTable)
	if err != nil {
		return nil, err
	}
	parent, err := s.table(spec.FromTable)
	if err != nil {
		return nil, err
	}
	proj, err := s.projection(child, spec.ToTable, columns)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	var conditions []string
	var args []any
	for parentCol, childCol := range spec.On {
		if !parent.columns[parentCol] {
			return nil, fmt.Errorf("%w: join column %q not on %s", ErrValidation, parentCol, spec.FromTable)
		}
		if !child.columns[childCol] {
			return nil, fmt.Errorf("%w: join column %q not on %s", ErrValidation, childCol, spec.ToTable)
		}
		values := make([]any, 0, len(parentRows))
		seen := make(map[any]bool, len(parentRows))
		for _, row := range parentRows {
			v, ok := row[parentCol]
			if !ok || v == nil || seen[v] {
				continue
			}
			seen[v] = true
			values = append(values, v)
		}
		if len(values) == 0 {
			return nil, nil
		}
		args = append(args, values)
		conditions = append(conditions, fmt.Sprintf("%s = ANY($%d)", childCol, len(args)))
	}
	if len(conditions) == 0 {
		return nil, fmt.Errorf("%w: join spec has no on-columns", ErrValidation)
	}
	args = append(args, limit)

	rows, err := s.db.Query(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s LIMIT $%d",
			proj, spec.ToTable, strings.Join(conditions, " AND "), child.primaryKey, len(args)),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("domain join %s -> %s: %w", spec.FromTable, spec.ToTable, err)
	}
	return collectRows(rows)
}

// SearchText runs a case-insensitive contains search over the name columns
// of the given tables. Each returned row carries a "__table" key.
func (s *DomainStore) SearchText(ctx context.Context, tables []string, text string, limit int) ([]domain.DomainRow, error) {
	if text == "" {
		return nil, nil
	}
	if limit <= 0 || limit > 5 {
		limit = 5
	}

	var out []domain.DomainRow
	for _, table := range tables {
		t, err := s.table(table)
		if err != nil {
			return nil, err
		}
		var conditions []string
		for _, col := range t.nameColumns {
			conditions = append(conditions, fmt.Sprintf("%s ILIKE '%%' || $1 || '%%'", col))
		}
		if len(conditions) == 0 {
			continue
		}
		proj, err := s.projection(t, table, nil)
		if err != nil {
			return nil, err
		}

		rows, err := s.db.Query(ctx,
			fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s LIMIT $2",
				proj, table, strings.Join(conditions, " OR "), t.primaryKey),
			text, limit,
		)
		if err != nil {
			return nil, fmt.Errorf("domain search %s: %w", table, err)
		}
		found, err := collectRows(rows)
		if err != nil {
			return nil, err
		}
		for _, row := range found {
			row["__table"] = table
			out = append(out, row)
			if len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}
