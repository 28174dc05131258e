package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"opsflow/internal/engine"
	"opsflow/internal/errors"
	"opsflow/internal/models"
)

// recordTables maps the record models exposed to workflows onto their
// tables. Every query is additionally scoped by organization_id.
var recordTables = map[string]string{
	"lead":     "leads",
	"customer": "customers",
	"project":  "projects",
	"task":     "tasks",
	"invoice":  "invoices",
	"employee": "employees",
	"payroll":  "payrolls",
	"timeoff":  "timeoff_requests",
}

var identPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// RecordStore runs workflow-declared record operations against the business
// tables through bun.
type RecordStore struct {
	db *bun.DB
}

// NewRecordStore wraps the shared DB handle.
func NewRecordStore(db *bun.DB) *RecordStore {
	return &RecordStore{db: db}
}

func recordTable(model string) (string, error) {
	table, ok := recordTables[strings.ToLower(strings.TrimSpace(model))]
	if !ok {
		return "", errors.NewDefinitionError(model, "unknown record model %q", model)
	}
	return table, nil
}

// column converts a camelCase field reference into its snake_case column,
// rejecting anything that is not a plain identifier.
func column(field string) (string, error) {
	if !identPattern.MatchString(field) {
		return "", errors.NewDefinitionError(field, "invalid field name %q", field)
	}
	var b strings.Builder
	for i, r := range field {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return b.String(), nil
}

func applyCondition(q *bun.SelectQuery, cond models.Condition) (*bun.SelectQuery, error) {
	col, err := column(cond.Lookup())
	if err != nil {
		return nil, err
	}
	ident := bun.Ident(col)
	switch cond.Operator {
	case models.OpEquals:
		return q.Where("? = ?", ident, cond.Value), nil
	case models.OpNotEquals:
		return q.Where("? != ?", ident, cond.Value), nil
	case models.OpGt:
		return q.Where("? > ?", ident, cond.Value), nil
	case models.OpGte:
		return q.Where("? >= ?", ident, cond.Value), nil
	case models.OpLt:
		return q.Where("? < ?", ident, cond.Value), nil
	case models.OpLte:
		return q.Where("? <= ?", ident, cond.Value), nil
	case models.OpBetween:
		return q.Where("? BETWEEN ? AND ?", ident, cond.Value, cond.ValueTo), nil
	case models.OpContains:
		return q.Where("? ILIKE ?", ident, fmt.Sprintf("%%%v%%", cond.Value)), nil
	case models.OpNotContains:
		return q.Where("? NOT ILIKE ?", ident, fmt.Sprintf("%%%v%%", cond.Value)), nil
	case models.OpStartsWith:
		return q.Where("? ILIKE ?", ident, fmt.Sprintf("%v%%", cond.Value)), nil
	case models.OpEndsWith:
		return q.Where("? ILIKE ?", ident, fmt.Sprintf("%%%v", cond.Value)), nil
	case models.OpIn:
		return q.Where("? IN (?)", ident, bun.In(cond.Values)), nil
	case models.OpNotIn:
		return q.Where("? NOT IN (?)", ident, bun.In(cond.Values)), nil
	case models.OpIsEmpty:
		return q.Where("(? IS NULL OR ?::text = '')", ident, ident), nil
	case models.OpIsNotEmpty:
		return q.Where("? IS NOT NULL AND ?::text != ''", ident, ident), nil
	default:
		return nil, errors.NewDefinitionError(col, "unsupported query operator %q", cond.Operator)
	}
}

func (s *RecordStore) buildSelect(model string, args engine.QueryArgs) (*bun.SelectQuery, error) {
	table, err := recordTable(model)
	if err != nil {
		return nil, err
	}
	q := s.db.NewSelect().
		Table(table).
		Where("? = ?", bun.Ident("organization_id"), args.OrganizationID)

	for _, sel := range args.Select {
		col, err := column(sel)
		if err != nil {
			return nil, err
		}
		q = q.Column(col)
	}
	for _, cond := range args.Where {
		q, err = applyCondition(q, cond)
		if err != nil {
			return nil, err
		}
	}
	if args.OrderBy != "" {
		col, err := column(args.OrderBy)
		if err != nil {
			return nil, err
		}
		dir := "ASC"
		if args.OrderDesc {
			dir = "DESC"
		}
		q = q.OrderExpr("? ?", bun.Ident(col), bun.Safe(dir))
	}
	if args.Offset > 0 {
		q = q.Offset(args.Offset)
	}
	return q, nil
}

// Find returns the first matching record, or nil when nothing matches.
func (s *RecordStore) Find(ctx context.Context, model string, args engine.QueryArgs) (models.JSONB, error) {
	q, err := s.buildSelect(model, args)
	if err != nil {
		return nil, err
	}
	row := map[string]any{}
	if err := q.Limit(1).Scan(ctx, &row); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return models.JSONB(row), nil
}

// FindMany returns every matching record, capped by the query limit
// (default 100).
func (s *RecordStore) FindMany(ctx context.Context, model string, args engine.QueryArgs) ([]models.JSONB, error) {
	q, err := s.buildSelect(model, args)
	if err != nil {
		return nil, err
	}
	limit := args.Limit
	if limit <= 0 {
		limit = 100
	}
	var rows []map[string]any
	if err := q.Limit(limit).Scan(ctx, &rows); err != nil {
		return nil, err
	}
	out := make([]models.JSONB, len(rows))
	for i, r := range rows {
		out[i] = models.JSONB(r)
	}
	return out, nil
}

// Create inserts one record scoped to the organization. Field keys convert
// to snake_case columns; id and timestamps are filled in when absent.
func (s *RecordStore) Create(ctx context.Context, model string, organizationID string, fields models.JSONB) (models.JSONB, error) {
	table, err := recordTable(model)
	if err != nil {
		return nil, err
	}
	row := map[string]any{
		"organization_id": organizationID,
	}
	for key, value := range fields {
		col, err := column(key)
		if err != nil {
			return nil, err
		}
		row[col] = value
	}
	if _, ok := row["id"]; !ok {
		row["id"] = uuid.New()
	}
	now := time.Now().UTC()
	if _, ok := row["created_at"]; !ok {
		row["created_at"] = now
	}
	if _, ok := row["updated_at"]; !ok {
		row["updated_at"] = now
	}

	if _, err := s.db.NewInsert().Model(&row).Table(table).Exec(ctx); err != nil {
		return nil, err
	}
	return models.JSONB(row), nil
}

// Update mutates matching records scoped to the organization, by id and/or
// extra conditions, and returns the written fields.
func (s *RecordStore) Update(ctx context.Context, model string, organizationID string, recordID any, fields models.JSONB, conditions []models.Condition) (models.JSONB, error) {
	table, err := recordTable(model)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, errors.NewDefinitionError(model, "update needs at least one field")
	}

	q := s.db.NewUpdate().
		Table(table).
		Where("? = ?", bun.Ident("organization_id"), organizationID).
		Set("? = ?", bun.Ident("updated_at"), time.Now().UTC())

	written := models.JSONB{}
	for key, value := range fields {
		col, err := column(key)
		if err != nil {
			return nil, err
		}
		q = q.Set("? = ?", bun.Ident(col), value)
		written[col] = value
	}

	if recordID != nil {
		q = q.Where("? = ?", bun.Ident("id"), recordID)
		written["id"] = recordID
	}
	for _, cond := range conditions {
		col, err := column(cond.Lookup())
		if err != nil {
			return nil, err
		}
		switch cond.Operator {
		case models.OpEquals:
			q = q.Where("? = ?", bun.Ident(col), cond.Value)
		case models.OpNotEquals:
			q = q.Where("? != ?", bun.Ident(col), cond.Value)
		case models.OpIn:
			q = q.Where("? IN (?)", bun.Ident(col), bun.In(cond.Values))
		default:
			return nil, errors.NewDefinitionError(col, "unsupported update condition operator %q", cond.Operator)
		}
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err == nil {
		written["updatedCount"] = n
	}
	return written, nil
}
