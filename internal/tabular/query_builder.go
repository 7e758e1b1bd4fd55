package tabular

import (
	"fmt"
	"strconv"
	"strings"
)

// QueryBuilder accumulates rendered SQL.
type QueryBuilder struct {
	strings.Builder
}

// WriteInt appends an integer literal.
func (builder *QueryBuilder) WriteInt(i int) {
	builder.WriteString(strconv.Itoa(i))
}

// WriteIdentifier appends a backtick-quoted identifier. Must only be called
// after ValidateIdentifier/ValidateIdentifiers on the given identifier.
func (builder *QueryBuilder) WriteIdentifier(identifier string) {
	builder.WriteRune('`')
	builder.WriteString(identifier)
	builder.WriteRune('`')
}

// ValidateIdentifier rejects identifiers that cannot be safely quoted.
func ValidateIdentifier(identifier string) error {
	if identifier == "" {
		return fmt.Errorf("tabular: empty identifier")
	}
	if strings.ContainsRune(identifier, '`') {
		return fmt.Errorf("tabular: '%s' contains `, which is incompatible with database", identifier)
	}
	return nil
}

// ValidateIdentifiers validates each identifier in turn.
func ValidateIdentifiers(identifiers ...string) error {
	for _, identifier := range identifiers {
		if err := ValidateIdentifier(identifier); err != nil {
			return err
		}
	}
	return nil
}

// validateSpecIdentifiers checks every identifier a spec will render.
func validateSpecIdentifiers(spec *GroupedFetchSpec) error {
	if err := ValidateIdentifier(spec.Table); err != nil {
		return err
	}
	for _, col := range spec.Select {
		ids := []string{col.Alias}
		if col.Column != "" {
			ids = append(ids, col.Column)
		}
		if col.Numerator != "" {
			ids = append(ids, col.Numerator)
		}
		if col.Denom != "" {
			ids = append(ids, col.Denom)
		}
		if err := ValidateIdentifiers(ids...); err != nil {
			return err
		}
	}
	for _, g := range spec.GroupBy {
		if err := ValidateIdentifier(g); err != nil {
			return err
		}
	}
	for _, p := range spec.Where {
		if err := ValidateIdentifier(p.Column); err != nil {
			return err
		}
	}
	for _, o := range spec.OrderBy {
		if err := ValidateIdentifier(o.Alias); err != nil {
			return err
		}
	}
	return nil
}

// writePredicates renders the WHERE clause with ? placeholders and collects
// the bind arguments.
func writePredicates(query *QueryBuilder, where []Predicate, args []interface{}) ([]interface{}, error) {
	if len(where) == 0 {
		return args, nil
	}
	query.WriteString(" WHERE ")
	for i, pred := range where {
		if i > 0 {
			query.WriteString(" AND ")
		}
		query.WriteIdentifier(pred.Column)
		switch pred.Op {
		case PredEq:
			query.WriteString(" = ?")
			args = append(args, pred.Value)
		case PredGte:
			query.WriteString(" >= ?")
			args = append(args, pred.Value)
		case PredLte:
			query.WriteString(" <= ?")
			args = append(args, pred.Value)
		case PredIn:
			if len(pred.Values) == 0 {
				return nil, fmt.Errorf("tabular: IN predicate on %q has no values", pred.Column)
			}
			query.WriteString(" IN (")
			for j, v := range pred.Values {
				if j > 0 {
					query.WriteString(", ")
				}
				query.WriteString("?")
				args = append(args, v)
			}
			query.WriteString(")")
		default:
			return nil, fmt.Errorf("tabular: unknown predicate op %d", pred.Op)
		}
	}
	return args, nil
}

// writeGroupByOrderLimit renders the trailing clauses shared by dialects.
func writeGroupByOrderLimit(query *QueryBuilder, spec *GroupedFetchSpec, withLimit bool) {
	if len(spec.GroupBy) > 0 {
		query.WriteString(" GROUP BY ")
		for i, g := range spec.GroupBy {
			if i > 0 {
				query.WriteString(", ")
			}
			query.WriteIdentifier(g)
		}
	}
	if len(spec.OrderBy) > 0 {
		query.WriteString(" ORDER BY ")
		for i, o := range spec.OrderBy {
			if i > 0 {
				query.WriteString(", ")
			}
			query.WriteIdentifier(o.Alias)
			if o.Desc {
				query.WriteString(" DESC")
			}
		}
	}
	if !withLimit {
		return
	}
	if spec.Limit > 0 {
		query.WriteString(" LIMIT ")
		query.WriteInt(spec.Limit)
	}
	if spec.Offset > 0 {
		query.WriteString(" OFFSET ")
		query.WriteInt(spec.Offset)
	}
}
