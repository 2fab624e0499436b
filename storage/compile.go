package storage

import (
	"fmt"
	"strings"
)

// compileSelector converts a selector into a parameterized SQL condition over
// the documents table. Values are never interpolated into the SQL text.
func compileSelector(sel Selector) (string, []any, error) {
	switch s := sel.(type) {
	case nil, all:
		return "1 = 1", nil, nil
	case Eq:
		expr, err := fieldExpr(s.Field)
		if err != nil {
			return "", nil, err
		}
		if s.Value == nil {
			return expr + " IS NULL", nil, nil
		}
		return expr + " = ?", []any{sqlParam(s.Value)}, nil
	case In:
		expr, err := fieldExpr(s.Field)
		if err != nil {
			return "", nil, err
		}
		if len(s.Values) == 0 {
			return "0 = 1", nil, nil
		}
		placeholders, params := compileList(s.Values)
		return fmt.Sprintf("%s IN (%s)", expr, placeholders), params, nil
	case Nin:
		expr, err := fieldExpr(s.Field)
		if err != nil {
			return "", nil, err
		}
		if len(s.Values) == 0 {
			return "1 = 1", nil, nil
		}
		placeholders, params := compileList(s.Values)
		return fmt.Sprintf("(%s IS NULL OR %s NOT IN (%s))", expr, expr, placeholders), params, nil
	case Gt:
		expr, err := fieldExpr(s.Field)
		if err != nil {
			return "", nil, err
		}
		return expr + " > ?", []any{sqlParam(s.Value)}, nil
	case Lt:
		expr, err := fieldExpr(s.Field)
		if err != nil {
			return "", nil, err
		}
		return expr + " < ?", []any{sqlParam(s.Value)}, nil
	case Exists:
		expr, err := typeExpr(s.Field)
		if err != nil {
			return "", nil, err
		}
		if s.Exists {
			return fmt.Sprintf("(%s IS NOT NULL AND %s != 'null')", expr, expr), nil, nil
		}
		return fmt.Sprintf("(%s IS NULL OR %s = 'null')", expr, expr), nil, nil
	case Or:
		if len(s) == 0 {
			return "0 = 1", nil, nil
		}
		return compileJunction([]Selector(s), " OR ")
	case And:
		if len(s) == 0 {
			return "1 = 1", nil, nil
		}
		return compileJunction([]Selector(s), " AND ")
	default:
		return "", nil, fmt.Errorf("unsupported selector type: %T", sel)
	}
}

func compileJunction(sels []Selector, op string) (string, []any, error) {
	parts := make([]string, 0, len(sels))
	var params []any
	for _, sub := range sels {
		sql, subParams, err := compileSelector(sub)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, "("+sql+")")
		params = append(params, subParams...)
	}
	return strings.Join(parts, op), params, nil
}

func compileList(values []any) (string, []any) {
	params := make([]any, len(values))
	for i, v := range values {
		params[i] = sqlParam(v)
	}
	return strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", "), params
}

// fieldExpr returns the SQL expression reading a field path.
func fieldExpr(field string) (string, error) {
	root, path, err := splitField(field)
	if err != nil {
		return "", err
	}
	if root == "key" {
		return "key", nil
	}
	return fmt.Sprintf("json_extract(%s, '$.%s')", root, strings.Join(path, ".")), nil
}

// typeExpr returns the SQL expression giving the JSON type of a field path,
// which is NULL when the path is missing.
func typeExpr(field string) (string, error) {
	root, path, err := splitField(field)
	if err != nil {
		return "", err
	}
	if root == "key" {
		return "'text'", nil
	}
	return fmt.Sprintf("json_type(%s, '$.%s')", root, strings.Join(path, ".")), nil
}

// sqlParam maps a selector value onto what json_extract yields for it.
func sqlParam(v any) any {
	switch b := normalize(v).(type) {
	case bool:
		if b {
			return 1
		}
		return 0
	default:
		return b
	}
}
