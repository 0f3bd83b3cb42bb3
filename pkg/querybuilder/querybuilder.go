// Package querybuilder assembles SQL text from declarative field lists.
//
// A field is a (name, formula, role) triple. Dimensions become GROUP BY and
// primary key columns; measures are summed. Statements are composed
// mechanically from the list so the aggregate table definition, the insert
// and the fact query can never drift apart.
package querybuilder

import (
	"fmt"
	"strings"
)

// Role classifies a field.
type Role int

const (
	Dimension Role = iota
	Measure
)

func (r Role) String() string {
	if r == Measure {
		return "measure"
	}
	return "dimension"
}

// Field is one output column.
type Field struct {
	// Name is the destination column name.
	Name string

	// Formula is the SQL expression producing the column. Empty means the
	// column is selected by name.
	Formula string

	Role Role

	// Type is the column type used in CREATE TABLE.
	Type string
}

// Expr returns the select expression for the field.
func (f Field) Expr() string {
	if f.Formula == "" || f.Formula == f.Name {
		return f.Name
	}
	return f.Formula + " AS " + f.Name
}

// FieldList is an ordered list of fields.
type FieldList []Field

// Names returns column names in order.
func (fl FieldList) Names() []string {
	out := make([]string, len(fl))
	for i, f := range fl {
		out[i] = f.Name
	}
	return out
}

// ByRole returns the fields with role r, in order.
func (fl FieldList) ByRole(r Role) FieldList {
	var out FieldList
	for _, f := range fl {
		if f.Role == r {
			out = append(out, f)
		}
	}
	return out
}

// Index returns the position of the named field, or -1.
func (fl FieldList) Index(name string) int {
	for i, f := range fl {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Placeholders returns "$from, $from+1, ..." for n parameters.
func Placeholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(parts, ", ")
}

// CreateTable returns a CREATE TABLE IF NOT EXISTS statement. The primary
// key covers keyPrefix plus every dimension.
func CreateTable(table string, keyPrefix FieldList, fields FieldList) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "CREATE TABLE IF NOT EXISTS %s (\n", table)

	var pk []string
	all := append(append(FieldList{}, keyPrefix...), fields...)
	for _, f := range all {
		typ := f.Type
		if typ == "" {
			typ = "BIGINT"
		}
		fmt.Fprintf(&sb, "\t%s %s NOT NULL,\n", f.Name, typ)
		if f.Role == Dimension {
			pk = append(pk, f.Name)
		}
	}
	fmt.Fprintf(&sb, "\tPRIMARY KEY (%s)\n)", strings.Join(pk, ", "))
	return sb.String()
}

// Insert returns a single-row INSERT with $n placeholders.
func Insert(table string, fields FieldList) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(fields.Names(), ", "), Placeholders(1, len(fields)))
}

// Select is a composable SELECT statement.
type Select struct {
	Fields  FieldList
	From    string
	Joins   []string
	Where   []string
	GroupBy bool
	OrderBy []string
}

// SQL renders the statement. With GroupBy set, dimensions form the GROUP BY
// clause and measures are wrapped in COALESCE(SUM(...), 0).
func (s Select) SQL() string {
	exprs := make([]string, len(s.Fields))
	var group []string
	for i, f := range s.Fields {
		switch {
		case s.GroupBy && f.Role == Measure:
			formula := f.Formula
			if formula == "" {
				formula = f.Name
			}
			exprs[i] = fmt.Sprintf("COALESCE(SUM(%s), 0) AS %s", formula, f.Name)
		default:
			exprs[i] = f.Expr()
			if s.GroupBy {
				group = append(group, f.Name)
			}
		}
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(exprs, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(s.From)
	for _, j := range s.Joins {
		sb.WriteString(" ")
		sb.WriteString(j)
	}
	if len(s.Where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(s.Where, " AND "))
	}
	if len(group) > 0 {
		sb.WriteString(" GROUP BY ")
		sb.WriteString(strings.Join(group, ", "))
	}
	if len(s.OrderBy) > 0 {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(s.OrderBy, ", "))
	}
	return sb.String()
}

// Delete is a composable DELETE statement.
type Delete struct {
	Table string
	Where []string
}

// SQL renders the statement.
func (d Delete) SQL() string {
	if len(d.Where) == 0 {
		return "DELETE FROM " + d.Table
	}
	return "DELETE FROM " + d.Table + " WHERE " + strings.Join(d.Where, " AND ")
}

// NotIn returns "col NOT IN ($from, ...)" for n values, or "" when n is zero.
func NotIn(col string, from, n int) string {
	if n == 0 {
		return ""
	}
	return fmt.Sprintf("%s NOT IN (%s)", col, Placeholders(from, n))
}
