package database

import (
	"fmt"
	"strings"

	"github.com/huandu/go-sqlbuilder"
)

// Statements are built for Postgres placeholders ($1, $2, ...)
var flavor = sqlbuilder.PostgreSQL

// Excluded references the row proposed for insertion inside ON CONFLICT DO UPDATE
func Excluded(column string) any {
	return sqlbuilder.Raw("EXCLUDED." + column)
}

// InsertBuilder is a Postgres insert with upsert helpers
type InsertBuilder struct {
	*sqlbuilder.InsertBuilder
}

func NewInsertBuilder(table string) *InsertBuilder {
	return &InsertBuilder{flavor.NewInsertBuilder().InsertInto(table)}
}

// Upsert turns the insert into an upsert on the conflict columns, overwriting every column in
// replace with the proposed value
func (b *InsertBuilder) Upsert(conflict []string, replace ...string) *InsertBuilder {
	ub := flavor.NewUpdateBuilder()
	assignments := make([]string, 0, len(replace))
	for _, column := range replace {
		assignments = append(assignments, ub.Assign(column, Excluded(column)))
	}
	ub.Set(assignments...)

	b.SQL(fmt.Sprintf("ON CONFLICT (%s) DO UPDATE %s", strings.Join(conflict, ", "), b.Var(ub)))
	return b
}

// Struct builds statements from the db tags of a row type
type Struct struct {
	*sqlbuilder.Struct
}

func NewStruct(v any) *Struct {
	return &Struct{sqlbuilder.NewStruct(v).For(flavor)}
}

func (s *Struct) SelectFrom(table string) *sqlbuilder.SelectBuilder {
	return s.Struct.SelectFrom(table)
}

func (s *Struct) InsertInto(table string, rows ...any) *InsertBuilder {
	return &InsertBuilder{s.Struct.InsertInto(table, rows...)}
}
