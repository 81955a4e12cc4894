// Package sqlq translates event filters into SQL predicates shared by the
// sqlite and postgres stores. Both schemas name the events table alias "e"
// and keep tags in event_tags and tombstones in deletions.
package sqlq

import (
	"strconv"
	"strings"

	"github.com/paul/grapevine/pkg/event"
)

// Dialect selects the placeholder syntax.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

// NotDeleted excludes events tombstoned by their own author.
const NotDeleted = `NOT EXISTS (SELECT 1 FROM deletions d WHERE d.target_id = e.id AND d.deleter_pubkey = e.pubkey)`

// EventColumns is the select list read by the stores' scanEvent.
const EventColumns = `e.id, e.pubkey, e.created_at, e.kind, e.tags, e.content, e.sig`

// pgEventColumns reads the jsonb tag column as text.
const pgEventColumns = `e.id, e.pubkey, e.created_at, e.kind, e.tags::text, e.content, e.sig`

// Query accumulates positional arguments.
type Query struct {
	dialect Dialect
	args    []interface{}
}

// New starts an empty query for d.
func New(d Dialect) *Query {
	return &Query{dialect: d}
}

// Arg appends v and returns its placeholder.
func (q *Query) Arg(v interface{}) string {
	q.args = append(q.args, v)
	if q.dialect == Postgres {
		return "$" + strconv.Itoa(len(q.args))
	}
	return "?"
}

// Columns returns the event select list for the dialect.
func (q *Query) Columns() string {
	if q.dialect == Postgres {
		return pgEventColumns
	}
	return EventColumns
}

// Args returns the accumulated arguments.
func (q *Query) Args() []interface{} {
	return q.args
}

// InStrings renders "col IN (...)".
func (q *Query) InStrings(col string, values []string) string {
	ph := make([]string, len(values))
	for i, v := range values {
		ph[i] = q.Arg(v)
	}
	return col + " IN (" + strings.Join(ph, ",") + ")"
}

// InInts renders "col IN (...)".
func (q *Query) InInts(col string, values []int) string {
	ph := make([]string, len(values))
	for i, v := range values {
		ph[i] = q.Arg(v)
	}
	return col + " IN (" + strings.Join(ph, ",") + ")"
}

// Where renders the conjunction of the filter's indexed predicates,
// always including NotDeleted. Search is left to the caller.
func (q *Query) Where(f *event.Filter) string {
	conds := []string{NotDeleted}

	if len(f.IDs) > 0 {
		conds = append(conds, q.InStrings("e.id", f.IDs))
	}
	if len(f.Authors) > 0 {
		conds = append(conds, q.InStrings("e.pubkey", f.Authors))
	}
	if len(f.Kinds) > 0 {
		conds = append(conds, q.InInts("e.kind", f.Kinds))
	}
	if f.Since != nil {
		conds = append(conds, "e.created_at >= "+q.Arg(*f.Since))
	}
	if f.Until != nil {
		conds = append(conds, "e.created_at <= "+q.Arg(*f.Until))
	}
	for name, values := range f.Tags {
		if len(values) == 0 {
			// an empty value set can never match
			conds = append(conds, "1 = 0")
			continue
		}
		conds = append(conds, "EXISTS (SELECT 1 FROM event_tags t WHERE t.event_id = e.id AND t.name = "+
			q.Arg(name)+" AND "+q.InStrings("t.value", values)+")")
	}

	return strings.Join(conds, " AND ")
}

// Select renders the full single-filter query, ordered newest first with
// id as tie-break. The SQL limit is omitted for search filters because the
// search terms are evaluated after the rows are read.
func (q *Query) Select(f *event.Filter) string {
	order := " ORDER BY e.created_at DESC, e.id ASC"
	if q.dialect == Postgres {
		order = ` ORDER BY e.created_at DESC, e.id COLLATE "C" ASC`
	}
	sql := "SELECT " + q.Columns() + " FROM events e WHERE " + q.Where(f) + order
	if f.Limit != nil && f.Search == "" {
		sql += " LIMIT " + q.Arg(*f.Limit)
	}
	return sql
}

// Count renders a COUNT over the disjunction of filters. ok is false when
// any filter carries a search query and must be counted in Go.
func (q *Query) Count(filters []*event.Filter) (sql string, ok bool) {
	if len(filters) == 0 {
		return "", false
	}
	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		if f.Search != "" {
			return "", false
		}
		parts = append(parts, "("+q.Where(f)+")")
	}
	return "SELECT COUNT(*) FROM events e WHERE " + strings.Join(parts, " OR "), true
}
