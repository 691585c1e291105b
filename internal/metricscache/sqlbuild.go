package metricscache

import (
	"context"
	"strings"

	"github.com/uptrace/bun"
)

// sqlBuilder accumulates SQL text and its bound arguments in text order.
// Identifiers go in as bun.Ident arguments, never as concatenated text
// unless they come from the fixed column tables in this package.
type sqlBuilder struct {
	sb   strings.Builder
	args []interface{}
}

func newSQLBuilder() *sqlBuilder {
	return &sqlBuilder{}
}

// Add appends a fragment with ? placeholders and their arguments.
func (b *sqlBuilder) Add(fragment string, args ...interface{}) *sqlBuilder {
	b.sb.WriteString(fragment)
	b.args = append(b.args, args...)
	return b
}

// Join appends parts separated by sep.
func (b *sqlBuilder) Join(sep string, parts []string) *sqlBuilder {
	b.sb.WriteString(strings.Join(parts, sep))
	return b
}

func (b *sqlBuilder) Statement() Statement {
	return Statement{SQL: b.sb.String(), Args: b.args}
}

// Exec runs the statement and returns the number of affected rows.
func (s Statement) Exec(ctx context.Context, idb bun.IDB) (int64, error) {
	res, err := idb.ExecContext(ctx, s.SQL, s.Args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ps returns a qualified staging column reference.
func ps(col string) string {
	return "ps." + col
}

// dayOf renders the day-granularity value of a timestamp expression.
func dayOf(expr string) string {
	return "DATE(" + expr + ")"
}
