package repositories

import (
	"context"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/uptrace/bun"

	"github.com/mkoziy/rdr/metricscache/internal/models"
)

// UpsertCodes performs a batch upsert on codes keyed by value and fills in
// the generated ids.
func UpsertCodes(ctx context.Context, db bun.IDB, codes []*models.Code) error {
	if len(codes) == 0 {
		return nil
	}
	_, err := db.NewInsert().
		Model(&codes).
		On("CONFLICT (value) DO UPDATE").
		Set("system = EXCLUDED.system").
		Set("display = EXCLUDED.display").
		Returning("code_id").
		Exec(ctx)

	return err
}

// CodeLookup resolves code values to ids, remembering what it has seen.
// Unknown values are cached as misses too.
type CodeLookup struct {
	db    bun.IDB
	cache *xsync.Map[string, int64]
}

func NewCodeLookup(db bun.IDB) *CodeLookup {
	return &CodeLookup{db: db, cache: xsync.NewMap[string, int64]()}
}

// Resolve returns value -> code_id for the values that exist.
func (l *CodeLookup) Resolve(ctx context.Context, values []string) (map[string]int64, error) {
	out := make(map[string]int64, len(values))
	var pending []string
	for _, v := range values {
		if id, ok := l.cache.Load(v); ok {
			if id > 0 {
				out[v] = id
			}
			continue
		}
		pending = append(pending, v)
	}
	if len(pending) == 0 {
		return out, nil
	}

	var codes []*models.Code
	err := l.db.NewSelect().
		Model(&codes).
		Where("cd.value IN (?)", bun.In(pending)).
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	for _, c := range codes {
		l.cache.Store(c.Value, c.CodeID)
		out[c.Value] = c.CodeID
	}
	for _, v := range pending {
		if _, ok := out[v]; !ok {
			l.cache.Store(v, 0)
		}
	}
	return out, nil
}

// Forget clears cached lookups so the next Resolve hits the database.
func (l *CodeLookup) Forget() {
	l.cache.Range(func(key string, _ int64) bool {
		l.cache.Delete(key)
		return true
	})
}
