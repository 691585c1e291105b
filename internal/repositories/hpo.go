package repositories

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/mkoziy/rdr/metricscache/internal/models"
)

// ListAwardees returns every awardee except the reserved TEST awardee,
// ordered by id.
func ListAwardees(ctx context.Context, db bun.IDB) ([]*models.HPO, error) {
	var hpos []*models.HPO
	err := db.NewSelect().
		Model(&hpos).
		Where("h.name != ?", models.TestAwardeeName).
		OrderExpr("h.hpo_id ASC").
		Scan(ctx)

	return hpos, err
}

// GetAwardeesByName resolves awardee names to rows. Names that do not exist
// (or name the TEST awardee) are reported in the returned error.
func GetAwardeesByName(ctx context.Context, db bun.IDB, names []string) ([]*models.HPO, error) {
	if len(names) == 0 {
		return nil, nil
	}

	var hpos []*models.HPO
	err := db.NewSelect().
		Model(&hpos).
		Where("h.name IN (?)", bun.In(names)).
		Where("h.name != ?", models.TestAwardeeName).
		OrderExpr("h.hpo_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	found := make(map[string]bool, len(hpos))
	for _, h := range hpos {
		found[h.Name] = true
	}
	var missing []string
	for _, n := range names {
		if !found[n] {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return hpos, &UnknownAwardeeError{Names: missing}
	}

	return hpos, nil
}

// UnknownAwardeeError lists awardee names that could not be resolved.
type UnknownAwardeeError struct {
	Names []string
}

func (e *UnknownAwardeeError) Error() string {
	return fmt.Sprintf("unknown awardee(s): %v", e.Names)
}

// UpsertHPOs inserts awardees keyed by hpo_id.
func UpsertHPOs(ctx context.Context, db bun.IDB, hpos []*models.HPO) error {
	if len(hpos) == 0 {
		return nil
	}
	_, err := db.NewInsert().
		Model(&hpos).
		On("CONFLICT (hpo_id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("display_name = EXCLUDED.display_name").
		Set("organization_type = EXCLUDED.organization_type").
		Exec(ctx)

	return err
}

// InsertSites inserts enrollment sites.
func InsertSites(ctx context.Context, db bun.IDB, sites []*models.Site) error {
	if len(sites) == 0 {
		return nil
	}
	_, err := db.NewInsert().Model(&sites).Exec(ctx)
	return err
}
