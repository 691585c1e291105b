package metricscache

import (
	"context"

	"github.com/uptrace/bun"

	"github.com/mkoziy/rdr/metricscache/internal/models"
)

// SitesDAO counts the enrolling sites of real awardees.
type SitesDAO struct {
	db *bun.DB
}

func NewSitesDAO(db *bun.DB) *SitesDAO {
	return &SitesDAO{db: db}
}

// GetSitesCount returns the number of distinct site groups currently
// enrolling under a non-TEST awardee.
func (d *SitesDAO) GetSitesCount(ctx context.Context) (int64, error) {
	var count int64
	err := d.db.NewSelect().
		Model((*models.Site)(nil)).
		ColumnExpr("COUNT(DISTINCT st.google_group)").
		Join("JOIN hpo AS h ON h.hpo_id = st.hpo_id").
		Where("st.enrolling_status = ?", models.SiteEnrollingActive).
		Where("h.name != ?", models.TestAwardeeName).
		Scan(ctx, &count)
	return count, err
}
