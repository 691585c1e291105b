package metricscache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/mkoziy/rdr/metricscache/internal/models"
)

// Questionnaire and onboarding milestone columns.
const (
	colBasics               = "questionnaire_on_the_basics_authored"
	colOverallHealth        = "questionnaire_on_overall_health_authored"
	colLifestyle            = "questionnaire_on_lifestyle_authored"
	colHealthcareAccess     = "questionnaire_on_healthcare_access_authored"
	colMedicalHistory       = "questionnaire_on_medical_history_authored"
	colMedications          = "questionnaire_on_medications_authored"
	colFamilyHealth         = "questionnaire_on_family_health_authored"
	colPhysicalMeasurements = "physical_measurements_finalized_time"
	colSampleReceived       = "sample_received_time"
)

// RetentionEligibleDays is how long after consenting a participant becomes
// eligible for the retention modules.
const RetentionEligibleDays = 90

// Lifecycle response groups.
const (
	KeyCompleted    = "completed"
	KeyNotCompleted = "not_completed"
)

type milestone struct {
	key    string
	column string
	// cond is true once the milestone is reached on day.
	cond func(ref columnRef, day string) string
	// public milestones are reported by the public export.
	public bool
}

func reached(col string) func(ref columnRef, day string) string {
	return func(ref columnRef, day string) string { return reachedBy(ref, col, day) }
}

func allReached(cols ...string) func(ref columnRef, day string) string {
	return func(ref columnRef, day string) string {
		parts := make([]string, len(cols))
		for i, c := range cols {
			parts[i] = "(" + reachedBy(ref, c, day) + ")"
		}
		return strings.Join(parts, " AND ")
	}
}

func retentionEligible(ref columnRef, day string) string {
	return ref(colConsent) + " IS NOT NULL AND " + dayOf(ref(colConsent)) +
		" <= date(" + day + ", '-" + fmt.Sprint(RetentionEligibleDays) + " days')"
}

var milestones = []milestone{
	{key: "Registered", column: "registered", cond: reached(colSignUp), public: true},
	{key: "Consent_Enrollment", column: "consent_enrollment", cond: reached(colConsent), public: true},
	{key: "Consent_Complete", column: "consent_complete", cond: allReached(colConsent, colEHRConsent), public: true},
	{key: "PPI_Module_The_Basics", column: "ppi_basics", cond: reached(colBasics), public: true},
	{key: "PPI_Module_Overall_Health", column: "ppi_overall_health", cond: reached(colOverallHealth), public: true},
	{key: "PPI_Module_Lifestyle", column: "ppi_lifestyle", cond: reached(colLifestyle), public: true},
	{key: "Baseline_PPI_Modules_Complete", column: "ppi_baseline_complete", cond: allReached(colBasics, colOverallHealth, colLifestyle), public: true},
	{key: "PPI_Module_Healthcare_Access", column: "ppi_healthcare_access", cond: reached(colHealthcareAccess)},
	{key: "PPI_Module_Family_Health", column: "ppi_family_health", cond: reached(colFamilyHealth)},
	{key: "PPI_Module_Medical_History", column: "ppi_medical_history", cond: reached(colMedicalHistory)},
	{key: "PPI_Module_Medications", column: "ppi_medications", cond: reached(colMedications)},
	{key: "Retention_Modules_Eligible", column: "retention_modules_eligible", cond: retentionEligible},
	{key: "Retention_Modules_Complete", column: "retention_modules_complete", cond: func(ref columnRef, day string) string {
		return "(" + retentionEligible(ref, day) + ") AND " + allReached(colHealthcareAccess, colFamilyHealth, colMedicalHistory)(ref, day)
	}},
	{key: "Physical_Measurements", column: "physical_measurement", cond: reached(colPhysicalMeasurements), public: true},
	{key: "Samples_Received", column: "sample_received", cond: reached(colSampleReceived), public: true},
	{key: "Full_Participant", column: "full_participant", cond: reached(colCore), public: true},
}

func milestoneColumns() []string {
	out := make([]string, len(milestones))
	for i, m := range milestones {
		out[i] = m.column
	}
	return out
}

// LifecycleDAO caches, per day, the registered participants and how many
// of them reached each onboarding milestone. Rows carry no enrollment status.
type LifecycleDAO struct {
	cacheDAO
	coreCol string
}

func NewLifecycleDAO(db *bun.DB, ledger *JobStatusDAO, cacheType, coreSample string) (*LifecycleDAO, error) {
	base, err := newCacheDAO(db, ledger, TableLifecycle, cacheType, milestoneColumns())
	if err != nil {
		return nil, err
	}
	return &LifecycleDAO{cacheDAO: base, coreCol: CoreSampleColumn(coreSample)}, nil
}

func (d *LifecycleDAO) MetricsCacheSQL(_ context.Context, hpo *models.HPO, p BuildParams) ([]Statement, error) {
	ref := stagingRef(d.coreCol)

	counts := make([]string, len(milestones))
	for i, m := range milestones {
		counts[i] = countIf(m.cond(ref, "c.day"))
	}

	b := newSQLBuilder().
		Add("INSERT INTO ? (date_inserted, type, hpo_id, hpo_name, date, "+strings.Join(milestoneColumns(), ", ")+", participant_origin) ",
			bun.Ident(string(d.table))).
		Add("SELECT ?, ?, ?, ?, c.day, ", TruncateRunTime(p.DateInserted), string(d.cacheType), hpo.HPOID, hpo.Name).
		Join(", ", counts).
		Add(", ps.participant_origin FROM ? AS ps", bun.Ident(StagingTableName(hpo.HPOID))).
		Add(" JOIN calendar AS c ON c.day BETWEEN ? AND ?", p.Start, p.End).
		Add(" WHERE " + reachedBy(ref, colSignUp, "c.day")).
		Add(" GROUP BY c.day, ps.participant_origin")
	return []Statement{b.Statement()}, nil
}

// LifecycleRow holds one day's milestone counts keyed by response key.
type LifecycleRow struct {
	Date    models.Date
	HPOID   int64
	HPOName string
	Counts  map[string]int64
}

// GetActiveBuckets sums milestone counts per date and, for non-public
// types, per awardee.
func (d *LifecycleDAO) GetActiveBuckets(ctx context.Context, f Filters) ([]LifecycleRow, error) {
	gen, ok, err := d.generation(ctx)
	if err != nil || !ok {
		return nil, err
	}
	return d.activeBuckets(ctx, gen, f)
}

func (d *LifecycleDAO) activeBuckets(ctx context.Context, gen time.Time, f Filters) ([]LifecycleRow, error) {
	byAwardee := !d.public()

	q := d.readQuery(gen, f).ColumnExpr("t.date AS date")
	if byAwardee {
		q = q.ColumnExpr("t.hpo_id AS hpo_id").ColumnExpr("t.hpo_name AS hpo_name")
	}
	for _, m := range milestones {
		q = q.ColumnExpr("SUM(t." + m.column + ") AS " + m.column)
	}
	q = q.GroupExpr("t.date").OrderExpr("t.date ASC")
	if byAwardee {
		q = q.GroupExpr("t.hpo_id").GroupExpr("t.hpo_name").OrderExpr("t.hpo_id ASC")
	}

	var raw []map[string]interface{}
	if err := q.Scan(ctx, &raw); err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", d.table, d.cacheType, err)
	}

	rows := make([]LifecycleRow, 0, len(raw))
	for _, r := range raw {
		var row LifecycleRow
		if err := row.Date.Scan(r["date"]); err != nil {
			return nil, err
		}
		if byAwardee {
			row.HPOID = asInt64(r["hpo_id"])
			row.HPOName = asString(r["hpo_name"])
		}
		row.Counts = make(map[string]int64, len(milestones))
		for _, m := range milestones {
			row.Counts[m.key] = asInt64(r[m.column])
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// GetLatestVersionFromCache returns {completed, not_completed} per row,
// where not_completed is registered minus completed.
func (d *LifecycleDAO) GetLatestVersionFromCache(ctx context.Context, f Filters) ([]MetricsRow, error) {
	gen, ok, err := d.generation(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []MetricsRow{}, nil
	}

	rows, err := d.activeBuckets(ctx, gen, f)
	if err != nil {
		return nil, err
	}
	if d.public() {
		rows = seedLifecycleDates(rows, f.Start, f.End)
	}

	out := make([]MetricsRow, 0, len(rows))
	for _, r := range rows {
		completed := make(map[string]int64)
		notCompleted := make(map[string]int64)
		registered := r.Counts["Registered"]
		for _, m := range milestones {
			if d.public() && !m.public {
				continue
			}
			completed[m.key] = r.Counts[m.key]
			notCompleted[m.key] = registered - r.Counts[m.key]
		}
		out = append(out, MetricsRow{
			Date: r.Date,
			HPO:  r.HPOName,
			Metrics: map[string]interface{}{
				KeyCompleted:    completed,
				KeyNotCompleted: notCompleted,
			},
		})
	}
	return out, nil
}

// seedLifecycleDates returns one row per day in [start, end], taking counts
// from rows and zeros elsewhere. rows must carry no awardee.
func seedLifecycleDates(rows []LifecycleRow, start, end models.Date) []LifecycleRow {
	if start.IsZero() || end.IsZero() {
		return rows
	}
	byDate := make(map[string]LifecycleRow, len(rows))
	for _, r := range rows {
		byDate[r.Date.String()] = r
	}
	out := make([]LifecycleRow, 0, start.DaysUntil(end)+1)
	for day := start; !day.After(end); day = day.AddDays(1) {
		r, ok := byDate[day.String()]
		if !ok {
			r = LifecycleRow{Date: day}
		}
		out = append(out, r)
	}
	return out
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case []byte:
		var out int64
		fmt.Sscan(string(n), &out)
		return out
	}
	return 0
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	}
	return ""
}
