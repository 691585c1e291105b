package metricscache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/mkoziy/rdr/metricscache/internal/metrics"
	"github.com/mkoziy/rdr/metricscache/internal/models"
	"github.com/mkoziy/rdr/metricscache/internal/repositories"
)

const (
	stagingTablePrefix = "metrics_tmp_participant_"

	// OriginLookupTable holds the distinct participant origins.
	OriginLookupTable = "metrics_tmp_participant_origin"
)

// StagingTableName derives the per-awardee staging table name. Only integer
// awardee ids ever reach the name.
func StagingTableName(hpoID int64) string {
	return fmt.Sprintf("%s%d", stagingTablePrefix, hpoID)
}

// originExpr is a participant's effective origin: the summary's when set.
// Staging, live filters and the origin lookup all read it.
const originExpr = "COALESCE(ps.participant_origin, p.participant_origin)"

// summaryJoin attaches the optional summary row of participant p.
const summaryJoin = "LEFT JOIN participant_summary AS ps ON ps.participant_id = p.participant_id"

type stagingColumn struct {
	name    string
	sqlType string
	source  string
}

// Every column is nullable: participants without a summary row still stage.
// last_modified is maintained by the summary writer and is never staged.
var stagingColumns = []stagingColumn{
	{"participant_id", "INTEGER", "p.participant_id"},
	{"biobank_id", "INTEGER", "p.biobank_id"},
	{"hpo_id", "INTEGER", "p.hpo_id"},
	{"participant_origin", "TEXT", originExpr},
	{"email", "TEXT", "ps.email"},
	{"date_of_birth", "TEXT", "ps.date_of_birth"},
	{"primary_language", "TEXT", "ps.primary_language"},
	{"state_id", "INTEGER", "ps.state_id"},
	{"enrollment_status", "TEXT", "ps.enrollment_status"},
	{colSignUp, "TEXT", "COALESCE(ps.sign_up_time, p.sign_up_time)"},
	{colConsent, "TEXT", ps(colConsent)},
	{colEHRConsent, "TEXT", ps(colEHRConsent)},
	{colMember, "TEXT", ps(colMember)},
	{colCoreOrdered, "TEXT", ps(colCoreOrdered)},
	{colCoreStored, "TEXT", ps(colCoreStored)},
	{colBasics, "TEXT", ps(colBasics)},
	{colOverallHealth, "TEXT", ps(colOverallHealth)},
	{colLifestyle, "TEXT", ps(colLifestyle)},
	{colHealthcareAccess, "TEXT", ps(colHealthcareAccess)},
	{colMedicalHistory, "TEXT", ps(colMedicalHistory)},
	{colMedications, "TEXT", ps(colMedications)},
	{colFamilyHealth, "TEXT", ps(colFamilyHealth)},
	{colPhysicalMeasurements, "TEXT", ps(colPhysicalMeasurements)},
	{colSampleReceived, "TEXT", ps(colSampleReceived)},
}

var stagingIndexes = []string{
	colSignUp,
	"date_of_birth",
	colConsent,
	colMember,
	colCoreOrdered,
	colCoreStored,
	"participant_origin",
}

// eligibleParticipants selects from participant p LEFT JOIN
// participant_summary ps with every fixed exclusion applied. Staging and
// live queries both start from it.
func eligibleParticipants(idb bun.IDB) *bun.SelectQuery {
	return idb.NewSelect().
		TableExpr("participant AS p").
		Join(summaryJoin).
		Where("p.hpo_id NOT IN (SELECT h.hpo_id FROM hpo AS h WHERE h.name = ?)", models.TestAwardeeName).
		Where("COALESCE(p.is_ghost_id, 0) = 0").
		Where("COALESCE(p.is_test_participant, 0) = 0").
		Where("(ps.email IS NULL OR ps.email NOT LIKE ?)", models.TestEmailPattern).
		Where("p.withdrawal_status = ?", int(models.WithdrawalNotWithdrawn))
}

// StagingBuilder materialises one snapshot table per awardee.
type StagingBuilder struct {
	db      *bun.DB
	logger  *zap.Logger
	workers int

	awardees []*models.HPO
}

func NewStagingBuilder(db *bun.DB, logger *zap.Logger, workers int) *StagingBuilder {
	if workers <= 0 {
		workers = 1
	}
	return &StagingBuilder{db: db, logger: logger, workers: workers}
}

// Awardees returns the awardees staged by the last Build.
func (b *StagingBuilder) Awardees() []*models.HPO {
	return b.awardees
}

// Build drops and recreates every staging table. Per-awardee builds run on
// a bounded pool; Build returns only once all of them have finished, and
// returns the first error.
func (b *StagingBuilder) Build(ctx context.Context) error {
	start := time.Now()

	awardees, err := repositories.ListAwardees(ctx, b.db)
	if err != nil {
		return fmt.Errorf("list awardees: %w", err)
	}

	if err := b.buildOriginLookup(ctx); err != nil {
		return fmt.Errorf("build origin lookup: %w", err)
	}

	pool := pond.NewPool(b.workers, pond.WithQueueSize(len(awardees)+1))
	defer pool.StopAndWait()

	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for _, h := range awardees {
		hpo := h
		group.SubmitErr(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			if err := b.buildOne(groupCtx, hpo.HPOID); err != nil {
				return fmt.Errorf("stage awardee %s (%d): %w", hpo.Name, hpo.HPOID, err)
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, pond.ErrGroupStopped) {
		return err
	}

	b.awardees = awardees
	metrics.StagingTables.Set(float64(len(awardees)))
	b.logger.Info("staging tables built",
		zap.Int("awardees", len(awardees)),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

func (b *StagingBuilder) buildOne(ctx context.Context, hpoID int64) error {
	table := StagingTableName(hpoID)

	if _, err := b.db.ExecContext(ctx, "DROP TABLE IF EXISTS ?", bun.Ident(table)); err != nil {
		return err
	}

	defs := make([]string, len(stagingColumns))
	names := make([]string, len(stagingColumns))
	sources := make([]string, len(stagingColumns))
	for i, c := range stagingColumns {
		defs[i] = c.name + " " + c.sqlType
		names[i] = c.name
		sources[i] = c.source
	}

	create := "CREATE TABLE ? (" + strings.Join(defs, ", ") + ")"
	if _, err := b.db.ExecContext(ctx, create, bun.Ident(table)); err != nil {
		return err
	}

	sel := eligibleParticipants(b.db).
		ColumnExpr(strings.Join(sources, ", ")).
		Where("p.hpo_id = ?", hpoID)
	insert := "INSERT INTO ? (" + strings.Join(names, ", ") + ") ?"
	if _, err := b.db.ExecContext(ctx, insert, bun.Ident(table), sel); err != nil {
		return err
	}

	for _, col := range stagingIndexes {
		idx := table + "_" + col + "_idx"
		if _, err := b.db.ExecContext(ctx, "CREATE INDEX ? ON ? ("+col+")", bun.Ident(idx), bun.Ident(table)); err != nil {
			return err
		}
	}
	return nil
}

func (b *StagingBuilder) buildOriginLookup(ctx context.Context) error {
	return b.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS ?", bun.Ident(OriginLookupTable)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "CREATE TABLE ? (participant_origin TEXT PRIMARY KEY)", bun.Ident(OriginLookupTable)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO ? (participant_origin) SELECT DISTINCT "+originExpr+
				" FROM participant AS p "+summaryJoin+" WHERE "+originExpr+" IS NOT NULL",
			bun.Ident(OriginLookupTable))
		return err
	})
}

// Clean drops every per-awardee staging table, including ones left behind
// by awardees that no longer exist. The origin lookup is kept because the
// origin endpoint reads it between refreshes.
func (b *StagingBuilder) Clean(ctx context.Context) error {
	var names []string
	err := b.db.NewRaw(
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE ? AND name != ?",
		stagingTablePrefix+"%", OriginLookupTable,
	).Scan(ctx, &names)
	if err != nil {
		return fmt.Errorf("list staging tables: %w", err)
	}

	var result *multierror.Error
	for _, name := range names {
		if _, err := b.db.ExecContext(ctx, "DROP TABLE IF EXISTS ?", bun.Ident(name)); err != nil {
			result = multierror.Append(result, fmt.Errorf("drop %s: %w", name, err))
		}
	}
	b.awardees = nil
	metrics.StagingTables.Set(0)
	return result.ErrorOrNil()
}
