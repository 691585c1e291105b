package repositories

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/mkoziy/rdr/metricscache/internal/models"
)

const calendarBatch = 500

// PopulateCalendar makes sure every day in [start, end] has a calendar row.
func PopulateCalendar(ctx context.Context, db bun.IDB, start, end models.Date) (int, error) {
	if end.Before(start) {
		return 0, fmt.Errorf("calendar end %s before start %s", end, start)
	}

	var batch []*models.CalendarDay
	total := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := db.NewInsert().Model(&batch).On("CONFLICT (day) DO NOTHING").Exec(ctx); err != nil {
			return err
		}
		total += len(batch)
		batch = batch[:0]
		return nil
	}

	for d := start; !d.After(end); d = d.AddDays(1) {
		batch = append(batch, &models.CalendarDay{Day: d})
		if len(batch) == calendarBatch {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := flush(); err != nil {
		return total, err
	}
	return total, nil
}

// CalendarBounds returns the first and last day in the calendar.
func CalendarBounds(ctx context.Context, db bun.IDB) (models.Date, models.Date, error) {
	var bounds calendarBounds
	err := db.NewRaw("SELECT MIN(day) AS first_day, MAX(day) AS last_day FROM calendar").Scan(ctx, &bounds)
	return bounds.First, bounds.Last, err
}

type calendarBounds struct {
	First models.Date `bun:"first_day"`
	Last  models.Date `bun:"last_day"`
}
