package migrations

import (
	"context"

	"github.com/uptrace/bun"
)

// Creates the reference, participant, ledger and cache tables.
func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		for _, model := range schemaModels() {
			if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		list := schemaModels()
		for i := len(list) - 1; i >= 0; i-- {
			if _, err := db.NewDropTable().Model(list[i]).IfExists().Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}
