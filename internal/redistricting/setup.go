package redistricting

import (
	"gorm.io/gorm"

	"github.com/EmpoweredVote/EV-Districts/internal/db"
	"github.com/EmpoweredVote/EV-Districts/internal/logger"
)

func Init(d *gorm.DB) {
	if err := db.EnsurePostGIS(d); err != nil {
		logger.L().Fatalw("Failed to enable PostGIS", "err", err)
	}

	if err := db.EnsureSchema(d, "redistricting"); err != nil {
		logger.L().Fatalw("Failed to create redistricting schema", "err", err)
	}

	if err := d.AutoMigrate(&Plan{}, &District{}, &CensusBlock{}, &MetricsSnapshot{}); err != nil {
		logger.L().Fatalw("Failed to auto-migrate redistricting tables", "err", err)
	}

	if err := d.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS districts_plan_number
		ON redistricting.districts (plan_id, number);
	`).Error; err != nil {
		logger.L().Fatalw("Failed to create districts_plan_number", "err", err)
	}
}
