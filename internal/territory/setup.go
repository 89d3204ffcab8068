package territory

import (
	"gorm.io/gorm"

	"github.com/EmpoweredVote/EV-Districts/internal/db"
	"github.com/EmpoweredVote/EV-Districts/internal/logger"
)

func Init(d *gorm.DB) {
	if err := db.EnsureSchema(d, "territory"); err != nil {
		logger.L().Fatalw("Failed to create territory schema", "err", err)
	}

	if err := d.AutoMigrate(&Territory{}, &Voter{}, &VoterAssignment{}); err != nil {
		logger.L().Fatalw("Failed to auto-migrate territory tables", "err", err)
	}

	if err := d.Exec(`
		CREATE INDEX IF NOT EXISTS territories_geom_gist
		ON territory.territories USING GIST (geometry);
	`).Error; err != nil {
		logger.L().Fatalw("Failed to create territories_geom_gist", "err", err)
	}
}
