package canvass

import (
	"gorm.io/gorm"

	"github.com/EmpoweredVote/EV-Districts/internal/db"
	"github.com/EmpoweredVote/EV-Districts/internal/logger"
)

func Init(d *gorm.DB) {
	if err := db.EnsureSchema(d, "canvass"); err != nil {
		logger.L().Fatalw("Failed to create canvass schema", "err", err)
	}

	if err := d.AutoMigrate(&WalkList{}, &CanvassRoute{}, &RoutePoint{}); err != nil {
		logger.L().Fatalw("Failed to auto-migrate canvass tables", "err", err)
	}
}
