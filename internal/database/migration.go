package database

import (
	"github.com/wfunc/candy-vending/internal/config"
	"github.com/wfunc/candy-vending/internal/errors"
	"github.com/wfunc/candy-vending/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Migrate 建表
// 文件型sqlite在迁移期间持有锁文件，避免服务和vendctl同时迁移
func Migrate(db *gorm.DB, cfg *config.DatabaseConfig, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}

	if cfg.Driver == "sqlite" || cfg.Driver == "sqlite3" {
		if path := sqlitePath(cfg.DSN); path != "" {
			lock, err := acquireMigrationLock(path, log)
			if err != nil {
				return err
			}
			defer releaseMigrationLock(lock)
		}
	}

	if err := db.AutoMigrate(&models.VendEvent{}); err != nil {
		return errors.Wrap(err, errors.ErrDatabaseQuery, "auto migrate")
	}
	log.Info("数据库迁移完成", zap.String("table", models.VendEvent{}.TableName()))
	return nil
}
