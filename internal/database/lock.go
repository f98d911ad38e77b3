package database

import (
	"os"
	"time"

	"github.com/wfunc/candy-vending/internal/errors"
	"go.uber.org/zap"
)

const (
	lockAttempts      = 30
	lockStaleAge      = 5 * time.Minute
	lockRetryInterval = time.Second
)

// acquireMigrationLock 获取迁移锁（独占创建锁文件）
func acquireMigrationLock(dbPath string, log *zap.Logger) (*os.File, error) {
	lockPath := dbPath + ".migration.lock"

	for i := 0; i < lockAttempts; i++ {
		lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
		if err == nil {
			log.Debug("获取迁移锁成功", zap.String("lock", lockPath))
			return lockFile, nil
		}

		// 进程崩溃遗留的锁文件
		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > lockStaleAge {
			log.Warn("迁移锁文件过期，删除", zap.String("lock", lockPath))
			os.Remove(lockPath)
			continue
		}

		log.Debug("等待迁移锁", zap.Int("attempt", i+1))
		time.Sleep(lockRetryInterval)
	}

	return nil, errors.Newf(errors.ErrDatabaseConnect, "无法获取迁移锁 %s", lockPath)
}

// releaseMigrationLock 释放迁移锁
func releaseMigrationLock(lockFile *os.File) {
	if lockFile == nil {
		return
	}
	lockPath := lockFile.Name()
	lockFile.Close()
	os.Remove(lockPath)
}
