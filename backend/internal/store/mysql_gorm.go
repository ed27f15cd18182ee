package store

import (
	"errors"
	"fmt"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"collabServer/backend/internal/collab"
)

func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&DocumentRow{}, &SnapshotRow{}, &OpLogRow{}); err != nil {
		return nil, err
	}
	return db, nil
}

// 1062 = duplicate key，重试的写入会撞上，视为成功
func isDuplicate(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return true
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// 这些错误码说明数据本身被拒绝，重试同一行不会成功
var rejectedCodes = map[uint16]bool{
	1048: true, // column cannot be null
	1153: true, // packet bigger than max_allowed_packet
	1264: true, // out of range
	1265: true, // data truncated
	1292: true, // incorrect value
	1366: true, // incorrect string value
	1406: true, // data too long
	1452: true, // foreign key
}

func isRejected(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	return errors.As(err, &mysqlErr) && rejectedCodes[mysqlErr.Number]
}

// classify 把不可重试的写入错误包装成 collab.ErrWriteRejected
func classify(err error) error {
	if err != nil && isRejected(err) {
		return fmt.Errorf("%w: %v", collab.ErrWriteRejected, err)
	}
	return err
}
