// Package database 提供 MySQL 与 Redis 连接的构造。
//
// 所有客户端一律显式构造、按依赖注入传递，不使用包级单例，
// 避免测试之间和并发调用方之间的隐藏共享状态。
package database

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"docpipe-go/internal/config"
	"docpipe-go/pkg/log"
)

// Manager 持有 MySQL 连接池，是仓储层唯一的数据库入口。
// 池内每个连接在建立时即带上语句超时与空闲回收的会话变量，
// 防止挂起的外部调用（例如对象存储 PUT 期间的长事务）拖垮整个池。
type Manager struct {
	db *gorm.DB
}

// NewManager 按配置建立连接池并校验连通性。
func NewManager(cfg config.MySQLConfig) (*Manager, error) {
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}

	// 配置连接池
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)
	sqlDB.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleMinutes) * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("MySQL 连通性检查失败: %w", err)
	}

	log.Info("MySQL database connected successfully")
	return &Manager{db: db}, nil
}

// buildDSN 在原始 DSN 上附加超时相关的参数。
// go-sql-driver 会在建连时对未识别的参数执行 SET，因此池中每个连接都受
// max_execution_time（语句超时，毫秒）、innodb_lock_wait_timeout（行锁等待）
// 与 wait_timeout（空闲回收）约束；timeout/readTimeout/writeTimeout 是驱动层
// 的连接与套接字超时，读超时需覆盖语句超时上限，否则合法的长查询会被掐断。
func buildDSN(cfg config.MySQLConfig) (string, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return "", fmt.Errorf("MySQL DSN 为空")
	}
	ioTimeout := time.Duration(cfg.StatementTimeoutMS)*time.Millisecond + 5*time.Second

	params := url.Values{}
	params.Set("max_execution_time", fmt.Sprintf("%d", cfg.StatementTimeoutMS))
	params.Set("innodb_lock_wait_timeout", fmt.Sprintf("%d", cfg.LockWaitTimeoutSeconds))
	params.Set("wait_timeout", fmt.Sprintf("%d", cfg.IdleTimeoutSeconds))
	params.Set("timeout", "5s")
	params.Set("readTimeout", ioTimeout.String())
	params.Set("writeTimeout", ioTimeout.String())

	sep := "?"
	if strings.Contains(cfg.DSN, "?") {
		sep = "&"
	}
	return cfg.DSN + sep + params.Encode(), nil
}

// DB 返回绑定到请求上下文的会话。会话按操作临时取用，
// 不允许跨外部 I/O 长期持有连接。
func (m *Manager) DB(ctx context.Context) *gorm.DB {
	return m.db.WithContext(ctx)
}

// Transaction 在单个事务内执行 fn，fn 返回错误即整体回滚。
func (m *Manager) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return m.db.WithContext(ctx).Transaction(fn)
}

// Execute 执行一条写语句，返回受影响的行数。
func (m *Manager) Execute(ctx context.Context, sql string, args ...interface{}) (int64, error) {
	res := m.db.WithContext(ctx).Exec(sql, args...)
	return res.RowsAffected, res.Error
}

// ExecuteMany 在一个事务内对每组参数执行同一条语句。
func (m *Manager) ExecuteMany(ctx context.Context, sql string, argSets [][]interface{}) error {
	return m.Transaction(ctx, func(tx *gorm.DB) error {
		for _, args := range argSets {
			if err := tx.Exec(sql, args...).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Fetch 执行查询并把所有行扫进 dest（切片指针）。
func (m *Manager) Fetch(ctx context.Context, dest interface{}, sql string, args ...interface{}) error {
	return m.db.WithContext(ctx).Raw(sql, args...).Scan(dest).Error
}

// FetchRow 执行查询并扫描单行，无结果时返回 gorm.ErrRecordNotFound。
func (m *Manager) FetchRow(ctx context.Context, dest interface{}, sql string, args ...interface{}) error {
	res := m.db.WithContext(ctx).Raw(sql, args...).Scan(dest)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// FetchVal 执行查询并扫描单个标量值，语义同 FetchRow。
func (m *Manager) FetchVal(ctx context.Context, dest interface{}, sql string, args ...interface{}) error {
	return m.FetchRow(ctx, dest, sql, args...)
}

// AutoMigrate 按模型定义建表/补列。
func (m *Manager) AutoMigrate(models ...interface{}) error {
	return m.db.AutoMigrate(models...)
}

// Ping 检查数据库连通性，用于健康检查接口。
func (m *Manager) Ping(ctx context.Context) error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭连接池。
func (m *Manager) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
