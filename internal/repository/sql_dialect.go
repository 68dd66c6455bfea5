package repository

import (
	"fmt"
	"regexp"
	"strings"

	"gorm.io/gorm"
)

var jsonKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,64}$`)

// dbDialectName 获取数据库方言名称，默认按 sqlite 处理。
func dbDialectName(db *gorm.DB) string {
	if db == nil || db.Dialector == nil {
		return "sqlite"
	}
	name := strings.ToLower(strings.TrimSpace(db.Dialector.Name()))
	if name == "" {
		return "sqlite"
	}
	return name
}

// safeJSONKey 元数据键只允许字母数字下划线，避免拼接进 SQL 时被注入。
func safeJSONKey(key string) bool {
	return jsonKeyPattern.MatchString(key)
}

// jsonTextExpr 构建 JSON 字段文本提取表达式，兼容 sqlite 与 postgres。
func jsonTextExpr(db *gorm.DB, column, key string) string {
	return jsonTextExprByDialect(dbDialectName(db), column, key)
}

func jsonTextExprByDialect(dialect, column, key string) string {
	switch strings.ToLower(strings.TrimSpace(dialect)) {
	case "postgres", "postgresql":
		return fmt.Sprintf("(%s::jsonb ->> '%s')", column, key)
	default:
		return fmt.Sprintf("json_extract(%s, '$.\"%s\"')", column, key)
	}
}

func likeOperator(db *gorm.DB) string {
	return likeOperatorByDialect(dbDialectName(db))
}

func likeOperatorByDialect(dialect string) string {
	switch strings.ToLower(strings.TrimSpace(dialect)) {
	case "postgres", "postgresql":
		return "ILIKE"
	default:
		return "LIKE"
	}
}
