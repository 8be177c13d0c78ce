package directory

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// ユーザーテーブルのスキーマ定義。
const schema = `
CREATE TABLE IF NOT EXISTS users (
    -- ユーザーの一意識別子
    id TEXT PRIMARY KEY,
    -- 表示名
    name TEXT NOT NULL,
    -- メールアドレス
    email TEXT NOT NULL,
    -- 登録日時
    created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

-- メールアドレスでの検索を高速化するインデックス。
CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email
    ON users(email);
`

// initSchema はSQLiteデータベースにスキーマを適用する。
func initSchema(db *sqlx.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("スキーマの適用に失敗: %w", err)
	}
	return nil
}
