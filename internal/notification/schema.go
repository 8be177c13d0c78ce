package notification

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// 通知テーブルのスキーマ定義。
const schema = `
CREATE TABLE IF NOT EXISTS notifications (
    -- 通知の一意識別子（UUID）
    id TEXT PRIMARY KEY,
    -- 通知先のユーザーID。NULLは許可しない（全体通知は作成時にユーザーごとの行へ展開される）
    user_id TEXT NOT NULL,
    -- 通知のタイトル
    title TEXT NOT NULL,
    -- 通知メッセージ
    message TEXT NOT NULL,
    -- 通知種別（MENTION / TICKET / PLAN_EXPIRY / CAMPAIGN / SYSTEM）
    type TEXT NOT NULL,
    -- 通知の既読状態
    is_read INTEGER NOT NULL DEFAULT 0,
    -- 種別固有のメタデータ（JSON文字列）
    metadata TEXT NOT NULL DEFAULT '{}',
    -- 配信予定日時。NULLは即時配信を意味する
    scheduled_at DATETIME,
    -- 配信完了日時。NULLは未配信を意味する
    sent_at DATETIME,
    -- 通知の作成日時
    created_at DATETIME NOT NULL DEFAULT (datetime('now')),
    -- 最終更新日時
    updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

-- ユーザーIDでの検索を高速化するインデックス。
CREATE INDEX IF NOT EXISTS idx_notifications_user_id
    ON notifications(user_id);

-- 未読通知の検索を高速化するインデックス。
CREATE INDEX IF NOT EXISTS idx_notifications_unread
    ON notifications(user_id, is_read) WHERE is_read = 0;

-- 配信スケジューラの未配信スキャンを高速化するインデックス。
CREATE INDEX IF NOT EXISTS idx_notifications_due
    ON notifications(scheduled_at) WHERE sent_at IS NULL;
`

// initSchema はSQLiteデータベースにスキーマを適用する。
func initSchema(db *sqlx.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("スキーマの適用に失敗: %w", err)
	}
	return nil
}
