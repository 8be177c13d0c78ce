package notification

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotificationNotFound は指定IDの通知が存在しない場合に返されるエラー。
var ErrNotificationNotFound = errors.New("通知が見つかりません")

// Type は通知の種別。
type Type string

// 通知種別の定義。
const (
	// TypeMention はメンション通知。
	TypeMention Type = "MENTION"
	// TypeTicket はサポートチケット通知。
	TypeTicket Type = "TICKET"
	// TypePlanExpiry はプラン期限切れ通知。
	TypePlanExpiry Type = "PLAN_EXPIRY"
	// TypeCampaign はキャンペーン通知。
	TypeCampaign Type = "CAMPAIGN"
	// TypeSystem はシステム通知。
	TypeSystem Type = "SYSTEM"
)

// IsValid はtが定義済みの通知種別かどうかを返す。
func (t Type) IsValid() bool {
	switch t {
	case TypeMention, TypeTicket, TypePlanExpiry, TypeCampaign, TypeSystem:
		return true
	}
	return false
}

// Metadata は通知種別ごとの付加情報（遷移先リンク、キャンペーンID等）。
// DBにはJSON文字列として保存される。
type Metadata map[string]any

// Value はMetadataをDB保存用のJSON文字列に変換する。
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("メタデータのシリアライズに失敗: %w", err)
	}
	return string(b), nil
}

// Scan はDBのJSON文字列をMetadataに復元する。
func (m *Metadata) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return fmt.Errorf("メタデータの型が不正: %T", src)
	}
	if len(b) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(b, m)
}

// Notification は通知テーブルの1行。
type Notification struct {
	// ID は通知の一意識別子（UUID）。
	ID string `db:"id" json:"id"`
	// UserID は通知先のユーザーID。全体通知は作成時にユーザーごとの行へ展開されるためNULLにはならない。
	UserID string `db:"user_id" json:"userId"`
	// Title は通知のタイトル。
	Title string `db:"title" json:"title"`
	// Message は通知メッセージ。
	Message string `db:"message" json:"message"`
	// Type は通知種別。
	Type Type `db:"type" json:"type"`
	// IsRead は通知の既読状態。
	IsRead bool `db:"is_read" json:"isRead"`
	// Metadata は種別固有の付加情報。
	Metadata Metadata `db:"metadata" json:"metadata"`
	// ScheduledAt は配信予定日時。nilは即時配信を意味する。
	ScheduledAt *time.Time `db:"scheduled_at" json:"scheduledAt"`
	// SentAt は配信完了日時。nilは未配信を意味する。
	SentAt *time.Time `db:"sent_at" json:"sentAt"`
	// CreatedAt は通知の作成日時。
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	// UpdatedAt は最終更新日時。
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// ReadFilter は一覧取得時の既読状態の絞り込み条件。
type ReadFilter int

const (
	// FilterAll は既読・未読の両方を返す。
	FilterAll ReadFilter = iota
	// FilterUnread は未読のみを返す。
	FilterUnread
	// FilterRead は既読のみを返す。
	FilterRead
)

// Queries は通知テーブルへのクエリ実行オブジェクト。
type Queries struct {
	// db はSQLiteデータベース接続。
	db *sqlx.DB
}

// NewQueries は新しいクエリ実行オブジェクトを生成する。
func NewQueries(db *sqlx.DB) *Queries {
	return &Queries{db: db}
}

// CreateNotificationParams は通知1件の挿入パラメータ。
type CreateNotificationParams struct {
	ID          string
	UserID      string
	Title       string
	Message     string
	Type        Type
	Metadata    Metadata
	ScheduledAt *time.Time
	SentAt      *time.Time
	CreatedAt   time.Time
}

const insertNotification = `
	INSERT INTO notifications (
		id, user_id, title, message, type, is_read, metadata,
		scheduled_at, sent_at, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`

// CreateNotification は通知を1件挿入し、挿入した行を返す。
func (q *Queries) CreateNotification(ctx context.Context, arg CreateNotificationParams) (Notification, error) {
	createdAt := arg.CreatedAt.UTC()
	_, err := q.db.ExecContext(ctx, insertNotification,
		arg.ID, arg.UserID, arg.Title, arg.Message, arg.Type, arg.Metadata,
		utcOrNil(arg.ScheduledAt), utcOrNil(arg.SentAt), createdAt, createdAt,
	)
	if err != nil {
		return Notification{}, fmt.Errorf("通知の挿入に失敗: %w", err)
	}
	return q.GetNotificationByID(ctx, arg.ID)
}

// CreateNotifications は複数の通知を1トランザクションで挿入し、挿入件数を返す。
// 全体通知をユーザーごとの行へ展開する際に使用する。
func (q *Queries) CreateNotifications(ctx context.Context, args []CreateNotificationParams) (int64, error) {
	if len(args) == 0 {
		return 0, nil
	}

	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PreparexContext(ctx, insertNotification)
	if err != nil {
		return 0, fmt.Errorf("挿入ステートメントの準備に失敗: %w", err)
	}
	defer stmt.Close()

	for _, arg := range args {
		createdAt := arg.CreatedAt.UTC()
		if _, err := stmt.ExecContext(ctx,
			arg.ID, arg.UserID, arg.Title, arg.Message, arg.Type, arg.Metadata,
			utcOrNil(arg.ScheduledAt), utcOrNil(arg.SentAt), createdAt, createdAt,
		); err != nil {
			return 0, fmt.Errorf("通知 %s の挿入に失敗: %w", arg.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}
	return int64(len(args)), nil
}

// GetNotificationByID はIDで通知を1件取得する。
// 存在しない場合はErrNotificationNotFoundを返す。
func (q *Queries) GetNotificationByID(ctx context.Context, id string) (Notification, error) {
	var n Notification
	err := q.db.GetContext(ctx, &n, "SELECT * FROM notifications WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return Notification{}, ErrNotificationNotFound
	}
	if err != nil {
		return Notification{}, fmt.Errorf("通知の取得に失敗: %w", err)
	}
	return n, nil
}

// ListForUserParams はユーザー向け一覧取得のパラメータ。
type ListForUserParams struct {
	// UserID は閲覧者のユーザーID。
	UserID string
	// Filter は既読状態の絞り込み条件。
	Filter ReadFilter
	// Limit は取得する最大件数。
	Limit int
	// Offset は読み飛ばす件数。
	Offset int
	// Now は配信予定時刻の判定基準となる現在時刻。
	Now time.Time
}

// ListForUser は閲覧者に見えてよい通知をページネーション付きで取得する。
// 配信予定時刻が未来の通知は除外される。作成日時の降順、同時刻は挿入順で返す。
func (q *Queries) ListForUser(ctx context.Context, arg ListForUserParams) ([]Notification, error) {
	query := `
		SELECT * FROM notifications
		WHERE user_id = ? AND (scheduled_at IS NULL OR scheduled_at <= ?)` +
		readFilterClause(arg.Filter) + `
		ORDER BY created_at DESC, rowid ASC
		LIMIT ? OFFSET ?`

	notifications := []Notification{}
	err := q.db.SelectContext(ctx, &notifications, query,
		arg.UserID, arg.Now.UTC(), arg.Limit, arg.Offset)
	if err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	return notifications, nil
}

// CountForUserParams はユーザー向け件数取得のパラメータ。
type CountForUserParams struct {
	UserID string
	Filter ReadFilter
	Now    time.Time
}

// CountForUser はListForUserと同じ条件で件数を返す。
func (q *Queries) CountForUser(ctx context.Context, arg CountForUserParams) (int64, error) {
	query := `
		SELECT COUNT(*) FROM notifications
		WHERE user_id = ? AND (scheduled_at IS NULL OR scheduled_at <= ?)` +
		readFilterClause(arg.Filter)

	var count int64
	if err := q.db.GetContext(ctx, &count, query, arg.UserID, arg.Now.UTC()); err != nil {
		return 0, fmt.Errorf("通知件数の取得に失敗: %w", err)
	}
	return count, nil
}

// MarkAsRead は通知を既読にし、更新後の行を返す。
// 既読から未読へ戻す操作は存在しない。存在しないIDはErrNotificationNotFound。
func (q *Queries) MarkAsRead(ctx context.Context, id string, now time.Time) (Notification, error) {
	res, err := q.db.ExecContext(ctx,
		"UPDATE notifications SET is_read = 1, updated_at = ? WHERE id = ?",
		now.UTC(), id)
	if err != nil {
		return Notification{}, fmt.Errorf("通知の既読更新に失敗: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Notification{}, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	if affected == 0 {
		return Notification{}, ErrNotificationNotFound
	}
	return q.GetNotificationByID(ctx, id)
}

// MarkAllAsRead は指定ユーザーの現在閲覧可能な未読通知をすべて既読にし、件数を返す。
// 配信予定時刻が未来の通知は対象外。
func (q *Queries) MarkAllAsRead(ctx context.Context, userID string, now time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE notifications SET is_read = 1, updated_at = ?
		WHERE user_id = ? AND is_read = 0
		  AND (scheduled_at IS NULL OR scheduled_at <= ?)`,
		now.UTC(), userID, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("一括既読更新に失敗: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	return affected, nil
}

// ListDue は配信予定時刻が到来していて未配信の通知を、配信予定時刻の昇順で返す。
func (q *Queries) ListDue(ctx context.Context, now time.Time) ([]Notification, error) {
	notifications := []Notification{}
	err := q.db.SelectContext(ctx, &notifications, `
		SELECT * FROM notifications
		WHERE sent_at IS NULL AND (scheduled_at IS NULL OR scheduled_at <= ?)
		ORDER BY scheduled_at ASC`,
		now.UTC())
	if err != nil {
		return nil, fmt.Errorf("配信対象通知の取得に失敗: %w", err)
	}
	return notifications, nil
}

// MarkSent は未配信の通知に配信完了日時を記録する。
// sent_atがNULLの行だけを条件付きで更新するため、同じ行が二度配信されることはない。
// 行を獲得できた場合はtrueを返す。
func (q *Queries) MarkSent(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := q.db.ExecContext(ctx,
		"UPDATE notifications SET sent_at = ?, updated_at = ? WHERE id = ? AND sent_at IS NULL",
		now.UTC(), now.UTC(), id)
	if err != nil {
		return false, fmt.Errorf("配信完了の記録に失敗: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	return affected == 1, nil
}

// readFilterClause は既読状態の絞り込み条件をWHERE句の追加条件に変換する。
func readFilterClause(f ReadFilter) string {
	switch f {
	case FilterUnread:
		return " AND is_read = 0"
	case FilterRead:
		return " AND is_read = 1"
	default:
		return ""
	}
}

// utcOrNil はnil許容の時刻をUTCに正規化する。
func utcOrNil(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
