package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/liderhub/notify/pkg/httpclient"
)

// ValidationError は通知作成リクエストの検証エラー。
// どのフィールドが原因かを保持し、HTTP境界では400として返される。
type ValidationError struct {
	// Field は検証に失敗したフィールド名。
	Field string
	// Reason は失敗理由。
	Reason string
}

// Error はerrorインターフェースを実装する。
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// defaultLinks は通知種別ごとの既定の遷移先リンク。
// メタデータが省略された場合にこの表から補完する。
var defaultLinks = map[Type]string{
	TypeCampaign:   "/campaigns",
	TypeMention:    "/notifications",
	TypePlanExpiry: "/billing",
	TypeTicket:     "/tickets",
	TypeSystem:     "/notifications",
}

// 通知の宛先指定方法。
const (
	// TargetSpecific は特定ユーザー宛て。
	TargetSpecific = "specific"
	// TargetAll は全ユーザー宛て（作成時にユーザーごとの行へ展開される）。
	TargetAll = "all"
)

// Service は通知の作成・取得・既読管理のビジネスロジックを提供する。
type Service struct {
	// queries は通知テーブルへのクエリ実行オブジェクト。
	queries *Queries
	// directory はユーザーディレクトリサービスへの通信クライアント。
	// 全体通知をユーザーごとの行へ展開する際に全ユーザーを取得する。
	directory *httpclient.Client
	// now は現在時刻を返す関数。テストで差し替える。
	now func() time.Time
}

// NewService は新しい通知サービスを生成する。
func NewService(queries *Queries, directory *httpclient.Client) *Service {
	return &Service{
		queries:   queries,
		directory: directory,
		now:       time.Now,
	}
}

// CreateParams は通知作成リクエスト。
// message/description、scheduledAt/scheduledDate はそれぞれ別名の関係にあり、
// description と scheduledDate が優先される。
type CreateParams struct {
	// Title は通知のタイトル。必須。
	Title string
	// Message は通知メッセージ。
	Message string
	// Description はMessageの別名。両方指定された場合はこちらが優先される。
	Description string
	// Type は通知種別。必須。
	Type Type
	// UserID は宛先ユーザーID。TargetTypeがallの場合は無視される。
	UserID string
	// TargetType は宛先指定方法（specific / all）。空の場合はUserIDの有無から推定する。
	TargetType string
	// ScheduledAt は配信予定日時。
	ScheduledAt *time.Time
	// ScheduledDate はScheduledAtの別名。両方指定された場合はこちらが優先される。
	ScheduledDate *time.Time
	// Metadata は種別固有の付加情報。省略時は種別に応じた既定値を補完する。
	Metadata Metadata
}

// CreateResult は通知作成の結果。
type CreateResult struct {
	// Notifications は作成された行。全体通知の場合はユーザー数分の行になる。
	Notifications []Notification `json:"notifications"`
	// Count は作成された行数。
	Count int `json:"count"`
	// Message は配信予約か即時配信かを示す確認メッセージ。
	Message string `json:"message"`
}

// directoryUser はユーザーディレクトリサービスが返すユーザー情報。
type directoryUser struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Create は通知作成リクエストを検証・正規化し、宛先に応じて行を作成する。
//
// 全体通知はユーザーディレクトリの全ユーザーに対して1行ずつ展開される
// （ユーザーごとに独立した既読状態を持たせるため）。
// 配信予定日時が指定された場合、sent_atはNULLのまま作成され、
// 配信スケジューラが予定時刻到来後に配信する。指定がなければ作成時刻で即時配信扱いとなる。
func (s *Service) Create(ctx context.Context, p CreateParams) (*CreateResult, error) {
	// 別名の正規化: descriptionがあればmessageより優先する
	message := p.Message
	if p.Description != "" {
		message = p.Description
	}

	if p.Title == "" {
		return nil, &ValidationError{Field: "title", Reason: "タイトルは必須です"}
	}
	if message == "" {
		return nil, &ValidationError{Field: "message", Reason: "messageまたはdescriptionが必要です"}
	}
	if !p.Type.IsValid() {
		return nil, &ValidationError{Field: "type", Reason: fmt.Sprintf("未定義の通知種別です: %s", p.Type)}
	}

	// 別名の正規化: scheduledDateがあればscheduledAtより優先する
	scheduledAt := p.ScheduledAt
	if p.ScheduledDate != nil {
		scheduledAt = p.ScheduledDate
	}

	// 宛先の解決: 明示されたtargetTypeが最優先。未指定ならuserIdの有無から推定する
	targetType := p.TargetType
	if targetType == "" {
		if p.UserID != "" {
			targetType = TargetSpecific
		} else {
			targetType = TargetAll
		}
	}
	if targetType != TargetSpecific && targetType != TargetAll {
		return nil, &ValidationError{Field: "targetType", Reason: fmt.Sprintf("未定義の宛先指定です: %s", targetType)}
	}
	if targetType == TargetSpecific && p.UserID == "" {
		return nil, &ValidationError{Field: "userId", Reason: "特定ユーザー宛ての通知にはuserIdが必要です"}
	}

	metadata := s.resolveMetadata(p.Metadata, p.Type, targetType)

	now := s.now().UTC()
	var sentAt *time.Time
	if scheduledAt == nil {
		// 即時配信の行は作成時点で配信済みとして扱う
		sentAt = &now
	}

	var recipients []string
	if targetType == TargetSpecific {
		recipients = []string{p.UserID}
	} else {
		users, err := s.listDirectoryUsers(ctx)
		if err != nil {
			return nil, err
		}
		recipients = make([]string, 0, len(users))
		for _, u := range users {
			recipients = append(recipients, u.ID)
		}
	}

	args := make([]CreateNotificationParams, 0, len(recipients))
	for _, userID := range recipients {
		args = append(args, CreateNotificationParams{
			ID:          uuid.New().String(),
			UserID:      userID,
			Title:       p.Title,
			Message:     message,
			Type:        p.Type,
			Metadata:    metadata,
			ScheduledAt: scheduledAt,
			SentAt:      sentAt,
			CreatedAt:   now,
		})
	}

	created := make([]Notification, 0, len(args))
	if len(args) == 1 {
		n, err := s.queries.CreateNotification(ctx, args[0])
		if err != nil {
			return nil, err
		}
		created = append(created, n)
	} else if len(args) > 1 {
		if _, err := s.queries.CreateNotifications(ctx, args); err != nil {
			return nil, err
		}
		for _, arg := range args {
			n, err := s.queries.GetNotificationByID(ctx, arg.ID)
			if err != nil {
				return nil, err
			}
			created = append(created, n)
		}
	}

	return &CreateResult{
		Notifications: created,
		Count:         len(created),
		Message:       confirmationMessage(len(created), scheduledAt),
	}, nil
}

// resolveMetadata はメタデータの既定値を補完し、宛先種別を常に刻印する。
func (s *Service) resolveMetadata(m Metadata, t Type, targetType string) Metadata {
	resolved := Metadata{}
	if m == nil {
		resolved["link"] = defaultLinks[t]
		resolved["createdBy"] = "service"
	} else {
		for k, v := range m {
			resolved[k] = v
		}
	}
	resolved["targetType"] = targetType
	return resolved
}

// listDirectoryUsers はユーザーディレクトリから全ユーザーを取得する。
func (s *Service) listDirectoryUsers(ctx context.Context) ([]directoryUser, error) {
	var users []directoryUser
	if err := s.directory.GetJSON(ctx, "/api/v1/users", &users); err != nil {
		return nil, fmt.Errorf("ユーザーディレクトリの取得に失敗: %w", err)
	}
	return users, nil
}

// confirmationMessage は作成結果の確認メッセージを組み立てる。
func confirmationMessage(count int, scheduledAt *time.Time) string {
	if scheduledAt != nil {
		return fmt.Sprintf("%d件の通知を%sに配信予約しました",
			count, scheduledAt.Local().Format("2006-01-02 15:04"))
	}
	return fmt.Sprintf("%d件の通知を即時配信しました", count)
}

// CreateMention はメンションイベントから通知を作成する。
func (s *Service) CreateMention(ctx context.Context, mentionedUserID, mentionedBy, mentionContext, link string) (*CreateResult, error) {
	if link == "" {
		link = "/notifications"
	}
	return s.Create(ctx, CreateParams{
		Title:       "あなたがメンションされました",
		Description: fmt.Sprintf("%sがあなたを%sでメンションしました", mentionedBy, mentionContext),
		Type:        TypeMention,
		UserID:      mentionedUserID,
		TargetType:  TargetSpecific,
		Metadata: Metadata{
			"mentionedBy": mentionedBy,
			"context":     mentionContext,
			"link":        link,
		},
	})
}

// CreateTicket はチケット作成イベントから通知を作成する。
func (s *Service) CreateTicket(ctx context.Context, userID, ticketID, title, priority string) (*CreateResult, error) {
	if priority == "" {
		priority = "medium"
	}
	return s.Create(ctx, CreateParams{
		Title:       "新しいチケットが作成されました",
		Description: fmt.Sprintf("チケット #%s が作成されました: %q", ticketID, title),
		Type:        TypeTicket,
		UserID:      userID,
		TargetType:  TargetSpecific,
		Metadata: Metadata{
			"ticketId": ticketID,
			"title":    title,
			"priority": priority,
			"link":     fmt.Sprintf("/tickets/%s", ticketID),
		},
	})
}

// CreatePlanExpiry はプラン期限切れ警告の通知を作成する。
// 残り日数に応じて緊急度と文面を変える。
func (s *Service) CreatePlanExpiry(ctx context.Context, userID, planType string, daysLeft int, renewLink string) (*CreateResult, error) {
	if renewLink == "" {
		renewLink = "/billing"
	}

	urgency := "notice"
	switch {
	case daysLeft <= 3:
		urgency = "urgent"
	case daysLeft <= 7:
		urgency = "important"
	}

	title := "プランの有効期限が近づいています"
	message := fmt.Sprintf("%sプランの有効期限まであと%d日です。今すぐ更新してください。", planType, daysLeft)
	if daysLeft == 0 {
		title = "プランの有効期限が切れました"
		message = fmt.Sprintf("%sプランは本日有効期限を迎えました。継続するには更新してください。", planType)
	}

	return s.Create(ctx, CreateParams{
		Title:       title,
		Description: message,
		Type:        TypePlanExpiry,
		UserID:      userID,
		TargetType:  TargetSpecific,
		Metadata: Metadata{
			"planType":     planType,
			"daysLeft":     daysLeft,
			"urgencyLevel": urgency,
			"renewLink":    renewLink,
		},
	})
}

// CreateCampaign はキャンペーン通知を作成する。
// targetUserIDが指定されていれば個別配信、なければ全体配信となる。
func (s *Service) CreateCampaign(ctx context.Context, title, message, targetUserID, campaignID, link string, scheduledAt *time.Time) (*CreateResult, error) {
	if link == "" {
		link = "/campaigns"
	}

	targetType := TargetAll
	if targetUserID != "" {
		targetType = TargetSpecific
	}

	return s.Create(ctx, CreateParams{
		Title:       title,
		Message:     message,
		Type:        TypeCampaign,
		UserID:      targetUserID,
		TargetType:  targetType,
		ScheduledAt: scheduledAt,
		Metadata: Metadata{
			"campaignId": campaignID,
			"link":       link,
		},
	})
}

// Pagination はページネーション情報。
type Pagination struct {
	// Page は要求されたページ番号（1始まり）。
	Page int `json:"page"`
	// Limit は1ページあたりの件数。
	Limit int `json:"limit"`
	// Total は絞り込み条件に一致する総件数。
	Total int64 `json:"total"`
	// TotalPages は総ページ数（ceil(Total / Limit)）。
	TotalPages int64 `json:"totalPages"`
}

// ListResult はユーザー向け一覧取得の結果。
type ListResult struct {
	// Notifications は閲覧可能な通知のページ。
	Notifications []Notification `json:"notifications"`
	// Pagination はページネーション情報。
	Pagination Pagination `json:"pagination"`
	// UnreadCount は閲覧可能な未読件数（絞り込み条件に関係なく計算される）。
	UnreadCount int64 `json:"unreadCount"`
	// ReadCount は閲覧可能な既読件数（絞り込み条件に関係なく計算される）。
	ReadCount int64 `json:"readCount"`
}

// GetForUser は閲覧者向けの通知一覧を取得する。
//
// 配信予定時刻が未来の通知は、どの絞り込み条件でも結果と件数の両方から除外される。
// 総ページ数を超えるページを要求した場合はエラーではなく空の一覧を返す。
func (s *Service) GetForUser(ctx context.Context, userID string, page, limit int, filter ReadFilter) (*ListResult, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 1
	}

	now := s.now().UTC()
	offset := (page - 1) * limit

	notifications, err := s.queries.ListForUser(ctx, ListForUserParams{
		UserID: userID,
		Filter: filter,
		Limit:  limit,
		Offset: offset,
		Now:    now,
	})
	if err != nil {
		return nil, err
	}

	total, err := s.queries.CountForUser(ctx, CountForUserParams{UserID: userID, Filter: filter, Now: now})
	if err != nil {
		return nil, err
	}
	unreadCount, err := s.queries.CountForUser(ctx, CountForUserParams{UserID: userID, Filter: FilterUnread, Now: now})
	if err != nil {
		return nil, err
	}
	readCount, err := s.queries.CountForUser(ctx, CountForUserParams{UserID: userID, Filter: FilterRead, Now: now})
	if err != nil {
		return nil, err
	}

	totalPages := total / int64(limit)
	if total%int64(limit) != 0 {
		totalPages++
	}

	return &ListResult{
		Notifications: notifications,
		Pagination: Pagination{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: totalPages,
		},
		UnreadCount: unreadCount,
		ReadCount:   readCount,
	}, nil
}

// MarkRead は通知を1件既読にする。
func (s *Service) MarkRead(ctx context.Context, id string) (Notification, error) {
	return s.queries.MarkAsRead(ctx, id, s.now())
}

// MarkAllRead は指定ユーザーの閲覧可能な未読通知をすべて既読にし、件数を返す。
func (s *Service) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	return s.queries.MarkAllAsRead(ctx, userID, s.now())
}
