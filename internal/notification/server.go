package notification

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/liderhub/notify/pkg/httpclient"
	"github.com/liderhub/notify/pkg/middleware"
)

// Server は通知サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// db はSQLiteデータベース接続。
	db *sqlx.DB
	// queries は通知テーブルへのクエリ実行オブジェクト。
	queries *Queries
	// service は通知の作成・取得・既読管理のビジネスロジック。
	service *Service
	// scheduler は配信予約された通知を配信するスケジューラ。
	// ライフサイクル（Start/Stop）はホストプロセスとHTTP APIの両方から制御される。
	scheduler *Scheduler
}

// NewServer は新しい通知サーバーを生成する。
// SQLiteデータベースの初期化とスキーマ作成を行う。
func NewServer(port string) (*Server, error) {
	dbPath := os.Getenv("NOTIFICATION_DB")
	if dbPath == "" {
		dbPath = "/data/notification.db"
	}

	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}

	directoryURL := os.Getenv("DIRECTORY_URL")
	if directoryURL == "" {
		directoryURL = "http://localhost:8087"
	}

	interval := defaultSchedulerInterval
	if v := os.Getenv("SCHEDULER_INTERVAL"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("SCHEDULER_INTERVALの解析に失敗: %w", err)
		}
		interval = parsed
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		router.Use(middleware.CORS(strings.Split(origins, ",")))
	}

	queries := NewQueries(db)
	s := &Server{
		router:    router,
		port:      port,
		db:        db,
		queries:   queries,
		service:   NewService(queries, httpclient.New(directoryURL)),
		scheduler: NewScheduler(queries, interval),
	}
	s.setupRoutes()

	return s, nil
}

// openDB はSQLiteデータベースを開き、スキーマを適用する。
func openDB(path string) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite", path)
	if path == ":memory:" {
		dsn = "file::memory:?_time_format=sqlite"
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if path == ":memory:" {
		// インメモリDBは接続ごとに独立するため、プールを1接続に制限する
		db.SetMaxOpenConns(1)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return db, nil
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.port))
}

// Scheduler は配信スケジューラを返す。
// ホストプロセスが起動時にStartを呼ぶかどうかを決定する。
func (s *Server) Scheduler() *Scheduler {
	return s.scheduler
}

// Close はスケジューラを停止し、データベース接続を閉じる。
func (s *Server) Close() error {
	s.scheduler.Stop()
	return s.db.Close()
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	api := s.router.Group("/api/v1")
	{
		notifications := api.Group("/notifications")
		{
			// 通知の作成（個別・全体・配信予約）
			notifications.POST("", s.handleCreate())
			// 閲覧者向けの通知一覧取得
			notifications.GET("", s.handleList())
			// 配信予定時刻が到来している未配信通知の一覧
			notifications.GET("/scheduled", s.handleListScheduled())
			// 配信パスの手動実行
			notifications.POST("/scheduled/send", s.handleSendScheduled())
			// 通知を既読にする（ダッシュボードはPOST、APIクライアントはPATCHを使う）
			notifications.PATCH("/:id/read", s.handleMarkRead())
			notifications.POST("/:id/read", s.handleMarkRead())
			// 一括既読
			notifications.PATCH("/bulk-read", s.handleBulkRead())
			notifications.POST("/bulk-read", s.handleBulkRead())
		}

		scheduler := api.Group("/scheduler")
		{
			// スケジューラの起動・停止・状態取得
			scheduler.POST("/start", s.handleSchedulerStart())
			scheduler.POST("/stop", s.handleSchedulerStop())
			scheduler.GET("/status", s.handleSchedulerStatus())
		}

		// ドメインイベントからの通知作成
		events := api.Group("/events")
		{
			events.POST("/mention", s.handleMentionEvent())
			events.POST("/ticket", s.handleTicketEvent())
			events.POST("/plan-expiry", s.handlePlanExpiryEvent())
			events.POST("/campaign", s.handleCampaignEvent())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notification"})
	})
}

// createRequest は通知作成リクエストのJSON構造。
// message/description、scheduledAt/scheduledDate はそれぞれ別名として受け付ける。
type createRequest struct {
	Title         string         `json:"title"`
	Message       string         `json:"message"`
	Description   string         `json:"description"`
	Type          string         `json:"type"`
	UserID        string         `json:"userId"`
	TargetType    string         `json:"targetType"`
	ScheduledAt   string         `json:"scheduledAt"`
	ScheduledDate string         `json:"scheduledDate"`
	Metadata      map[string]any `json:"metadata"`
}

// parseTimestamp は配信予定日時の文字列を解析する。
// RFC3339とHTMLのdatetime-local形式（2006-01-02T15:04）を受け付ける。
func parseTimestamp(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return &t, nil
	}
	t, err := time.ParseInLocation("2006-01-02T15:04", value, time.Local)
	if err != nil {
		return nil, fmt.Errorf("日時の形式が不正です: %s", value)
	}
	return &t, nil
}

// writeServiceError はサービス層のエラーをHTTPレスポンスに変換する。
func writeServiceError(c *gin.Context, err error) {
	var vErr *ValidationError
	switch {
	case errors.As(err, &vErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": vErr.Error(), "field": vErr.Field})
	case errors.Is(err, ErrNotificationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": ErrNotificationNotFound.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "内部サーバーエラーが発生しました"})
		log.Printf("通知サービスエラー: %v", err)
	}
}

// handleCreate は通知を作成するハンドラ。
// userIdの指定で個別配信、targetType=allまたはuserId省略で全体配信となる。
func (s *Server) handleCreate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		scheduledAt, err := parseTimestamp(req.ScheduledAt)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "field": "scheduledAt"})
			return
		}
		scheduledDate, err := parseTimestamp(req.ScheduledDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "field": "scheduledDate"})
			return
		}

		result, err := s.service.Create(c.Request.Context(), CreateParams{
			Title:         req.Title,
			Message:       req.Message,
			Description:   req.Description,
			Type:          Type(req.Type),
			UserID:        req.UserID,
			TargetType:    req.TargetType,
			ScheduledAt:   scheduledAt,
			ScheduledDate: scheduledDate,
			Metadata:      req.Metadata,
		})
		if err != nil {
			writeServiceError(c, err)
			return
		}

		c.JSON(http.StatusCreated, result)
	}
}

// handleList は閲覧者向けの通知一覧を返すハンドラ。
// 配信予定時刻が未来の通知はどの絞り込み条件でも含まれない。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Query("userId")
		if userID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "userIdは必須です"})
			return
		}

		page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
		if err != nil || page < 1 {
			page = 1
		}
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "10"))
		if err != nil || limit < 1 {
			limit = 10
		}

		// unreadOnlyとreadOnlyが同時に指定された場合はunreadOnlyが優先される
		filter := FilterAll
		switch {
		case c.Query("unreadOnly") == "true":
			filter = FilterUnread
		case c.Query("readOnly") == "true":
			filter = FilterRead
		}

		result, err := s.service.GetForUser(c.Request.Context(), userID, page, limit, filter)
		if err != nil {
			writeServiceError(c, err)
			return
		}

		c.JSON(http.StatusOK, result)
	}
}

// handleMarkRead は指定された通知を既読にするハンドラ。
func (s *Server) handleMarkRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")

		n, err := s.service.MarkRead(c.Request.Context(), id)
		if err != nil {
			writeServiceError(c, err)
			return
		}

		c.JSON(http.StatusOK, n)
	}
}

// bulkReadRequest は一括既読リクエストのJSON構造。
type bulkReadRequest struct {
	// UserID は対象ユーザーのID。
	UserID string `json:"userId" binding:"required"`
}

// handleBulkRead は指定ユーザーの閲覧可能な未読通知をすべて既読にするハンドラ。
func (s *Server) handleBulkRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req bulkReadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "userIdは必須です"})
			return
		}

		count, err := s.service.MarkAllRead(c.Request.Context(), req.UserID)
		if err != nil {
			writeServiceError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"count":   count,
			"message": fmt.Sprintf("%d件の通知を既読にしました", count),
		})
	}
}

// handleListScheduled は配信予定時刻が到来している未配信通知の一覧を返すハンドラ。
func (s *Server) handleListScheduled() gin.HandlerFunc {
	return func(c *gin.Context) {
		notifications, err := s.queries.ListDue(c.Request.Context(), time.Now())
		if err != nil {
			writeServiceError(c, err)
			return
		}

		c.JSON(http.StatusOK, notifications)
	}
}

// handleSendScheduled は配信パスを手動で1回実行するハンドラ。
// タイマー起点のパスとまったく同じアルゴリズムを同期的に実行し、結果を返す。
func (s *Server) handleSendScheduled() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := s.scheduler.DeliverDue(c.Request.Context())
		if err != nil {
			writeServiceError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"message":       fmt.Sprintf("%d件の予約済み通知を配信しました", result.Count),
			"count":         result.Count,
			"notifications": result.Notifications,
		})
	}
}

// handleSchedulerStart はスケジューラを起動するハンドラ。
// すでに起動中の場合も成功として現在の状態を返す。
func (s *Server) handleSchedulerStart() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.scheduler.Start()
		c.JSON(http.StatusOK, gin.H{
			"message": "スケジューラを開始しました",
			"status":  s.scheduler.Status(),
		})
	}
}

// handleSchedulerStop はスケジューラを停止するハンドラ。
func (s *Server) handleSchedulerStop() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.scheduler.Stop()
		c.JSON(http.StatusOK, gin.H{
			"message": "スケジューラを停止しました",
			"status":  s.scheduler.Status(),
		})
	}
}

// handleSchedulerStatus はスケジューラの現在状態を返すハンドラ。
func (s *Server) handleSchedulerStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := s.scheduler.Status()
		c.JSON(http.StatusOK, gin.H{
			"running":   status.Running,
			"lastRun":   status.LastRun,
			"nextRun":   status.NextRun,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// mentionEventRequest はメンションイベントのJSON構造。
type mentionEventRequest struct {
	MentionedUserID string `json:"mentionedUserId" binding:"required"`
	MentionedBy     string `json:"mentionedBy" binding:"required"`
	Context         string `json:"context" binding:"required"`
	Link            string `json:"link"`
}

// handleMentionEvent はメンションイベントから通知を作成するハンドラ。
func (s *Server) handleMentionEvent() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req mentionEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "mentionedUserId、mentionedBy、contextは必須です"})
			return
		}

		result, err := s.service.CreateMention(c.Request.Context(), req.MentionedUserID, req.MentionedBy, req.Context, req.Link)
		if err != nil {
			writeServiceError(c, err)
			return
		}

		c.JSON(http.StatusCreated, result)
	}
}

// ticketEventRequest はチケット作成イベントのJSON構造。
type ticketEventRequest struct {
	UserID   string `json:"userId" binding:"required"`
	TicketID string `json:"ticketId" binding:"required"`
	Title    string `json:"title" binding:"required"`
	Priority string `json:"priority"`
}

// handleTicketEvent はチケット作成イベントから通知を作成するハンドラ。
func (s *Server) handleTicketEvent() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ticketEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "userId、ticketId、titleは必須です"})
			return
		}

		result, err := s.service.CreateTicket(c.Request.Context(), req.UserID, req.TicketID, req.Title, req.Priority)
		if err != nil {
			writeServiceError(c, err)
			return
		}

		c.JSON(http.StatusCreated, result)
	}
}

// planExpiryEventRequest はプラン期限切れイベントのJSON構造。
type planExpiryEventRequest struct {
	UserID    string `json:"userId" binding:"required"`
	PlanType  string `json:"planType" binding:"required"`
	DaysLeft  *int   `json:"daysLeft" binding:"required"`
	RenewLink string `json:"renewLink"`
}

// handlePlanExpiryEvent はプラン期限切れイベントから通知を作成するハンドラ。
func (s *Server) handlePlanExpiryEvent() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req planExpiryEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "userId、planType、daysLeftは必須です"})
			return
		}

		result, err := s.service.CreatePlanExpiry(c.Request.Context(), req.UserID, req.PlanType, *req.DaysLeft, req.RenewLink)
		if err != nil {
			writeServiceError(c, err)
			return
		}

		c.JSON(http.StatusCreated, result)
	}
}

// campaignEventRequest はキャンペーンイベントのJSON構造。
type campaignEventRequest struct {
	Title        string `json:"title" binding:"required"`
	Message      string `json:"message" binding:"required"`
	TargetUserID string `json:"targetUserId"`
	CampaignID   string `json:"campaignId"`
	Link         string `json:"link"`
	ScheduledAt  string `json:"scheduledAt"`
}

// handleCampaignEvent はキャンペーンイベントから通知を作成するハンドラ。
// targetUserIdの指定で個別配信、省略で全体配信となる。
func (s *Server) handleCampaignEvent() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req campaignEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "titleとmessageは必須です"})
			return
		}

		scheduledAt, err := parseTimestamp(req.ScheduledAt)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "field": "scheduledAt"})
			return
		}

		result, err := s.service.CreateCampaign(c.Request.Context(), req.Title, req.Message, req.TargetUserID, req.CampaignID, req.Link, scheduledAt)
		if err != nil {
			writeServiceError(c, err)
			return
		}

		c.JSON(http.StatusCreated, result)
	}
}
