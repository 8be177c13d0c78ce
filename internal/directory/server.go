package directory

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/liderhub/notify/pkg/middleware"
)

// User はユーザーディレクトリの1行。
type User struct {
	// ID はユーザーの一意識別子。
	ID string `db:"id" json:"id"`
	// Name は表示名。
	Name string `db:"name" json:"name"`
	// Email はメールアドレス。
	Email string `db:"email" json:"email"`
	// CreatedAt は登録日時。
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Server はユーザーディレクトリサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// db はSQLiteデータベース接続。
	db *sqlx.DB
}

// NewServer は新しいユーザーディレクトリサーバーを生成する。
// SQLiteデータベースの初期化とスキーマ作成を行う。
func NewServer(port string) (*Server, error) {
	dbPath := os.Getenv("DIRECTORY_DB")
	if dbPath == "" {
		dbPath = "/data/directory.db"
	}

	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())

	s := &Server{
		router: router,
		port:   port,
		db:     db,
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

// Close はデータベース接続を閉じる。
func (s *Server) Close() error {
	return s.db.Close()
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	api := s.router.Group("/api/v1")
	{
		users := api.Group("/users")
		{
			// ユーザーの登録
			users.POST("", s.handleRegister())
			// 全ユーザーの一覧取得（通知サービスの全体配信が使用する）
			users.GET("", s.handleList())
			// ユーザーの取得
			users.GET("/:id", s.handleGet())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "directory"})
	})
}

// registerRequest はユーザー登録リクエストのJSON構造。
type registerRequest struct {
	// ID は任意指定のユーザーID。省略時はUUIDを採番する。
	ID string `json:"id"`
	// Name は表示名。
	Name string `json:"name" binding:"required"`
	// Email はメールアドレス。
	Email string `json:"email" binding:"required"`
}

// handleRegister はユーザーを登録するハンドラ。
func (s *Server) handleRegister() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		id := req.ID
		if id == "" {
			id = uuid.New().String()
		}

		now := time.Now().UTC()
		_, err := s.db.ExecContext(c.Request.Context(),
			"INSERT INTO users (id, name, email, created_at) VALUES (?, ?, ?, ?)",
			id, req.Name, req.Email, now)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザーの登録に失敗しました"})
			log.Printf("ユーザー登録エラー: %v", err)
			return
		}

		c.JSON(http.StatusCreated, User{ID: id, Name: req.Name, Email: req.Email, CreatedAt: now})
	}
}

// handleList は全ユーザーの一覧を返すハンドラ。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		users := []User{}
		err := s.db.SelectContext(c.Request.Context(), &users,
			"SELECT * FROM users ORDER BY created_at ASC, rowid ASC")
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザー一覧の取得に失敗しました"})
			log.Printf("ユーザー一覧取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, users)
	}
}

// handleGet はユーザーを1件取得するハンドラ。
func (s *Server) handleGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		var user User
		err := s.db.GetContext(c.Request.Context(), &user,
			"SELECT * FROM users WHERE id = ?", c.Param("id"))
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "ユーザーが見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザーの取得に失敗しました"})
			log.Printf("ユーザー取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, user)
	}
}
