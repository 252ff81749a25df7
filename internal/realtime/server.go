package realtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	_ "modernc.org/sqlite"

	"github.com/newsor/realtime/pkg/broker"
	"github.com/newsor/realtime/pkg/event"
	"github.com/newsor/realtime/pkg/httpclient"
	"github.com/newsor/realtime/pkg/middleware"
)

// Server はリアルタイム通知サービスのHTTPサーバー。
// WebSocketエンドポイントと通知管理のREST APIの両方を提供する。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// queries は通知テーブルへのクエリ実行オブジェクト。
	queries *Queries
	// db はSQLiteデータベース接続。
	db *sql.DB
	// bridge はプロセス間ファンアウト用のブローカーブリッジ。
	bridge broker.Bridge
	// registry は生存中の接続を管理するグループレジストリ。
	registry *Registry
	// publisher は通知の永続化とファンアウトを行う発行オブジェクト。
	publisher *Publisher
	// verifier はWebSocket接続のトークン検証器。
	verifier *TokenVerifier
}

// NewServer は新しいリアルタイム通知サーバーを生成する。
// SQLiteデータベースの初期化、ブローカーブリッジの構築、
// グループレジストリの起動までを行う。
// REDIS_URLが設定されていない場合はインメモリブリッジを使用する
// （単一プロセス構成向け）。
func NewServer(ctx context.Context, port string) (*Server, error) {
	dbPath := getEnvOr("DB_PATH", "/data/realtime.db?_journal_mode=WAL&_busy_timeout=5000")
	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	if err := initSchema(sqlDB); err != nil {
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	var bridge broker.Bridge
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		bridge, err = broker.NewRedis(ctx, redisURL)
		if err != nil {
			return nil, fmt.Errorf("Redisブリッジの構築に失敗: %w", err)
		}
		log.Printf("[Realtime] Redisブリッジを使用します: %s", redisURL)
	} else {
		bridge = broker.NewMemory()
		log.Printf("[Realtime] インメモリブリッジを使用します（単一プロセス構成）")
	}

	jwtSecret := getEnvOr("JWT_SECRET", "dev-secret-key")
	userServiceURL := getEnvOr("USER_SERVICE_URL", "http://localhost:8087")
	frontendURL := getEnvOr("FRONTEND_URL", "http://localhost:3000")

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())
	router.Use(middleware.CORS([]string{frontendURL}))

	queries := NewQueries(sqlDB)
	s := &Server{
		router:    router,
		port:      port,
		queries:   queries,
		db:        sqlDB,
		bridge:    bridge,
		registry:  NewRegistry(bridge),
		publisher: NewPublisher(queries, bridge),
		verifier:  NewTokenVerifier(jwtSecret, httpclient.New(userServiceURL)),
	}
	s.setupRoutes(jwtSecret)

	return s, nil
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.port))
}

// Close はレジストリ・ブローカー・データベースを順に停止する。
func (s *Server) Close() error {
	s.registry.Close()
	if err := s.bridge.Close(); err != nil {
		log.Printf("[Realtime] ブローカーブリッジのクローズに失敗: %v", err)
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("データベースのクローズに失敗: %w", err)
	}
	return nil
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes(jwtSecret string) {
	// WebSocketエンドポイント。認証は接続ハンドラ内で行うため
	// JWTミドルウェアは適用しない（匿名接続を許容する）。
	s.router.GET("/ws", s.handleWebSocket)

	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(jwtSecret))
	{
		notifications := api.Group("/notifications")
		{
			// 通知一覧取得
			notifications.GET("", s.handleList())
			// 未読通知一覧取得
			notifications.GET("/unread", s.handleListUnread())
			// 未読通知数取得
			notifications.GET("/unread/count", s.handleCountUnread())
			// 通知を既読にする
			notifications.PUT("/:id/read", s.handleMarkAsRead())
			// 全通知を既読にする
			notifications.PUT("/read-all", s.handleMarkAllAsRead())
		}

		// 通知発行（内部API - 記事ワークフロー等の発行元から呼び出される）
		internal := api.Group("/internal")
		{
			internal.POST("/publish", s.handlePublish())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "realtime"})
	})
}

// notificationResponse は通知のJSONレスポンス構造。
type notificationResponse struct {
	// ID は通知の一意識別子。
	ID string `json:"id"`
	// RecipientID は通知先のユーザーID。
	RecipientID string `json:"recipient_id"`
	// SenderID は通知を発生させたユーザーID。無ければnull。
	SenderID *string `json:"sender_id"`
	// NotificationType は通知の種類。
	NotificationType string `json:"notification_type"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知メッセージ。
	Message string `json:"message"`
	// ArticleID は関連する記事のID。無ければnull。
	ArticleID *string `json:"article_id"`
	// CommentID は関連するコメントのID。無ければnull。
	CommentID *string `json:"comment_id"`
	// IsRead は通知の既読状態。
	IsRead bool `json:"is_read"`
	// ReadAt は既読になった日時（RFC3339形式）。未読ならnull。
	ReadAt *string `json:"read_at"`
	// CreatedAt は通知の作成日時（RFC3339形式）。
	CreatedAt string `json:"created_at"`
}

// toNotificationResponse はDB行をJSONレスポンスに変換する。
func toNotificationResponse(n Notification) notificationResponse {
	resp := notificationResponse{
		ID:               n.ID,
		RecipientID:      n.RecipientID,
		NotificationType: n.NotificationType,
		Title:            n.Title,
		Message:          n.Message,
		IsRead:           n.IsRead,
		CreatedAt:        n.CreatedAt.UTC().Format(time.RFC3339),
	}
	if n.SenderID.Valid {
		resp.SenderID = &n.SenderID.String
	}
	if n.ArticleID.Valid {
		resp.ArticleID = &n.ArticleID.String
	}
	if n.CommentID.Valid {
		resp.CommentID = &n.CommentID.String
	}
	if n.ReadAt.Valid {
		readAt := n.ReadAt.Time.UTC().Format(time.RFC3339)
		resp.ReadAt = &readAt
	}
	return resp
}

// toNotificationResponses はDB行のスライスをJSONレスポンスのスライスに変換する。
func toNotificationResponses(notifications []Notification) []notificationResponse {
	responses := make([]notificationResponse, 0, len(notifications))
	for _, n := range notifications {
		responses = append(responses, toNotificationResponse(n))
	}
	return responses
}

// handleList は認証済みユーザーの通知一覧を返すハンドラ。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		notifications, err := s.queries.ListNotificationsByRecipient(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知一覧の取得に失敗しました"})
			log.Printf("通知一覧取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, toNotificationResponses(notifications))
	}
}

// handleListUnread は認証済みユーザーの未読通知一覧を返すハンドラ。
func (s *Server) handleListUnread() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		notifications, err := s.queries.ListUnreadNotifications(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "未読通知一覧の取得に失敗しました"})
			log.Printf("未読通知一覧取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, toNotificationResponses(notifications))
	}
}

// handleCountUnread は認証済みユーザーの未読通知数を返すハンドラ。
func (s *Server) handleCountUnread() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		count, err := s.queries.CountUnread(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "未読通知数の取得に失敗しました"})
			log.Printf("未読通知数取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"count": count})
	}
}

// handleMarkAsRead は指定された通知を既読にするハンドラ。
// 受信者本人以外からの要求は拒否し、行は変更しない。
// 既読済みの通知に対する再実行は成功する（冪等）。
func (s *Server) handleMarkAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		notificationID := c.Param("id")
		if notificationID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "通知IDが必要です"})
			return
		}

		// 通知の存在確認と所有者チェック
		n, err := s.queries.GetNotificationByID(c.Request.Context(), notificationID)
		if errors.Is(err, ErrNotificationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "通知が見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の取得に失敗しました"})
			log.Printf("通知取得エラー: %v", err)
			return
		}

		if n.RecipientID != userID {
			c.JSON(http.StatusForbidden, gin.H{"error": "この通知を操作する権限がありません"})
			return
		}

		if err := s.queries.MarkAsRead(c.Request.Context(), notificationID, time.Now().UTC()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の既読処理に失敗しました"})
			log.Printf("通知既読処理エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "通知を既読にしました"})
	}
}

// handleMarkAllAsRead は認証済みユーザーの全通知を既読にするハンドラ。
func (s *Server) handleMarkAllAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		if err := s.queries.MarkAllAsRead(c.Request.Context(), userID, time.Now().UTC()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "全通知の既読処理に失敗しました"})
			log.Printf("全通知既読処理エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "全通知を既読にしました"})
	}
}

// publishRequest は通知発行リクエストのJSON構造。
type publishRequest struct {
	// RecipientID は通知先のユーザーID。
	RecipientID string `json:"recipient_id" binding:"required"`
	// NotificationType は通知の種類。
	NotificationType string `json:"notification_type" binding:"required"`
	// Title は通知のタイトル。
	Title string `json:"title" binding:"required"`
	// Message は通知メッセージ。
	Message string `json:"message" binding:"required"`
	// SenderID は通知を発生させたユーザーID。省略可能。
	SenderID string `json:"sender_id"`
	// ArticleID は関連する記事のID。省略可能。
	ArticleID string `json:"article_id"`
	// ArticleSlug は関連する記事のURLスラッグ。省略可能。
	ArticleSlug string `json:"article_slug"`
	// CommentID は関連するコメントのID。省略可能。
	CommentID string `json:"comment_id"`
}

// handlePublish は通知を永続化して接続中のクライアントへファンアウトするハンドラ。
// 内部API（記事ワークフローやお問い合わせフォームから呼び出される）。
func (s *Server) handlePublish() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req publishRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		kind := event.Kind(req.NotificationType)
		if !kind.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("未定義の通知種類です: %s", req.NotificationType)})
			return
		}

		n, err := s.publisher.Publish(c.Request.Context(), PublishInput{
			RecipientID: req.RecipientID,
			Kind:        kind,
			Title:       req.Title,
			Message:     req.Message,
			SenderID:    req.SenderID,
			ArticleID:   req.ArticleID,
			ArticleSlug: req.ArticleSlug,
			CommentID:   req.CommentID,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の発行に失敗しました"})
			log.Printf("通知発行エラー: %v", err)
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"id":      n.ID,
			"message": "通知を発行しました",
		})
	}
}

// getEnvOr は環境変数を取得し、未設定の場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
