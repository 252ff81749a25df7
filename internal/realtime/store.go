package realtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotificationNotFound は指定IDの通知が存在しないことを表す。
var ErrNotificationNotFound = errors.New("通知が見つかりません")

// Notification は通知テーブルの1行を表す。
type Notification struct {
	// ID は通知の一意識別子（UUID）。
	ID string
	// RecipientID は通知先のユーザーID。
	RecipientID string
	// SenderID は通知を発生させたユーザーID。システム通知の場合は無効。
	SenderID sql.NullString
	// NotificationType は通知の種類。
	NotificationType string
	// Title は通知のタイトル。
	Title string
	// Message は通知メッセージ。
	Message string
	// ArticleID は関連する記事のID。
	ArticleID sql.NullString
	// ArticleSlug は関連する記事のURLスラッグ。
	ArticleSlug sql.NullString
	// CommentID は関連するコメントのID。
	CommentID sql.NullString
	// IsRead は通知の既読状態。
	IsRead bool
	// ReadAt は既読になった日時。IsReadがtrueのときに限り有効。
	ReadAt sql.NullTime
	// CreatedAt は通知の作成日時。
	CreatedAt time.Time
	// UpdatedAt は通知の更新日時。
	UpdatedAt time.Time
}

// Queries は通知テーブルに対するクエリの実行オブジェクト。
type Queries struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
}

// NewQueries は新しいクエリ実行オブジェクトを生成する。
func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// notificationColumns はSELECT句で使用するカラムの並び。
const notificationColumns = `id, recipient_id, sender_id, notification_type, title, message,
	article_id, article_slug, comment_id, is_read, read_at, created_at, updated_at`

// scanNotification は1行を構造体へ読み取る。
func scanNotification(row interface{ Scan(...any) error }) (Notification, error) {
	var n Notification
	var isRead int64
	err := row.Scan(
		&n.ID, &n.RecipientID, &n.SenderID, &n.NotificationType, &n.Title, &n.Message,
		&n.ArticleID, &n.ArticleSlug, &n.CommentID, &isRead, &n.ReadAt, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return Notification{}, err
	}
	n.IsRead = isRead != 0
	return n, nil
}

// CreateNotification は通知を1件挿入する。
func (q *Queries) CreateNotification(ctx context.Context, n Notification) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO notifications (
			id, recipient_id, sender_id, notification_type, title, message,
			article_id, article_slug, comment_id, is_read, read_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, ?, ?)`,
		n.ID, n.RecipientID, n.SenderID, n.NotificationType, n.Title, n.Message,
		n.ArticleID, n.ArticleSlug, n.CommentID, n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("通知の挿入に失敗: %w", err)
	}
	return nil
}

// GetNotificationByID は指定IDの通知を取得する。
// 存在しない場合はErrNotificationNotFoundを返す。
func (q *Queries) GetNotificationByID(ctx context.Context, id string) (Notification, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id)

	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Notification{}, ErrNotificationNotFound
	}
	if err != nil {
		return Notification{}, fmt.Errorf("通知の取得に失敗: %w", err)
	}
	return n, nil
}

// ListNotificationsByRecipient は受信者の通知を新しい順に取得する。
func (q *Queries) ListNotificationsByRecipient(ctx context.Context, recipientID string) ([]Notification, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications
		 WHERE recipient_id = ? ORDER BY created_at DESC`, recipientID)
	if err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	return collectNotifications(rows)
}

// ListUnreadNotifications は受信者の未読通知を新しい順に取得する。
func (q *Queries) ListUnreadNotifications(ctx context.Context, recipientID string) ([]Notification, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications
		 WHERE recipient_id = ? AND is_read = 0 ORDER BY created_at DESC`, recipientID)
	if err != nil {
		return nil, fmt.Errorf("未読通知一覧の取得に失敗: %w", err)
	}
	return collectNotifications(rows)
}

// collectNotifications は結果セットの全行を読み取る。
func collectNotifications(rows *sql.Rows) ([]Notification, error) {
	defer func() { _ = rows.Close() }()

	notifications := make([]Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("通知行の読み取りに失敗: %w", err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("通知一覧の走査に失敗: %w", err)
	}
	return notifications, nil
}

// CountUnread は受信者の未読通知数を返す。
func (q *Queries) CountUnread(ctx context.Context, recipientID string) (int64, error) {
	var count int64
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE recipient_id = ? AND is_read = 0`,
		recipientID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("未読通知数の取得に失敗: %w", err)
	}
	return count, nil
}

// MarkAsRead は指定IDの通知を既読にする。
// read_atはis_readと同時にのみ遷移する。既読済みの通知に対しては
// 何も変更せず成功する（冪等）。
func (q *Queries) MarkAsRead(ctx context.Context, id string, readAt time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE notifications
		SET is_read = 1, read_at = ?, updated_at = ?
		WHERE id = ? AND is_read = 0`,
		readAt, readAt, id,
	)
	if err != nil {
		return fmt.Errorf("通知の既読化に失敗: %w", err)
	}
	return nil
}

// MarkAllAsRead は受信者の未読通知をすべて既読にする。
// 未読通知が無い場合も成功する（冪等）。
func (q *Queries) MarkAllAsRead(ctx context.Context, recipientID string, readAt time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE notifications
		SET is_read = 1, read_at = ?, updated_at = ?
		WHERE recipient_id = ? AND is_read = 0`,
		readAt, readAt, recipientID,
	)
	if err != nil {
		return fmt.Errorf("全通知の既読化に失敗: %w", err)
	}
	return nil
}
