package realtime

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/newsor/realtime/pkg/broker"
	"github.com/newsor/realtime/pkg/event"
)

// PublishInput は通知発行の入力。
type PublishInput struct {
	// RecipientID は通知先のユーザーID。必須。
	RecipientID string
	// Kind は通知の種類。必須。
	Kind event.Kind
	// Title は通知のタイトル。
	Title string
	// Message は通知メッセージ。
	Message string
	// SenderID は通知を発生させたユーザーID。省略可能。
	SenderID string
	// ArticleID は関連する記事のID。省略可能。
	ArticleID string
	// ArticleSlug は関連する記事のURLスラッグ。省略可能。
	ArticleSlug string
	// CommentID は関連するコメントのID。省略可能。
	CommentID string
}

// Publisher は通知の永続化とブローカーへのファンアウトを1回の呼び出しに
// まとめる。記事ワークフローやお問い合わせフォームなどの発行元が使用する
// 書き込み側の唯一の窓口であり、発行元がレジストリや接続ハンドラに
// 直接触れることはない。
type Publisher struct {
	// queries は通知テーブルへのクエリ実行オブジェクト。
	queries *Queries
	// bridge はプロセス間ファンアウト用のブローカーブリッジ。
	bridge broker.Bridge
}

// NewPublisher は新しい通知発行オブジェクトを生成する。
func NewPublisher(queries *Queries, bridge broker.Bridge) *Publisher {
	return &Publisher{
		queries: queries,
		bridge:  bridge,
	}
}

// Publish は通知を1件永続化し、受信者のトピックへファンアウトする。
//
// 永続化の失敗はエラーとして返る。ファンアウトはfire-and-forgetであり、
// ブローカーが到達不能でも永続化済みの通知は後からAPIで取得できるため、
// エラーにはせずログに記録するだけにとどめる。
func (p *Publisher) Publish(ctx context.Context, in PublishInput) (Notification, error) {
	if in.RecipientID == "" {
		return Notification{}, fmt.Errorf("通知先のユーザーIDが必要です")
	}
	if !in.Kind.Valid() {
		return Notification{}, fmt.Errorf("未定義の通知種類です: %s", in.Kind)
	}

	now := time.Now().UTC()
	n := Notification{
		ID:               uuid.New().String(),
		RecipientID:      in.RecipientID,
		SenderID:         nullString(in.SenderID),
		NotificationType: string(in.Kind),
		Title:            in.Title,
		Message:          in.Message,
		ArticleID:        nullString(in.ArticleID),
		ArticleSlug:      nullString(in.ArticleSlug),
		CommentID:        nullString(in.CommentID),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := p.queries.CreateNotification(ctx, n); err != nil {
		return Notification{}, fmt.Errorf("通知の永続化に失敗: %w", err)
	}

	payload := event.NewPayload(n.ID, n.Message, in.Kind, n.CreatedAt, in.ArticleSlug)
	data, err := payload.Marshal()
	if err != nil {
		log.Printf("[Publisher] 配信ペイロードの生成に失敗: %v", err)
		return n, nil
	}

	if err := p.bridge.Publish(ctx, TopicForUser(in.RecipientID), data); err != nil {
		log.Printf("[Publisher] ブローカーへの発行に失敗（通知は永続化済み）: %v", err)
	}

	return n, nil
}

// nullString は空文字列をNULLへ変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
