package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload はブローカー経由でWebSocketクライアントへ配信される通知の
// ワイヤーフォーマット。GraphQLサブスクリプションのnotificationAdded
// フィールドの値としてそのまま送出される。
type Payload struct {
	// ID は通知の一意識別子（UUID）。
	ID string `json:"id"`
	// Message は通知の本文。
	Message string `json:"message"`
	// NotificationType は通知の種類。
	NotificationType Kind `json:"notificationType"`
	// CreatedAt は通知の作成日時（RFC3339形式）。
	CreatedAt string `json:"createdAt"`
	// Article は関連記事への参照。関連記事がない場合は省略される。
	Article *ArticleRef `json:"article,omitempty"`
}

// ArticleRef は通知に関連する記事への参照。
type ArticleRef struct {
	// Slug は記事のURLスラッグ。
	Slug string `json:"slug"`
}

// NewPayload は通知のワイヤーフォーマットを生成する。
// articleSlugが空文字列の場合、Articleフィールドは省略される。
func NewPayload(id, message string, kind Kind, createdAt time.Time, articleSlug string) *Payload {
	p := &Payload{
		ID:               id,
		Message:          message,
		NotificationType: kind,
		CreatedAt:        createdAt.UTC().Format(time.RFC3339),
	}
	if articleSlug != "" {
		p.Article = &ArticleRef{Slug: articleSlug}
	}
	return p
}

// Marshal はペイロードをJSONにシリアライズする。
func (p *Payload) Marshal() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("通知ペイロードのシリアライズに失敗: %w", err)
	}
	return data, nil
}

// UnmarshalPayload はJSONを通知ペイロードにデシリアライズする。
func UnmarshalPayload(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("通知ペイロードのデシリアライズに失敗: %w", err)
	}
	return &p, nil
}
