package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Variant はWebSocketのサブプロトコルバリアントを表す。
// 2つのバリアントは同じハンドシェイク・購読・配信の流れを持ち、
// 一部のフレーム名だけが異なる。
type Variant string

const (
	// VariantTransport は新しいgraphql-transport-wsプロトコル。
	// サーバーからの配信フレームは "next"、購読終了は "complete"。
	VariantTransport Variant = "graphql-transport-ws"
	// VariantLegacy は旧来のgraphql-wsプロトコル。
	// サーバーからの配信フレームは "data"、購読終了は "stop"。
	VariantLegacy Variant = "graphql-ws"
)

// negotiateSubprotocol はクライアントが提示したサブプロトコル一覧から
// 優先順位（新バリアント優先）でバリアントを選択する。
// どちらも提示されていない場合はfalseを返し、接続は拒否される。
func negotiateSubprotocol(offered []string) (Variant, bool) {
	for _, candidate := range []Variant{VariantTransport, VariantLegacy} {
		for _, name := range offered {
			if name == string(candidate) {
				return candidate, true
			}
		}
	}
	return "", false
}

// メッセージ種別。プロトコルで扱う閉じた集合であり、
// これ以外のtype値はログに記録して無視する。
const (
	msgConnectionInit = "connection_init"
	msgConnectionAck  = "connection_ack"
	msgSubscribe      = "subscribe"
	msgStart          = "start"
	msgComplete       = "complete"
	msgStop           = "stop"
	msgPing           = "ping"
	msgPong           = "pong"
	msgNext           = "next"
	msgData           = "data"
)

// inboundMessage はクライアントから受信するフレームの共通エンベロープ。
type inboundMessage struct {
	// Type はメッセージ種別。
	Type string `json:"type"`
	// ID はクライアントが採番したサブスクリプションの相関ID。
	ID string `json:"id"`
	// Payload はメッセージ種別ごとの追加データ。
	Payload json.RawMessage `json:"payload"`
}

// outboundMessage はサーバーからクライアントへ送信するフレーム。
type outboundMessage struct {
	// Type はメッセージ種別。
	Type string `json:"type"`
	// ID はサブスクリプションの相関ID。省略可能。
	ID string `json:"id,omitempty"`
	// Payload はメッセージ種別ごとの追加データ。省略可能。
	Payload json.RawMessage `json:"payload,omitempty"`
}

// subscribePayload はsubscribe/startメッセージのペイロード。
type subscribePayload struct {
	// Query はGraphQLのクエリ文字列。
	Query string `json:"query"`
}

// subscriptionField はこのサービスが認識する唯一のサブスクリプションフィールド名。
const subscriptionField = "notificationAdded"

// credentialFromInitPayload はconnection_initのペイロードから認証情報を取り出す。
// キーは "Authorization" と "authorization" の2通りの表記を受け付け、
// "Bearer " 接頭辞があれば取り除く。見つからない場合は空文字列を返す。
func credentialFromInitPayload(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ""
	}

	var credential string
	if v, ok := payload["Authorization"].(string); ok {
		credential = v
	} else if v, ok := payload["authorization"].(string); ok {
		credential = v
	}
	return strings.TrimPrefix(credential, "Bearer ")
}

// ackFrame はconnection_ackフレームを生成する。
func ackFrame() []byte {
	return []byte(`{"type":"connection_ack"}`)
}

// pongFrame はpongフレームを生成する。
func pongFrame() []byte {
	return []byte(`{"type":"pong"}`)
}

// deliveryFrame は通知配信フレームを生成する。
// フレーム種別はバリアントにより "next" または "data" となり、
// ペイロードは {"data":{"notificationAdded": <notification>}} の形をとる。
// notificationにnilを渡すと、購読確認用のnullペイロードフレームになる。
func deliveryFrame(variant Variant, subscriptionID string, notification json.RawMessage) ([]byte, error) {
	frameType := msgNext
	if variant == VariantLegacy {
		frameType = msgData
	}

	if notification == nil {
		notification = json.RawMessage("null")
	}

	payload, err := json.Marshal(map[string]any{
		"data": map[string]json.RawMessage{
			subscriptionField: notification,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("配信フレームのペイロード生成に失敗: %w", err)
	}

	frame, err := json.Marshal(outboundMessage{
		Type:    frameType,
		ID:      subscriptionID,
		Payload: payload,
	})
	if err != nil {
		return nil, fmt.Errorf("配信フレームの生成に失敗: %w", err)
	}
	return frame, nil
}
