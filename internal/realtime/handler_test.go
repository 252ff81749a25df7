package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// subscribeQuery は通知サブスクリプションのGraphQLクエリ。
const subscribeQuery = `subscription { notificationAdded { id message notificationType createdAt } }`

// dialWS はテストサーバーへWebSocket接続を張る。
// queryには "token=..." のようなクエリ文字列を渡せる。
func dialWS(t *testing.T, ts *httptest.Server, subprotocols []string, query string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if query != "" {
		wsURL += "?" + query
	}
	dialer := websocket.Dialer{
		Subprotocols:     subprotocols,
		HandshakeTimeout: 2 * time.Second,
	}
	return dialer.Dial(wsURL, nil)
}

// mustDialWS は接続失敗をテスト失敗として扱うdialWS。
func mustDialWS(t *testing.T, ts *httptest.Server, subprotocols []string, query string) *websocket.Conn {
	t.Helper()

	conn, _, err := dialWS(t, ts, subprotocols, query)
	if err != nil {
		t.Fatalf("WebSocket接続に失敗: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// sendFrame はJSONフレームを送信するヘルパー関数。
func sendFrame(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("フレームの送信に失敗: %v", err)
	}
}

// readFrame は次のフレームを読み取って返す。2秒で打ち切る。
func readFrame(t *testing.T, conn *websocket.Conn) outboundMessage {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("読み取り期限の設定に失敗: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("フレームの読み取りに失敗: %v", err)
	}

	var msg outboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("フレームのパースに失敗: %v (data=%s)", err, data)
	}
	return msg
}

// expectNoFrame は指定時間内にフレームが届かないことを確認する。
func expectNoFrame(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		t.Fatalf("読み取り期限の設定に失敗: %v", err)
	}
	if _, data, err := conn.ReadMessage(); err == nil {
		t.Fatalf("フレームが届かないはずが受信した: %s", data)
	}
}

// deliveredNotification は配信フレームのペイロードからnotificationAddedの
// 中身を取り出す。購読確認のnullフレームの場合はnilを返す。
func deliveredNotification(t *testing.T, msg outboundMessage) json.RawMessage {
	t.Helper()

	var payload struct {
		Data map[string]json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("配信ペイロードのパースに失敗: %v", err)
	}
	inner, ok := payload.Data["notificationAdded"]
	if !ok {
		t.Fatalf("notificationAddedフィールドがペイロードに無い: %s", msg.Payload)
	}
	if string(inner) == "null" {
		return nil
	}
	return inner
}

// handshakeAndSubscribe はconnection_initから購読確立までを進めるヘルパー関数。
// connection_ackと初回のnullフレームの受信までを検証する。
func handshakeAndSubscribe(t *testing.T, conn *websocket.Conn, initPayload, subscriptionID, subscribeType string) {
	t.Helper()

	init := `{"type":"connection_init"}`
	if initPayload != "" {
		init = fmt.Sprintf(`{"type":"connection_init","payload":%s}`, initPayload)
	}
	sendFrame(t, conn, init)

	ack := readFrame(t, conn)
	if ack.Type != msgConnectionAck {
		t.Fatalf("ackの種別: got %s, want %s", ack.Type, msgConnectionAck)
	}

	sub, err := json.Marshal(map[string]any{
		"type":    subscribeType,
		"id":      subscriptionID,
		"payload": map[string]string{"query": subscribeQuery},
	})
	if err != nil {
		t.Fatalf("subscribeフレームの生成に失敗: %v", err)
	}
	sendFrame(t, conn, string(sub))

	first := readFrame(t, conn)
	if first.ID != subscriptionID {
		t.Fatalf("初回フレームのID: got %s, want %s", first.ID, subscriptionID)
	}
	if deliveredNotification(t, first) != nil {
		t.Fatal("初回フレームのペイロードはnullであるべき")
	}
}

// TestWebSocketNegotiation はサブプロトコルネゴシエーションのテスト。
func TestWebSocketNegotiation(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	ts := httptest.NewServer(s.router)
	t.Cleanup(ts.Close)

	t.Run("両方を提示した場合は新バリアントが選ばれる", func(t *testing.T) {
		conn := mustDialWS(t, ts, []string{"graphql-ws", "graphql-transport-ws"}, "")
		if got := conn.Subprotocol(); got != string(VariantTransport) {
			t.Errorf("選択されたサブプロトコル: got %s, want %s", got, VariantTransport)
		}
	})

	t.Run("旧バリアントのみ提示した場合は旧バリアントが選ばれる", func(t *testing.T) {
		conn := mustDialWS(t, ts, []string{"graphql-ws"}, "")
		if got := conn.Subprotocol(); got != string(VariantLegacy) {
			t.Errorf("選択されたサブプロトコル: got %s, want %s", got, VariantLegacy)
		}
	})

	t.Run("対応しないサブプロトコルのみの場合は接続が拒否される", func(t *testing.T) {
		conn, resp, err := dialWS(t, ts, []string{"soap"}, "")
		if err == nil {
			conn.Close()
			t.Fatal("非対応のサブプロトコルで接続が成立した")
		}
		if !errors.Is(err, websocket.ErrBadHandshake) {
			t.Fatalf("予期しないエラー: %v", err)
		}
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", resp.StatusCode, http.StatusBadRequest)
		}
	})

	t.Run("サブプロトコル無しの場合は接続が拒否される", func(t *testing.T) {
		conn, _, err := dialWS(t, ts, nil, "")
		if err == nil {
			conn.Close()
			t.Fatal("サブプロトコル無しで接続が成立した")
		}
	})
}

// TestWebSocketDelivery は購読確立から通知配信までの一連の流れのテスト。
func TestWebSocketDelivery(t *testing.T) {
	t.Parallel()

	t.Run("connection_initで認証したユーザーに通知が届く", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, "user-1")
		ts := httptest.NewServer(s.router)
		t.Cleanup(ts.Close)

		conn := mustDialWS(t, ts, []string{"graphql-transport-ws"}, "")
		initPayload := fmt.Sprintf(`{"Authorization":"Bearer %s"}`, mintToken(t, "user-1"))
		handshakeAndSubscribe(t, conn, initPayload, "sub-1", msgSubscribe)

		if _, err := s.publisher.Publish(context.Background(), PublishInput{
			RecipientID: "user-1",
			Kind:        "article_published",
			Title:       "記事が公開されました",
			Message:     "公開おめでとうございます",
			ArticleSlug: "hello-world",
		}); err != nil {
			t.Fatalf("通知の発行に失敗: %v", err)
		}

		msg := readFrame(t, conn)
		if msg.Type != msgNext {
			t.Errorf("配信フレームの種別: got %s, want %s", msg.Type, msgNext)
		}
		if msg.ID != "sub-1" {
			t.Errorf("配信フレームのID: got %s, want sub-1", msg.ID)
		}

		notification := deliveredNotification(t, msg)
		if notification == nil {
			t.Fatal("通知ペイロードがnullになっている")
		}
		var delivered struct {
			Message          string `json:"message"`
			NotificationType string `json:"notificationType"`
			Article          *struct {
				Slug string `json:"slug"`
			} `json:"article"`
		}
		if err := json.Unmarshal(notification, &delivered); err != nil {
			t.Fatalf("通知ペイロードのパースに失敗: %v", err)
		}
		if delivered.Message != "公開おめでとうございます" {
			t.Errorf("message: got %s", delivered.Message)
		}
		if delivered.NotificationType != "article_published" {
			t.Errorf("notificationType: got %s", delivered.NotificationType)
		}
		if delivered.Article == nil || delivered.Article.Slug != "hello-world" {
			t.Errorf("article: got %+v", delivered.Article)
		}
	})

	t.Run("旧バリアントではdataフレームで届く", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, "user-1")
		ts := httptest.NewServer(s.router)
		t.Cleanup(ts.Close)

		conn := mustDialWS(t, ts, []string{"graphql-ws"}, "")
		initPayload := fmt.Sprintf(`{"authorization":"%s"}`, mintToken(t, "user-1"))
		handshakeAndSubscribe(t, conn, initPayload, "1", msgStart)

		if _, err := s.publisher.Publish(context.Background(), PublishInput{
			RecipientID: "user-1",
			Kind:        "comment_added",
			Title:       "新しいコメント",
			Message:     "記事にコメントが付きました",
		}); err != nil {
			t.Fatalf("通知の発行に失敗: %v", err)
		}

		msg := readFrame(t, conn)
		if msg.Type != msgData {
			t.Errorf("配信フレームの種別: got %s, want %s", msg.Type, msgData)
		}
	})

	t.Run("tokenクエリパラメータでも認証できる", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, "user-1")
		ts := httptest.NewServer(s.router)
		t.Cleanup(ts.Close)

		conn := mustDialWS(t, ts, []string{"graphql-transport-ws"}, "token="+mintToken(t, "user-1"))
		handshakeAndSubscribe(t, conn, "", "sub-1", msgSubscribe)

		if _, err := s.publisher.Publish(context.Background(), PublishInput{
			RecipientID: "user-1",
			Kind:        "system",
			Title:       "お知らせ",
			Message:     "メンテナンスのお知らせ",
		}); err != nil {
			t.Fatalf("通知の発行に失敗: %v", err)
		}

		msg := readFrame(t, conn)
		if deliveredNotification(t, msg) == nil {
			t.Error("通知ペイロードがnullになっている")
		}
	})

	t.Run("匿名接続にはanonymousトピックのブロードキャストが届く", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		ts := httptest.NewServer(s.router)
		t.Cleanup(ts.Close)

		conn := mustDialWS(t, ts, []string{"graphql-transport-ws"}, "")
		handshakeAndSubscribe(t, conn, "", "sub-1", msgSubscribe)

		broadcast := []byte(`{"id":"n-1","message":"全体メンテナンスのお知らせ","notificationType":"system","createdAt":"2026-09-01T00:00:00Z"}`)
		if err := s.bridge.Publish(context.Background(), TopicAnonymous, broadcast); err != nil {
			t.Fatalf("ブロードキャストの発行に失敗: %v", err)
		}

		msg := readFrame(t, conn)
		if string(deliveredNotification(t, msg)) != string(broadcast) {
			t.Errorf("配信内容が一致しない: got %s", deliveredNotification(t, msg))
		}
	})

	t.Run("他ユーザー宛ての通知は届かない", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, "user-1")
		ts := httptest.NewServer(s.router)
		t.Cleanup(ts.Close)

		conn := mustDialWS(t, ts, []string{"graphql-transport-ws"}, "token="+mintToken(t, "user-1"))
		handshakeAndSubscribe(t, conn, "", "sub-1", msgSubscribe)

		if _, err := s.publisher.Publish(context.Background(), PublishInput{
			RecipientID: "user-2",
			Kind:        "system",
			Title:       "x",
			Message:     "他人宛て",
		}); err != nil {
			t.Fatalf("通知の発行に失敗: %v", err)
		}

		expectNoFrame(t, conn, 300*time.Millisecond)
	})

	t.Run("接続中の再認証で配信先トピックが切り替わる", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, "user-1", "user-2")
		ts := httptest.NewServer(s.router)
		t.Cleanup(ts.Close)

		conn := mustDialWS(t, ts, []string{"graphql-transport-ws"}, "token="+mintToken(t, "user-1"))
		handshakeAndSubscribe(t, conn, "", "sub-1", msgSubscribe)

		// 別ユーザーのトークンで再認証する
		sendFrame(t, conn, fmt.Sprintf(`{"type":"connection_init","payload":{"Authorization":"Bearer %s"}}`, mintToken(t, "user-2")))
		if msg := readFrame(t, conn); msg.Type != msgConnectionAck {
			t.Fatalf("ackの種別: got %s, want %s", msg.Type, msgConnectionAck)
		}

		// 切り替え後はユーザートピックに1つだけ属している
		s.registry.mu.Lock()
		_, oldTopic := s.registry.topics[TopicForUser("user-1")]
		_, newTopic := s.registry.topics[TopicForUser("user-2")]
		s.registry.mu.Unlock()
		if oldTopic {
			t.Error("再認証後も以前のユーザートピックが残っている")
		}
		if !newTopic {
			t.Error("再認証後の新しいユーザートピックが存在しない")
		}

		// 以前のユーザー宛てと新しいユーザー宛てを順に発行し、
		// 届く最初のフレームが新しいユーザー宛てであることを確認する
		// （以前のトピックに残っていれば先にそちらの通知が届いてしまう）
		if _, err := s.publisher.Publish(context.Background(), PublishInput{
			RecipientID: "user-1",
			Kind:        "system",
			Title:       "x",
			Message:     "切り替え前のユーザー宛て",
		}); err != nil {
			t.Fatalf("通知の発行に失敗: %v", err)
		}
		if _, err := s.publisher.Publish(context.Background(), PublishInput{
			RecipientID: "user-2",
			Kind:        "system",
			Title:       "x",
			Message:     "切り替え後のユーザー宛て",
		}); err != nil {
			t.Fatalf("通知の発行に失敗: %v", err)
		}

		msg := readFrame(t, conn)
		notification := deliveredNotification(t, msg)
		if notification == nil {
			t.Fatal("切り替え後のトピックへの配信が届いていない")
		}
		var delivered struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(notification, &delivered); err != nil {
			t.Fatalf("通知ペイロードのパースに失敗: %v", err)
		}
		if delivered.Message != "切り替え後のユーザー宛て" {
			t.Errorf("message: got %s, want 切り替え後のユーザー宛て", delivered.Message)
		}
	})

	t.Run("completeで購読を終了すると以後の通知は届かない", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, "user-1")
		ts := httptest.NewServer(s.router)
		t.Cleanup(ts.Close)

		conn := mustDialWS(t, ts, []string{"graphql-transport-ws"}, "token="+mintToken(t, "user-1"))
		handshakeAndSubscribe(t, conn, "", "sub-1", msgSubscribe)

		sendFrame(t, conn, `{"type":"complete","id":"sub-1"}`)
		// completeの処理完了をping/pongの往復で同期する
		sendFrame(t, conn, `{"type":"ping"}`)
		if pong := readFrame(t, conn); pong.Type != msgPong {
			t.Fatalf("pongの種別: got %s, want %s", pong.Type, msgPong)
		}

		if _, err := s.publisher.Publish(context.Background(), PublishInput{
			RecipientID: "user-1",
			Kind:        "system",
			Title:       "x",
			Message:     "購読終了後の通知",
		}); err != nil {
			t.Fatalf("通知の発行に失敗: %v", err)
		}

		expectNoFrame(t, conn, 300*time.Millisecond)
	})
}

// TestWebSocketRobustness は不正・未知のフレームに対する耐性のテスト。
func TestWebSocketRobustness(t *testing.T) {
	t.Parallel()

	t.Run("pingにpongを応答する", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		ts := httptest.NewServer(s.router)
		t.Cleanup(ts.Close)

		conn := mustDialWS(t, ts, []string{"graphql-transport-ws"}, "")
		sendFrame(t, conn, `{"type":"ping"}`)

		if msg := readFrame(t, conn); msg.Type != msgPong {
			t.Errorf("種別: got %s, want %s", msg.Type, msgPong)
		}
	})

	t.Run("不正なJSONフレームを受けても接続は維持される", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		ts := httptest.NewServer(s.router)
		t.Cleanup(ts.Close)

		conn := mustDialWS(t, ts, []string{"graphql-transport-ws"}, "")
		sendFrame(t, conn, `{this is not json`)
		sendFrame(t, conn, `{"type":"ping"}`)

		if msg := readFrame(t, conn); msg.Type != msgPong {
			t.Errorf("種別: got %s, want %s", msg.Type, msgPong)
		}
	})

	t.Run("未知のメッセージ種別は無視される", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		ts := httptest.NewServer(s.router)
		t.Cleanup(ts.Close)

		conn := mustDialWS(t, ts, []string{"graphql-transport-ws"}, "")
		sendFrame(t, conn, `{"type":"teleport"}`)
		sendFrame(t, conn, `{"type":"ping"}`)

		if msg := readFrame(t, conn); msg.Type != msgPong {
			t.Errorf("種別: got %s, want %s", msg.Type, msgPong)
		}
	})

	t.Run("認証失敗は匿名として継続しackが返る", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t) // 有効なユーザー無し
		ts := httptest.NewServer(s.router)
		t.Cleanup(ts.Close)

		conn := mustDialWS(t, ts, []string{"graphql-transport-ws"}, "")
		initPayload := fmt.Sprintf(`{"Authorization":"Bearer %s"}`, mintToken(t, "user-unknown"))
		sendFrame(t, conn, fmt.Sprintf(`{"type":"connection_init","payload":%s}`, initPayload))

		if msg := readFrame(t, conn); msg.Type != msgConnectionAck {
			t.Errorf("種別: got %s, want %s", msg.Type, msgConnectionAck)
		}
	})

	t.Run("notificationAdded以外の購読には初回フレームが返らない", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		ts := httptest.NewServer(s.router)
		t.Cleanup(ts.Close)

		conn := mustDialWS(t, ts, []string{"graphql-transport-ws"}, "")
		sendFrame(t, conn, `{"type":"connection_init"}`)
		if msg := readFrame(t, conn); msg.Type != msgConnectionAck {
			t.Fatalf("種別: got %s, want %s", msg.Type, msgConnectionAck)
		}

		sendFrame(t, conn, `{"type":"subscribe","id":"sub-1","payload":{"query":"subscription { articleUpdated { id } }"}}`)
		sendFrame(t, conn, `{"type":"ping"}`)

		// 初回フレームが生成されていればpongより先に届くはず
		if msg := readFrame(t, conn); msg.Type != msgPong {
			t.Errorf("種別: got %s, want %s", msg.Type, msgPong)
		}
	})
}

// TestWebSocketDisconnect は切断時のクリーンアップのテスト。
func TestWebSocketDisconnect(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, "user-1")
	ts := httptest.NewServer(s.router)
	t.Cleanup(ts.Close)

	conn := mustDialWS(t, ts, []string{"graphql-transport-ws"}, "token="+mintToken(t, "user-1"))
	handshakeAndSubscribe(t, conn, "", "sub-1", msgSubscribe)
	conn.Close()

	// 切断処理の完了を待ってから空になったトピックの状態を確認する
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.registry.mu.Lock()
		_, exists := s.registry.topics[TopicForUser("user-1")]
		s.registry.mu.Unlock()
		if !exists {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("切断後もトピックの状態が残っている")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
