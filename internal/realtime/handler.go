package realtime

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// inboundBufferSize は受信フレームチャネルのバッファサイズ。
const inboundBufferSize = 8

// upgrader はWebSocketへのプロトコルアップグレードを行う。
// サブプロトコルの選択はアップグレード前に自前で行う
// （サーバー側の優先順位で選ぶため、Upgraderには任せない）。
var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool {
		// オリジン検証はCORSミドルウェアを通過したフロントエンドに委ねる
		return true
	},
}

// handleWebSocket はWebSocket接続のエントリポイント。
// サブプロトコルのネゴシエーションに失敗した場合はアップグレードせずに
// 接続を拒否する（フレームは一切送信しない）。
func (s *Server) handleWebSocket(c *gin.Context) {
	variant, ok := negotiateSubprotocol(websocket.Subprotocols(c.Request))
	if !ok {
		log.Printf("[WebSocket] 対応するサブプロトコルが提示されなかったため接続を拒否します")
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, http.Header{
		"Sec-WebSocket-Protocol": {string(variant)},
	})
	if err != nil {
		// Upgradeは失敗時に自身でHTTPエラーを応答する
		log.Printf("[WebSocket] アップグレードに失敗: %v", err)
		return
	}

	h := &connHandler{
		conn:     conn,
		registry: s.registry,
		verifier: s.verifier,
		session: &session{
			connectionID: uuid.New().String(),
			variant:      variant,
		},
	}
	h.run(c.Request)
}

// connHandler は1本のWebSocket接続のプロトコル状態機械。
//
// 受信フレームの処理とブローカーイベントの配信は1つのループgoroutineに
// 直列化される。同一接続のフレームが並行処理されることはないため、
// 再認証時のトピック切り替えは接続内では競合しない。
type connHandler struct {
	// conn は物理的なWebSocket接続。
	conn *websocket.Conn
	// registry はグループレジストリ。
	registry *Registry
	// verifier はトークン検証器。
	verifier *TokenVerifier
	// session はこの接続のセッション状態。ループgoroutineだけが変更する。
	session *session
	// member はレジストリに登録される受け口。
	member *Member
}

// run は接続のライフサイクル全体を駆動する。呼び出し元のgoroutineをブロックする。
// どの経路で終了してもレジストリからの離脱とソケットのクローズを必ず実行する。
func (h *connHandler) run(r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())

	h.member = NewMember(func() {
		// 配信に追従できない接続はレジストリ側から切断される
		_ = h.conn.Close()
	})

	defer func() {
		cancel()
		h.registry.LeaveAll(h.member)
		_ = h.conn.Close()
		log.Printf("[WebSocket] 接続を終了しました: connection_id=%s", h.session.connectionID)
	}()

	// 接続時点で利用可能な帯域外の認証情報でベストエフォートの認証を行う
	if credential := credentialFromRequest(r); credential != "" {
		if userID, err := h.verifier.Verify(ctx, credential); err != nil {
			log.Printf("[WebSocket] 接続時の認証に失敗（匿名として継続）: %v", err)
		} else {
			h.session.userID = userID
		}
	}

	topic := TopicAnonymous
	if h.session.authenticated() {
		topic = TopicForUser(h.session.userID)
	}
	if err := h.registry.Join(topic, h.member); err != nil {
		log.Printf("[WebSocket] トピックへの参加に失敗: %v", err)
		return
	}
	h.session.topic = topic

	log.Printf("[WebSocket] 接続を受け付けました: connection_id=%s variant=%s topic=%s",
		h.session.connectionID, h.session.variant, topic)

	// 受信専用goroutine。ループ本体はブローカーイベントとの多重化のため
	// チャネル経由でフレームを受け取る。
	inbound := make(chan []byte, inboundBufferSize)
	go func() {
		defer close(inbound)
		for {
			_, data, err := h.conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case inbound <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case data, ok := <-inbound:
			if !ok {
				// クライアント切断またはトランスポートエラー
				return
			}
			if !h.handleMessage(ctx, data) {
				return
			}
		case payload := <-h.member.Events:
			if !h.deliver(payload) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// credentialFromRequest は接続時のリクエストから認証情報を取り出す。
// Authorizationヘッダーを優先し、無ければtokenクエリパラメータを使う。
func credentialFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// handleMessage は受信フレームを1件処理する。falseを返すと接続を終了する。
// 不正なJSONは破棄して接続を維持する。未知のtype値はログに記録して無視する。
func (h *connHandler) handleMessage(ctx context.Context, data []byte) bool {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("[WebSocket] 不正なJSONフレームを破棄: connection_id=%s", h.session.connectionID)
		return true
	}

	switch msg.Type {
	case msgConnectionInit:
		return h.handleConnectionInit(ctx, msg)
	case msgSubscribe, msgStart:
		return h.handleSubscribe(msg)
	case msgComplete, msgStop:
		h.session.subscriptionID = ""
		return true
	case msgPing:
		return h.write(pongFrame())
	case msgPong:
		return true
	default:
		log.Printf("[WebSocket] 未知のメッセージ種別を無視: type=%s connection_id=%s",
			msg.Type, h.session.connectionID)
		return true
	}
}

// handleConnectionInit はconnection_initメッセージを処理する。
//
// ペイロードに認証情報が含まれていれば再認証を行い、成功した場合は
// 以前のトピックから新しいユーザートピックへ不可分に移動する。
// 認証の失敗は匿名へのダウングレードであり、接続は切断しない
// （認証情報が揃う前に接続するクライアントを許容するため）。
// 結果に関わらずconnection_ackを応答する。
func (h *connHandler) handleConnectionInit(ctx context.Context, msg inboundMessage) bool {
	if credential := credentialFromInitPayload(msg.Payload); credential != "" {
		userID, err := h.verifier.Verify(ctx, credential)
		if err != nil {
			log.Printf("[WebSocket] connection_initの認証に失敗（匿名として継続）: %v", err)
		} else if err := h.switchTopic(userID); err != nil {
			log.Printf("[WebSocket] トピックの切り替えに失敗: %v", err)
		}
	}
	return h.write(ackFrame())
}

// switchTopic はセッションを認証済みユーザーのトピックへ移動させる。
func (h *connHandler) switchTopic(userID string) error {
	newTopic := TopicForUser(userID)
	if err := h.registry.Switch(h.session.topic, newTopic, h.member); err != nil {
		return err
	}
	h.session.userID = userID
	h.session.topic = newTopic
	log.Printf("[WebSocket] 認証によりトピックを切り替えました: connection_id=%s topic=%s",
		h.session.connectionID, newTopic)
	return nil
}

// handleSubscribe はsubscribe/startメッセージを処理する。
//
// このサービスが認識する論理サブスクリプションは「自分宛ての通知」の
// 1つだけである。通知サブスクリプションの場合は相関IDを記録し、
// 生存確認を兼ねたnullペイロードの初回フレームを応答する。
// それ以外の操作は受理するが以後のフレームは生成しない。
func (h *connHandler) handleSubscribe(msg inboundMessage) bool {
	var payload subscribePayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			log.Printf("[WebSocket] subscribeペイロードの解析に失敗: %v", err)
			return true
		}
	}

	if !strings.Contains(payload.Query, subscriptionField) {
		return true
	}

	h.session.subscriptionID = msg.ID

	frame, err := deliveryFrame(h.session.variant, h.session.subscriptionID, nil)
	if err != nil {
		log.Printf("[WebSocket] 初回フレームの生成に失敗: %v", err)
		return true
	}
	return h.write(frame)
}

// deliver はブローカーから届いた通知イベントを配信フレームとして書き込む。
// アクティブな購読が無い場合、イベントは黙って破棄される
// （バッファリングも再配信も行わない。配信はat-most-once）。
func (h *connHandler) deliver(payload []byte) bool {
	if h.session.subscriptionID == "" {
		return true
	}

	frame, err := deliveryFrame(h.session.variant, h.session.subscriptionID, payload)
	if err != nil {
		log.Printf("[WebSocket] 配信フレームの生成に失敗: %v", err)
		return true
	}
	return h.write(frame)
}

// write はフレームをソケットへ書き込む。falseを返すと接続を終了する。
// すべての書き込みはループgoroutineから行われるため直列化されている。
func (h *connHandler) write(frame []byte) bool {
	if err := h.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		log.Printf("[WebSocket] フレームの書き込みに失敗: connection_id=%s: %v",
			h.session.connectionID, err)
		return false
	}
	return true
}
