package realtime

// session は1本のWebSocket接続に対応するインメモリの状態。
// 接続時に生成され、切断時に破棄される。永続化は行わない。
// すべてのフィールドは接続ハンドラのループgoroutineだけが変更するため、
// ロックは不要である。
type session struct {
	// connectionID はプロセスローカルな接続の識別子（UUID）。
	connectionID string
	// variant は接続時にネゴシエートされたサブプロトコル。接続後は不変。
	variant Variant
	// userID は認証済みユーザーのID。空文字列は匿名を表す。
	userID string
	// topic は現在参加しているトピック名。
	// 匿名接続はTopicAnonymousに、認証済み接続はユーザートピックに常に1つだけ属する。
	topic string
	// subscriptionID はクライアントが採番したサブスクリプションの相関ID。
	// 空文字列は購読が無いことを表し、その間の通知イベントは破棄される。
	subscriptionID string
}

// authenticated はこのセッションが認証済みかどうかを返す。
func (s *session) authenticated() bool {
	return s.userID != ""
}
