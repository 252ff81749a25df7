// Package realtime はリアルタイム通知配信サービスの内部実装を提供する。
//
// WebSocket経由のGraphQLサブスクリプションプロトコル（graphql-transport-ws /
// graphql-ws）で接続中のクライアントへ通知を配信する。通知の永続化と
// 既読管理のREST API、記事ワークフロー等の発行元が呼び出す内部発行APIも持つ。
// プロセス間のファンアウトはpkg/brokerのブリッジ経由で行う。
package realtime
