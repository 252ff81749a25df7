// Package httpclient はサービス間のHTTP通信を行うクライアントを提供する。
//
// リアルタイム通知サービスがユーザーサービスのアカウント情報を参照する際や、
// 記事ワークフローなどの発行元が通知APIを呼び出す際に使用する。
package httpclient
