// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// JWT認証トークンの生成・検証、パニックリカバリ、CORS設定など、
// REST APIとWebSocketエンドポイントで共通して使用する処理を含む。
package middleware
