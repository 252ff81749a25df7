package realtime

import (
	"context"
	"fmt"
	"strings"

	"github.com/newsor/realtime/pkg/httpclient"
	"github.com/newsor/realtime/pkg/middleware"
)

// TokenVerifier はベアラートークンを検証し、ユーザーIDへ解決する。
//
// JWTの署名と有効期限を検証した後、埋め込まれたユーザーIDを
// ユーザーサービスに照会して有効なアカウントであることを確認する。
// 失敗はすべてエラーとして返り、呼び出し側はそれを匿名への
// ダウングレードとして扱う。検証失敗が接続を切断することはない。
type TokenVerifier struct {
	// secret はJWT署名検証用の共有シークレット。
	secret string
	// userClient はユーザーサービスへの通信クライアント。
	userClient *httpclient.Client
}

// NewTokenVerifier は新しいトークン検証器を生成する。
func NewTokenVerifier(secret string, userClient *httpclient.Client) *TokenVerifier {
	return &TokenVerifier{
		secret:     secret,
		userClient: userClient,
	}
}

// userAccount はユーザーサービスのアカウント参照APIのレスポンス。
type userAccount struct {
	// ID はユーザーの一意識別子。
	ID string `json:"id"`
	// Username はユーザー名。
	Username string `json:"username"`
	// IsActive はアカウントが有効かどうか。
	IsActive bool `json:"is_active"`
}

// Verify はベアラートークンを検証してユーザーIDを返す。
// "Bearer " 接頭辞の有無はどちらも受け付ける。
// トークン不正・期限切れ・アカウント無効・アカウント不存在のいずれも
// エラーを返す。
func (v *TokenVerifier) Verify(ctx context.Context, credential string) (string, error) {
	credential = strings.TrimPrefix(credential, "Bearer ")
	if credential == "" {
		return "", fmt.Errorf("認証情報が空です")
	}

	claims, err := middleware.ParseJWT(v.secret, credential)
	if err != nil {
		return "", fmt.Errorf("トークンの検証に失敗: %w", err)
	}
	if claims.UserID == "" {
		return "", fmt.Errorf("トークンにユーザーIDが含まれていません")
	}

	var account userAccount
	if err := v.userClient.GetJSON(ctx, "/api/v1/internal/users/"+claims.UserID, &account); err != nil {
		return "", fmt.Errorf("アカウントの照会に失敗: %w", err)
	}
	if !account.IsActive {
		return "", fmt.Errorf("アカウントが無効化されています: user_id=%s", claims.UserID)
	}

	return claims.UserID, nil
}
