// リアルタイム通知サービスのエントリポイント。
// WebSocket経由のサブスクリプション配信と、通知の永続化・既読管理の
// REST APIを提供する。
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/newsor/realtime/internal/realtime"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8088"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := realtime.NewServer(ctx, port)
	if err != nil {
		log.Fatalf("リアルタイム通知サーバーの初期化に失敗: %v", err)
	}

	go func() {
		<-ctx.Done()
		if err := server.Close(); err != nil {
			log.Printf("リアルタイム通知サーバーの停止処理に失敗: %v", err)
		}
	}()

	log.Printf("リアルタイム通知サービスを起動します: :%s", port)
	if err := server.Run(); err != nil {
		log.Fatalf("リアルタイム通知サービスの起動に失敗: %v", err)
	}
}
