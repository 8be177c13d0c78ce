// 通知サービスのエントリポイント。
// 通知の作成・閲覧APIと、予約通知を定期的に配信するスケジューラーを起動する。
package main

import (
	"log"
	"os"

	"github.com/liderhub/notify/internal/notification"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8086"
	}

	server, err := notification.NewServer(port)
	if err != nil {
		log.Fatalf("通知サーバーの初期化に失敗: %v", err)
	}

	// スケジューラーはサーバー起動時に明示的に開始する。
	server.Scheduler().Start()
	defer server.Scheduler().Stop()

	log.Printf("通知サービスを起動します: :%s", port)
	if err := server.Run(); err != nil {
		log.Fatalf("通知サービスの起動に失敗: %v", err)
	}
}
