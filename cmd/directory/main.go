// ディレクトリサービスのエントリポイント。
// 全体配信のファンアウト先となるユーザー一覧を提供する。
package main

import (
	"log"
	"os"

	"github.com/liderhub/notify/internal/directory"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8087"
	}

	server, err := directory.NewServer(port)
	if err != nil {
		log.Fatalf("ディレクトリサーバーの初期化に失敗: %v", err)
	}

	log.Printf("ディレクトリサービスを起動します: :%s", port)
	if err := server.Run(); err != nil {
		log.Fatalf("ディレクトリサービスの起動に失敗: %v", err)
	}
}
