// Package directory はユーザーディレクトリサービスの内部実装を提供する。
//
// ユーザーIDから名前とメールアドレスを引くだけの小さなサービス。
// 通知サービスは全体通知をユーザーごとの行へ展開する際に、
// ここから全ユーザーの一覧を取得する。
package directory
