// Package httpclient はサービス間のHTTP通信を行うクライアントを提供する。
//
// 通知サービスがユーザーディレクトリサービスのAPIを呼び出す際に使用する。
// タイムアウトとエラー処理を統一し、JSONのシリアライズを共通化する。
package httpclient
