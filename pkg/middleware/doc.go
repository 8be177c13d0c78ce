// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// パニックリカバリ、CORS設定など、通知サービスとディレクトリサービスの
// 両方で共通して使用するミドルウェアを含む。
package middleware
