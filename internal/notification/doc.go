// Package notification は通知ダッシュボードの中核となる通知配信サブシステムを提供する。
//
// 通知の作成（個別・全ユーザー一斉）、既読管理、ページネーション付き一覧取得に加え、
// 配信予約された通知を定期的にスキャンして配信する配信スケジューラを持つ。
// 配信予定時刻が未来の通知は、どの一覧クエリからも閲覧者に見えない。
package notification
