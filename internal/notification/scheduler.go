package notification

import (
	"context"
	"log"
	"sync"
	"time"
)

// defaultSchedulerInterval は配信パスの既定の実行間隔。
const defaultSchedulerInterval = 60 * time.Second

// passTimeout は1回の配信パスに許容する最大時間。
const passTimeout = 30 * time.Second

// Scheduler は配信予約された通知を定期的に配信するバックグラウンドプロセス。
//
// ホストプロセスがStart/Stopで明示的にライフサイクルを制御する。
// 起動中は一定間隔で配信パスを実行し、配信予定時刻が到来した未配信の通知に
// sent_atを記録する。配信パスは冪等であり、対象が無ければ何もしない。
type Scheduler struct {
	// queries は通知テーブルへのクエリ実行オブジェクト。
	queries *Queries
	// interval は配信パスの実行間隔。
	interval time.Duration
	// now は現在時刻を返す関数。テストで差し替える。
	now func() time.Time

	// mu は以下の状態への並行アクセスを保護するミューテックス。
	mu sync.Mutex
	// running はスケジューラが起動中かどうか。
	running bool
	// cancel はポーリングループを停止するためのキャンセル関数。
	cancel context.CancelFunc
	// lastRun は最後に配信パスを開始した時刻。
	lastRun time.Time
}

// NewScheduler は新しい配信スケジューラを生成する。
// intervalが0以下の場合は既定値（60秒）を使用する。
func NewScheduler(queries *Queries, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = defaultSchedulerInterval
	}
	return &Scheduler{
		queries:  queries,
		interval: interval,
		now:      time.Now,
	}
}

// Start はスケジューラを起動する。
// 起動直後に1回配信パスを実行し、以降は一定間隔で繰り返す。
// すでに起動中の場合は何もしない（エラーではない）。
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		log.Println("[Scheduler] すでに起動中のため開始要求を無視します")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	log.Printf("[Scheduler] 配信スケジューラを開始します。実行間隔: %s", s.interval)
	go s.loop(ctx)
}

// Stop はスケジューラを停止する。
// Stopから戻った後に新しい配信パスが開始されることはない。
// 実行中の配信パスは中断されず最後まで完了する。すでに停止中の場合は何もしない。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		log.Println("[Scheduler] すでに停止中のため停止要求を無視します")
		return
	}

	s.running = false
	s.cancel()
	s.cancel = nil
	log.Println("[Scheduler] 配信スケジューラを停止しました")
}

// Status はスケジューラの現在状態。
type Status struct {
	// Running はスケジューラが起動中かどうか。
	Running bool `json:"running"`
	// LastRun は最後に配信パスを開始した時刻。未実行の場合はnil。
	LastRun *time.Time `json:"lastRun,omitempty"`
	// NextRun は次回配信パスの予定時刻の見積もり。停止中はnil。
	NextRun *time.Time `json:"nextRun,omitempty"`
}

// Status はスケジューラの現在状態を返す。
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Running: s.running}
	if !s.lastRun.IsZero() {
		lastRun := s.lastRun
		st.LastRun = &lastRun
	}
	if s.running && !s.lastRun.IsZero() {
		nextRun := s.lastRun.Add(s.interval)
		st.NextRun = &nextRun
	}
	return st
}

// loop はタイマー駆動のポーリングループ。
func (s *Scheduler) loop(ctx context.Context) {
	s.runPass()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runPass()
		}
	}
}

// runPass はタイマー起点の配信パスを1回実行する。
// Stop後に残っていたtickでは開始しない。パスの失敗はログに記録し、次のtickを待つ。
func (s *Scheduler) runPass() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.lastRun = s.now()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), passTimeout)
	defer cancel()

	result, err := s.DeliverDue(ctx)
	if err != nil {
		log.Printf("[Scheduler] 配信パスでエラーが発生: %v", err)
		return
	}
	if result.Count > 0 {
		log.Printf("[Scheduler] %d件の予約済み通知を配信しました", result.Count)
	}
}

// DeliveryResult は配信パス1回の実行結果。
type DeliveryResult struct {
	// Count は配信した通知の件数。
	Count int `json:"count"`
	// Notifications は配信した通知の一覧。
	Notifications []Notification `json:"notifications"`
}

// DeliverDue は配信パスを1回実行する。
//
// パス開始時点の現在時刻をただ1つ採取し、そのパスで配信される全通知に
// 同一のsent_atを記録する。各行の更新はsent_atがNULLの行だけを対象とする
// 条件付き更新で行われるため、同じ行が二度配信されることはなく、
// 直後にもう一度実行しても配信件数は0になる。
// 1行の更新失敗はその行をスキップして続行し、次回のパスで自然に再試行される。
func (s *Scheduler) DeliverDue(ctx context.Context) (*DeliveryResult, error) {
	now := s.now().UTC()

	due, err := s.queries.ListDue(ctx, now)
	if err != nil {
		return nil, err
	}

	delivered := make([]Notification, 0, len(due))
	for _, n := range due {
		claimed, err := s.queries.MarkSent(ctx, n.ID, now)
		if err != nil {
			log.Printf("[Scheduler] 通知 %s の配信記録に失敗（スキップ）: %v", n.ID, err)
			continue
		}
		if !claimed {
			// 別のパスがすでにこの行を配信済み
			continue
		}
		n.SentAt = &now
		n.UpdatedAt = now
		delivered = append(delivered, n)
	}

	return &DeliveryResult{
		Count:         len(delivered),
		Notifications: delivered,
	}, nil
}
