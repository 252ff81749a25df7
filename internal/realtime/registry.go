package realtime

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/newsor/realtime/pkg/broker"
)

// TopicAnonymous は未認証の接続が属する予約済みトピック名。
const TopicAnonymous = "anonymous"

// TopicForUser はユーザーIDからトピック名を導出する。
// 導出は決定的であり、複数プロセスが調整なしで同じトピック名に到達する。
func TopicForUser(userID string) string {
	return "user:" + userID
}

// memberBufferSize はメンバーごとの配信バッファサイズ。
// バッファが満杯のメンバーは追従できない接続とみなして切断する。
const memberBufferSize = 16

// Member はレジストリに登録される接続側の受け口。
type Member struct {
	// Events はブローカーから配信されたペイロードを受け取るチャネル。
	Events chan []byte
	// kick はバッファ満杯時に接続を切断するためのコールバック。
	kick func()
}

// NewMember は新しいレジストリメンバーを生成する。
// kickは配信バッファが満杯になったときに呼び出される。
func NewMember(kick func()) *Member {
	return &Member{
		Events: make(chan []byte, memberBufferSize),
		kick:   kick,
	}
}

// topicState は1トピック分のメンバー集合とブローカー購読の状態。
type topicState struct {
	// members はこのトピックに属するメンバーの集合。
	members map[*Member]struct{}
	// cancel はブローカー購読を停止するための関数。
	cancel context.CancelFunc
}

// Registry はトピック名から生存中の接続メンバー集合へのマッピング。
//
// join/leaveは冪等であり、複数の接続goroutineからの並行操作に対して
// 個々の操作は不可分である。トピックの最初のメンバーが参加したときに
// ブローカー購読を開始し、最後のメンバーが離脱したときに停止する。
type Registry struct {
	// mu はtopicsを保護するミューテックス。
	mu sync.Mutex
	// bridge はプロセス間ファンアウト用のブローカーブリッジ。
	bridge broker.Bridge
	// topics はトピック名から状態へのマッピング。
	topics map[string]*topicState
	// ctx はレジストリの生存期間を表すコンテキスト。
	ctx context.Context
	// cancel はctxをキャンセルしすべての購読を停止する。
	cancel context.CancelFunc
}

// NewRegistry は新しいグループレジストリを生成する。
func NewRegistry(bridge broker.Bridge) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		bridge: bridge,
		topics: make(map[string]*topicState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Join はメンバーをトピックに参加させる。既に参加済みの場合は何もしない。
func (r *Registry) Join(topic string, m *Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joinLocked(topic, m)
}

// Leave はメンバーをトピックから離脱させる。参加していない場合は何もしない。
func (r *Registry) Leave(topic string, m *Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(topic, m)
}

// Switch はメンバーをfromトピックからtoトピックへ不可分に移動させる。
// 1つのロック区間内で離脱と参加を行うため、外部からはメンバーが
// トピックに属していない瞬間も2つのユーザートピックに属する瞬間も観測されない。
func (r *Registry) Switch(from, to string, m *Member) error {
	if from == to {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.joinLocked(to, m); err != nil {
		return err
	}
	r.leaveLocked(from, m)
	return nil
}

// LeaveAll はメンバーをすべてのトピックから離脱させる。
// 接続の切断時のクリーンアップとして必ず呼び出される。
func (r *Registry) LeaveAll(m *Member) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for topic := range r.topics {
		r.leaveLocked(topic, m)
	}
}

// Close はレジストリを停止し、すべてのブローカー購読を解除する。
func (r *Registry) Close() {
	r.cancel()
}

// joinLocked はロック保持中にメンバーをトピックへ追加する。
// トピックの最初のメンバーの場合はブローカー購読を開始する。
func (r *Registry) joinLocked(topic string, m *Member) error {
	ts, ok := r.topics[topic]
	if !ok {
		subCtx, subCancel := context.WithCancel(r.ctx)
		ch, err := r.bridge.Subscribe(subCtx, topic)
		if err != nil {
			subCancel()
			return fmt.Errorf("トピック %s のブローカー購読に失敗: %w", topic, err)
		}

		ts = &topicState{
			members: make(map[*Member]struct{}),
			cancel:  subCancel,
		}
		r.topics[topic] = ts

		go r.pump(topic, ch)
	}

	ts.members[m] = struct{}{}
	return nil
}

// leaveLocked はロック保持中にメンバーをトピックから削除する。
// 最後のメンバーが離脱した場合はブローカー購読を停止する。
func (r *Registry) leaveLocked(topic string, m *Member) {
	ts, ok := r.topics[topic]
	if !ok {
		return
	}
	if _, ok := ts.members[m]; !ok {
		return
	}

	delete(ts.members, m)
	if len(ts.members) == 0 {
		ts.cancel()
		delete(r.topics, topic)
	}
}

// pump はブローカーからの受信ループ。トピックの購読が解除されると終了する。
func (r *Registry) pump(topic string, ch <-chan []byte) {
	for payload := range ch {
		r.dispatch(topic, payload)
	}
}

// dispatch はペイロードをトピックの全メンバーへ配信する。
// 配信バッファが満杯のメンバーはブロックせずに切断する（他の購読者の
// ファンアウトを遅い接続が止めてはならない）。
func (r *Registry) dispatch(topic string, payload []byte) {
	r.mu.Lock()
	ts, ok := r.topics[topic]
	if !ok {
		r.mu.Unlock()
		return
	}
	members := make([]*Member, 0, len(ts.members))
	for m := range ts.members {
		members = append(members, m)
	}
	r.mu.Unlock()

	for _, m := range members {
		select {
		case m.Events <- payload:
		default:
			log.Printf("[Registry] トピック %s のメンバーが配信に追従できないため切断します", topic)
			m.kick()
		}
	}
}
