package broker

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// Memory はインメモリのpub/subブリッジ。
// 単一プロセス構成とテストで使用する。
type Memory struct {
	// mu は購読者マップを保護するミューテックス。
	mu sync.Mutex
	// subs はトピック名から購読者チャネルの集合へのマッピング。
	subs map[string]map[chan []byte]struct{}
	// closed はCloseが呼ばれた後にtrueになる。
	closed bool
}

// NewMemory は新しいインメモリブリッジを生成する。
func NewMemory() *Memory {
	return &Memory{
		subs: make(map[string]map[chan []byte]struct{}),
	}
}

// Publish はトピックの全購読者へペイロードを配信する。
// 購読者のバッファが満杯の場合、その購読者への配信は破棄される（at-most-once）。
func (m *Memory) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("ブリッジはクローズ済みです")
	}

	for ch := range m.subs[topic] {
		select {
		case ch <- payload:
		default:
			// 受信側が追いつかない場合は破棄する
			log.Printf("[Broker] トピック %s の購読者バッファが満杯のため配信を破棄しました", topic)
		}
	}
	return nil
}

// Subscribe はトピックの購読を開始する。
// ctxのキャンセルで購読が解除され、返されたチャネルがクローズされる。
func (m *Memory) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("ブリッジはクローズ済みです")
	}

	ch := make(chan []byte, subscribeBufferSize)
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[chan []byte]struct{})
	}
	m.subs[topic][ch] = struct{}{}

	go func() {
		<-ctx.Done()
		m.unsubscribe(topic, ch)
	}()

	return ch, nil
}

// unsubscribe は購読者を登録解除しチャネルをクローズする。
func (m *Memory) unsubscribe(topic string, ch chan []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs, ok := m.subs[topic]
	if !ok {
		return
	}
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	if len(subs) == 0 {
		delete(m.subs, topic)
	}
	close(ch)
}

// Close はブリッジを停止し、すべての購読チャネルをクローズする。
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	for topic, subs := range m.subs {
		for ch := range subs {
			close(ch)
		}
		delete(m.subs, topic)
	}
	return nil
}
