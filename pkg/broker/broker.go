package broker

import "context"

// subscribeBufferSize はSubscribeが返すチャネルのバッファサイズ。
// 受信側が一時的に遅れてもPublishをブロックさせないための余裕。
const subscribeBufferSize = 64

// Bridge はトピック別pub/subブリッジのインターフェース。
//
// Publishはfire-and-forgetであり、同一トピック・同一発行元に対しては
// ベストエフォートでFIFO順を保つ。トピックをまたいだ順序保証はない。
type Bridge interface {
	// Publish はトピックへペイロードを発行する。
	// 購読者が存在しない場合もエラーにはならない。
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe はトピックの購読を開始し、ペイロードのストリームを返す。
	// ctxがキャンセルされると購読は解除され、チャネルはクローズされる。
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)
	// Close はブリッジを停止し、すべての購読チャネルをクローズする。
	Close() error
}
