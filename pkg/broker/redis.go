package broker

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

// Redis はRedisのpub/subを利用したプロセス間ブリッジ。
// トピックごとに1つのRedisチャネルを使用する。
type Redis struct {
	// client はRedisクライアント。
	client *redis.Client
}

// NewRedis はRedisブリッジを生成する。
// redisURLには "redis://host:port/db" 形式のURLを指定する。
// 起動時に疎通確認を行い、到達できない場合はエラーを返す。
func NewRedis(ctx context.Context, redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("Redis URLの解析に失敗: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("Redisへの接続に失敗: %w", err)
	}

	return &Redis{client: client}, nil
}

// Publish はトピックに対応するRedisチャネルへペイロードを発行する。
func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := r.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("Redisへの発行に失敗: topic=%s: %w", topic, err)
	}
	return nil
}

// Subscribe はトピックに対応するRedisチャネルの購読を開始する。
// ctxのキャンセルで購読が解除され、返されたチャネルがクローズされる。
func (r *Redis) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	pubsub := r.client.Subscribe(ctx, topic)

	// Receiveで購読確立を待つ。確立前のPublishは取りこぼすため。
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("Redisの購読開始に失敗: topic=%s: %w", topic, err)
	}

	out := make(chan []byte, subscribeBufferSize)
	go func() {
		defer close(out)
		defer func() {
			if err := pubsub.Close(); err != nil {
				log.Printf("[Broker] Redis購読のクローズに失敗: topic=%s: %v", topic, err)
			}
		}()

		msgs := pubsub.Channel()
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				default:
					log.Printf("[Broker] トピック %s の購読者バッファが満杯のため配信を破棄しました", topic)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Close はRedisクライアントをクローズする。
func (r *Redis) Close() error {
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("Redisクライアントのクローズに失敗: %w", err)
	}
	return nil
}
