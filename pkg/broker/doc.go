// Package broker はプロセス間のトピック別pub/subブリッジを提供する。
//
// グループレジストリのプロセスローカルなファンアウトを複数プロセスへ
// 拡張する。配信はat-most-onceであり、再送や永続化は行わない。
// 本番環境ではRedisのpub/subを、テストや単一プロセス構成では
// インメモリ実装を使用する。
package broker
