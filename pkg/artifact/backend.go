package artifact

import "context"

// Backend is the object storage behind the artifact store. Keys are
// slash-separated paths under the operations/ prefix; values are opaque
// ciphertext or metadata bytes.
type Backend interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Close() error
}
