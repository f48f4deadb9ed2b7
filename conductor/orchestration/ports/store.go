package conductorports

import "context"

// KVStore is the persistence collaborator. Get reports absence with ok=false, not an error.
type KVStore interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Put(ctx context.Context, key string, value []byte) error
}
