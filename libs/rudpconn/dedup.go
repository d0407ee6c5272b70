package rudpconn

import (
	"crypto/rand"

	lru "github.com/hashicorp/golang-lru"
	"github.com/minio/highwayhash"
	"github.com/pkg/errors"
)

// dedup remembers the hashes of recent datagrams.
type dedup struct {
	key  [32]byte
	seen *lru.Cache
}

func newDedup(window int) (*dedup, error) {
	d := &dedup{}
	if _, err := rand.Read(d.key[:]); err != nil {
		return nil, errors.Wrap(err, "dedup key")
	}
	cache, err := lru.New(window)
	if err != nil {
		return nil, errors.Wrap(err, "dedup cache")
	}
	d.seen = cache
	return d, nil
}

// duplicate reports whether p was seen within the window, and remembers it.
func (d *dedup) duplicate(p []byte) bool {
	found, _ := d.seen.ContainsOrAdd(highwayhash.Sum64(p, d.key[:]), struct{}{})
	return found
}
