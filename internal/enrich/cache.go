package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/zeta-mv/link-relay/internal/ratelimit"
)

var bucketIPCache = []byte("ipcache")

// Cache wraps a Lookup with a bbolt-backed store keyed by address. Records
// carry their retrieval date; there is no expiry, matching the address
// database's append-only history.
type Cache struct {
	db    *bolt.DB
	next  Lookup
	clock ratelimit.Clock
	log   *slog.Logger
}

func NewCache(db *bolt.DB, next Lookup, clock ratelimit.Clock, log *slog.Logger) (*Cache, error) {
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketIPCache)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("enrich: init cache bucket: %w", err)
	}
	return &Cache{db: db, next: next, clock: clock, log: log}, nil
}

func (c *Cache) Lookup(ctx context.Context, ip string) (Record, error) {
	if rec, ok := c.cached(ip); ok {
		return rec, nil
	}

	rec, err := c.next.Lookup(ctx, ip)
	if err != nil {
		return Record{}, err
	}
	rec.Date = c.clock.Now().UTC()
	if err := c.store(ip, rec); err != nil {
		// A cache write failure degrades to lookup-per-call, nothing worse.
		c.log.Warn("failed to cache address record", "ip", ip, "err", err)
	}
	return rec, nil
}

// Warm resolves and caches an address in the background; errors are logged
// only. Used on session establishment so later geo queries hit the cache.
func (c *Cache) Warm(ip string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := c.Lookup(ctx, ip); err != nil {
		c.log.Debug("address enrichment failed", "ip", ip, "err", err)
	}
}

func (c *Cache) cached(ip string) (Record, bool) {
	var raw []byte
	_ = c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketIPCache).Get([]byte(ip)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if raw == nil {
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false
	}
	return rec, true
}

func (c *Cache) store(ip string, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIPCache).Put([]byte(ip), raw)
	})
}
