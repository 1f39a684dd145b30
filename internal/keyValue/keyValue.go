// Package keyValue is the shared durable store behind the fallback transport
// and the replica documents. Each logical collection is a single JSON document
// under a well-known key; every writer does read-modify-write with no
// transaction, so concurrent writers can race and the last write wins. That is
// the store's documented contract, not an accident.
package keyValue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type value struct {
	value   string
	expires time.Time
}

// Store reads and writes string keys and JSON documents, backed by an
// in-process hashmap when self-contained or by redis otherwise.
type Store struct {
	sugar         *zap.SugaredLogger
	redisClient   *redis.Client
	selfContained bool

	mutex   sync.RWMutex
	hashmap map[string]value

	done chan struct{}
}

var redisCtx = context.Background()

func NewStore(sugar *zap.SugaredLogger, redisClient *redis.Client, selfContained bool) *Store {
	s := &Store{
		sugar:         sugar,
		redisClient:   redisClient,
		selfContained: selfContained,
		hashmap:       make(map[string]value),
		done:          make(chan struct{}),
	}

	if selfContained {
		go s.checkForLocalExpiredKeys()
	}

	return s
}

// Close stops the local expiry sweep. Redis-backed stores have nothing to stop.
func (s *Store) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func (s *Store) checkForLocalExpiredKeys() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mutex.Lock()
			for key, v := range s.hashmap {
				if !v.expires.IsZero() && v.expires.Before(time.Now()) {
					delete(s.hashmap, key)
				}
			}
			s.mutex.Unlock()
		}
	}
}

func (s *Store) Get(key string) (string, error) {
	if s.selfContained {
		s.mutex.RLock()
		defer s.mutex.RUnlock()

		return s.hashmap[key].value, nil
	}

	result, err := s.redisClient.Get(redisCtx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	} else if err != nil {
		return "", err
	}

	return result, nil
}

func (s *Store) GetDel(key string) (string, error) {
	if s.selfContained {
		s.mutex.Lock()
		defer s.mutex.Unlock()

		result := s.hashmap[key].value
		delete(s.hashmap, key)

		return result, nil
	}

	result, err := s.redisClient.GetDel(redisCtx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	} else if err != nil {
		return "", err
	}

	return result, nil
}

// Set stores key with a TTL; expires of 0 keeps the key until overwritten.
func (s *Store) Set(key string, val string, expires time.Duration) error {
	if s.selfContained {
		s.mutex.Lock()
		defer s.mutex.Unlock()

		var deadline time.Time
		if expires > 0 {
			deadline = time.Now().Add(expires)
		}
		s.hashmap[key] = value{val, deadline}

		return nil
	}

	return s.redisClient.Set(redisCtx, key, val, expires).Err()
}

// GetJSON decodes the document under key into v. A missing key leaves v
// untouched; a corrupt document is logged and treated as absent.
func (s *Store) GetJSON(key string, v any) error {
	raw, err := s.Get(key)
	if err != nil {
		return err
	}
	if raw == "" {
		return nil
	}

	if err := json.Unmarshal([]byte(raw), v); err != nil {
		s.sugar.Warnf("Corrupt document under key [%s], treating as empty: %v", key, err)
	}
	return nil
}

// SetJSON replaces the whole document under key.
func (s *Store) SetJSON(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(key, string(raw), 0)
}

// AppendRing appends doc to the bounded ring under key, dropping the oldest
// entries beyond capacity. Read-modify-write, same caveat as every other
// document here.
func (s *Store) AppendRing(key string, doc json.RawMessage, capacity int) error {
	var ring []json.RawMessage
	if err := s.GetJSON(key, &ring); err != nil {
		return err
	}

	ring = append(ring, doc)
	if len(ring) > capacity {
		ring = ring[len(ring)-capacity:]
	}

	return s.SetJSON(key, ring)
}

// ReadRing returns the ring's entries, oldest first.
func (s *Store) ReadRing(key string) ([]json.RawMessage, error) {
	var ring []json.RawMessage
	if err := s.GetJSON(key, &ring); err != nil {
		return nil, err
	}
	return ring, nil
}
