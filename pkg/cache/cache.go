package cache

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// Entry is a cached Secure Messaging session.
type Entry struct {
	// ID identifies the session in logs.
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	// Bundle is the output of sm.Channel.Export.
	Bundle []byte `json:"bundle"`
}

type SessionCache struct {
	MaxEntries int
	Cards      map[string]Entry `json:"cards"`
	lock       sync.Mutex
}

// Key returns the cache key of the card with the given ATR in reader.
func Key(reader string, atr []byte) string {
	return reader + "/" + hex.EncodeToString(atr)
}

// New returns a SessionCache that holds sessions for up to maxEntries cards. Once full, the
// SessionCache evicts the entry that was created first.
//
// Set maxEntries to zero for an unbounded cache.
func New(maxEntries int) *SessionCache {
	return &SessionCache{
		MaxEntries: maxEntries,
		Cards:      make(map[string]Entry),
	}
}

// Import a SessionCache using data in r.
// The data should previously have been generated using [SessionCache.Export].
func Import(r io.Reader) (*SessionCache, error) {
	var cache SessionCache
	decoder := json.NewDecoder(r)
	if err := decoder.Decode(&cache); err != nil {
		return nil, err
	}
	if cache.Cards == nil {
		cache.Cards = make(map[string]Entry)
	}
	return &cache, nil
}

// ImportFromFile reads a SessionCache from disk.
func ImportFromFile(filename string) (*SessionCache, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return Import(file)
}

// Export writes a serialized SessionCache to w.
func (c *SessionCache) Export(w io.Writer) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	return json.NewEncoder(w).Encode(c)
}

// ExportToFile writes a SessionCache to disk. The file is only readable by its owner.
func (c *SessionCache) ExportToFile(filename string) error {
	file, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer file.Close()

	return c.Export(file)
}

// Update the SessionCache's entry for a card with its current session.
// Clients typically use the card.Card.UpdateCachedSession method instead.
func (c *SessionCache) Update(key string, entry Entry) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.Cards[key] = entry
	if c.MaxEntries > 0 && len(c.Cards) > c.MaxEntries {
		oldestKey := key
		oldestCreationTime := entry.CreatedAt
		for k, e := range c.Cards {
			if e.CreatedAt.Before(oldestCreationTime) {
				oldestKey = k
				oldestCreationTime = e.CreatedAt
			}
		}
		delete(c.Cards, oldestKey)
	}
}

// GetEntry returns the session cached for key.
func (c *SessionCache) GetEntry(key string) (Entry, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	entry, ok := c.Cards[key]
	return entry, ok
}

// Delete removes the session cached for key, if any.
func (c *SessionCache) Delete(key string) {
	c.lock.Lock()
	defer c.lock.Unlock()

	delete(c.Cards, key)
}
