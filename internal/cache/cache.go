// Package cache holds the authoritative in-memory row set for one source.
package cache

import "github.com/tycoworks/tycostream-sub001/internal/schema"

// Cache is a primary-key-indexed map of the current rows of one source.
// It is not safe for concurrent use; only the hub's fold loop touches it.
type Cache struct {
	primaryKey string
	rows       map[any]schema.Row
}

// New creates an empty cache keyed by the given primary key field.
func New(primaryKey string) *Cache {
	return &Cache{
		primaryKey: primaryKey,
		rows:       make(map[any]schema.Row),
	}
}

// Set stores a shallow copy of the row keyed by its primary key. It
// returns false when the key field is missing or null.
func (c *Cache) Set(row schema.Row) bool {
	key, ok := row[c.primaryKey]
	if !ok || key == nil {
		return false
	}
	copied := make(schema.Row, len(row))
	for k, v := range row {
		copied[k] = v
	}
	c.rows[key] = copied
	return true
}

// Get returns the cached row for the given primary key value, or nil.
func (c *Cache) Get(key any) schema.Row {
	return c.rows[key]
}

// Delete removes the row identified by the row's primary key field.
func (c *Cache) Delete(row schema.Row) {
	key, ok := row[c.primaryKey]
	if !ok || key == nil {
		return
	}
	delete(c.rows, key)
}

// AllRows returns the live row collection. Callers must treat the entries
// as immutable.
func (c *Cache) AllRows() map[any]schema.Row {
	return c.rows
}

// Len returns the number of cached rows.
func (c *Cache) Len() int {
	return len(c.rows)
}

// Clear drops all cached rows.
func (c *Cache) Clear() {
	c.rows = make(map[any]schema.Row)
}
