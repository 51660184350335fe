package iterator

import (
	"sort"

	"go.uber.org/multierr"

	"github.com/devrev/pairdb/storage-engine/internal/model"
	"github.com/devrev/pairdb/storage-engine/internal/storage/sstable"
)

// ConcatIterator walks a sorted, non-overlapping run of tables as one
// sequence, opening one table iterator at a time. It owns one reference on
// each table and releases them on Close.
type ConcatIterator struct {
	tables []*sstable.Table
	idx    int
	cur    *sstable.Iterator
	err    error
}

// NewConcatIterator takes ownership of a reference on each table.
func NewConcatIterator(tables []*sstable.Table) *ConcatIterator {
	return &ConcatIterator{tables: tables, idx: -1}
}

func (c *ConcatIterator) setTable(i int) {
	if c.cur != nil {
		c.err = multierr.Append(c.err, c.cur.Close())
		c.cur = nil
	}
	c.idx = i
	if i >= 0 && i < len(c.tables) {
		c.cur = c.tables[i].NewIterator()
	}
}

// skipExhausted moves to following tables while the current one is done.
func (c *ConcatIterator) skipExhausted() {
	for c.cur != nil && !c.cur.Valid() {
		if err := c.cur.Error(); err != nil {
			c.err = multierr.Append(c.err, err)
			c.setTable(len(c.tables))
			return
		}
		c.setTable(c.idx + 1)
		if c.cur != nil {
			c.cur.SeekToFirst()
		}
	}
}

func (c *ConcatIterator) SeekToFirst() {
	c.setTable(0)
	if c.cur != nil {
		c.cur.SeekToFirst()
	}
	c.skipExhausted()
}

func (c *ConcatIterator) Seek(key []byte) {
	i := sort.Search(len(c.tables), func(i int) bool {
		return model.CompareKeys(c.tables[i].Largest(), key) >= 0
	})
	c.setTable(i)
	if c.cur != nil {
		c.cur.Seek(key)
	}
	c.skipExhausted()
}

func (c *ConcatIterator) Next() {
	if c.cur == nil {
		return
	}
	c.cur.Next()
	c.skipExhausted()
}

func (c *ConcatIterator) Valid() bool { return c.cur != nil && c.cur.Valid() }

func (c *ConcatIterator) Key() []byte { return c.cur.Key() }

func (c *ConcatIterator) Value() model.ValueStruct { return c.cur.Value() }

func (c *ConcatIterator) Close() error {
	c.setTable(len(c.tables))
	err := c.err
	for _, t := range c.tables {
		err = multierr.Append(err, t.DecrRef())
	}
	c.tables = nil
	return err
}
