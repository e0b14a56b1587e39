package store

import (
	"context"

	"github.com/xhad/embedfill/internal/models"
)

// pageFetcher returns up to limit documents whose id sorts after the given
// one, in ascending id order. An empty after means "from the start".
type pageFetcher func(ctx context.Context, after string, limit int) ([]models.Document, error)

// pageCursor walks a result set by keyset pagination. Each page re-runs the
// query, so documents that stop matching are skipped and no id is returned
// twice. No connection is held between pages.
type pageCursor struct {
	fetch    pageFetcher
	pageSize int
	limit    int64

	page    []models.Document
	pos     int
	last    string
	yielded int64
	current models.Document
	done    bool
	err     error
}

func newPageCursor(fetch pageFetcher, pageSize int, limit int64) *pageCursor {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &pageCursor{fetch: fetch, pageSize: pageSize, limit: limit}
}

func (c *pageCursor) Next(ctx context.Context) bool {
	if c.done || c.err != nil {
		return false
	}
	if c.limit > 0 && c.yielded >= c.limit {
		c.done = true
		return false
	}

	if c.pos >= len(c.page) {
		size := c.pageSize
		if c.limit > 0 && c.limit-c.yielded < int64(size) {
			size = int(c.limit - c.yielded)
		}
		page, err := c.fetch(ctx, c.last, size)
		if err != nil {
			c.err = err
			return false
		}
		if len(page) == 0 {
			c.done = true
			return false
		}
		c.page, c.pos = page, 0
	}

	c.current = c.page[c.pos]
	c.pos++
	c.last = c.current.ID
	c.yielded++
	return true
}

func (c *pageCursor) Document() models.Document { return c.current }

func (c *pageCursor) Err() error { return c.err }

func (c *pageCursor) Close(context.Context) error {
	c.done = true
	c.page = nil
	return nil
}
