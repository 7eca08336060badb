package githubapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

const (
	// DefaultPerPage is the page size hint sent when the caller sets none.
	DefaultPerPage = 100
	// DefaultMaxPages bounds one walk.
	DefaultMaxPages = 100
	// maxPerPage is GitHub's upper bound for per_page.
	maxPerPage = 100
)

// PaginationConfig bounds pagination walks.
type PaginationConfig struct {
	PerPage  int
	MaxPages int
}

func (c PaginationConfig) withDefaults() PaginationConfig {
	if c.PerPage <= 0 {
		c.PerPage = DefaultPerPage
	}
	if c.PerPage > maxPerPage {
		c.PerPage = maxPerPage
	}
	if c.MaxPages <= 0 {
		c.MaxPages = DefaultMaxPages
	}
	return c
}

// Walker follows rel="next" links through the retry orchestrator.
type Walker struct {
	orchestrator *Orchestrator
	config       PaginationConfig
}

// NewWalker creates a pagination walker.
func NewWalker(orchestrator *Orchestrator, cfg PaginationConfig) *Walker {
	return &Walker{
		orchestrator: orchestrator,
		config:       cfg.withDefaults(),
	}
}

// Pages starts a new walk over desc. Each call returns an independent iterator;
// a walk restarts from the first page, never from the middle.
func (w *Walker) Pages(desc RequestDescriptor) *PageIterator {
	return &PageIterator{
		walker: w,
		first:  desc.withQueryDefault("per_page", strconv.Itoa(w.config.PerPage)),
		seen:   make(map[string]struct{}),
	}
}

// Collect walks every page and returns all items in provider order.
func (w *Walker) Collect(ctx context.Context, desc RequestDescriptor) ([]json.RawMessage, error) {
	return w.Pages(desc).Collect(ctx)
}

// PageIterator lazily fetches pages. Pages are fetched strictly in sequence.
//
// The iterator is not safe for concurrent use.
type PageIterator struct {
	walker  *Walker
	first   RequestDescriptor
	nextURL string
	started bool
	done    bool
	pages   int
	seen    map[string]struct{}
}

// Next fetches the next page and returns its items. It returns nil, nil once
// no page remains.
func (it *PageIterator) Next(ctx context.Context) ([]json.RawMessage, error) {
	if it.done {
		return nil, nil
	}

	desc := it.first
	if it.started {
		desc = it.first.followURL(it.nextURL)
	}

	if it.pages >= it.walker.config.MaxPages {
		it.done = true
		return nil, &PaginationOverflowError{
			Endpoint:     it.first.Endpoint(),
			MaxPages:     it.walker.config.MaxPages,
			PagesFetched: it.pages,
		}
	}

	result, err := it.walker.orchestrator.Do(ctx, desc)
	if err != nil {
		it.done = true
		return nil, err
	}
	it.started = true
	it.pages++
	it.seen[result.Response.URL] = struct{}{}

	items, single, err := splitPage(result.Response)
	if err != nil {
		it.done = true
		return nil, fmt.Errorf("github pagination %s page %d: %w", it.first.Endpoint(), it.pages, err)
	}

	next := NextLink(result.Response.Header)
	switch {
	case single || next == "":
		it.done = true
	default:
		if _, visited := it.seen[next]; visited {
			it.done = true
			return nil, &PaginationOverflowError{
				Endpoint:     it.first.Endpoint(),
				MaxPages:     it.walker.config.MaxPages,
				PagesFetched: it.pages,
				Cyclic:       true,
			}
		}
		it.nextURL = next
	}

	if items == nil {
		items = []json.RawMessage{}
	}
	return items, nil
}

// Collect fetches all remaining pages and concatenates their items.
func (it *PageIterator) Collect(ctx context.Context) ([]json.RawMessage, error) {
	all := make([]json.RawMessage, 0)
	for {
		items, err := it.Next(ctx)
		if err != nil {
			return all, err
		}
		if items == nil {
			return all, nil
		}
		all = append(all, items...)
	}
}

// HasMore reports whether another page may follow.
func (it *PageIterator) HasMore() bool {
	return !it.done
}

// Pages returns the number of pages fetched so far.
func (it *PageIterator) Pages() int {
	return it.pages
}

// splitPage decodes a page body. A JSON object is a one-element page with
// no continuation.
func splitPage(resp *Response) ([]json.RawMessage, bool, error) {
	trimmed := bytes.TrimSpace(resp.Body)
	if len(trimmed) == 0 || resp.StatusCode == http.StatusNoContent {
		return []json.RawMessage{}, false, nil
	}

	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, false, fmt.Errorf("decode page: %w", err)
		}
		return items, false, nil
	case '{':
		return []json.RawMessage{json.RawMessage(bytes.Clone(trimmed))}, true, nil
	default:
		return nil, false, fmt.Errorf("decode page: unexpected json value")
	}
}
