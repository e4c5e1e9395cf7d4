// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package feeds

import (
	"bytes"
	"errors"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

// ErrUnknownFormat is returned for documents that are not a feed.
var ErrUnknownFormat = errors.New("document is not an RSS, Atom or JSON feed")

// Parse converts an RSS, Atom or JSON Feed document into a collection
// of at most maxItems notes.
func Parse(data []byte, maxItems int) (*Collection, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(data))
	if errors.Is(err, gofeed.ErrFeedTypeNotDetected) {
		return nil, ErrUnknownFormat
	}
	if err != nil {
		return nil, err
	}

	collection := &Collection{Type: "collection", Name: strings.TrimSpace(feed.Title)}
	for _, item := range feed.Items {
		if len(collection.Items) == maxItems {
			break
		}
		collection.Items = append(collection.Items, note(item))
	}
	collection.TotalItems = len(collection.Items)
	return collection, nil
}

// note maps one feed item. Items without a guid are identified by
// their link; Atom entries without a published date use updated.
func note(item *gofeed.Item) Note {
	id := strings.TrimSpace(item.GUID)
	if id == "" {
		id = strings.TrimSpace(item.Link)
	}
	content := strings.TrimSpace(item.Content)
	if content == "" {
		content = strings.TrimSpace(item.Description)
	}
	published := formatTime(item.PublishedParsed, item.Published)
	if published == "" {
		published = formatTime(item.UpdatedParsed, item.Updated)
	}
	return Note{
		Type:      "note",
		ID:        id,
		Name:      strings.TrimSpace(item.Title),
		URL:       strings.TrimSpace(item.Link),
		Content:   content,
		Published: published,
	}
}

// formatTime renders a parsed feed timestamp as RFC 3339 UTC, or the
// raw text when the parser could not read it.
func formatTime(parsed *time.Time, raw string) string {
	if parsed != nil {
		return parsed.UTC().Format(time.RFC3339)
	}
	return strings.TrimSpace(raw)
}
