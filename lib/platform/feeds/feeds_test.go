// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package feeds

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bureau-foundation/sockethub/lib/activity"
	"github.com/bureau-foundation/sockethub/lib/platform"
)

const rssFeed = `<?xml version="1.0"?>
<rss version="2.0">
  <channel>
    <title>Example News</title>
    <item>
      <title>First</title>
      <link>https://example.org/1</link>
      <guid>urn:example:1</guid>
      <description>one</description>
      <pubDate>Fri, 02 Jan 2026 15:04:05 +0000</pubDate>
    </item>
    <item>
      <title>Second</title>
      <link>https://example.org/2</link>
      <description>two</description>
    </item>
  </channel>
</rss>`

const atomFeed = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Example Log</title>
  <entry>
    <id>urn:uuid:1225c695</id>
    <title>Atom entry</title>
    <link rel="alternate" href="https://example.org/atom/1"/>
    <updated>2026-03-01T10:00:00+02:00</updated>
    <summary>summary text</summary>
  </entry>
</feed>`

func TestParseRSS(t *testing.T) {
	collection, err := Parse([]byte(rssFeed), 10)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if collection.Name != "Example News" || collection.TotalItems != 2 {
		t.Fatalf("collection = %+v", collection)
	}
	first := collection.Items[0]
	if first.ID != "urn:example:1" || first.Content != "one" || first.Published != "2026-01-02T15:04:05Z" {
		t.Errorf("first = %+v", first)
	}
	if collection.Items[1].ID != "https://example.org/2" {
		t.Errorf("item without guid id = %q, want its link", collection.Items[1].ID)
	}
}

func TestParseAtom(t *testing.T) {
	collection, err := Parse([]byte(atomFeed), 10)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if collection.Name != "Example Log" || len(collection.Items) != 1 {
		t.Fatalf("collection = %+v", collection)
	}
	entry := collection.Items[0]
	if entry.URL != "https://example.org/atom/1" || entry.Content != "summary text" || entry.Published != "2026-03-01T08:00:00Z" {
		t.Errorf("entry = %+v", entry)
	}
}

func TestParseLimitsItems(t *testing.T) {
	collection, err := Parse([]byte(rssFeed), 1)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if collection.TotalItems != 1 {
		t.Errorf("TotalItems = %d, want 1", collection.TotalItems)
	}
}

func TestParseRejectsOtherDocuments(t *testing.T) {
	for _, document := range []string{"<html><body/></html>", "not xml", ""} {
		if _, err := Parse([]byte(document), 10); !errors.Is(err, ErrUnknownFormat) {
			t.Errorf("Parse(%q) = %v, want ErrUnknownFormat", document, err)
		}
	}
}

func TestParseAtomPrefersContentAndPublished(t *testing.T) {
	const document = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Example Log</title>
  <entry>
    <id>urn:uuid:2</id>
    <title>Full entry</title>
    <published>2026-02-01T00:00:00Z</published>
    <updated>2026-02-03T00:00:00Z</updated>
    <summary>short</summary>
    <content>long form</content>
  </entry>
</feed>`
	collection, err := Parse([]byte(document), 10)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	entry := collection.Items[0]
	if entry.ID != "urn:uuid:2" || entry.Content != "long form" || entry.Published != "2026-02-01T00:00:00Z" {
		t.Errorf("entry = %+v", entry)
	}
}

func TestHandleFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.Error(w, "no such feed", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(rssFeed))
	}))
	defer server.Close()

	feeds := NewWithClient(server.Client(), 0)
	fetch := func(target string) (any, error) {
		return feeds.Handle(context.Background(), &platform.Job{Msg: &activity.Stream{
			Context: Name,
			Type:    "fetch",
			Actor:   &activity.Object{ID: "alice"},
			Target:  &activity.Object{ID: target},
		}})
	}

	result, err := fetch(server.URL + "/feed.xml")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	collection := result.(*Collection)
	if collection.ID != server.URL+"/feed.xml" || collection.TotalItems != 2 {
		t.Errorf("collection = %+v", collection)
	}

	if _, err := fetch(server.URL + "/missing"); err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("fetch missing = %v, want a 404 error", err)
	}
	if _, err := fetch("ftp://example.org/feed"); err == nil {
		t.Error("fetch accepted a non-http url")
	}
}
