// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package feeds is a stateless platform that fetches RSS 2.0 and Atom
// feeds. It does not persist, so one instance serves every session.
//
// A fetch message names the feed URL as its target id:
//
//	{"context": "feeds", "type": "fetch",
//	 "actor": {"id": "alice@example.org"},
//	 "target": {"id": "https://example.org/feed.xml"}}
//
// The result is the feed as an ActivityStreams collection of notes.
package feeds

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bureau-foundation/sockethub/lib/netutil"
	"github.com/bureau-foundation/sockethub/lib/platform"
)

// Name is the platform context.
const Name = "feeds"

const (
	fetchTimeout = 20 * time.Second
	userAgent    = "Sockethub-Feeds/1"

	// DefaultMaxItems caps the number of entries returned.
	DefaultMaxItems = 50
)

// Schema describes the feeds platform.
var Schema = platform.Schema{
	Name:    Name,
	Version: "1.0.0",
	Persist: false,
	Verbs:   []string{"fetch"},
}

func init() {
	platform.Register(platform.Definition{Schema: Schema, New: New})
}

// Feeds fetches feeds over HTTP.
type Feeds struct {
	client   *http.Client
	maxItems int
}

// New returns a feeds platform using a default HTTP client.
func New(platform.Session) platform.Platform {
	return &Feeds{
		client:   &http.Client{Timeout: fetchTimeout},
		maxItems: DefaultMaxItems,
	}
}

// NewWithClient returns a feeds platform using client.
func NewWithClient(client *http.Client, maxItems int) *Feeds {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	return &Feeds{client: client, maxItems: maxItems}
}

// Collection is the result of a fetch.
type Collection struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	TotalItems int    `json:"totalItems"`
	Items      []Note `json:"items"`
}

// Note is one feed entry.
type Note struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	URL       string `json:"url,omitempty"`
	Content   string `json:"content,omitempty"`
	Published string `json:"published,omitempty"`
}

// Handle implements platform.Platform.
func (f *Feeds) Handle(ctx context.Context, job *platform.Job) (any, error) {
	if job.Msg.Type != "fetch" {
		return nil, fmt.Errorf("%w: %s", platform.ErrUnknownVerb, job.Msg.Type)
	}
	if job.Msg.Target == nil || job.Msg.Target.ID == "" {
		return nil, errors.New("fetch needs target.id set to the feed url")
	}
	return f.Fetch(ctx, job.Msg.Target.ID)
}

// Cleanup implements platform.Platform.
func (f *Feeds) Cleanup(context.Context) error {
	f.client.CloseIdleConnections()
	return nil
}

// Fetch downloads and parses the feed at address.
func (f *Feeds) Fetch(ctx context.Context, address string) (*Collection, error) {
	parsed, err := url.Parse(strings.TrimSpace(address))
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("invalid feed url %q", address)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("User-Agent", userAgent)
	request.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.5")

	response, err := f.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", parsed, err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return nil, fmt.Errorf("fetching %s: %s: %s", parsed, response.Status, netutil.ErrorBody(response.Body))
	}
	body, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", parsed, err)
	}
	collection, err := Parse(body, f.maxItems)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", parsed, err)
	}
	collection.ID = parsed.String()
	return collection, nil
}
