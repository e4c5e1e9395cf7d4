// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/bureau-foundation/sockethub/lib/activity"
	"github.com/bureau-foundation/sockethub/lib/credential"
	"github.com/bureau-foundation/sockethub/lib/ipc"
	"github.com/bureau-foundation/sockethub/lib/platform"
	"github.com/bureau-foundation/sockethub/lib/platform/dummy"
	"github.com/bureau-foundation/sockethub/lib/queue"
	"github.com/bureau-foundation/sockethub/lib/redisconn"
	"github.com/bureau-foundation/sockethub/lib/socket"
	"github.com/bureau-foundation/sockethub/lib/testutil"
)

const testParentID = "parent-1"

var testSecrets = ipc.Secrets{
	ParentSecret1: "0123456789abcdef",
	ParentSecret2: "fedcba9876543210",
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// emission is one event a fake transport delivered.
type emission struct {
	Session string
	Event   string
	Data    any
}

// fakeTransport records emissions and lets tests decide which
// sessions are connected.
type fakeTransport struct {
	mu        sync.Mutex
	connected map[string]bool
	skipped   map[string][]emission
	emissions chan emission
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		connected: make(map[string]bool),
		skipped:   make(map[string][]emission),
		emissions: make(chan emission, 256),
	}
}

func (t *fakeTransport) connect(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected[sessionID] = true
}

func (t *fakeTransport) drop(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.connected, sessionID)
}

func (t *fakeTransport) Emit(sessionID, event string, data any) error {
	if !t.Connected(sessionID) {
		return fmt.Errorf("session %s is not connected", sessionID)
	}
	t.emissions <- emission{Session: sessionID, Event: event, Data: data}
	return nil
}

func (t *fakeTransport) Connected(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected[sessionID]
}

func (t *fakeTransport) SessionIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.connected))
	for id := range t.connected {
		ids = append(ids, id)
	}
	return ids
}

func (t *fakeTransport) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.connected)
}

// next returns the next emission to sessionID. Emissions to other
// sessions read along the way are kept for their own next call.
func (t *fakeTransport) next(tb testing.TB, sessionID string) emission {
	tb.Helper()
	t.mu.Lock()
	if backlog := t.skipped[sessionID]; len(backlog) > 0 {
		t.skipped[sessionID] = backlog[1:]
		t.mu.Unlock()
		return backlog[0]
	}
	t.mu.Unlock()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-t.emissions:
			if e.Session == sessionID {
				return e
			}
			t.mu.Lock()
			t.skipped[e.Session] = append(t.skipped[e.Session], e)
			t.mu.Unlock()
		case <-deadline:
			tb.Fatalf("timed out waiting for an emission to %s", sessionID)
		}
	}
}

// memoryBackends hands the dispatcher and the in-process platforms
// the same queue.Memory per queue name.
type memoryBackends struct {
	mu       sync.Mutex
	backends map[string]*queue.Memory
}

func (b *memoryBackends) get(name string) *queue.Memory {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.backends == nil {
		b.backends = make(map[string]*queue.Memory)
	}
	backend, ok := b.backends[name]
	if !ok {
		backend = queue.NewMemory()
		b.backends[name] = backend
	}
	return backend
}

// reset replaces the backend of name, since a destroyed instance
// closes its queue and a respawned one needs a fresh backend.
func (b *memoryBackends) reset(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.backends == nil {
		b.backends = make(map[string]*queue.Memory)
	}
	b.backends[name] = queue.NewMemory()
}

// pipeProcess runs platform.Run in a goroutine, talking IPC over
// io.Pipe just as a real child talks over stdin and stdout.
type pipeProcess struct {
	channel     *ipc.Channel
	parentWrite io.Closer
	messages    chan ipc.Message
	cancel      context.CancelFunc

	killOnce sync.Once
	killed   chan struct{}
	exited   chan struct{}
	runDone  chan error
}

func (p *pipeProcess) Send(message ipc.Message) error { return p.channel.Send(message) }

func (p *pipeProcess) Messages() <-chan ipc.Message { return p.messages }

func (p *pipeProcess) readLoop() {
	forwardIPC(p.channel, p.messages, p.killed, discardLogger())
	close(p.messages)
	close(p.exited)
}

func (p *pipeProcess) Kill() error {
	p.killOnce.Do(func() {
		close(p.killed)
		p.cancel()
		p.parentWrite.Close()
		<-p.exited
	})
	return nil
}

// inProcessSpawner starts platforms in the test process.
type inProcessSpawner struct {
	backends  *memoryBackends
	openStore func(sessionID, secret string) (platform.CredentialStore, error)
	spawned   atomic.Int32

	// gate, when set, delays every spawn until it is closed.
	gate chan struct{}
}

func (s *inProcessSpawner) spawn(_ context.Context, request spawnRequest) (childProcess, error) {
	if s.gate != nil {
		<-s.gate
	}
	definition, err := platform.Lookup(request.Platform)
	if err != nil {
		return nil, err
	}
	s.spawned.Add(1)

	childReader, parentWriter := io.Pipe()
	parentReader, childWriter := io.Pipe()
	runCtx, cancel := context.WithCancel(context.Background())
	process := &pipeProcess{
		channel:     ipc.NewChannel(parentReader, parentWriter),
		parentWrite: parentWriter,
		messages:    make(chan ipc.Message, 16),
		cancel:      cancel,
		killed:      make(chan struct{}),
		exited:      make(chan struct{}),
		runDone:     make(chan error, 1),
	}
	name := queue.Name(request.ParentID, request.InstanceID)
	s.backends.reset(name)
	go func() {
		err := platform.Run(runCtx, platform.RunConfig{
			Definition: definition,
			Channel:    ipc.NewChannel(childReader, childWriter),
			Logger:     discardLogger(),
			NewConsumer: func() (queue.Consumer, error) {
				return s.backends.get(name), nil
			},
			OpenStore: s.openStore,
			Worker:    queue.WorkerOptions{Logger: discardLogger(), PollTimeout: 20 * time.Millisecond},
		})
		childWriter.Close()
		childReader.Close()
		process.runDone <- err
	}()
	go process.readLoop()
	return process, nil
}

// harness is a dispatcher wired to in-process platforms, a fake
// transport, and miniredis for credentials.
type harness struct {
	transport  *fakeTransport
	spawner    *inProcessSpawner
	backends   *memoryBackends
	manager    *processManager
	dispatcher *dispatcher
	redis      *miniredis.Miniredis
}

type harnessOptions struct {
	messagesPerSecond float64
	burst             int
	gate              chan struct{}
}

func newHarness(t *testing.T, options harnessOptions) *harness {
	t.Helper()
	server := miniredis.RunT(t)
	port, err := strconv.Atoi(server.Port())
	if err != nil {
		t.Fatalf("parsing miniredis port: %v", err)
	}
	redisConfig := redisconn.Config{Host: server.Host(), Port: port}
	t.Cleanup(func() { redisconn.Reset() })

	openStore := func(sessionID, secret string) (*credential.Store, error) {
		return credential.New(testParentID, sessionID, secret, redisConfig)
	}

	backends := &memoryBackends{}
	spawner := &inProcessSpawner{
		backends: backends,
		gate:     options.gate,
		openStore: func(sessionID, secret string) (platform.CredentialStore, error) {
			store, err := openStore(sessionID, secret)
			if err != nil {
				return nil, err
			}
			return store, nil
		},
	}
	transport := newFakeTransport()
	manager := newProcessManager(managerOptions{
		ParentID: testParentID,
		Secrets:  testSecrets,
		Spawn:    spawner.spawn,
		NewProducer: func(name string) (queue.Producer, error) {
			return backends.get(name), nil
		},
		Transport: transport,
		Logger:    discardLogger(),
	})
	t.Cleanup(func() { manager.shutdown(context.Background()) })

	cache, err := activity.NewCache(16)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	rateLimit := options.messagesPerSecond
	if rateLimit == 0 {
		rateLimit = 1000
	}
	burst := options.burst
	if burst == 0 {
		burst = 1000
	}
	d := &dispatcher{
		secrets:   testSecrets,
		manager:   manager,
		transport: transport,
		cache:     cache,
		platforms: map[string]platform.Definition{dummy.Name: {Schema: dummy.Schema, New: dummy.New}},
		openStore: func(sessionID, secret string) (credentialStore, error) {
			store, err := openStore(sessionID, secret)
			if err != nil {
				return nil, err
			}
			return store, nil
		},
		messagesPerSecond: rateLimit,
		burst:             burst,
		logger:            discardLogger(),
	}
	return &harness{
		transport:  transport,
		spawner:    spawner,
		backends:   backends,
		manager:    manager,
		dispatcher: d,
		redis:      server,
	}
}

// connect opens a session as if a client with clientIP had connected.
func (h *harness) connect(t *testing.T, sessionID, clientIP string) *session {
	t.Helper()
	h.transport.connect(sessionID)
	s, err := h.dispatcher.newSession(sessionID, clientIP, func(event string, data any) error {
		return h.transport.Emit(sessionID, event, data)
	})
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}
	return s
}

// ackRecorder returns an AckFunc and the channel it delivers to.
func ackRecorder() (socket.AckFunc, chan any) {
	answers := make(chan any, 1)
	return func(data any) { answers <- data }, answers
}

// send handles one event on s and waits for its acknowledgement.
func send(t *testing.T, s *session, event string, payload any) any {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("encoding %s payload: %v", event, err)
	}
	ack, answers := ackRecorder()
	s.Handle(context.Background(), event, data, ack)
	return testutil.RequireReceive(t, answers, 5*time.Second, "waiting for %s acknowledgement", event)
}

// requireResult asserts a job acknowledgement is a result and returns
// its content.
func requireResult(t *testing.T, answer any) any {
	t.Helper()
	result, ok := answer.(jobResult)
	if !ok {
		t.Fatalf("acknowledgement = %#v, want a job result", answer)
	}
	if result.Type != "result" {
		t.Fatalf("job result type = %q (content %v), want result", result.Type, result.Content)
	}
	if result.Context != dummy.Name {
		t.Errorf("job result context = %q, want %q", result.Context, dummy.Name)
	}
	return result.Content
}

// requireFailure asserts an acknowledgement is a rejected message and
// returns its error text.
func requireFailure(t *testing.T, answer any) string {
	t.Helper()
	failure, ok := answer.(*activity.Stream)
	if !ok {
		t.Fatalf("acknowledgement = %#v, want a failure message", answer)
	}
	if failure.Error == "" {
		t.Fatal("failure carries no error text")
	}
	if failure.SessionSecret != "" {
		t.Error("failure leaked the session secret")
	}
	return failure.Error
}

func message(verb, actorID string, object map[string]any) map[string]any {
	msg := map[string]any{
		"context": dummy.Name,
		"type":    verb,
		"actor":   map[string]any{"id": actorID},
	}
	if object != nil {
		msg["object"] = object
	}
	return msg
}

func credentials(actorID string, object map[string]any) map[string]any {
	return map[string]any{
		"context": dummy.Name,
		"type":    activity.CredentialsType,
		"actor":   map[string]any{"id": actorID},
		"object":  object,
	}
}

// waitFor polls condition until it holds or five seconds pass.
func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", description)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var errFakeSpawn = errors.New("spawn refused")
