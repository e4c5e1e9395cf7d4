// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"github.com/bureau-foundation/sockethub/lib/activity"
	"github.com/bureau-foundation/sockethub/lib/ipc"
	"github.com/bureau-foundation/sockethub/lib/queue"
	"github.com/bureau-foundation/sockethub/lib/socket"
)

var errInstanceDestroyed = errors.New("platform instance destroyed")

// transport delivers events to client sessions.
type transport interface {
	Emit(sessionID, event string, data any) error
	Connected(sessionID string) bool
	SessionIDs() []string
	Count() int
}

// socketTransport adapts a socket.Server.
type socketTransport struct {
	server *socket.Server
}

func (t socketTransport) Emit(sessionID, event string, data any) error {
	conn, ok := t.server.Conn(sessionID)
	if !ok {
		return fmt.Errorf("session %s is not connected", sessionID)
	}
	return conn.Emit(event, data)
}

func (t socketTransport) Connected(sessionID string) bool { return t.server.Connected(sessionID) }

func (t socketTransport) SessionIDs() []string { return t.server.SessionIDs() }

func (t socketTransport) Count() int { return t.server.Count() }

// jobResult is what the originating session receives when its job
// settles: Type is "result" with the platform's return value, or
// "error" with the failure reason.
type jobResult struct {
	Context string `json:"context"`
	Type    string `json:"type"`
	Content any    `json:"content,omitempty"`
}

// pendingAck is the acknowledgement a session is waiting on for one
// job, keyed by backend job id.
type pendingAck struct {
	sessionID string
	ack       socket.AckFunc
}

// instance is one platform process and its bookkeeping: the sessions
// subscribed to it, the job queue feeding it, and the acknowledgements
// waiting on its jobs.
type instance struct {
	platform  string
	parentID  string
	global    bool
	queueName string
	process   childProcess
	queue     *queue.Queue
	transport transport
	registry  *registry
	metrics   *metrics
	logger    *slog.Logger

	mu              sync.Mutex
	id              string
	actor           string
	sessions        map[string]struct{}
	sessionIPs      map[string]string
	departed        map[string]struct{}
	pending         map[string]pendingAck
	credentialsHash string
	flagged         bool
	closing         bool

	loopStarted bool
	destroyOnce sync.Once
	destroyErr  error
	stop        chan struct{}
	loopDone    chan struct{}
	done        chan struct{}
}

type instanceOptions struct {
	ID        string
	Platform  string
	ParentID  string
	Actor     string
	Process   childProcess
	Transport transport
	Registry  *registry
	Metrics   *metrics
	Logger    *slog.Logger
}

// newInstance returns an instance without a queue. An empty Actor
// makes the instance global.
func newInstance(options instanceOptions) *instance {
	return &instance{
		id:         options.ID,
		platform:   options.Platform,
		parentID:   options.ParentID,
		actor:      options.Actor,
		global:     options.Actor == "",
		queueName:  queue.Name(options.ParentID, options.ID),
		process:    options.Process,
		transport:  options.Transport,
		registry:   options.Registry,
		metrics:    options.Metrics,
		logger:     options.Logger.With("platform", options.Platform, "instance", options.ID),
		sessions:   make(map[string]struct{}),
		sessionIPs: make(map[string]string),
		departed:   make(map[string]struct{}),
		pending:    make(map[string]pendingAck),
		stop:       make(chan struct{}),
		loopDone:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// start attaches the queue and begins relaying process and queue
// events.
func (i *instance) start(q *queue.Queue) {
	i.mu.Lock()
	i.queue = q
	i.loopStarted = true
	i.mu.Unlock()
	go i.run()
}

// ID returns the registry key, which changes when the platform
// renames its actor.
func (i *instance) ID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.id
}

func (i *instance) Actor() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.actor
}

// Done is closed once destroy has finished.
func (i *instance) Done() <-chan struct{} { return i.done }

func (i *instance) CredentialsHash() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.credentialsHash
}

func (i *instance) closed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closing
}

// registerSession subscribes a session to every event of the
// instance. Registering twice is harmless; a later call may fill in
// the client address.
func (i *instance) registerSession(sessionID, clientIP string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.sessions[sessionID] = struct{}{}
	delete(i.departed, sessionID)
	if clientIP != "" {
		i.sessionIPs[sessionID] = clientIP
	}
	i.flagged = false
}

// deregisterSession stops delivery to a session. Its id and address
// stay on record until the janitor prunes them, so the share checks
// still see who held the instance.
func (i *instance) deregisterSession(sessionID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.sessions[sessionID]; ok {
		i.departed[sessionID] = struct{}{}
	}
}

func (i *instance) hasSession(sessionID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.attachedLocked(sessionID)
}

func (i *instance) attachedLocked(sessionID string) bool {
	if _, ok := i.sessions[sessionID]; !ok {
		return false
	}
	_, gone := i.departed[sessionID]
	return !gone
}

// Sessions returns the ids of the sessions receiving events, sorted.
func (i *instance) Sessions() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.sessionsLocked()
}

func (i *instance) sessionsLocked() []string {
	ids := make([]string, 0, len(i.sessions))
	for id := range i.sessions {
		if i.attachedLocked(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// knownSessions is Sessions plus the sessions that disconnected since
// the last janitor sweep.
func (i *instance) knownSessions() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	ids := make([]string, 0, len(i.sessions))
	for id := range i.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (i *instance) sessionIP(sessionID string) string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.sessionIPs[sessionID]
}

// pruneSessions forgets departed sessions and those missing from
// live, and returns how many remain.
func (i *instance) pruneSessions(live map[string]bool) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	for id := range i.sessions {
		_, gone := i.departed[id]
		if gone || !live[id] {
			delete(i.sessions, id)
			delete(i.sessionIPs, id)
			delete(i.departed, id)
		}
	}
	return len(i.sessions)
}

// enqueue adds msg as a job for sessionID. When ack is non-nil it is
// called with the jobResult once the job settles, or with an error
// result if the instance is destroyed first.
func (i *instance) enqueue(ctx context.Context, sessionID string, msg *activity.Stream, ack socket.AckFunc) (*queue.Job, error) {
	// The lock spans Add so a fast settle cannot look for the
	// acknowledgement before it is recorded.
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closing || i.queue == nil {
		return nil, errInstanceDestroyed
	}
	job, err := i.queue.Add(ctx, sessionID, msg)
	if err != nil {
		return nil, err
	}
	if ack != nil {
		i.pending[job.ID] = pendingAck{sessionID: sessionID, ack: ack}
	}
	return job, nil
}

// takePending removes and returns the acknowledgement of a job. Titles
// repeat across sessions, so only the backend id and the owning
// session identify it.
func (i *instance) takePending(jobID, sessionID string) socket.AckFunc {
	i.mu.Lock()
	defer i.mu.Unlock()
	waiting, ok := i.pending[jobID]
	if !ok || waiting.sessionID != sessionID {
		return nil
	}
	delete(i.pending, jobID)
	return waiting.ack
}

// sendToClient emits msg to one session. The session secret is never
// sent, context is always this platform, and errors without an actor
// are attributed to the instance's actor.
func (i *instance) sendToClient(sessionID, event string, msg *activity.Stream) error {
	outgoing := msg.Clone()
	outgoing.SessionSecret = ""
	outgoing.Context = i.platform
	if (event == "error" || outgoing.Type == "error") && outgoing.Actor == nil {
		if actor := i.Actor(); actor != "" {
			outgoing.Actor = &activity.Object{ID: actor}
		}
	}
	if err := i.transport.Emit(sessionID, event, outgoing); err != nil {
		i.logger.Debug("sending to client", "session", sessionID, "event", event, "error", err)
		return err
	}
	return nil
}

// broadcast sends msg to every session except one.
func (i *instance) broadcast(event string, msg *activity.Stream, except string) {
	for _, sessionID := range i.Sessions() {
		if sessionID != except {
			i.sendToClient(sessionID, event, msg)
		}
	}
}

func (i *instance) run() {
	defer close(i.loopDone)
	messages := i.process.Messages()
	events := i.queue.Events()
	for messages != nil || events != nil {
		select {
		case <-i.stop:
			return
		case message, ok := <-messages:
			if !ok {
				messages = nil
				i.processExited()
				continue
			}
			i.handleIPC(message)
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			i.handleJobResult(event)
		}
	}
}

func (i *instance) handleIPC(message ipc.Message) {
	switch message.Command {
	case ipc.CommandMessage:
		if message.SessionID != "" {
			if i.hasSession(message.SessionID) {
				i.sendToClient(message.SessionID, "message", message.Stream)
			}
			return
		}
		i.broadcast("message", message.Stream, "")
	case ipc.CommandUpdateCredentials:
		i.mu.Lock()
		i.credentialsHash = message.CredentialsHash
		i.mu.Unlock()
	case ipc.CommandUpdateActor:
		i.updateActor(message.OldActorID, message.NewActorID)
	case ipc.CommandError:
		i.reportError(message.Stream, message.Error)
		go i.destroy(context.Background())
	default:
		i.logger.Debug("ignoring ipc message", "command", message.Command)
	}
}

func (i *instance) updateActor(oldID, newID string) {
	if i.global {
		i.logger.Warn("global platform renamed an actor", "old", oldID, "new", newID)
		return
	}
	if current := i.Actor(); current != oldID {
		i.logger.Warn("actor rename does not match instance actor", "actor", current, "old", oldID)
	}
	newIdentifier := identifier(i.platform, newID, true)
	if err := i.updateIdentifier(newIdentifier); err != nil {
		i.logger.Warn("renaming instance", "error", err)
		return
	}
	i.mu.Lock()
	i.actor = newID
	i.mu.Unlock()
	i.logger.Info("actor renamed", "old", oldID, "new", newID)
}

// updateIdentifier moves the instance to a new registry key.
func (i *instance) updateIdentifier(newID string) error {
	if i.registry == nil {
		i.mu.Lock()
		i.id = newID
		i.mu.Unlock()
		return nil
	}
	return i.registry.rename(i, newID)
}

func (i *instance) handleJobResult(event queue.Event) {
	msg := event.Job.Msg
	msg.SessionSecret = ""

	var result jobResult
	var emission, label string
	switch event.Kind {
	case queue.Completed:
		var content any
		if len(event.Result) > 0 {
			if err := json.Unmarshal(event.Result, &content); err != nil {
				i.logger.Warn("decoding job result", "job", event.Job.Title, "error", err)
			}
		}
		result = jobResult{Context: i.platform, Type: "result", Content: content}
		emission, label = "completed", "completed"
	case queue.Failed:
		msg.Error = event.Reason
		result = jobResult{Context: i.platform, Type: "error", Content: event.Reason}
		emission, label = "failed", "failed"
	default:
		return
	}
	i.metrics.jobSettled(i.platform, label)

	// Peers see the message; only the originator sees the result.
	i.broadcast("message", msg, event.Job.SessionID)

	if ack := i.takePending(event.JobID, event.Job.SessionID); ack != nil {
		ack(result)
		return
	}
	if i.hasSession(event.Job.SessionID) {
		if err := i.transport.Emit(event.Job.SessionID, emission, result); err != nil {
			i.logger.Debug("sending job result", "session", event.Job.SessionID, "error", err)
		}
	}
}

func (i *instance) processExited() {
	if i.closed() {
		return
	}
	i.reportError(nil, "platform process exited unexpectedly")
	go i.destroy(context.Background())
}

// reportError tells every session the instance has failed and drops
// them all. The caller destroys the instance afterwards.
func (i *instance) reportError(source *activity.Stream, text string) {
	i.mu.Lock()
	if i.closing {
		i.mu.Unlock()
		return
	}
	i.closing = true
	sessions := i.sessionsLocked()
	i.sessions = make(map[string]struct{})
	i.departed = make(map[string]struct{})
	actor := i.actor
	i.mu.Unlock()

	i.logger.Error("platform instance failed", "error", text, "sessions", len(sessions))
	failure := &activity.Stream{Context: i.platform, Type: "error", Error: text}
	if source != nil && source.Actor != nil {
		failure.Actor = &activity.Object{ID: source.Actor.ID, Type: source.Actor.Type}
	} else if actor != "" {
		failure.Actor = &activity.Object{ID: actor}
	}
	if source != nil && source.Target != nil {
		failure.Target = source.Target
	}
	for _, sessionID := range sessions {
		i.sendToClient(sessionID, "message", failure)
	}
}

// destroy tears the instance down. Every step runs even if an earlier
// one fails; the combined error is returned, and later calls return
// the same error.
func (i *instance) destroy(ctx context.Context) error {
	i.destroyOnce.Do(func() {
		i.mu.Lock()
		i.closing = true
		pending := i.pending
		i.pending = make(map[string]pendingAck)
		i.sessions = make(map[string]struct{})
		i.departed = make(map[string]struct{})
		q := i.queue
		loopStarted := i.loopStarted
		i.mu.Unlock()

		if i.registry != nil {
			i.registry.remove(i)
		}

		var err error
		if q != nil {
			err = multierr.Append(err, q.Shutdown(ctx))
		}
		close(i.stop)
		if i.process != nil {
			err = multierr.Append(err, i.process.Kill())
		}
		if loopStarted {
			<-i.loopDone
		}

		for _, waiting := range pending {
			waiting.ack(jobResult{Context: i.platform, Type: "error", Content: errInstanceDestroyed.Error()})
		}

		if err != nil {
			i.logger.Warn("destroying platform instance", "error", err)
		} else {
			i.logger.Info("platform instance destroyed")
		}
		i.destroyErr = err
		close(i.done)
	})
	return i.destroyErr
}
