// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/sockethub/lib/ipc"
	"github.com/bureau-foundation/sockethub/lib/version"
)

// killGrace is how long a platform process gets between SIGTERM and
// SIGKILL.
const killGrace = 2 * time.Second

// childProcess is a running platform process as the dispatcher sees
// it.
type childProcess interface {
	// Send writes one IPC message to the process.
	Send(message ipc.Message) error

	// Messages delivers IPC messages from the process. It is closed
	// after the process has exited.
	Messages() <-chan ipc.Message

	// Kill stops the process and waits for it to exit. Killing a
	// process that already exited returns nil.
	Kill() error
}

// spawnRequest names the platform process to start.
type spawnRequest struct {
	Platform   string
	ParentID   string
	InstanceID string
}

// spawnFunc starts a platform process.
type spawnFunc func(ctx context.Context, request spawnRequest) (childProcess, error)

// execSpawner starts sockethub-platform binaries. Each child reads
// IPC from stdin, writes IPC to stdout, and shares the dispatcher's
// stderr for its logs.
type execSpawner struct {
	binary string

	// args are passed before the per-instance flags, typically
	// --config and --log-level.
	args   []string
	logger *slog.Logger
}

func (s *execSpawner) spawn(ctx context.Context, request spawnRequest) (childProcess, error) {
	args := append([]string{}, s.args...)
	args = append(args,
		"--platform", request.Platform,
		"--parent-id", request.ParentID,
		"--instance-id", request.InstanceID,
	)
	cmd := exec.Command(s.binary, args...)
	cmd.Env = append(os.Environ(), "SOCKETHUB_DISPATCHER_VERSION="+version.Version)
	cmd.Stderr = os.Stderr
	// A dispatcher that dies without cleaning up takes its platforms
	// with it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: unix.SIGKILL}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating platform stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating platform stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", s.binary, err)
	}

	process := &execProcess{
		cmd:      cmd,
		stdin:    stdin,
		channel:  ipc.NewChannel(stdout, stdin),
		messages: make(chan ipc.Message, 16),
		killed:   make(chan struct{}),
		exited:   make(chan struct{}),
		logger:   s.logger.With("platform", request.Platform, "instance", request.InstanceID, "pid", cmd.Process.Pid),
	}
	go process.readLoop()
	process.logger.Debug("platform process started")
	return process, nil
}

type execProcess struct {
	cmd      *exec.Cmd
	stdin    io.Closer
	channel  *ipc.Channel
	messages chan ipc.Message
	logger   *slog.Logger

	killOnce sync.Once
	killed   chan struct{}
	exited   chan struct{}
	waitErr  error
}

func (p *execProcess) Send(message ipc.Message) error {
	select {
	case <-p.exited:
		return errors.New("platform process has exited")
	default:
	}
	return p.channel.Send(message)
}

func (p *execProcess) Messages() <-chan ipc.Message { return p.messages }

// readLoop forwards IPC until the process closes stdout, then reaps
// it. Messages arriving after Kill are discarded so the loop always
// reaches Wait.
func (p *execProcess) readLoop() {
	if err := forwardIPC(p.channel, p.messages, p.killed, p.logger); err != nil {
		// The stream is out of sync. Kill waits on exited, which
		// this loop closes, so it cannot run inline.
		go p.Kill()
	}
	p.waitErr = p.cmd.Wait()
	if p.waitErr != nil {
		p.logger.Debug("platform process exited", "error", p.waitErr)
	}
	close(p.messages)
	close(p.exited)
}

// forwardIPC relays messages from channel to messages until the
// stream ends. Invalid frames are logged and skipped. It returns nil
// at end of stream and the read error when the stream broke.
func forwardIPC(channel *ipc.Channel, messages chan<- ipc.Message, killed <-chan struct{}, logger *slog.Logger) error {
	for {
		message, err := channel.Receive()
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, ipc.ErrInvalidMessage):
			logger.Warn("skipping invalid platform ipc", "error", err)
			continue
		case err != nil:
			logger.Warn("reading platform ipc", "error", err)
			return err
		}
		select {
		case messages <- message:
		case <-killed:
		}
	}
}

func (p *execProcess) Kill() error {
	var err error
	p.killOnce.Do(func() {
		close(p.killed)
		p.stdin.Close()

		select {
		case <-p.exited:
			return
		default:
		}

		pid := p.cmd.Process.Pid
		if killErr := unix.Kill(pid, unix.SIGTERM); killErr != nil && !errors.Is(killErr, unix.ESRCH) {
			err = fmt.Errorf("signalling platform process %d: %w", pid, killErr)
		}
		select {
		case <-p.exited:
			return
		case <-time.After(killGrace):
		}
		p.logger.Warn("platform process ignored SIGTERM, killing")
		if killErr := unix.Kill(pid, unix.SIGKILL); killErr != nil && !errors.Is(killErr, unix.ESRCH) {
			err = fmt.Errorf("killing platform process %d: %w", pid, killErr)
			return
		}
		<-p.exited
	})
	return err
}
