// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package middleware runs a value through an ordered list of steps.
//
// A [Chain] has two kinds of members, registered through distinct
// methods: steps ([Chain.Use]) transform the value or fail, and one
// error handler ([Chain.OnError]) decides what the caller sees when a
// step fails. Steps run strictly in order; a failing step ends the run
// and no later step executes. Every run ends with exactly one call to
// the terminal callback, whether it succeeded, failed, or a step
// panicked.
//
// Steps receive a context and may block on I/O. A chain holds no
// per-run state, so one chain may run concurrently for different
// values.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrChainPanic wraps a panic recovered from a step or error handler.
var ErrChainPanic = errors.New("middleware step panicked")

// StepFunc transforms data. Returning an error stops the chain.
type StepFunc[T any] func(ctx context.Context, data T) (T, error)

// ErrorHandlerFunc receives the error of the failing step and the
// value that step was given. It returns the value and error the
// terminal callback receives; returning a nil error recovers.
type ErrorHandlerFunc[T any] func(ctx context.Context, err error, data T) (T, error)

// DoneFunc is the terminal callback of a run.
type DoneFunc[T any] func(data T, err error)

// Chain is an ordered list of steps and an error handler. The zero
// value is not usable; call New.
type Chain[T any] struct {
	name string

	mu           sync.RWMutex
	steps        []StepFunc[T]
	errorHandler ErrorHandlerFunc[T]
}

// New returns an empty chain. The name appears in wrapped panic
// errors.
func New[T any](name string) *Chain[T] {
	return &Chain[T]{name: name}
}

// Name returns the chain name.
func (c *Chain[T]) Name() string { return c.name }

// Use appends a step and returns the chain for call chaining.
func (c *Chain[T]) Use(step StepFunc[T]) *Chain[T] {
	if step == nil {
		panic("middleware: nil step")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, step)
	return c
}

// OnError sets the error handler, replacing any earlier one. Without
// an error handler the step's error is passed through unchanged.
func (c *Chain[T]) OnError(handler ErrorHandlerFunc[T]) *Chain[T] {
	if handler == nil {
		panic("middleware: nil error handler")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorHandler = handler
	return c
}

// Run executes the chain on data and calls done exactly once with the
// result. Run blocks until done has been called.
func (c *Chain[T]) Run(ctx context.Context, data T, done DoneFunc[T]) {
	result, err := c.Execute(ctx, data)
	if done != nil {
		done(result, err)
	}
}

// Execute runs the chain and returns the result instead of calling a
// callback.
func (c *Chain[T]) Execute(ctx context.Context, data T) (T, error) {
	c.mu.RLock()
	steps := c.steps
	handler := c.errorHandler
	c.mu.RUnlock()

	current := data
	for index, step := range steps {
		if err := ctx.Err(); err != nil {
			return c.handle(ctx, handler, err, current)
		}
		next, err := c.invoke(ctx, index, step, current)
		if err != nil {
			return c.handle(ctx, handler, err, current)
		}
		current = next
	}
	return current, nil
}

func (c *Chain[T]) invoke(ctx context.Context, index int, step StepFunc[T], data T) (result T, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%w: %s step %d: %v", ErrChainPanic, c.name, index, recovered)
		}
	}()
	return step(ctx, data)
}

func (c *Chain[T]) handle(ctx context.Context, handler ErrorHandlerFunc[T], stepErr error, data T) (result T, err error) {
	if handler == nil {
		return data, stepErr
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			result = data
			err = fmt.Errorf("%w: %s error handler: %v (handling %v)", ErrChainPanic, c.name, recovered, stepErr)
		}
	}()
	return handler(ctx, stepErr, data)
}
