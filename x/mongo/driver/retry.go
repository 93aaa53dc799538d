// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"fmt"
	"math"
)

// Type specifies whether an operation is a read, write, or unknown.
type Type uint

// These are the availables types of Type.
const (
	_ Type = iota
	Write
	Read
)

// RetryMode specifies the way that retries are handled for retryable
// operations.
type RetryMode uint

// These are the modes available for retrying.
const (
	// RetryNone disables retrying.
	RetryNone RetryMode = iota
	// RetryOnce will enable retrying the entire operation once if the first
	// attempt fails.
	RetryOnce
	// RetryOncePerCommand will enable retrying each command associated with
	// an operation.
	RetryOncePerCommand
	// RetryContext will enable retrying until the context.Context's deadline
	// is exceeded or it is cancelled.
	RetryContext
)

// Enabled returns if this RetryMode enables retrying.
func (rm RetryMode) Enabled() bool {
	return rm == RetryOnce || rm == RetryOncePerCommand || rm == RetryContext
}

// InfiniteAttempts configures a RetryState with no attempt bound.
const InfiniteAttempts = math.MaxInt64

// ExceptionTransformer selects which error to propagate if retrying stops.
// previouslyChosen is nil on the first failure; the returned error must be
// non-nil.
type ExceptionTransformer func(previouslyChosen, current error) error

// RetryPredicate reports whether another attempt may be made after the
// current error.
type RetryPredicate func(state *RetryState, current error) bool

// suppressingError carries an error together with the errors it suppressed,
// in the order they were suppressed.
type suppressingError struct {
	error
	suppressed []error
}

func (se *suppressingError) Unwrap() error { return se.error }

func (se *suppressingError) Error() string {
	if len(se.suppressed) == 0 {
		return se.error.Error()
	}
	return fmt.Sprintf("%v (suppressed: %v)", se.error, se.suppressed)
}

// Suppress records prior so that callers inspecting err can observe the
// errors superseded during retrying.
func Suppress(err, prior error) error {
	if err == nil {
		return prior
	}
	if prior == nil {
		return err
	}
	if se, ok := err.(*suppressingError); ok {
		se.suppressed = append(se.suppressed, prior)
		return se
	}
	return &suppressingError{error: err, suppressed: []error{prior}}
}

// SuppressedErrors returns the errors suppressed by err during retrying, or
// nil.
func SuppressedErrors(err error) []error {
	if se, ok := err.(*suppressingError); ok {
		return se.suppressed
	}
	return nil
}

// RetryState tracks the attempt accounting for one retryable operation: the
// 0-based attempt index, the bound on attempts, the currently chosen
// prospective failure, and an attachment map protocol handlers use to carry
// state across attempts.
//
// A RetryState is owned by a single operation execution and is not safe for
// concurrent use.
type RetryState struct {
	attempt     int64
	maxAttempts int64
	chosen      error
	lastAttempt bool

	attachments map[interface{}]interface{}
	autoRemove  map[interface{}]bool
}

// NewRetryState creates a RetryState allowing up to maxAttempts attempts.
// maxAttempts must be at least 1; use InfiniteAttempts for an unbounded
// state.
func NewRetryState(maxAttempts int64) *RetryState {
	if maxAttempts < 1 {
		panic(fmt.Sprintf("maxAttempts must be positive, got %d", maxAttempts))
	}
	return &RetryState{maxAttempts: maxAttempts}
}

// Attempt returns the 0-based index of the current attempt.
func (rs *RetryState) Attempt() int64 { return rs.attempt }

// IsFirstAttempt returns true while the first attempt is in progress.
func (rs *RetryState) IsFirstAttempt() bool { return rs.attempt == 0 }

// IsLastAttempt returns true if no further attempts may be made, either
// because the attempt bound is reached or because a break-out marked this
// attempt as the last.
func (rs *RetryState) IsLastAttempt() bool {
	return rs.lastAttempt || rs.attempt == rs.maxAttempts-1
}

// ChosenError returns the currently chosen prospective failure.
func (rs *RetryState) ChosenError() error { return rs.chosen }

// Advance decides whether the operation may be retried after current failed
// an attempt.
//
// The transformer selects which error to propagate if retrying stops; it
// receives the previously chosen error (nil on the first failure) and the
// current one and must return a non-nil error. If the transformer panics
// with an error, that error replaces both candidates, with the previous and
// current errors attached as suppressed, and retrying aborts.
//
// If this is the last allowed attempt, the chosen error is stored and
// returned. Otherwise predicate is consulted: a false result returns the
// chosen error; a true result stores it, advances the attempt counter, and
// returns nil so the caller can perform the next attempt.
func (rs *RetryState) Advance(current error, transformer ExceptionTransformer, predicate RetryPredicate) (retErr error) {
	previouslyChosen := rs.chosen

	chosen, terr := callTransformer(transformer, previouslyChosen, current)
	if terr != nil {
		terr = Suppress(terr, previouslyChosen)
		terr = Suppress(terr, current)
		rs.chosen = terr
		rs.lastAttempt = true
		return terr
	}
	if chosen == nil {
		chosen = fmt.Errorf("exception transformer returned nil for %v", current)
	}
	sameAsPrevious := func() (same bool) {
		// Errors whose dynamic types are not comparable (such as Error, which
		// holds a slice) panic under ==; they count as different errors.
		defer func() {
			if recover() != nil {
				same = false
			}
		}()
		return chosen == previouslyChosen
	}
	if previouslyChosen != nil && !sameAsPrevious() {
		chosen = Suppress(chosen, previouslyChosen)
	}

	if rs.IsLastAttempt() {
		rs.chosen = chosen
		return chosen
	}

	retry, perr := callPredicate(predicate, rs, current)
	if perr != nil {
		perr = Suppress(perr, chosen)
		rs.chosen = perr
		rs.lastAttempt = true
		return perr
	}
	if !retry {
		rs.chosen = chosen
		return chosen
	}

	rs.chosen = chosen
	rs.attempt++
	rs.clearAutoRemovedAttachments()
	return nil
}

// callTransformer runs the transformer, converting a panic into an error so
// the retry loop can abort with it.
func callTransformer(transformer ExceptionTransformer, prev, current error) (chosen error, panicked error) {
	defer func() {
		if r := recover(); r != nil {
			if err, ok := r.(error); ok {
				panicked = err
				return
			}
			panicked = fmt.Errorf("exception transformer panicked: %v", r)
		}
	}()
	if transformer == nil {
		if current != nil {
			return current, nil
		}
		return prev, nil
	}
	return transformer(prev, current), nil
}

func callPredicate(predicate RetryPredicate, rs *RetryState, current error) (retry bool, panicked error) {
	defer func() {
		if r := recover(); r != nil {
			if err, ok := r.(error); ok {
				panicked = err
				return
			}
			panicked = fmt.Errorf("retry predicate panicked: %v", r)
		}
	}()
	if predicate == nil {
		return false, nil
	}
	return predicate(rs, current), nil
}

// BreakAndReturnIf implements the retry loop break-out. During the first
// attempt it is a no-op and returns nil. During later attempts, if the
// predicate is true, the current attempt is marked as the last and the
// currently chosen error is returned; the caller must still unwind the
// in-progress attempt.
func (rs *RetryState) BreakAndReturnIf(predicate func() bool) error {
	if rs.IsFirstAttempt() {
		return nil
	}
	if predicate == nil || !predicate() {
		return nil
	}
	rs.lastAttempt = true
	if rs.chosen == nil {
		rs.chosen = fmt.Errorf("retrying broken out of with no chosen exception")
	}
	return rs.chosen
}

// BreakAndCompleteIf is the asynchronous variant of BreakAndReturnIf: the
// decision is relayed to callback instead of returned. It reports whether
// the break-out fired.
func (rs *RetryState) BreakAndCompleteIf(predicate func() bool, callback func(error)) bool {
	err := rs.BreakAndReturnIf(predicate)
	if err == nil {
		return false
	}
	callback(err)
	return true
}

// Attach stores value under key. If autoRemove is true, the attachment is
// cleared at the next attempt boundary.
func (rs *RetryState) Attach(key, value interface{}, autoRemove bool) {
	if rs.attachments == nil {
		rs.attachments = make(map[interface{}]interface{})
		rs.autoRemove = make(map[interface{}]bool)
	}
	rs.attachments[key] = value
	if autoRemove {
		rs.autoRemove[key] = true
	} else {
		delete(rs.autoRemove, key)
	}
}

// Attachment returns the value stored under key, if any.
func (rs *RetryState) Attachment(key interface{}) (interface{}, bool) {
	value, ok := rs.attachments[key]
	return value, ok
}

func (rs *RetryState) clearAutoRemovedAttachments() {
	for key := range rs.autoRemove {
		delete(rs.attachments, key)
		delete(rs.autoRemove, key)
	}
}
