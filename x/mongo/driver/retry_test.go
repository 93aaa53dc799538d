// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bytev/mongo-go-core/x/mongo/driver/description"
)

func TestRetryStateAttemptAccounting(t *testing.T) {
	rs := NewRetryState(3)
	assert.True(t, rs.IsFirstAttempt())
	assert.False(t, rs.IsLastAttempt())
	assert.EqualValues(t, 0, rs.Attempt())

	keepCurrent := func(_, current error) error { return current }
	alwaysRetry := func(*RetryState, error) bool { return true }

	require.NoError(t, rs.Advance(errors.New("attempt 0"), keepCurrent, alwaysRetry))
	assert.EqualValues(t, 1, rs.Attempt())
	assert.False(t, rs.IsFirstAttempt())

	require.NoError(t, rs.Advance(errors.New("attempt 1"), keepCurrent, alwaysRetry))
	assert.EqualValues(t, 2, rs.Attempt())
	assert.True(t, rs.IsLastAttempt())

	// The last allowed attempt stores the chosen error and returns it
	// without consulting the predicate.
	final := errors.New("attempt 2")
	err := rs.Advance(final, keepCurrent, func(*RetryState, error) bool {
		t.Fatal("predicate must not run on the last attempt")
		return false
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, final)
}

func TestRetryStateTransformerKeepsCurrentAndSuppresses(t *testing.T) {
	const attempts = 4
	rs := NewRetryState(attempts)

	keepCurrent := func(_, current error) error { return current }
	alwaysRetry := func(*RetryState, error) bool { return true }

	var errs []error
	for i := 0; i < attempts; i++ {
		errs = append(errs, fmt.Errorf("failure %d", i))
	}

	for i := 0; i < attempts-1; i++ {
		require.NoError(t, rs.Advance(errs[i], keepCurrent, alwaysRetry))
	}
	final := rs.Advance(errs[attempts-1], keepCurrent, alwaysRetry)
	require.Error(t, final)

	// The final error is attempt N's error with attempt N-1's error
	// suppressed.
	assert.ErrorIs(t, final, errs[attempts-1])
	suppressed := SuppressedErrors(final)
	require.NotEmpty(t, suppressed)
	assert.ErrorIs(t, suppressed[0], errs[attempts-2])
}

func TestRetryStateTransformerKeepsPrevious(t *testing.T) {
	rs := NewRetryState(2)

	keepPrevious := func(previous, current error) error {
		if previous != nil {
			return previous
		}
		return current
	}

	first := errors.New("first failure")
	second := errors.New("second failure")

	require.NoError(t, rs.Advance(first, keepPrevious, func(*RetryState, error) bool { return true }))
	final := rs.Advance(second, keepPrevious, nil)
	require.Error(t, final)
	assert.ErrorIs(t, final, first)
}

func TestRetryStatePredicateFalseReturnsChosen(t *testing.T) {
	rs := NewRetryState(5)
	cause := errors.New("not retryable")

	err := rs.Advance(cause, func(_, current error) error { return current },
		func(*RetryState, error) bool { return false })
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.EqualValues(t, 0, rs.Attempt())
}

func TestRetryStateTransformerPanicAborts(t *testing.T) {
	rs := NewRetryState(5)
	first := errors.New("first")
	boom := errors.New("transformer exploded")

	require.NoError(t, rs.Advance(first, func(_, current error) error { return current },
		func(*RetryState, error) bool { return true }))

	second := errors.New("second")
	err := rs.Advance(second, func(previous, current error) error { panic(boom) }, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	// The previous and current candidates are attached as suppressed.
	suppressed := SuppressedErrors(err)
	require.Len(t, suppressed, 2)
	assert.True(t, rs.IsLastAttempt())
}

func TestRetryStateBreakOut(t *testing.T) {
	t.Run("no-op on first attempt", func(t *testing.T) {
		rs := NewRetryState(3)
		assert.NoError(t, rs.BreakAndReturnIf(func() bool { return true }))
	})

	t.Run("returns chosen on later attempt", func(t *testing.T) {
		rs := NewRetryState(3)
		chosen := errors.New("chosen failure")
		require.NoError(t, rs.Advance(chosen, func(_, current error) error { return current },
			func(*RetryState, error) bool { return true }))

		err := rs.BreakAndReturnIf(func() bool { return true })
		require.Error(t, err)
		assert.ErrorIs(t, err, chosen)
		assert.True(t, rs.IsLastAttempt())
	})

	t.Run("false predicate does not break", func(t *testing.T) {
		rs := NewRetryState(3)
		require.NoError(t, rs.Advance(errors.New("x"), func(_, current error) error { return current },
			func(*RetryState, error) bool { return true }))
		assert.NoError(t, rs.BreakAndReturnIf(func() bool { return false }))
		assert.False(t, rs.IsLastAttempt())
	})

	t.Run("callback variant", func(t *testing.T) {
		rs := NewRetryState(3)
		chosen := errors.New("chosen failure")
		require.NoError(t, rs.Advance(chosen, func(_, current error) error { return current },
			func(*RetryState, error) bool { return true }))

		var got error
		fired := rs.BreakAndCompleteIf(func() bool { return true }, func(err error) { got = err })
		assert.True(t, fired)
		assert.ErrorIs(t, got, chosen)

		rs2 := NewRetryState(3)
		fired = rs2.BreakAndCompleteIf(func() bool { return true }, func(error) {
			t.Fatal("callback must not fire on the first attempt")
		})
		assert.False(t, fired)
	})
}

func TestRetryStateAttachments(t *testing.T) {
	rs := NewRetryState(3)

	rs.Attach("sticky", "value", false)
	rs.Attach("ephemeral", 42, true)

	v, ok := rs.Attachment("sticky")
	require.True(t, ok)
	assert.Equal(t, "value", v)

	// Advancing an attempt clears auto-removed attachments only.
	require.NoError(t, rs.Advance(errors.New("x"), func(_, current error) error { return current },
		func(*RetryState, error) bool { return true }))

	_, ok = rs.Attachment("ephemeral")
	assert.False(t, ok)
	v, ok = rs.Attachment("sticky")
	require.True(t, ok)
	assert.Equal(t, "value", v)
}

func TestRetryStateInfiniteAttempts(t *testing.T) {
	rs := NewRetryState(InfiniteAttempts)
	for i := 0; i < 100; i++ {
		require.NoError(t, rs.Advance(fmt.Errorf("failure %d", i),
			func(_, current error) error { return current },
			func(*RetryState, error) bool { return true }))
	}
	assert.EqualValues(t, 100, rs.Attempt())
	assert.False(t, rs.IsLastAttempt())
}

func TestErrorClassification(t *testing.T) {
	t.Run("retryable write codes", func(t *testing.T) {
		for _, code := range []int32{11600, 11602, 10107, 13435, 13436, 189, 91, 7, 6, 89, 9001} {
			err := Error{Code: code}
			assert.True(t, err.RetryableWrite(nil), "code %d should be retryable for writes", code)
		}
	})

	t.Run("ExceededTimeLimit retryable for reads only", func(t *testing.T) {
		err := Error{Code: 262}
		assert.True(t, err.RetryableRead())
		assert.False(t, err.RetryableWrite(nil))
	})

	t.Run("labels take precedence on modern servers", func(t *testing.T) {
		wv := &description.VersionRange{Min: 6, Max: 13}
		err := Error{Code: 11600}
		// Servers with wire version >= 9 are trusted to attach the
		// RetryableWriteError label, so the legacy code list is ignored.
		assert.False(t, err.RetryableWrite(wv))

		labeled := Error{Labels: []string{RetryableWriteError}}
		assert.True(t, labeled.RetryableWrite(wv))
	})

	t.Run("network errors are retryable", func(t *testing.T) {
		err := Error{Labels: []string{NetworkError}}
		assert.True(t, err.RetryableRead())
		assert.True(t, err.RetryableWrite(nil))
	})
}
