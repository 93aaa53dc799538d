// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package readpref defines read preferences for MongoDB queries.
package readpref

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	errInvalidReadPreference = errors.New("can not specify tags or max staleness on primary")
)

// TagSet is an ordered list of Tags matched against a server's advertised
// tags. A server matches a tag set iff it contains every tag in the set; the
// empty tag set matches any server.
type TagSet []Tag

// Tag is a single name/value member of a tag set.
type Tag struct {
	Name  string
	Value string
}

// Contains indicates whether the tag set contains the given tag.
func (ts TagSet) Contains(name, value string) bool {
	for _, t := range ts {
		if t.Name == name && t.Value == value {
			return true
		}
	}
	return false
}

// ContainsAll indicates whether all of the tags in ts are in the provided
// server tags.
func (ts TagSet) ContainsAll(serverTags map[string]string) bool {
	for _, t := range ts {
		if serverTags[t.Name] != t.Value {
			return false
		}
	}
	return true
}

// NewTagSet creates a tag set from a flat list of name, value pairs.
func NewTagSet(pairs ...string) TagSet {
	var set TagSet
	for i := 0; i+1 < len(pairs); i += 2 {
		set = append(set, Tag{Name: pairs[i], Value: pairs[i+1]})
	}
	return set
}

// NewTagSetFromMap creates a tag set from a map.
func NewTagSetFromMap(m map[string]string) TagSet {
	var set TagSet
	for k, v := range m {
		set = append(set, Tag{Name: k, Value: v})
	}
	return set
}

// ReadPref determines which servers are considered suitable for read
// operations.
type ReadPref struct {
	maxStaleness    time.Duration
	maxStalenessSet bool
	mode            Mode
	tagSets         []TagSet
}

// Primary constructs a read preference with a PrimaryMode.
func Primary() *ReadPref {
	return &ReadPref{mode: PrimaryMode}
}

// PrimaryPreferred constructs a read preference with a PrimaryPreferredMode.
func PrimaryPreferred(opts ...Option) (*ReadPref, error) {
	return New(PrimaryPreferredMode, opts...)
}

// SecondaryPreferred constructs a read preference with a
// SecondaryPreferredMode.
func SecondaryPreferred(opts ...Option) (*ReadPref, error) {
	return New(SecondaryPreferredMode, opts...)
}

// Secondary constructs a read preference with a SecondaryMode.
func Secondary(opts ...Option) (*ReadPref, error) {
	return New(SecondaryMode, opts...)
}

// Nearest constructs a read preference with a NearestMode.
func Nearest(opts ...Option) (*ReadPref, error) {
	return New(NearestMode, opts...)
}

// New creates a new ReadPref.
func New(mode Mode, opts ...Option) (*ReadPref, error) {
	rp := &ReadPref{
		mode: mode,
	}

	if mode == PrimaryMode && len(opts) != 0 {
		return nil, errInvalidReadPreference
	}

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		err := opt(rp)
		if err != nil {
			return nil, err
		}
	}

	return rp, nil
}

// MaxStaleness is the maximum amount of time to allow a server to be
// considered eligible for selection. The second return value indicates if
// this value has been set.
func (r *ReadPref) MaxStaleness() (time.Duration, bool) {
	return r.maxStaleness, r.maxStalenessSet
}

// Mode indicates the mode of the read preference.
func (r *ReadPref) Mode() Mode {
	return r.mode
}

// TagSets are multiple tag sets indicating which servers should be
// considered.
func (r *ReadPref) TagSets() []TagSet {
	return r.tagSets
}

// String returns a human-readable description of the read preference.
func (r *ReadPref) String() string {
	var b strings.Builder
	b.WriteString(r.mode.String())
	delim := "("
	if r.maxStalenessSet {
		fmt.Fprintf(&b, "%smaxStaleness=%v", delim, r.maxStaleness)
		delim = " "
	}
	for _, tagSet := range r.tagSets {
		fmt.Fprintf(&b, "%stagSet=%v", delim, tagSet)
		delim = " "
	}
	if delim != "(" {
		b.WriteString(")")
	}
	return b.String()
}

// Option configures a read preference.
type Option func(*ReadPref) error

// WithMaxStaleness sets the maximum staleness a server is allowed.
func WithMaxStaleness(ms time.Duration) Option {
	return func(rp *ReadPref) error {
		rp.maxStaleness = ms
		rp.maxStalenessSet = true
		return nil
	}
}

// WithTags specifies a single tag set used to match replica set members. A
// member matches if it has all of the given tags.
func WithTags(tags ...string) Option {
	return func(rp *ReadPref) error {
		length := len(tags)
		if length < 2 || length%2 != 0 {
			return errors.New("length of tags must be even")
		}
		rp.tagSets = append(rp.tagSets, NewTagSet(tags...))
		return nil
	}
}

// WithTagSets specifies the tag sets used to match replica set members. Tag
// sets are tried in order; the first set to match any server determines the
// candidates.
func WithTagSets(tagSets ...TagSet) Option {
	return func(rp *ReadPref) error {
		rp.tagSets = tagSets
		return nil
	}
}
