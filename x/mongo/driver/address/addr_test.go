// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package address

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddress(t *testing.T) {
	tests := []struct {
		in          string
		wantNetwork string
		wantString  string
	}{
		{"localhost", "tcp", "localhost:27017"},
		{"localhost:27018", "tcp", "localhost:27018"},
		{"ExAmPlE.CoM:27017", "tcp", "example.com:27017"},
		{"1.2.3.4", "tcp", "1.2.3.4:27017"},
		{"/tmp/mongodb-27017.sock", "unix", "/tmp/mongodb-27017.sock"},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			a := Address(tc.in)
			assert.Equal(t, tc.wantNetwork, a.Network())
			assert.Equal(t, tc.wantString, a.String())
			assert.Equal(t, Address(tc.wantString), a.Canonicalize())
		})
	}
}
