// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package version defines the driver version reported in the handshake
// client metadata.
package version

// Driver is the current version of the driver.
var Driver = "v0.3.0"
