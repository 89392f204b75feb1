// Copyright 2024 Chainguard, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rowsink is the thread-safe destination Rows are delivered to in
// completion order. MemorySink is the in-process default; PostgresSink
// additionally persists every row for later querying across runs.
package rowsink

import (
	"context"

	"github.com/rdeps/crusader/pkg/model"
)

// Sink is the single-method interface the Matrix Orchestrator emits
// every Row to. Implementations must be safe for concurrent Emit calls
// from multiple workers.
type Sink interface {
	Emit(ctx context.Context, row model.Row) error
}

// IsTerminalVerdict reports whether verdict represents a finished row
// that will never be revised — every verdict kind this harness produces
// is terminal; rows are immutable once emitted, so this returns true for
// every known kind and false only for an unrecognized one.
func IsTerminalVerdict(kind model.VerdictKind) bool {
	switch kind {
	case model.VerdictPassed, model.VerdictRegressed, model.VerdictBroken,
		model.VerdictSkipped, model.VerdictHarnessError:
		return true
	default:
		return false
	}
}
