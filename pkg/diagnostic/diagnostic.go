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

// Package diagnostic consumes the build tool's streaming structured
// message output and extracts a bounded list of compiler diagnostics per
// phase, preserving the tool's own rendered text verbatim.
package diagnostic

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"

	"github.com/rdeps/crusader/pkg/model"
)

// DefaultCap is the default maximum number of diagnostics retained per
// phase before further diagnostics are only counted, not stored.
const DefaultCap = 200

// rawMessage mirrors the build tool's structured-message JSON shape.
// Fields not recognized here are ignored; non-diagnostic message kinds
// (e.g. build-script output, timing events) are skipped entirely.
type rawMessage struct {
	Reason  string `json:"reason"`
	Message struct {
		Level   string `json:"level"`
		Code    *struct {
			Code string `json:"code"`
		} `json:"code"`
		Message  string `json:"message"`
		Rendered string `json:"rendered"`
		Spans    []struct {
			FileName   string `json:"file_name"`
			LineStart  int    `json:"line_start"`
			ColumnStart int   `json:"column_start"`
			IsPrimary  bool   `json:"is_primary"`
		} `json:"spans"`
	} `json:"message"`
}

// Extractor accumulates diagnostics from a streaming message channel,
// capped at Cap entries with an overflow counter preserved beyond the
// cap. Safe for concurrent use, matching the mutex-guarded accumulator
// shape this harness uses elsewhere for streaming status channels.
type Extractor struct {
	cap int

	mu          sync.Mutex
	diagnostics []model.Diagnostic
	overflow    int
}

// New creates an Extractor capped at cap diagnostics. A cap <= 0 uses
// DefaultCap.
func New(cap int) *Extractor {
	if cap <= 0 {
		cap = DefaultCap
	}
	return &Extractor{cap: cap}
}

// Consume reads newline-delimited structured messages from r until EOF
// or ctx cancellation is observed via the reader, feeding diagnostics as
// they are decoded. Lines that fail to decode as a structured message or
// are not a diagnostic reason are ignored, not errors: the build tool's
// stdout interleaves plain build output with JSON lines only when
// structured-message mode is requested for the whole stream.
func (e *Extractor) Consume(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg rawMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.Reason != "compiler-message" {
			continue
		}
		d := toDiagnostic(msg)
		if d.Level != model.LevelError && d.Level != model.LevelWarning {
			continue
		}
		e.add(d)
	}
	return scanner.Err()
}

func toDiagnostic(msg rawMessage) model.Diagnostic {
	d := model.Diagnostic{
		Level:    levelFromString(msg.Message.Level),
		Message:  msg.Message.Message,
		Rendered: msg.Message.Rendered,
	}
	if msg.Message.Code != nil {
		d.Code = msg.Message.Code.Code
	}
	for _, span := range msg.Message.Spans {
		if !span.IsPrimary {
			continue
		}
		d.PrimarySpan = &model.Span{
			File: span.FileName,
			Line: span.LineStart,
			Col:  span.ColumnStart,
		}
		break
	}
	return d
}

func levelFromString(s string) model.DiagnosticLevel {
	switch s {
	case "error", "error: internal compiler error":
		return model.LevelError
	case "warning":
		return model.LevelWarning
	case "note":
		return model.LevelNote
	case "help":
		return model.LevelHelp
	default:
		return model.LevelNote
	}
}

func (e *Extractor) add(d model.Diagnostic) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.diagnostics) >= e.cap {
		e.overflow++
		return
	}
	e.diagnostics = append(e.diagnostics, d)
}

// Diagnostics returns the accumulated diagnostics and the overflow count.
func (e *Extractor) Diagnostics() ([]model.Diagnostic, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.Diagnostic, len(e.diagnostics))
	copy(out, e.diagnostics)
	return out, e.overflow
}
