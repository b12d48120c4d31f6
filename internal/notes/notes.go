// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package notes implements the per-mount structural-diagnostics buffer
// described in spec.md §7: a growing log of irregularities found while
// parsing on-disk metadata, each tagged with a severity. An Error-level
// note marks the owning mount dubious; vintagefs emits Warning and Error
// notes to log/slog as they are recorded, matching the leveled logging
// idiom in the teacher's internal/spinner package.
package notes

import (
	"log/slog"
)

// Severity classifies a Note.
type Severity int

const (
	Info Severity = iota
	Warning
	Error
)

func (s Severity) String() string {
	switch s {
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Note is a single structural diagnostic.
type Note struct {
	Severity Severity
	Message  string
	Context  string // e.g. "track 17 sector 0", "CNID 128"
}

// Buffer accumulates Notes for one mount.
type Buffer struct {
	log   *slog.Logger
	notes []Note
}

// New creates a Buffer. If log is nil, slog.Default() is used.
func New(log *slog.Logger) *Buffer {
	if log == nil {
		log = slog.Default()
	}
	return &Buffer{log: log}
}

// Add records a Note and, for Warning/Error severities, emits it to the
// configured logger.
func (b *Buffer) Add(sev Severity, context, message string) {
	n := Note{Severity: sev, Message: message, Context: context}
	b.notes = append(b.notes, n)
	switch sev {
	case Warning:
		b.log.Warn(message, "context", context)
	case Error:
		b.log.Error(message, "context", context)
	}
}

// Info, Warnf and Errf are convenience wrappers around Add, one per
// severity.
func (b *Buffer) Info(context, message string)  { b.Add(Info, context, message) }
func (b *Buffer) Warnf(context, message string) { b.Add(Warning, context, message) }
func (b *Buffer) Errf(context, message string)  { b.Add(Error, context, message) }

// All returns every recorded Note, oldest first.
func (b *Buffer) All() []Note {
	out := make([]Note, len(b.notes))
	copy(out, b.notes)
	return out
}

// Dubious reports whether any Error-level note has been recorded, which
// per spec.md §7 marks the owning mount/entry dubious (read-only for the
// affected parts).
func (b *Buffer) Dubious() bool {
	for _, n := range b.notes {
		if n.Severity == Error {
			return true
		}
	}
	return false
}

// Reset clears the buffer, used when re-scanning after prepare_raw_access.
func (b *Buffer) Reset() {
	b.notes = b.notes[:0]
}
