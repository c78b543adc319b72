// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-tcsd.
//
// go-tcsd is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package dispatch routes decoded request packets to command handlers.
//
// The routing table is built once at startup from the handlers the service
// provides minus any ordinals disabled by configuration. Every ordinal in
// range has an entry; those without a handler answer "not implemented".
// The dispatcher, not the handler, frames the response: a handler writes
// its output parameters into the connection buffer and returns, and the
// dispatcher finalizes the header or, on error, replaces the partial output
// with a zero-parameter packet carrying the result code.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/jeremyhahn/go-tcsd/pkg/metrics"
	"github.com/jeremyhahn/go-tcsd/pkg/tss"
	"github.com/jeremyhahn/go-tcsd/pkg/wire"
)

var (
	ErrUnsupported  = tss.NewError(tss.TCS(tss.ENotImpl), "dispatch: unsupported ordinal")
	ErrOutOfRange   = tss.NewError(tss.TCS(tss.EInternalError), "dispatch: ordinal out of range")
	ErrDenied       = tss.NewError(tss.TCS(tss.EFail), "dispatch: ordinal not permitted for remote peers")
	ErrBadParameter = tss.NewError(tss.TCS(tss.EBadParameter), "dispatch: bad request parameters")
)

// Conn is the per-connection state a handler sees.
type Conn struct {
	// ID is the correlation ID carried by every log line for the connection.
	ID     string
	Peer   string
	Local  bool
	Buf    *wire.Buffer
	Logger *slog.Logger

	// Context is the TCS context opened on this connection, if HasContext.
	Context    uint32
	HasContext bool
}

// Handler executes one command. It reads its inputs from c.Buf and writes
// its outputs back with WriteField.
type Handler func(ctx context.Context, c *Conn) error

// Entry is one row of the dispatch table.
type Entry struct {
	Ordinal Ordinal
	Name    string
	Handler Handler
}

// Config configures a Table.
type Config struct {
	Handlers map[Ordinal]Handler
	// Disabled ordinals are routed to the unsupported handler.
	Disabled []Ordinal
	// RemoteOps lists the ordinals non-local peers may invoke. Empty
	// permits everything.
	RemoteOps []Ordinal
	Logger    *slog.Logger
}

// Table is the immutable dispatch table.
type Table struct {
	entries [OrdLast]Entry
	remote  map[Ordinal]struct{}
	logger  *slog.Logger
}

func unsupported(context.Context, *Conn) error {
	return ErrUnsupported
}

// New builds the table.
func New(cfg Config) *Table {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t := &Table{logger: logger.With("component", "dispatch")}

	disabled := make(map[Ordinal]struct{}, len(cfg.Disabled))
	for _, o := range cfg.Disabled {
		disabled[o] = struct{}{}
	}
	for i := range t.entries {
		o := Ordinal(i)
		t.entries[i] = Entry{Ordinal: o, Name: o.String(), Handler: unsupported}
		h, ok := cfg.Handlers[o]
		if !ok || h == nil {
			continue
		}
		if _, off := disabled[o]; off {
			t.logger.Debug("Ordinal disabled by configuration", "ordinal", o.String())
			continue
		}
		t.entries[i].Handler = h
	}
	if len(cfg.RemoteOps) > 0 {
		t.remote = make(map[Ordinal]struct{}, len(cfg.RemoteOps))
		for _, o := range cfg.RemoteOps {
			t.remote[o] = struct{}{}
		}
	}
	return t
}

// Lookup returns the entry for o. The boolean is false when o is out of
// range.
func (t *Table) Lookup(o Ordinal) (Entry, bool) {
	if o >= OrdLast {
		return Entry{}, false
	}
	return t.entries[o], true
}

// Permitted reports whether a peer may invoke o.
func (t *Table) Permitted(o Ordinal, local bool) bool {
	if local || t.remote == nil {
		return true
	}
	_, ok := t.remote[o]
	return ok
}

// Dispatch runs the request in c.Buf and leaves a finalized response in its
// place. It returns the result code sent.
func (t *Table) Dispatch(ctx context.Context, c *Conn) tss.Result {
	start := time.Now()
	o := Ordinal(c.Buf.Ordinal())
	name := o.String()

	err := t.run(ctx, o, c)
	code := tss.Code(err)
	if err != nil {
		c.Buf.Fail(uint32(code))
		if c.Logger != nil {
			c.Logger.Debug("Command failed", "ordinal", name, "result", code.String(), "error", err)
		}
	} else {
		c.Buf.Finalize(uint32(tss.Success))
	}
	metrics.RecordCommand(name, code.String(), time.Since(start).Seconds())
	return code
}

func (t *Table) run(ctx context.Context, o Ordinal, c *Conn) error {
	entry, ok := t.Lookup(o)
	if !ok {
		return ErrOutOfRange
	}
	if !t.Permitted(o, c.Local) {
		logger := c.Logger
		if logger == nil {
			logger = t.logger
		}
		logger.Warn("Denied remote command", "ordinal", entry.Name, "peer", c.Peer)
		metrics.RecordDenied(entry.Name)
		return ErrDenied
	}
	return entry.Handler(ctx, c)
}
