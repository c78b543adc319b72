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

package tcs

import (
	"fmt"

	"github.com/jeremyhahn/go-tcsd/internal/dispatch"
	"github.com/jeremyhahn/go-tcsd/pkg/wire"
)

// params reads request parameters in declared order, starting after the
// context handle in parameter 0. The first failure sticks and later reads
// are no-ops.
type params struct {
	buf  *wire.Buffer
	next int
	err  error
}

func paramsOf(c *dispatch.Conn) *params {
	return &params{buf: c.Buf, next: 1}
}

func (p *params) read(tag wire.Tag, out any) *params {
	if p.err == nil {
		if err := p.buf.ReadField(p.next, tag, out); err != nil {
			p.err = fmt.Errorf("parameter %d: %w", p.next, err)
		}
	}
	p.next++
	return p
}

// optional reads the next parameter if one with tag is present.
func (p *params) optional(tag wire.Tag, out any) bool {
	if p.err != nil || !p.buf.HasField(p.next, tag) {
		return false
	}
	p.read(tag, out)
	return p.err == nil
}

func (p *params) done() error {
	return p.err
}

// write appends tag/value pairs to the response.
func write(b *wire.Buffer, fields ...any) error {
	for i := 0; i+1 < len(fields); i += 2 {
		if err := b.WriteField(fields[i].(wire.Tag), fields[i+1]); err != nil {
			return err
		}
	}
	return nil
}
