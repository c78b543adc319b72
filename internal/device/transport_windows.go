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

//go:build windows

package device

import (
	"io"

	"github.com/google/go-tpm/tpmutil"
)

// openTransport ignores path on Windows; TBS selects the TPM.
func openTransport(string) (io.ReadWriteCloser, error) {
	return tpmutil.OpenTPM(tpmutil.NormalPriority)
}
