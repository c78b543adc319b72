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

package tss

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResult_String(t *testing.T) {
	tests := []struct {
		name string
		r    Result
		want string
	}{
		{"success", Success, "TSS_SUCCESS"},
		{"tpm layer", TPMNoSpace, "TPM_E_NOSPACE"},
		{"tcs specific", TCS(TCSEInvalidAuthHandle), "TCS_E_INVALID_AUTHHANDLE"},
		{"tcs common", TCS(EFail), "TSS_E_FAIL"},
		{"unknown", Result(0x2999), "0x00002999"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.r.String())
		})
	}
}

func TestTCS_SetsLayer(t *testing.T) {
	r := TCS(EBadParameter)
	assert.Equal(t, LayerTCS, r.Layer())
	assert.Equal(t, EBadParameter, r.Code())
	assert.Equal(t, Result(0x2003), r)
}

func TestCode(t *testing.T) {
	sentinel := NewError(TCS(TCSEInvalidKeyHandle), "keycache: unknown key handle")
	wrapped := fmt.Errorf("load: %w", sentinel)

	assert.Equal(t, Success, Code(nil))
	assert.Equal(t, TCS(TCSEInvalidKeyHandle), Code(wrapped))
	assert.Equal(t, TCS(EInternalError), Code(errors.New("boom")))
	assert.Equal(t, TPMResources, Code(FromDevice(0x15)))
	assert.True(t, errors.Is(wrapped, sentinel))
	assert.True(t, Is(wrapped, TCS(TCSEInvalidKeyHandle)))
	assert.False(t, Is(errors.New("x"), TCS(TCSEInvalidKeyHandle)))
}

func TestError_Message(t *testing.T) {
	assert.Equal(t, "TPM_E_NOSPACE", FromDevice(uint32(TPMNoSpace)).Error())
	assert.Equal(t, "wire: malformed packet (TSS_E_BAD_PARAMETER)",
		NewError(TCS(EBadParameter), "wire: malformed packet").Error())
}
