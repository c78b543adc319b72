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

// Package tss defines the layered result codes carried in the result field of
// every TCS response packet, and the error type used to move them through Go
// call stacks.
//
// A result code is a 32-bit value whose bits 12-15 name the software layer that
// produced it (TPM, TDDL, TCS, TSP) and whose low 12 bits carry the code itself.
// Device errors use the TPM layer (0) and are passed through verbatim.
package tss

import "fmt"

// Result is a TSS result code as carried on the wire.
type Result uint32

// Success is the only non-error result.
const Success Result = 0

// Layer masks.
const (
	LayerTPM  Result = 0x0000
	LayerTDDL Result = 0x1000
	LayerTCS  Result = 0x2000
	LayerTSP  Result = 0x3000

	layerMask Result = 0xF000
	codeMask  Result = 0x0FFF
)

// Common TSS error codes, valid in every software layer.
const (
	EFail                  Result = 0x002
	EBadParameter          Result = 0x003
	EInternalError         Result = 0x004
	EOutOfMemory           Result = 0x005
	ENotImpl               Result = 0x006
	EKeyAlreadyRegistered  Result = 0x008
	ETPMUnexpected         Result = 0x010
	ECommFailure           Result = 0x011
	ETimeout               Result = 0x012
	ETPMUnsupportedFeature Result = 0x014
	ECanceled              Result = 0x016
	EPSKeyNotFound         Result = 0x020
	EPSKeyExists           Result = 0x021
	EPSBadKeyState         Result = 0x022
)

// TCS specific error codes.
const (
	TCSEKeyMismatch          Result = 0x008
	TCSEKMLoadFailed         Result = 0x009
	TCSEKeyContextReload     Result = 0x00C
	TCSEBadIndex             Result = 0x00D
	TCSEInvalidContextHandle Result = 0x0C1
	TCSEInvalidKeyHandle     Result = 0x0C2
	TCSEInvalidAuthHandle    Result = 0x0C3
	TCSEInvalidAuthSession   Result = 0x0C4
	TCSEInvalidKey           Result = 0x0C5
)

// TPM 1.2 device return codes, the subset the service interprets.
const (
	TPMAuthFail          Result = 0x001
	TPMBadIndex          Result = 0x002
	TPMBadParameter      Result = 0x003
	TPMBadOrdinal        Result = 0x00A
	TPMInvalidKeyHandle  Result = 0x00C
	TPMKeyNotFound       Result = 0x00D
	TPMNoSpace           Result = 0x011
	TPMResources         Result = 0x015
	TPMInvalidAuthHandle Result = 0x022
	TPMBadTag            Result = 0x01E
	TPMIOError           Result = 0x01F
)

// TCS returns code tagged with the TCS layer.
func TCS(code Result) Result {
	return LayerTCS | (code & codeMask)
}

// Layer returns the layer bits of r.
func (r Result) Layer() Result {
	return r & layerMask
}

// Code returns r with the layer bits cleared.
func (r Result) Code() Result {
	return r & codeMask
}

var commonNames = map[Result]string{
	EFail:                  "TSS_E_FAIL",
	EBadParameter:          "TSS_E_BAD_PARAMETER",
	EInternalError:         "TSS_E_INTERNAL_ERROR",
	EOutOfMemory:           "TSS_E_OUTOFMEMORY",
	ENotImpl:               "TSS_E_NOTIMPL",
	EKeyAlreadyRegistered:  "TSS_E_KEY_ALREADY_REGISTERED",
	ETPMUnexpected:         "TSS_E_TPM_UNEXPECTED",
	ECommFailure:           "TSS_E_COMM_FAILURE",
	ETimeout:               "TSS_E_TIMEOUT",
	ETPMUnsupportedFeature: "TSS_E_TPM_UNSUPPORTED_FEATURE",
	ECanceled:              "TSS_E_CANCELED",
	EPSKeyNotFound:         "TSS_E_PS_KEY_NOTFOUND",
	EPSKeyExists:           "TSS_E_PS_KEY_EXISTS",
	EPSBadKeyState:         "TSS_E_PS_BAD_KEY_STATE",
}

var tcsNames = map[Result]string{
	TCSEKMLoadFailed:         "TCS_E_KM_LOADFAILED",
	TCSEKeyContextReload:     "TCS_E_KEY_CONTEXT_RELOAD",
	TCSEBadIndex:             "TCS_E_BAD_INDEX",
	TCSEInvalidContextHandle: "TCS_E_INVALID_CONTEXTHANDLE",
	TCSEInvalidKeyHandle:     "TCS_E_INVALID_KEYHANDLE",
	TCSEInvalidAuthHandle:    "TCS_E_INVALID_AUTHHANDLE",
	TCSEInvalidAuthSession:   "TCS_E_INVALID_AUTHSESSION",
	TCSEInvalidKey:           "TCS_E_INVALID_KEY",
}

var tpmNames = map[Result]string{
	TPMAuthFail:          "TPM_E_AUTHFAIL",
	TPMBadIndex:          "TPM_E_BADINDEX",
	TPMBadParameter:      "TPM_E_BAD_PARAMETER",
	TPMBadOrdinal:        "TPM_E_BAD_ORDINAL",
	TPMInvalidKeyHandle:  "TPM_E_INVALID_KEYHANDLE",
	TPMKeyNotFound:       "TPM_E_KEYNOTFOUND",
	TPMNoSpace:           "TPM_E_NOSPACE",
	TPMResources:         "TPM_E_RESOURCES",
	TPMInvalidAuthHandle: "TPM_E_INVALID_AUTHHANDLE",
	TPMBadTag:            "TPM_E_BADTAG",
	TPMIOError:           "TPM_E_IOERROR",
}

// String returns the symbolic name of r, or a hex rendering if unknown.
func (r Result) String() string {
	if r == Success {
		return "TSS_SUCCESS"
	}
	code := r.Code()
	switch r.Layer() {
	case LayerTPM:
		if name, ok := tpmNames[code]; ok {
			return name
		}
	case LayerTCS:
		// TCS codes shadow common codes in the overlapping 0x008-0x00D range.
		if name, ok := tcsNames[code]; ok && code != TCSEKeyMismatch {
			return name
		}
		if name, ok := commonNames[code]; ok {
			return name
		}
	default:
		if name, ok := commonNames[code]; ok {
			return name
		}
	}
	return fmt.Sprintf("0x%08x", uint32(r))
}
