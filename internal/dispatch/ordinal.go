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

package dispatch

import (
	"fmt"
	"strconv"
	"strings"
)

// Ordinal selects the command a request packet invokes.
type Ordinal uint32

// Command ordinals. Values follow the established TCS wire numbering so that
// existing TSS clients interoperate.
const (
	OrdError                        Ordinal = 0
	OrdOpenContext                  Ordinal = 1
	OrdCloseContext                 Ordinal = 2
	OrdFreeMemory                   Ordinal = 3
	OrdTCSGetCapability             Ordinal = 4
	OrdRegisterKey                  Ordinal = 5
	OrdUnregisterKey                Ordinal = 6
	OrdEnumRegisteredKeys           Ordinal = 7
	OrdGetRegisteredKey             Ordinal = 8
	OrdGetRegisteredKeyBlob         Ordinal = 9
	OrdGetRegisteredKeyByPublicInfo Ordinal = 10
	OrdLoadKeyByBlob                Ordinal = 11
	OrdLoadKeyByUUID                Ordinal = 12
	OrdEvictKey                     Ordinal = 13
	OrdCreateWrapKey                Ordinal = 14
	OrdGetPubKey                    Ordinal = 15
	OrdMakeIdentity                 Ordinal = 16
	OrdLogPCREvent                  Ordinal = 17
	OrdGetPCREvent                  Ordinal = 18
	OrdGetPCREventByPCR             Ordinal = 19
	OrdGetPCREventLog               Ordinal = 20
	OrdSetOwnerInstall              Ordinal = 21
	OrdTakeOwnership                Ordinal = 22
	OrdOIAP                         Ordinal = 23
	OrdOSAP                         Ordinal = 24
	OrdChangeAuth                   Ordinal = 25
	OrdChangeAuthOwner              Ordinal = 26
	OrdChangeAuthAsymStart          Ordinal = 27
	OrdChangeAuthAsymFinish         Ordinal = 28
	OrdTerminateHandle              Ordinal = 29
	OrdActivateTPMIdentity          Ordinal = 30
	OrdExtend                       Ordinal = 31
	OrdPCRRead                      Ordinal = 32
	OrdQuote                        Ordinal = 33
	OrdDirWriteAuth                 Ordinal = 34
	OrdDirRead                      Ordinal = 35
	OrdSeal                         Ordinal = 36
	OrdUnseal                       Ordinal = 37
	OrdUnBind                       Ordinal = 38
	OrdCreateMigrationBlob          Ordinal = 39
	OrdConvertMigrationBlob         Ordinal = 40
	OrdAuthorizeMigrationKey        Ordinal = 41
	OrdCertifyKey                   Ordinal = 42
	OrdSign                         Ordinal = 43
	OrdGetRandom                    Ordinal = 44
	OrdStirRandom                   Ordinal = 45
	OrdGetCapability                Ordinal = 46
	OrdGetCapabilitySigned          Ordinal = 47
	OrdGetCapabilityOwner           Ordinal = 48
	OrdCreateEndorsementKeyPair     Ordinal = 49
	OrdReadPubEK                    Ordinal = 50
	OrdDisablePubEKRead             Ordinal = 51
	OrdOwnerReadPubEK               Ordinal = 52
	OrdSelfTestFull                 Ordinal = 53
	OrdCertifySelfTest              Ordinal = 54
	OrdContinueSelfTest             Ordinal = 55
	OrdGetTestResult                Ordinal = 56
	OrdOwnerSetDisable              Ordinal = 57
	OrdOwnerClear                   Ordinal = 58
	OrdDisableOwnerClear            Ordinal = 59
	OrdForceClear                   Ordinal = 60
	OrdDisableForceClear            Ordinal = 61
	OrdPhysicalDisable              Ordinal = 62
	OrdPhysicalEnable               Ordinal = 63
	OrdPhysicalSetDeactivated       Ordinal = 64
	OrdSetTempDeactivated           Ordinal = 65
	OrdPhysicalPresence             Ordinal = 66
	OrdFieldUpgrade                 Ordinal = 67
	OrdSetRedirection               Ordinal = 68
	OrdFlushSpecific                Ordinal = 120
	OrdKeyControlOwner              Ordinal = 121
	OrdDSAP                         Ordinal = 122

	// OrdLast is one past the highest ordinal; the table has this many entries.
	OrdLast Ordinal = 123
)

var ordinalNames = map[Ordinal]string{
	OrdError:                        "Error",
	OrdOpenContext:                  "OpenContext",
	OrdCloseContext:                 "CloseContext",
	OrdFreeMemory:                   "FreeMemory",
	OrdTCSGetCapability:             "TCSGetCapability",
	OrdRegisterKey:                  "RegisterKey",
	OrdUnregisterKey:                "UnregisterKey",
	OrdEnumRegisteredKeys:           "EnumRegisteredKeys",
	OrdGetRegisteredKey:             "GetRegisteredKey",
	OrdGetRegisteredKeyBlob:         "GetRegisteredKeyBlob",
	OrdGetRegisteredKeyByPublicInfo: "GetRegisteredKeyByPublicInfo",
	OrdLoadKeyByBlob:                "LoadKeyByBlob",
	OrdLoadKeyByUUID:                "LoadKeyByUUID",
	OrdEvictKey:                     "EvictKey",
	OrdCreateWrapKey:                "CreateWrapKey",
	OrdGetPubKey:                    "GetPubKey",
	OrdMakeIdentity:                 "MakeIdentity",
	OrdLogPCREvent:                  "LogPCREvent",
	OrdGetPCREvent:                  "GetPCREvent",
	OrdGetPCREventByPCR:             "GetPCREventByPCR",
	OrdGetPCREventLog:               "GetPCREventLog",
	OrdSetOwnerInstall:              "SetOwnerInstall",
	OrdTakeOwnership:                "TakeOwnership",
	OrdOIAP:                         "OIAP",
	OrdOSAP:                         "OSAP",
	OrdChangeAuth:                   "ChangeAuth",
	OrdChangeAuthOwner:              "ChangeAuthOwner",
	OrdChangeAuthAsymStart:          "ChangeAuthAsymStart",
	OrdChangeAuthAsymFinish:         "ChangeAuthAsymFinish",
	OrdTerminateHandle:              "TerminateHandle",
	OrdActivateTPMIdentity:          "ActivateTPMIdentity",
	OrdExtend:                       "Extend",
	OrdPCRRead:                      "PcrRead",
	OrdQuote:                        "Quote",
	OrdDirWriteAuth:                 "DirWriteAuth",
	OrdDirRead:                      "DirRead",
	OrdSeal:                         "Seal",
	OrdUnseal:                       "Unseal",
	OrdUnBind:                       "UnBind",
	OrdCreateMigrationBlob:          "CreateMigrationBlob",
	OrdConvertMigrationBlob:         "ConvertMigrationBlob",
	OrdAuthorizeMigrationKey:        "AuthorizeMigrationKey",
	OrdCertifyKey:                   "CertifyKey",
	OrdSign:                         "Sign",
	OrdGetRandom:                    "GetRandom",
	OrdStirRandom:                   "StirRandom",
	OrdGetCapability:                "GetCapability",
	OrdGetCapabilitySigned:          "GetCapabilitySigned",
	OrdGetCapabilityOwner:           "GetCapabilityOwner",
	OrdCreateEndorsementKeyPair:     "CreateEndorsementKeyPair",
	OrdReadPubEK:                    "ReadPubek",
	OrdDisablePubEKRead:             "DisablePubekRead",
	OrdOwnerReadPubEK:               "OwnerReadPubek",
	OrdSelfTestFull:                 "SelfTestFull",
	OrdCertifySelfTest:              "CertifySelfTest",
	OrdContinueSelfTest:             "ContinueSelfTest",
	OrdGetTestResult:                "GetTestResult",
	OrdOwnerSetDisable:              "OwnerSetDisable",
	OrdOwnerClear:                   "OwnerClear",
	OrdDisableOwnerClear:            "DisableOwnerClear",
	OrdForceClear:                   "ForceClear",
	OrdDisableForceClear:            "DisableForceClear",
	OrdPhysicalDisable:              "PhysicalDisable",
	OrdPhysicalEnable:               "PhysicalEnable",
	OrdPhysicalSetDeactivated:       "PhysicalSetDeactivated",
	OrdSetTempDeactivated:           "SetTempDeactivated",
	OrdPhysicalPresence:             "PhysicalPresence",
	OrdFieldUpgrade:                 "FieldUpgrade",
	OrdSetRedirection:               "SetRedirection",
	OrdFlushSpecific:                "FlushSpecific",
	OrdKeyControlOwner:              "KeyControlOwner",
	OrdDSAP:                         "DSAP",
}

func (o Ordinal) String() string {
	if name, ok := ordinalNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Ordinal(%d)", uint32(o))
}

// ParseOrdinal accepts an ordinal name in any case, with or without the
// TCSD_ORD_ prefix, or a decimal or 0x-prefixed number.
func ParseOrdinal(s string) (Ordinal, error) {
	name := strings.TrimSpace(s)
	if n, err := strconv.ParseUint(name, 0, 32); err == nil {
		if Ordinal(n) >= OrdLast {
			return 0, fmt.Errorf("dispatch: ordinal %d out of range", n)
		}
		return Ordinal(n), nil
	}
	name = strings.TrimPrefix(strings.ToUpper(name), "TCSD_ORD_")
	for o, candidate := range ordinalNames {
		if strings.ToUpper(candidate) == name {
			return o, nil
		}
	}
	return 0, fmt.Errorf("dispatch: unknown ordinal %q", s)
}

// ParseOrdinals parses a list of ordinal names.
func ParseOrdinals(names []string) ([]Ordinal, error) {
	out := make([]Ordinal, 0, len(names))
	for _, n := range names {
		o, err := ParseOrdinal(n)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}
