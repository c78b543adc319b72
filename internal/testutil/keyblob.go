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

package testutil

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/jeremyhahn/go-tcsd/pkg/wire"
)

// Key usages used by the generated blobs.
const (
	KeyUsageStorage uint16 = 0x0011
	KeyUsageSigning uint16 = 0x0010
)

// KeyBlob generates a syntactically valid TPM_KEY12 blob with a random
// 256 byte modulus. The private part is random filler; the blob loads into
// the device simulator but carries no usable key.
//
// Parameters:
//   - usage: TPM key usage, e.g. KeyUsageStorage for keys that parent others
//
// Returns the encoded blob and its public modulus.
func KeyBlob(usage uint16) (blob []byte, modulus []byte) {
	modulus = make([]byte, 256)
	if _, err := rand.Read(modulus); err != nil {
		panic(err)
	}
	enc := make([]byte, 256)
	if _, err := rand.Read(enc); err != nil {
		panic(err)
	}
	k := &wire.KeyBlob{
		KeyUsage:      usage,
		AuthDataUsage: 1,
		Parms: wire.KeyParms{
			AlgorithmID: 0x00000001, // TPM_ALG_RSA
			EncScheme:   0x0003,
			SigScheme:   0x0001,
			// keyLength 2048, numPrimes 2, exponentSize 0
			Parms: []byte{0, 0, 8, 0, 0, 0, 0, 2, 0, 0, 0, 0},
		},
		PubKey:  modulus,
		EncData: enc,
	}
	binary.BigEndian.PutUint16(k.Lead[:], wire.TagKey12)
	return k.Marshal(), modulus
}
