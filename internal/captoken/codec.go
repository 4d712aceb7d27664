package captoken

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Signatures cover encoded bytes, so encoding must be canonical.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("captoken: CBOR encoder initialization failed: " + err.Error())
	}

	// Tokens arrive from anonymous callers; cap every dimension the decoder
	// would otherwise let them choose.
	decMode, err = cbor.DecOptions{
		MaxNestedLevels:  16,
		MaxArrayElements: 512,
		MaxMapPairs:      16,
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		TagsMd:           cbor.TagsForbidden,
	}.DecMode()
	if err != nil {
		panic("captoken: CBOR decoder initialization failed: " + err.Error())
	}
}

// revocationDomainKey separates revocation identifiers from any other
// BLAKE3 use of the same signature bytes.
var revocationDomainKey = [32]byte{
	't', 'e', 's', 's', 'e', 'r', 'a', '.', 'r', 'e', 'v', 'o', 'c', 'a', 't', 'i',
	'o', 'n',
}

func revocationID(signature []byte) []byte {
	hasher, err := blake3.NewKeyed(revocationDomainKey[:])
	if err != nil {
		panic("captoken: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = hasher.Write(signature)
	return hasher.Sum(nil)
}
