package solana

import (
	"crypto/sha256"
	"encoding/binary"
)

// KeyedAccount is an account returned by a program or owner scan.
type KeyedAccount struct {
	PublicKey PublicKey
	Owner     PublicKey
	Lamports  uint64
	Data      []byte
}

// AccountFilter narrows a getProgramAccounts scan. Exactly one of
// DataSize or Memcmp is set.
type AccountFilter struct {
	DataSize uint64
	Memcmp   *Memcmp
}

type Memcmp struct {
	Offset uint64
	Bytes  PublicKey
}

func DataSizeFilter(size uint64) AccountFilter {
	return AccountFilter{DataSize: size}
}

func MemcmpFilter(offset uint64, key PublicKey) AccountFilter {
	return AccountFilter{Memcmp: &Memcmp{Offset: offset, Bytes: key}}
}

// CreateProgramAddressWithNonce derives a program address from seed and a
// u64 nonce. The nonce stored by the program is known to yield an
// off-curve point, so no curve check is performed.
func CreateProgramAddressWithNonce(seed PublicKey, nonce uint64, programID PublicKey) PublicKey {
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], nonce)

	h := sha256.New()
	h.Write(seed[:])
	h.Write(n[:])
	h.Write(programID[:])
	h.Write([]byte("ProgramDerivedAddress"))
	return PublicKeyFromBytes(h.Sum(nil))
}
