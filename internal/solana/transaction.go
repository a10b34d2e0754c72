package solana

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// AccountMeta describes one account referenced by an instruction.
type AccountMeta struct {
	PublicKey  PublicKey
	IsSigner   bool
	IsWritable bool
}

func Meta(pk PublicKey, signer, writable bool) AccountMeta {
	return AccountMeta{PublicKey: pk, IsSigner: signer, IsWritable: writable}
}

// Instruction is a single program invocation.
type Instruction struct {
	ProgramID PublicKey
	Accounts  []AccountMeta
	Data      []byte
}

// Transaction is an unsigned legacy transaction. The blockhash is stamped
// just before signing so the instruction set can be built ahead of time.
type Transaction struct {
	FeePayer        PublicKey
	RecentBlockhash Hash
	Instructions    []Instruction
}

var (
	ErrNoInstructions = errors.New("transaction has no instructions")
	ErrMissingSigner  = errors.New("missing signer")
)

type compiledKey struct {
	key      PublicKey
	signer   bool
	writable bool
}

// Message is the compiled, serializable form of a transaction.
type Message struct {
	NumRequiredSignatures       uint8
	NumReadonlySignedAccounts   uint8
	NumReadonlyUnsignedAccounts uint8
	AccountKeys                 []PublicKey
	RecentBlockhash             Hash
	Instructions                []compiledInstruction
}

type compiledInstruction struct {
	ProgramIDIndex uint8
	Accounts       []uint8
	Data           []byte
}

// Compile orders the account keys (writable signers, readonly signers,
// writable non-signers, readonly non-signers, fee payer first) and
// resolves instruction account indices.
func (tx *Transaction) Compile() (*Message, error) {
	if len(tx.Instructions) == 0 {
		return nil, ErrNoInstructions
	}
	if tx.FeePayer.IsZero() {
		return nil, errors.New("transaction has no fee payer")
	}

	keys := []compiledKey{{key: tx.FeePayer, signer: true, writable: true}}
	index := map[PublicKey]int{tx.FeePayer: 0}
	add := func(pk PublicKey, signer, writable bool) {
		if i, ok := index[pk]; ok {
			keys[i].signer = keys[i].signer || signer
			keys[i].writable = keys[i].writable || writable
			return
		}
		index[pk] = len(keys)
		keys = append(keys, compiledKey{key: pk, signer: signer, writable: writable})
	}
	for _, ix := range tx.Instructions {
		for _, meta := range ix.Accounts {
			add(meta.PublicKey, meta.IsSigner, meta.IsWritable)
		}
	}
	for _, ix := range tx.Instructions {
		add(ix.ProgramID, false, false)
	}

	// Stable partition keeps the fee payer in front.
	ordered := make([]compiledKey, 0, len(keys))
	for _, class := range []struct{ signer, writable bool }{
		{true, true}, {true, false}, {false, true}, {false, false},
	} {
		for _, k := range keys {
			if k.signer == class.signer && k.writable == class.writable {
				ordered = append(ordered, k)
			}
		}
	}
	if len(ordered) > 256 {
		return nil, fmt.Errorf("too many accounts: %d", len(ordered))
	}

	msg := &Message{RecentBlockhash: tx.RecentBlockhash}
	position := make(map[PublicKey]uint8, len(ordered))
	for i, k := range ordered {
		position[k.key] = uint8(i)
		msg.AccountKeys = append(msg.AccountKeys, k.key)
		if k.signer {
			msg.NumRequiredSignatures++
			if !k.writable {
				msg.NumReadonlySignedAccounts++
			}
		} else if !k.writable {
			msg.NumReadonlyUnsignedAccounts++
		}
	}
	for _, ix := range tx.Instructions {
		ci := compiledInstruction{ProgramIDIndex: position[ix.ProgramID], Data: ix.Data}
		for _, meta := range ix.Accounts {
			ci.Accounts = append(ci.Accounts, position[meta.PublicKey])
		}
		msg.Instructions = append(msg.Instructions, ci)
	}
	return msg, nil
}

// Serialize encodes the message in the wire format signed by each signer.
func (m *Message) Serialize() []byte {
	var buf bytes.Buffer
	buf.WriteByte(m.NumRequiredSignatures)
	buf.WriteByte(m.NumReadonlySignedAccounts)
	buf.WriteByte(m.NumReadonlyUnsignedAccounts)
	buf.Write(EncodeLength(len(m.AccountKeys)))
	for _, k := range m.AccountKeys {
		buf.Write(k[:])
	}
	buf.Write(m.RecentBlockhash[:])
	buf.Write(EncodeLength(len(m.Instructions)))
	for _, ix := range m.Instructions {
		buf.WriteByte(ix.ProgramIDIndex)
		buf.Write(EncodeLength(len(ix.Accounts)))
		buf.Write(ix.Accounts)
		buf.Write(EncodeLength(len(ix.Data)))
		buf.Write(ix.Data)
	}
	return buf.Bytes()
}

// Signers returns the keys that must sign the message, in order.
func (m *Message) Signers() []PublicKey {
	return m.AccountKeys[:m.NumRequiredSignatures]
}

// Sign compiles, signs and serializes the transaction. It returns the raw
// wire bytes and the first signature, which identifies the submission.
func (tx *Transaction) Sign(signers ...Keypair) ([]byte, Signature, error) {
	msg, err := tx.Compile()
	if err != nil {
		return nil, Signature{}, err
	}
	payload := msg.Serialize()

	byKey := make(map[PublicKey]Keypair, len(signers))
	for _, s := range signers {
		byKey[s.PublicKey()] = s
	}
	required := msg.Signers()
	sigs := make([]Signature, len(required))
	for i, pk := range required {
		kp, ok := byKey[pk]
		if !ok {
			return nil, Signature{}, fmt.Errorf("%w: %s", ErrMissingSigner, pk)
		}
		sigs[i] = kp.Sign(payload)
	}

	var buf bytes.Buffer
	buf.Write(EncodeLength(len(sigs)))
	for _, s := range sigs {
		buf.Write(s[:])
	}
	buf.Write(payload)
	return buf.Bytes(), sigs[0], nil
}

// EncodeLength writes n in the compact-u16 ("shortvec") encoding.
func EncodeLength(n int) []byte {
	out := make([]byte, 0, 3)
	rem := uint16(n)
	for {
		elem := byte(rem & 0x7f)
		rem >>= 7
		if rem == 0 {
			return append(out, elem)
		}
		out = append(out, elem|0x80)
	}
}

// DecodeLength reads a compact-u16 and returns it with the number of bytes consumed.
func DecodeLength(b []byte) (int, int, error) {
	var n, size int
	for {
		if size >= len(b) || size > 2 {
			return 0, 0, errors.New("shortvec: truncated or oversized length")
		}
		elem := int(b[size])
		n |= (elem & 0x7f) << (7 * size)
		size++
		if elem&0x80 == 0 {
			return n, size, nil
		}
	}
}

// CreateAccount builds a system program instruction that allocates space
// owned by programID and funds it with lamports.
func CreateAccount(from, newAccount, programID PublicKey, lamports, space uint64) Instruction {
	data := make([]byte, 4+8+8+32)
	binary.LittleEndian.PutUint32(data[0:], 0)
	binary.LittleEndian.PutUint64(data[4:], lamports)
	binary.LittleEndian.PutUint64(data[12:], space)
	copy(data[20:], programID[:])
	return Instruction{
		ProgramID: SystemProgramID,
		Accounts: []AccountMeta{
			Meta(from, true, true),
			Meta(newAccount, true, true),
		},
		Data: data,
	}
}
