package token

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// opWriter builds the canonical serialization. Strings use a uint32
// little-endian length prefix followed by UTF-8 bytes, matching
// tx.Transaction.SigningBytes's script-data encoding.
type opWriter struct {
	buf []byte
}

func (w *opWriter) byte(b byte) {
	w.buf = append(w.buf, b)
}

func (w *opWriter) i64(v int64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, uint64(v))
}

func (w *opWriter) str(s string) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *opWriter) bytes(b []byte) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(len(b)))
	w.buf = append(w.buf, b...)
}

type opReader struct {
	buf []byte
	pos int
}

func (r *opReader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *opReader) readByte() (byte, error) {
	if r.remaining() < 1 {
		return 0, fmt.Errorf("token op decode: unexpected end of buffer")
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *opReader) readI64() (int64, error) {
	if r.remaining() < 8 {
		return 0, fmt.Errorf("token op decode: unexpected end of buffer")
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	return int64(v), nil
}

func (r *opReader) readStr() (string, error) {
	if r.remaining() < 4 {
		return "", fmt.Errorf("token op decode: truncated length prefix")
	}
	n := binary.LittleEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	if r.remaining() < int(n) {
		return "", fmt.Errorf("token op decode: truncated string")
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *opReader) readBytes() ([]byte, error) {
	if r.remaining() < 4 {
		return nil, fmt.Errorf("token op decode: truncated length prefix")
	}
	n := binary.LittleEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	if r.remaining() < int(n) {
		return nil, fmt.Errorf("token op decode: truncated bytes")
	}
	b := make([]byte, n)
	copy(b, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return b, nil
}

// writeFields emits the fixed+variable prefix shared by Encode and
// Fingerprint: op through signature. signer/signature are parameters so
// Fingerprint can blank them without mutating the caller's operation.
func writeFields(w *opWriter, op TokenOperation, signer string, signature []byte) {
	w.byte(byte(op.Op))
	w.str(op.From)
	w.str(op.To)
	w.str(op.Spender)
	w.str(op.Token)
	w.i64(op.Amount)
	w.str(op.Name)
	w.str(op.Symbol)
	w.byte(op.Decimals)
	w.i64(op.Timestamp)
	w.str(signer)
	w.bytes(signature)
}

// Encode serializes a TokenOperation in canonical form. Encoders always
// emit the current flag-byte memo shape, never the legacy trailing form.
func Encode(op TokenOperation) []byte {
	w := &opWriter{}
	writeFields(w, op, op.Signer, op.Signature)
	if op.Memo != "" {
		w.byte(1)
		w.str(op.Memo)
	} else {
		w.byte(0)
	}
	return w.buf
}

// Fingerprint is the 256-bit dedupe key: a double hash of the canonical
// serialization with signer and signature blanked, memo retained.
func Fingerprint(op TokenOperation) types.Hash {
	w := &opWriter{}
	writeFields(w, op, "", nil)
	if op.Memo != "" {
		w.byte(1)
		w.str(op.Memo)
	} else {
		w.byte(0)
	}
	return crypto.DoubleHash(w.buf)
}

// SigningMessage builds the canonical textual message a signer signs and a
// verifier rebuilds. Stable across wire-format versions.
func SigningMessage(op TokenOperation) string {
	var b strings.Builder
	b.WriteString("op=")
	b.WriteString(strconv.Itoa(int(op.Op)))
	b.WriteString("|from=")
	b.WriteString(op.From)
	b.WriteString("|to=")
	b.WriteString(op.To)
	b.WriteString("|spender=")
	b.WriteString(op.Spender)
	b.WriteString("|token=")
	b.WriteString(op.Token)
	b.WriteString("|amount=")
	b.WriteString(strconv.FormatInt(op.Amount, 10))
	b.WriteString("|name=")
	b.WriteString(op.Name)
	b.WriteString("|symbol=")
	b.WriteString(op.Symbol)
	b.WriteString("|decimals=")
	b.WriteString(strconv.Itoa(int(op.Decimals)))
	b.WriteString("|timestamp=")
	b.WriteString(strconv.FormatInt(op.Timestamp, 10))
	if op.Memo != "" {
		b.WriteString("|memo=")
		b.WriteString(op.Memo)
	}
	return b.String()
}

// Decode parses a canonical-format TokenOperation, falling back to the
// legacy trailing-memo shape (no flag byte) when the current-format parse
// doesn't cleanly consume the buffer.
func Decode(data []byte) (TokenOperation, error) {
	r := &opReader{buf: data}
	var op TokenOperation

	opByte, err := r.readByte()
	if err != nil {
		return op, err
	}
	op.Op = OpKind(opByte)

	if op.From, err = r.readStr(); err != nil {
		return op, err
	}
	if op.To, err = r.readStr(); err != nil {
		return op, err
	}
	if op.Spender, err = r.readStr(); err != nil {
		return op, err
	}
	if op.Token, err = r.readStr(); err != nil {
		return op, err
	}
	if op.Amount, err = r.readI64(); err != nil {
		return op, err
	}
	if op.Name, err = r.readStr(); err != nil {
		return op, err
	}
	if op.Symbol, err = r.readStr(); err != nil {
		return op, err
	}
	if op.Decimals, err = r.readByte(); err != nil {
		return op, err
	}
	if op.Timestamp, err = r.readI64(); err != nil {
		return op, err
	}
	if op.Signer, err = r.readStr(); err != nil {
		return op, err
	}
	if op.Signature, err = r.readBytes(); err != nil {
		return op, err
	}

	memo, err := decodeMemoTail(r)
	if err != nil {
		return op, err
	}
	op.Memo = memo
	return op, nil
}

// decodeMemoTail accepts either the current flag-byte memo shape or the
// legacy shape where the remaining buffer is a raw length-prefixed memo
// string. An empty remaining buffer means an empty memo under either shape.
func decodeMemoTail(r *opReader) (string, error) {
	if r.remaining() == 0 {
		return "", nil
	}

	save := r.pos
	if flag, err := r.readByte(); err == nil {
		switch flag {
		case 0:
			if r.remaining() == 0 {
				return "", nil
			}
		case 1:
			if memo, err := r.readStr(); err == nil && r.remaining() == 0 {
				return memo, nil
			}
		}
	}

	r.pos = save
	memo, err := r.readStr()
	if err != nil {
		return "", fmt.Errorf("token op decode: malformed memo tail: %w", err)
	}
	if r.remaining() != 0 {
		return "", fmt.Errorf("token op decode: trailing bytes after memo")
	}
	return memo, nil
}
