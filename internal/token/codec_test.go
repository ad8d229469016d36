package token

import (
	"reflect"
	"testing"
)

func sampleOp(kind OpKind, memo string) TokenOperation {
	return TokenOperation{
		Op:        kind,
		From:      "kgx1from00000000000000000000000000000000",
		To:        "kgx1to000000000000000000000000000000000",
		Spender:   "kgx1spender0000000000000000000000000000",
		Token:     "0x" + "a" + "0000000000000000000000000000000000000000000000000" + "tok",
		Amount:    12345,
		Name:      "Test Token",
		Symbol:    "TST",
		Decimals:  8,
		Timestamp: 1700000000,
		Signer:    "kgx1from00000000000000000000000000000000",
		Signature: []byte{1, 2, 3, 4},
		Memo:      memo,
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	kinds := []OpKind{
		OpCreate, OpTransfer, OpApprove, OpTransferFrom,
		OpIncreaseAllowance, OpDecreaseAllowance, OpBurn, OpMint, OpTransferOwnership,
	}
	for _, kind := range kinds {
		for _, memo := range []string{"", "hello world"} {
			op := sampleOp(kind, memo)
			data := Encode(op)
			got, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode(%s, memo=%q): %v", kind, memo, err)
			}
			if !reflect.DeepEqual(got, op) {
				t.Errorf("round-trip mismatch for %s memo=%q:\n got=%+v\nwant=%+v", kind, memo, got, op)
			}
		}
	}
}

func TestDecode_LegacyMemoFormat(t *testing.T) {
	op := sampleOp(OpTransfer, "")
	data := Encode(op)

	// Legacy encoders wrote the memo directly as a length-prefixed string
	// with no flag byte. Strip the current flag-byte memo tail (1 zero
	// byte for an empty memo) and append a raw legacy memo string instead.
	noMemo := data[:len(data)-1]
	legacyMemo := "legacy note"
	w := &opWriter{buf: append([]byte(nil), noMemo...)}
	w.str(legacyMemo)

	got, err := Decode(w.buf)
	if err != nil {
		t.Fatalf("Decode legacy: %v", err)
	}
	if got.Memo != legacyMemo {
		t.Errorf("Memo = %q, want %q", got.Memo, legacyMemo)
	}
	got.Memo = ""
	op.Memo = ""
	if !reflect.DeepEqual(got, op) {
		t.Errorf("legacy decode mismatch:\n got=%+v\nwant=%+v", got, op)
	}
}

func TestDecode_LegacyEmptyMemo(t *testing.T) {
	op := sampleOp(OpTransfer, "")
	data := Encode(op)
	noMemo := data[:len(data)-1] // strip the flag byte entirely

	got, err := Decode(noMemo)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Memo != "" {
		t.Errorf("Memo = %q, want empty", got.Memo)
	}
}

func TestFingerprint_IgnoresSignerAndSignature(t *testing.T) {
	op := sampleOp(OpTransfer, "memo")
	fp1 := Fingerprint(op)

	op2 := op
	op2.Signer = "kgx1someoneelse0000000000000000000000000"
	op2.Signature = []byte{9, 9, 9}
	fp2 := Fingerprint(op2)

	if fp1 != fp2 {
		t.Errorf("fingerprint changed when only signer/signature changed")
	}
}

func TestFingerprint_ChangesWithOtherFields(t *testing.T) {
	op := sampleOp(OpTransfer, "memo")
	fp1 := Fingerprint(op)

	op2 := op
	op2.Amount = op.Amount + 1
	fp2 := Fingerprint(op2)

	if fp1 == fp2 {
		t.Errorf("fingerprint unchanged when amount changed")
	}
}

func TestSigningMessage_Format(t *testing.T) {
	op := sampleOp(OpTransfer, "")
	msg := SigningMessage(op)
	want := "op=2|from=" + op.From + "|to=" + op.To + "|spender=" + op.Spender +
		"|token=" + op.Token + "|amount=12345|name=Test Token|symbol=TST|decimals=8|timestamp=1700000000"
	if msg != want {
		t.Errorf("SigningMessage =\n%q\nwant\n%q", msg, want)
	}
}

func TestSigningMessage_MemoSuffix(t *testing.T) {
	op := sampleOp(OpTransfer, "a note")
	msg := SigningMessage(op)
	if msg[len(msg)-len("|memo=a note"):] != "|memo=a note" {
		t.Errorf("SigningMessage missing memo suffix: %q", msg)
	}
}

func TestDecode_TruncatedBuffer(t *testing.T) {
	op := sampleOp(OpCreate, "")
	data := Encode(op)
	if _, err := Decode(data[:len(data)-5]); err == nil {
		t.Error("Decode truncated buffer: expected error, got nil")
	}
}
