package cryptox

import (
	"bytes"
	"testing"
)

func TestPRF_Deterministic(t *testing.T) {
	var key [KeySize]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	a, err := PRF(key, []byte("alpha"))
	if err != nil {
		t.Fatalf("PRF: %v", err)
	}
	b, err := PRF(key, []byte("alpha"))
	if err != nil {
		t.Fatalf("PRF: %v", err)
	}
	if a != b {
		t.Error("PRF is not deterministic for the same key/message")
	}

	c, err := PRF(key, []byte("beta"))
	if err != nil {
		t.Fatalf("PRF: %v", err)
	}
	if a == c {
		t.Error("PRF produced the same output for different messages")
	}
}

func TestPRF_MultiPartEqualsConcat(t *testing.T) {
	var key [KeySize]byte
	a, err := PRF(key, []byte("foo"), []byte("bar"))
	if err != nil {
		t.Fatalf("PRF: %v", err)
	}
	b, err := PRF(key, []byte("foobar"))
	if err != nil {
		t.Fatalf("PRF: %v", err)
	}
	if a != b {
		t.Error("PRF(key, \"foo\", \"bar\") must equal PRF(key, \"foobar\")")
	}
}

func TestHash_SizeAndDeterminism(t *testing.T) {
	h1 := Hash([]byte("KTw"), []byte{0xFF})
	h2 := Hash([]byte("KTw"), []byte{0xFF})
	if h1 != h2 {
		t.Error("Hash is not deterministic")
	}

	h3 := Hash([]byte("KTw"), []byte{0x00})
	if h1 == h3 {
		t.Error("Hash collided across different trailing bytes")
	}
}

func TestSealOpen_RoundTrip(t *testing.T) {
	var key [KeySize]byte
	copy(key[:], []byte("supersecretkeymaterial32bytes!!"))

	plaintext := []byte("uuid-and-op-tag-payload")
	ad := []byte("associated-data")

	blob, err := Seal(key, plaintext, ad)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	got, err := Open(key, blob, ad)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestSealOpen_EmptyAD(t *testing.T) {
	var key [KeySize]byte
	plaintext := []byte("uuid16bytes+optag")

	blob, err := Seal(key, plaintext, nil)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	got, err := Open(key, blob, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip mismatch with empty AD: got %q want %q", got, plaintext)
	}
}

func TestOpen_BitFlipFails(t *testing.T) {
	var key [KeySize]byte
	plaintext := []byte("0123456789abcdef")

	blob, err := Seal(key, plaintext, nil)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	flipped := append([]byte(nil), blob...)
	flipped[len(flipped)-1] ^= 0x01

	if _, err := Open(key, flipped, nil); err != ErrDecryptionFailed {
		t.Errorf("expected ErrDecryptionFailed on bit-flipped ciphertext, got %v", err)
	}
}

func TestOpen_WrongADFails(t *testing.T) {
	var key [KeySize]byte
	blob, err := Seal(key, []byte("payload"), []byte("right-ad"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := Open(key, blob, []byte("wrong-ad")); err != ErrDecryptionFailed {
		t.Errorf("expected ErrDecryptionFailed on wrong AD, got %v", err)
	}
}

func TestDeriveKey_SaltChangesOutput(t *testing.T) {
	password := []byte("correct horse battery staple")

	var salt1, salt2 [SaltSize]byte
	salt2[0] = 1

	k1 := DeriveKey(password, salt1)
	k2 := DeriveKey(password, salt2)
	if k1 == k2 {
		t.Error("DeriveKey produced the same key for different salts")
	}

	k1again := DeriveKey(password, salt1)
	if k1 != k1again {
		t.Error("DeriveKey is not deterministic for the same password/salt")
	}
}

func TestWipe(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	Wipe(b)
	for i, v := range b {
		if v != 0 {
			t.Errorf("byte %d not wiped: %v", i, v)
		}
	}
}

func TestWipe32(t *testing.T) {
	var b [32]byte
	for i := range b {
		b[i] = byte(i + 1)
	}
	Wipe32(&b)
	var zero [32]byte
	if b != zero {
		t.Error("Wipe32 did not zero the array")
	}
}
