package peerframe

import (
	"bytes"
	"testing"
)

func TestWriteReadHeaderRoundTrip(t *testing.T) {
	header, body, err := Write(42, false, []byte("hello"), nil)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(header) != HeaderLen() {
		t.Fatalf("header len = %d, want %d", len(header), HeaderLen())
	}
	hdr, err := ReadHeader(header)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if hdr.MsgID != 42 {
		t.Fatalf("MsgID = %d, want 42", hdr.MsgID)
	}
	if hdr.IsResponse {
		t.Fatal("expected IsResponse=false")
	}
	if hdr.Secured {
		t.Fatal("expected Secured=false when no key given")
	}
	if int(hdr.PayloadLen) != len(body) {
		t.Fatalf("PayloadLen = %d, want %d", hdr.PayloadLen, len(body))
	}
	if !bytes.Equal(body, []byte("hello")) {
		t.Fatalf("body = %q, want unchanged plaintext", body)
	}
}

func TestWriteResponseFlag(t *testing.T) {
	header, _, err := Write(7, true, []byte("v"), nil)
	if err != nil {
		t.Fatal(err)
	}
	hdr, _ := ReadHeader(header)
	if hdr.MsgID != 7 || !hdr.IsResponse {
		t.Fatalf("hdr = %+v, want MsgID=7, IsResponse=true", hdr)
	}
}

func TestSecuredRoundTrip(t *testing.T) {
	key := DeriveKey("cluster-secret", []byte("somesalt"))
	plaintext := []byte("the quick brown fox")

	header, body, err := Write(1, false, plaintext, key)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	hdr, err := ReadHeader(header)
	if err != nil {
		t.Fatal(err)
	}
	if !hdr.Secured {
		t.Fatal("expected Secured=true")
	}
	if int(hdr.PayloadLen) != len(body) {
		t.Fatalf("PayloadLen mismatch: %d vs %d", hdr.PayloadLen, len(body))
	}
	if bytes.Equal(body, plaintext) {
		t.Fatal("ciphertext must not equal plaintext")
	}

	got, err := Decrypt(hdr, body, key)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("Decrypt = %q, want %q", got, plaintext)
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	k1 := DeriveKey("pw", []byte("salt"))
	k2 := DeriveKey("pw", []byte("salt"))
	if !bytes.Equal(k1, k2) {
		t.Fatal("expected deterministic derivation for same passphrase/salt")
	}
	k3 := DeriveKey("pw", []byte("othersalt"))
	if bytes.Equal(k1, k3) {
		t.Fatal("expected different keys for different salts")
	}
}

func TestReadHeaderShort(t *testing.T) {
	_, err := ReadHeader([]byte{1, 2, 3})
	if err != ErrShortHeader {
		t.Fatalf("err = %v, want ErrShortHeader", err)
	}
}

func TestDecryptRejectsBadLength(t *testing.T) {
	key := DeriveKey("pw", []byte("salt"))
	hdr := Header{Secured: true}
	_, err := Decrypt(hdr, []byte{1, 2, 3}, key)
	if err != ErrCiphertextLen {
		t.Fatalf("err = %v, want ErrCiphertextLen", err)
	}
}
