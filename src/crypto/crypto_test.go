package crypto

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

func TestKeysFromSeedDeterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{0x42}, 32)

	k1, err := KeysFromSeed(seed)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	k2, err := KeysFromSeed(seed)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if k1.Pub != k2.Pub {
		t.Fatal("identity keys differ for same seed")
	}
	if k1.X25519Pub != k2.X25519Pub {
		t.Fatal("x25519 keys differ for same seed")
	}
	if k1.X25519Pub.IsZero() {
		t.Fatal("derived x25519 key is zero")
	}
}

func TestKeysFromSeedRejectsBadLength(t *testing.T) {
	if _, err := KeysFromSeed(make([]byte, 16)); err == nil {
		t.Fatal("expected error for short seed")
	}
}

func TestSignVerify(t *testing.T) {
	keys, err := GenerateKeys()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	hash := DomainHash(DomainBlinkSign, []byte("payload"))
	sig := keys.Sign(hash)

	if !Verify(keys.Pub, hash, sig) {
		t.Fatal("signature did not verify")
	}

	// a different domain must produce a different hash, and the old
	// signature must not verify against it
	other := DomainHash(DomainVote, []byte("payload"))
	if other == hash {
		t.Fatal("different domains produced the same hash")
	}
	if Verify(keys.Pub, other, sig) {
		t.Fatal("signature verified under the wrong domain")
	}

	// nor must it verify under another identity
	keys2, _ := GenerateKeys()
	if Verify(keys2.Pub, hash, sig) {
		t.Fatal("signature verified under the wrong key")
	}
}

func TestKeyfileRoundTrip(t *testing.T) {
	dir, err := ioutil.TempDir("", "blinkd")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer os.RemoveAll(dir)

	keys, err := GenerateKeys()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	keyfile := NewSimpleKeyfile(filepath.Join(dir, "identity_key"))
	if err := keyfile.WriteKeys(keys); err != nil {
		t.Fatalf("err: %v", err)
	}

	read, err := keyfile.ReadKeys()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if read.Pub != keys.Pub || read.X25519Pub != keys.X25519Pub {
		t.Fatal("keyfile round trip changed keys")
	}
}

func TestTxHashFixedSize(t *testing.T) {
	h := TxHash([]byte("tx bytes"))
	if h == (Hash{}) {
		t.Fatal("zero tx hash")
	}
	if h != TxHash([]byte("tx bytes")) {
		t.Fatal("tx hash not deterministic")
	}
}
