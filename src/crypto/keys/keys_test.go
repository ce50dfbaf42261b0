package keys

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

func TestDumpParseRoundtrip(t *testing.T) {
	key, err := GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	dump := DumpPrivateKey(key)

	parsed, err := ParsePrivateKey(dump)
	if err != nil {
		t.Fatal(err)
	}

	if parsed.D.Cmp(key.D) != 0 {
		t.Fatal("D value should survive the roundtrip")
	}
	if parsed.PublicKey.X.Cmp(key.PublicKey.X) != 0 ||
		parsed.PublicKey.Y.Cmp(key.PublicKey.Y) != 0 {
		t.Fatal("public key should be rederived correctly")
	}
}

func TestSimpleKeyfile(t *testing.T) {
	dir, err := ioutil.TempDir("", "keys")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	keyfile := NewSimpleKeyfile(filepath.Join(dir, "priv_key"))

	key, err := GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	if err := keyfile.WriteKey(key); err != nil {
		t.Fatal(err)
	}

	read, err := keyfile.ReadKey()
	if err != nil {
		t.Fatal(err)
	}

	if read.D.Cmp(key.D) != 0 {
		t.Fatal("key should survive the file roundtrip")
	}

	if PublicKeyHex(&read.PublicKey) != PublicKeyHex(&key.PublicKey) {
		t.Fatal("public keys should match")
	}
}

func TestKeyfilePermissionCheck(t *testing.T) {
	dir, err := ioutil.TempDir("", "keys")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "priv_key")

	keyfile := NewSimpleKeyfile(path)

	key, err := GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}
	if err := keyfile.WriteKey(key); err != nil {
		t.Fatal(err)
	}

	// group-readable key files are refused
	if err := os.Chmod(path, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := keyfile.ReadKey(); err == nil {
		t.Fatal("a group-readable keyfile should be rejected")
	}
}
