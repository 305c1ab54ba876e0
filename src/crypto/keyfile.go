package crypto

import (
	"encoding/hex"
	"io/ioutil"
	"os"
	"path"
	"strings"
	"sync"
)

// SimpleKeyfile stores an identity seed as a hex string on disk.
type SimpleKeyfile struct {
	l       sync.Mutex
	keyfile string
}

// NewSimpleKeyfile points to a keyfile; the file need not exist yet.
func NewSimpleKeyfile(keyfile string) *SimpleKeyfile {
	return &SimpleKeyfile{keyfile: keyfile}
}

// ReadKeys loads and rederives the full keypair from the keyfile.
func (k *SimpleKeyfile) ReadKeys() (*Keys, error) {
	k.l.Lock()
	defer k.l.Unlock()

	buf, err := ioutil.ReadFile(k.keyfile)
	if err != nil {
		return nil, err
	}

	seed, err := hex.DecodeString(strings.TrimSpace(string(buf)))
	if err != nil {
		return nil, err
	}

	return KeysFromSeed(seed)
}

// WriteKeys saves the identity seed to the keyfile with 0600 permissions.
func (k *SimpleKeyfile) WriteKeys(keys *Keys) error {
	k.l.Lock()
	defer k.l.Unlock()

	if err := os.MkdirAll(path.Dir(k.keyfile), 0700); err != nil {
		return err
	}

	return ioutil.WriteFile(k.keyfile, []byte(hex.EncodeToString(keys.Seed())), 0600)
}
