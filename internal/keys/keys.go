// Package keys loads the master private key of a load-balanced service.
//
// Keys are RSA-1024 PEM files (PKCS#1 or PKCS#8). A key may be protected
// either with legacy PEM encryption, as produced by Tor tooling, or by
// wrapping the whole PEM file in an age passphrase envelope. Either way the
// passphrase is requested through a PassphraseFunc only when needed, and the
// decrypted key lives in memory for the process lifetime.
package keys

import (
	"bufio"
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"

	"filippo.io/age"
	"filippo.io/age/armor"
)

// ServiceKeyBits is the only RSA modulus size accepted for v2 hidden
// service keys.
const ServiceKeyBits = 1024

var (
	// ErrNoPEM is returned when the (decrypted) key file holds no PEM block.
	ErrNoPEM = errors.New("no PEM block found")

	// ErrNotRSA is returned for keys of any other algorithm.
	ErrNotRSA = errors.New("key is not an RSA private key")

	// ErrKeySize is returned for RSA keys that are not 1024 bits.
	ErrKeySize = errors.New("hidden service keys must be 1024-bit RSA")

	// ErrPassphraseRequired is returned when a key is encrypted and no
	// PassphraseFunc was supplied.
	ErrPassphraseRequired = errors.New("key is encrypted and no passphrase is available")
)

// PassphraseFunc returns the passphrase for the encrypted key at path.
type PassphraseFunc func(path string) ([]byte, error)

const ageMagic = "age-encryption.org/v1"

// LoadServiceKey reads and decrypts the private key at path. passphrase may
// be nil when the key is known to be unencrypted.
func LoadServiceKey(path string, passphrase PassphraseFunc) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}
	key, err := ParseServiceKey(data, func() ([]byte, error) {
		if passphrase == nil {
			return nil, ErrPassphraseRequired
		}
		return passphrase(path)
	})
	if err != nil {
		return nil, fmt.Errorf("key %s: %w", path, err)
	}
	return key, nil
}

// ParseServiceKey decodes key file contents. passphrase is called at most
// once, and only if the contents are encrypted.
func ParseServiceKey(data []byte, passphrase func() ([]byte, error)) (*rsa.PrivateKey, error) {
	var pass []byte
	getPass := func() ([]byte, error) {
		if pass != nil {
			return pass, nil
		}
		p, err := passphrase()
		if err != nil {
			return nil, err
		}
		pass = p
		return pass, nil
	}

	if isAge(data) {
		p, err := getPass()
		if err != nil {
			return nil, err
		}
		data, err = decryptAge(data, p)
		if err != nil {
			return nil, err
		}
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrNoPEM
	}
	der := block.Bytes
	//nolint:staticcheck // legacy PEM encryption is what existing key files use
	if x509.IsEncryptedPEMBlock(block) {
		p, err := getPass()
		if err != nil {
			return nil, err
		}
		//nolint:staticcheck
		der, err = x509.DecryptPEMBlock(block, p)
		if err != nil {
			return nil, fmt.Errorf("decrypt PEM: %w", err)
		}
	}

	var key *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(der)
		if err != nil {
			return nil, fmt.Errorf("parse PKCS#1 key: %w", err)
		}
		key = k
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(der)
		if err != nil {
			return nil, fmt.Errorf("parse PKCS#8 key: %w", err)
		}
		rk, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, ErrNotRSA
		}
		key = rk
	default:
		return nil, fmt.Errorf("%w: PEM type %q", ErrNotRSA, block.Type)
	}

	if key.N.BitLen() != ServiceKeyBits {
		return nil, fmt.Errorf("%w: got %d bits", ErrKeySize, key.N.BitLen())
	}
	return key, nil
}

func isAge(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return bytes.HasPrefix(trimmed, []byte(ageMagic)) || bytes.HasPrefix(trimmed, []byte(armor.Header))
}

func decryptAge(data, passphrase []byte) ([]byte, error) {
	identity, err := age.NewScryptIdentity(string(passphrase))
	if err != nil {
		return nil, fmt.Errorf("age identity: %w", err)
	}
	var src io.Reader = bytes.NewReader(data)
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte(armor.Header)) {
		src = armor.NewReader(bufio.NewReader(bytes.NewReader(bytes.TrimSpace(data))))
	}
	r, err := age.Decrypt(src, identity)
	if err != nil {
		return nil, fmt.Errorf("age decrypt: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("age decrypt: %w", err)
	}
	return plain, nil
}
