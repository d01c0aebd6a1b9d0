package descriptor

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"strings"
)

const (
	authTypeBasic   = 1
	authTypeStealth = 2

	clientIDLen     = 4
	sessionKeyLen   = 16
	clientEntryLen  = clientIDLen + sessionKeyLen
	descriptorIVLen = 16

	// Basic auth client entries come in groups of this many, padded with
	// random entries.
	clientsPerGroup = 16
)

// decryptIntroPoints returns the plain text introduction points. Blocks
// that are not encrypted are returned unchanged.
func decryptIntroPoints(block []byte, credential string) ([]byte, error) {
	if len(block) == 0 || (block[0] != authTypeBasic && block[0] != authTypeStealth) {
		return block, nil
	}
	if credential == "" {
		return nil, ErrAuthRequired
	}
	cookie, err := decodeCookie(credential)
	if err != nil {
		return nil, err
	}
	if block[0] == authTypeBasic {
		return decryptBasic(block, cookie)
	}
	return decryptStealth(block, cookie)
}

// decryptBasic handles "basic" client authorization:
//
//	type(1) | groups(1) | groups*16 client entries | IV(16) | encrypted points
//
// Each client entry is a 4 byte client id and the session key encrypted
// with that client's descriptor cookie.
func decryptBasic(block, cookie []byte) ([]byte, error) {
	if len(block) < 2 || block[1] == 0 {
		return nil, fmt.Errorf("%w: truncated basic auth block", ErrMalformed)
	}
	clients := int(block[1]) * clientsPerGroup
	ivStart := 2 + clients*clientEntryLen
	if len(block) < ivStart+descriptorIVLen {
		return nil, fmt.Errorf("%w: truncated basic auth block", ErrMalformed)
	}
	iv := block[ivStart : ivStart+descriptorIVLen]
	clientID := basicClientID(cookie, iv)

	for i := 0; i < clients; i++ {
		entry := block[2+i*clientEntryLen : 2+(i+1)*clientEntryLen]
		if !bytes.Equal(entry[:clientIDLen], clientID) {
			continue
		}
		sessionKey, err := aesCTR(cookie, make([]byte, aes.BlockSize), entry[clientIDLen:])
		if err != nil {
			return nil, err
		}
		plain, err := aesCTR(sessionKey, iv, block[ivStart+descriptorIVLen:])
		if err != nil {
			return nil, err
		}
		if !bytes.HasPrefix(plain, []byte("introduction-point ")) {
			return nil, fmt.Errorf("%w: basic auth decryption produced garbage", ErrMalformed)
		}
		return plain, nil
	}
	return nil, fmt.Errorf("%w: no session key entry for this descriptor cookie", ErrMalformed)
}

// decryptStealth handles "stealth" client authorization: the IV followed by
// introduction points encrypted directly with the descriptor cookie.
func decryptStealth(block, cookie []byte) ([]byte, error) {
	if len(block) < 1+descriptorIVLen {
		return nil, fmt.Errorf("%w: truncated stealth auth block", ErrMalformed)
	}
	plain, err := aesCTR(cookie, block[1:1+descriptorIVLen], block[1+descriptorIVLen:])
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(plain, []byte("introduction-point ")) {
		return nil, fmt.Errorf("%w: stealth auth decryption produced garbage", ErrMalformed)
	}
	return plain, nil
}

func basicClientID(cookie, iv []byte) []byte {
	h := sha1.New()
	h.Write(cookie)
	h.Write(iv)
	return h.Sum(nil)[:clientIDLen]
}

func aesCTR(key, iv, src []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	dst := make([]byte, len(src))
	cipher.NewCTR(block, iv).XORKeyStream(dst, src)
	return dst, nil
}

func decodeCookie(credential string) ([]byte, error) {
	cookie, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(credential), "="))
	if err != nil || len(cookie) != 16 {
		return nil, fmt.Errorf("%w: descriptor cookie must be 16 base64 encoded bytes", ErrMalformed)
	}
	return cookie, nil
}
