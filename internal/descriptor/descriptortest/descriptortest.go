// Package descriptortest builds signed instance descriptors for tests.
package descriptortest

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dreamware/onionbalance/internal/descriptor"
)

const fakeOnionKey = `-----BEGIN RSA PUBLIC KEY-----
MIGJAoGBAMxTRmP8q8sIzdwJGpZm2U0Iv9A9sQSvFLpjuMa7Ph3TxImXOZq9vDfS
-----END RSA PUBLIC KEY-----
`

var (
	keyMu    sync.Mutex
	keyCache = map[string]*rsa.PrivateKey{}
)

// Key returns a 1024-bit RSA key, generated once per name for the life of
// the test binary.
func Key(t testing.TB, name string) *rsa.PrivateKey {
	t.Helper()
	keyMu.Lock()
	defer keyMu.Unlock()
	if k, ok := keyCache[name]; ok {
		return k
	}
	k, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate key %s: %v", name, err)
	}
	keyCache[name] = k
	return k
}

// IntroPoints returns n distinct introduction points whose identifiers
// start with prefix.
func IntroPoints(prefix string, n int) []descriptor.IntroPoint {
	points := make([]descriptor.IntroPoint, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s%d", prefix, i)
		raw := fmt.Sprintf("introduction-point %s\nip-address 10.0.%d.%d\nonion-port 9001\nonion-key\n%sservice-key\n%s",
			id, len(prefix), i, fakeOnionKey, fakeOnionKey)
		points = append(points, descriptor.IntroPoint{Identifier: id, Raw: raw})
	}
	return points
}

// Plain joins introduction points into a decoded introduction-points block.
func Plain(points []descriptor.IntroPoint) []byte {
	var b strings.Builder
	for _, p := range points {
		b.WriteString(p.Raw)
	}
	return []byte(b.String())
}

// Signed builds and signs a descriptor for key carrying points, as an
// instance's own Tor would publish it.
func Signed(t testing.TB, key *rsa.PrivateKey, points []descriptor.IntroPoint, published time.Time) []byte {
	t.Helper()
	codec := descriptor.NewCodec(time.Hour)
	pid := descriptor.PermanentID(&key.PublicKey)
	unsigned, err := codec.Build(descriptor.BuildParams{
		Key:         &key.PublicKey,
		IntroPoints: points,
		Published:   published,
		TimePeriod:  descriptor.TimePeriod(pid, published),
	})
	if err != nil {
		t.Fatalf("build descriptor: %v", err)
	}
	signed, err := codec.Sign(unsigned, key)
	if err != nil {
		t.Fatalf("sign descriptor: %v", err)
	}
	return signed
}
