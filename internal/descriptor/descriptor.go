package descriptor

import (
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"strings"
	"time"
)

const (
	// MaxSize is the largest descriptor document directories accept.
	MaxSize = 20 * 1024

	// Replicas is the number of descriptor replicas published per time
	// period.
	Replicas = 2

	// TimePeriodLength is the length of a descriptor time period.
	TimePeriodLength = 24 * time.Hour

	timeFormat = "2006-01-02 15:04:05"
)

var (
	// ErrMalformed is returned for documents that do not follow the v2
	// descriptor grammar.
	ErrMalformed = errors.New("malformed descriptor")

	// ErrBadSignature is returned when the document signature does not
	// verify against its permanent key.
	ErrBadSignature = errors.New("descriptor signature does not verify")

	// ErrAuthRequired is returned for client-authorized introduction points
	// when no descriptor cookie is configured for the instance.
	ErrAuthRequired = errors.New("introduction points are encrypted and no descriptor cookie is configured")

	// ErrNoIntroPoints is returned by Build when asked to encode an empty
	// introduction point list.
	ErrNoIntroPoints = errors.New("no introduction points")
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// IntroPoint is one introduction point entry of a descriptor. Raw holds the
// complete entry text, starting with its "introduction-point" line and
// ending with a newline, so it can be copied into another descriptor
// unchanged.
type IntroPoint struct {
	Identifier string
	Raw        string
}

// Descriptor is a parsed instance descriptor.
type Descriptor struct {
	DescriptorID string
	// Address is the onion address derived from the permanent key.
	Address      string
	PermanentKey *rsa.PublicKey
	PublishedAt  time.Time
	// ValidUntil is the moment the descriptor stops being usable for
	// aggregation.
	ValidUntil  time.Time
	IntroPoints []IntroPoint
}

// Expired reports whether the descriptor is no longer usable at now.
func (d *Descriptor) Expired(now time.Time) bool {
	return !now.Before(d.ValidUntil)
}

// PermanentID returns the first ten bytes of the SHA-1 digest of the
// PKCS#1 DER encoding of pub.
func PermanentID(pub *rsa.PublicKey) []byte {
	sum := sha1.Sum(x509.MarshalPKCS1PublicKey(pub))
	return sum[:10]
}

// OnionAddress returns the 16 character onion address of pub, without the
// ".onion" suffix.
func OnionAddress(pub *rsa.PublicKey) string {
	return strings.ToLower(b32.EncodeToString(PermanentID(pub)))
}

// TimePeriod returns the descriptor time period containing t for the
// service with the given permanent id.
func TimePeriod(permanentID []byte, t time.Time) uint32 {
	return uint32((t.Unix() + periodOffset(permanentID)) / int64(TimePeriodLength/time.Second))
}

// UntilNextPeriod returns how long after t the time period of the service
// rolls over.
func UntilNextPeriod(permanentID []byte, t time.Time) time.Duration {
	period := int64(TimePeriodLength / time.Second)
	elapsed := (t.Unix() + periodOffset(permanentID)) % period
	return time.Duration(period-elapsed) * time.Second
}

func periodOffset(permanentID []byte) int64 {
	return int64(permanentID[0]) * int64(TimePeriodLength/time.Second) / 256
}

// DescriptorID computes the secret-id-part and descriptor-id for one
// replica of a time period. cookie may be nil.
func DescriptorID(permanentID []byte, timePeriod uint32, replica byte, cookie []byte) (secretIDPart, descriptorID []byte) {
	h := sha1.New()
	var tp [4]byte
	binary.BigEndian.PutUint32(tp[:], timePeriod)
	h.Write(tp[:])
	h.Write(cookie)
	h.Write([]byte{replica})
	secretIDPart = h.Sum(nil)

	h = sha1.New()
	h.Write(permanentID)
	h.Write(secretIDPart)
	return secretIDPart, h.Sum(nil)
}

func encodeID(b []byte) string {
	return strings.ToLower(b32.EncodeToString(b))
}
