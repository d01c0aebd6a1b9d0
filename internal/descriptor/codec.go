package descriptor

import (
	"bytes"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
	"time"
)

// Codec parses instance descriptors and builds combined descriptors.
// The zero value is not usable; construct it with NewCodec.
type Codec struct {
	maxAge time.Duration
}

// NewCodec returns a Codec whose parsed descriptors stay valid for maxAge
// after their publication time.
func NewCodec(maxAge time.Duration) *Codec {
	return &Codec{maxAge: maxAge}
}

// BuildParams describes one combined descriptor document.
type BuildParams struct {
	// Key is the master service public key.
	Key         *rsa.PublicKey
	IntroPoints []IntroPoint
	// Published is the publication time; it is rounded down to the hour.
	Published  time.Time
	TimePeriod uint32
	Replica    byte
}

type item struct {
	keyword string
	args    string
	objType string
	obj     []byte
}

// Parse decodes a signed v2 descriptor. credential is the instance's
// base64 descriptor cookie, or empty for instances without client
// authorization.
func (c *Codec) Parse(raw []byte, credential string) (*Descriptor, error) {
	doc := strings.ReplaceAll(string(raw), "\r\n", "\n")
	items, err := tokenize(doc)
	if err != nil {
		return nil, err
	}

	var (
		d          Descriptor
		introBlock []byte
		sig        []byte
		sawVersion bool
	)
	for _, it := range items {
		switch it.keyword {
		case "rendezvous-service-descriptor":
			d.DescriptorID = it.args
		case "version":
			if it.args != "2" {
				return nil, fmt.Errorf("%w: unsupported version %q", ErrMalformed, it.args)
			}
			sawVersion = true
		case "permanent-key":
			if it.objType != "RSA PUBLIC KEY" {
				return nil, fmt.Errorf("%w: permanent-key without RSA PUBLIC KEY block", ErrMalformed)
			}
			pub, err := x509.ParsePKCS1PublicKey(it.obj)
			if err != nil {
				return nil, fmt.Errorf("%w: permanent-key: %v", ErrMalformed, err)
			}
			d.PermanentKey = pub
		case "publication-time":
			t, err := time.ParseInLocation(timeFormat, it.args, time.UTC)
			if err != nil {
				return nil, fmt.Errorf("%w: publication-time: %v", ErrMalformed, err)
			}
			d.PublishedAt = t
		case "introduction-points":
			introBlock = it.obj
		case "signature":
			sig = it.obj
		}
	}
	switch {
	case !sawVersion:
		return nil, fmt.Errorf("%w: missing version", ErrMalformed)
	case d.DescriptorID == "":
		return nil, fmt.Errorf("%w: missing rendezvous-service-descriptor", ErrMalformed)
	case d.PermanentKey == nil:
		return nil, fmt.Errorf("%w: missing permanent-key", ErrMalformed)
	case d.PublishedAt.IsZero():
		return nil, fmt.Errorf("%w: missing publication-time", ErrMalformed)
	case sig == nil:
		return nil, fmt.Errorf("%w: missing signature", ErrMalformed)
	}

	end := strings.Index(doc, "\nsignature\n")
	if end < 0 {
		return nil, fmt.Errorf("%w: missing signature", ErrMalformed)
	}
	digest := sha1.Sum([]byte(doc[:end+len("\nsignature\n")]))
	if err := rsa.VerifyPKCS1v15(d.PermanentKey, 0, digest[:], sig); err != nil {
		return nil, ErrBadSignature
	}

	if len(introBlock) > 0 {
		plain, err := decryptIntroPoints(introBlock, credential)
		if err != nil {
			return nil, err
		}
		d.IntroPoints, err = splitIntroPoints(string(plain))
		if err != nil {
			return nil, err
		}
	}
	d.Address = OnionAddress(d.PermanentKey)
	d.ValidUntil = d.PublishedAt.Add(c.maxAge)
	return &d, nil
}

// Build encodes an unsigned descriptor. The result ends with the
// "signature" keyword line and must be passed to Sign.
func (c *Codec) Build(p BuildParams) ([]byte, error) {
	if len(p.IntroPoints) == 0 {
		return nil, ErrNoIntroPoints
	}
	permanentID := PermanentID(p.Key)
	secretIDPart, descriptorID := DescriptorID(permanentID, p.TimePeriod, p.Replica, nil)

	var intro strings.Builder
	for _, ip := range p.IntroPoints {
		intro.WriteString(ip.Raw)
		if !strings.HasSuffix(ip.Raw, "\n") {
			intro.WriteByte('\n')
		}
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "rendezvous-service-descriptor %s\n", encodeID(descriptorID))
	buf.WriteString("version 2\n")
	buf.WriteString("permanent-key\n")
	buf.Write(pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(p.Key)}))
	fmt.Fprintf(&buf, "secret-id-part %s\n", encodeID(secretIDPart))
	fmt.Fprintf(&buf, "publication-time %s\n", p.Published.UTC().Truncate(time.Hour).Format(timeFormat))
	buf.WriteString("protocol-versions 2,3\n")
	buf.WriteString("introduction-points\n")
	buf.Write(pem.EncodeToMemory(&pem.Block{Type: "MESSAGE", Bytes: []byte(intro.String())}))
	buf.WriteString("signature\n")
	return buf.Bytes(), nil
}

// Sign appends the PKCS#1 v1.5 signature of the SHA-1 digest of unsigned,
// made with key, to the document.
func (c *Codec) Sign(unsigned []byte, key *rsa.PrivateKey) ([]byte, error) {
	if !bytes.HasSuffix(unsigned, []byte("\nsignature\n")) {
		return nil, fmt.Errorf("%w: document does not end with the signature keyword", ErrMalformed)
	}
	digest := sha1.Sum(unsigned)
	sig, err := rsa.SignPKCS1v15(nil, key, 0, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign descriptor: %w", err)
	}
	out := make([]byte, 0, len(unsigned)+256)
	out = append(out, unsigned...)
	out = append(out, pem.EncodeToMemory(&pem.Block{Type: "SIGNATURE", Bytes: sig})...)
	return out, nil
}

// tokenize splits a document into keyword lines, attaching each
// "-----BEGIN X-----" object to the keyword line preceding it.
func tokenize(doc string) ([]item, error) {
	var items []item
	lines := strings.Split(doc, "\n")
	for i := 0; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], " \t")
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "-----BEGIN ") && strings.HasSuffix(line, "-----") {
			objType := strings.TrimSuffix(strings.TrimPrefix(line, "-----BEGIN "), "-----")
			endLine := "-----END " + objType + "-----"
			var body strings.Builder
			j := i + 1
			for ; j < len(lines) && strings.TrimSpace(lines[j]) != endLine; j++ {
				body.WriteString(strings.TrimSpace(lines[j]))
			}
			if j == len(lines) {
				return nil, fmt.Errorf("%w: unterminated %s block", ErrMalformed, objType)
			}
			if len(items) == 0 || items[len(items)-1].objType != "" {
				return nil, fmt.Errorf("%w: %s block without keyword", ErrMalformed, objType)
			}
			obj, err := base64.StdEncoding.DecodeString(body.String())
			if err != nil {
				return nil, fmt.Errorf("%w: %s block: %v", ErrMalformed, objType, err)
			}
			items[len(items)-1].objType = objType
			items[len(items)-1].obj = obj
			i = j
			continue
		}
		keyword, args, _ := strings.Cut(line, " ")
		items = append(items, item{keyword: keyword, args: strings.TrimSpace(args)})
	}
	return items, nil
}

// splitIntroPoints cuts a decoded introduction-points block into entries.
func splitIntroPoints(text string) ([]IntroPoint, error) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var (
		points  []IntroPoint
		current *strings.Builder
		id      string
	)
	flush := func() {
		if current != nil {
			points = append(points, IntroPoint{Identifier: id, Raw: current.String()})
		}
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "introduction-point ") {
			flush()
			id = strings.TrimSpace(strings.TrimPrefix(line, "introduction-point "))
			current = &strings.Builder{}
		}
		if current == nil {
			if strings.TrimSpace(line) == "" {
				continue
			}
			return nil, fmt.Errorf("%w: introduction points do not start with an introduction-point entry", ErrMalformed)
		}
		if line == "" {
			continue
		}
		current.WriteString(line)
		current.WriteByte('\n')
	}
	flush()
	return points, nil
}
