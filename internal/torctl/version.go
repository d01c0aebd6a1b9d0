package torctl

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	bine "github.com/cretz/bine/control"
)

// MinHSPostVersion is the first Tor release with the HSPOST command.
var MinHSPostVersion = Version{0, 2, 7, 1}

// Version is a Tor release number.
type Version [4]int

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v[0], v[1], v[2], v[3])
}

// AtLeast reports whether v is the same release as want or newer.
func (v Version) AtLeast(want Version) bool {
	for i := range v {
		if v[i] != want[i] {
			return v[i] > want[i]
		}
	}
	return true
}

// ParseVersion parses strings such as "0.2.7.6 (git-605ae665009853bd)" or
// "0.4.8.10-rc".
func ParseVersion(s string) (Version, error) {
	var v Version
	head, _, _ := strings.Cut(strings.TrimSpace(s), " ")
	head, _, _ = strings.Cut(head, "-")
	parts := strings.Split(head, ".")
	if len(parts) < 3 || len(parts) > 4 {
		return v, fmt.Errorf("unrecognized tor version %q", s)
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return v, fmt.Errorf("unrecognized tor version %q", s)
		}
		v[i] = n
	}
	return v, nil
}

// Version asks Tor for its release number.
func (c *Conn) Version(ctx context.Context) (Version, error) {
	var info []*bine.KeyVal
	err := c.call(ctx, func() (err error) {
		info, err = c.ctl.GetInfo("version")
		return err
	})
	if err != nil {
		return Version{}, fmt.Errorf("GETINFO version: %w", err)
	}
	for _, kv := range info {
		if kv.Key == "version" {
			return ParseVersion(kv.Val)
		}
	}
	return Version{}, fmt.Errorf("GETINFO version: no version in reply")
}
