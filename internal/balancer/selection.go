package balancer

import (
	crand "crypto/rand"
	"encoding/binary"
	"hash/fnv"
	"math/rand/v2"
	"strings"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/onionbalance/internal/descriptor"
)

// contribution is the introduction points one fresh instance offers.
type contribution struct {
	address string
	points  []descriptor.IntroPoint
}

// newSeed returns the process-level selection seed.
func newSeed() uint64 {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}

// selectIntroPoints picks at most limit introduction points from contribs.
//
// Every contributor supplies one point before any supplies a second. Which
// points are taken, and which contributors get the extra points of a
// partial round, is randomized by a generator seeded from seed and the
// candidate set, so the result is stable for an unchanged input within a
// process and varies across processes.
//
// Parameters:
//   - seed: process-level randomness
//   - contribs: fresh instances and their points, in any order
//   - limit: upper bound on the result length
//
// Returns the selected points in selection order. Points whose identifier
// was already taken are skipped.
func selectIntroPoints(seed uint64, contribs []contribution, limit int) []descriptor.IntroPoint {
	if limit <= 0 || len(contribs) == 0 {
		return nil
	}
	sorted := slices.Clone(contribs)
	slices.SortFunc(sorted, func(a, b contribution) int { return strings.Compare(a.address, b.address) })

	rng := rand.New(rand.NewPCG(seed, candidateHash(sorted)))
	lists := make([][]descriptor.IntroPoint, len(sorted))
	for i, c := range sorted {
		l := slices.Clone(c.points)
		slices.SortFunc(l, func(a, b descriptor.IntroPoint) int { return strings.Compare(a.Identifier, b.Identifier) })
		rng.Shuffle(len(l), func(x, y int) { l[x], l[y] = l[y], l[x] })
		lists[i] = l
	}
	order := rng.Perm(len(lists))

	var (
		out  []descriptor.IntroPoint
		seen = make(map[string]bool)
		next = make([]int, len(lists))
	)
	for len(out) < limit {
		took := false
		for _, idx := range order {
			for next[idx] < len(lists[idx]) {
				p := lists[idx][next[idx]]
				next[idx]++
				if seen[p.Identifier] {
					continue
				}
				seen[p.Identifier] = true
				out = append(out, p)
				took = true
				break
			}
			if len(out) == limit {
				return out
			}
		}
		if !took {
			break
		}
	}
	return out
}

func candidateHash(contribs []contribution) uint64 {
	h := fnv.New64a()
	for _, c := range contribs {
		h.Write([]byte(c.address))
		h.Write([]byte{0})
		ids := make([]string, 0, len(c.points))
		for _, p := range c.points {
			ids = append(ids, p.Identifier)
		}
		slices.Sort(ids)
		for _, id := range ids {
			h.Write([]byte(id))
			h.Write([]byte{0})
		}
	}
	return h.Sum64()
}

func identifiers(points []descriptor.IntroPoint) []string {
	ids := make([]string, 0, len(points))
	for _, p := range points {
		ids = append(ids, p.Identifier)
	}
	slices.Sort(ids)
	return ids
}
