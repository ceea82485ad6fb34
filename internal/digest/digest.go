// Package digest fingerprints file content once per transfer on each end.
package digest

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"
)

// Hasher computes an upper-case hex digest.
type Hasher interface {
	Name() string
	New() hash.Hash
	Sum(b []byte) string
	SumReader(r io.Reader) (string, error)
}

type algo struct {
	name string
	newH func() hash.Hash
}

var (
	SHA256 Hasher = algo{name: "sha256", newH: sha256.New}
	// MD5 matches the digest the reference peers put in HASH messages.
	MD5 Hasher = algo{name: "md5", newH: md5.New}
)

func (a algo) Name() string { return a.name }

func (a algo) New() hash.Hash { return a.newH() }

func (a algo) Sum(b []byte) string {
	h := a.newH()
	h.Write(b)
	return Hex(h)
}

func (a algo) SumReader(r io.Reader) (string, error) {
	h := a.newH()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return Hex(h), nil
}

// Hex renders the current sum of h.
func Hex(h hash.Hash) string {
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil)))
}

// ByName resolves a configured algorithm name.
func ByName(name string) (Hasher, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "sha256", "sha-256":
		return SHA256, nil
	case "md5":
		return MD5, nil
	}
	return nil, fmt.Errorf("unknown digest %q", name)
}

// Equal compares two hex digests exactly, ignoring case.
func Equal(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
