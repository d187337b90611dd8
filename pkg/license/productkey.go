package license

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// keyAlphabet is the character set for the random and checksum segments.
// Confusable characters (0, O, 1, I) are excluded so keys survive being
// read over the phone.
const keyAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	keyPrefixLen   = 4
	keyRandomLen   = 8
	keyChecksumLen = 3
)

// NewProductKey generates a product key of the form
// PREFIX-YEAR-XXXXXXXX-CCC: a 4-character prefix derived from the company
// name, the issue year, 8 random characters, and a 3-character checksum
// over the first three segments.
func NewProductKey(companyName string, now time.Time) (string, error) {
	prefix, err := keyPrefix(companyName)
	if err != nil {
		return "", err
	}
	block, err := randomSegment(keyRandomLen)
	if err != nil {
		return "", err
	}
	body := fmt.Sprintf("%s-%d-%s", prefix, now.UTC().Year(), block)
	return body + "-" + keyChecksum(body), nil
}

// CheckProductKey verifies the shape and checksum of a product key. The
// checksum is a transcription guard, not a security boundary: issuance
// records stay authoritative, and a mismatch is worth logging but never
// worth trusting on its own.
func CheckProductKey(key string) bool {
	parts := strings.Split(key, "-")
	if len(parts) != 4 {
		return false
	}
	prefix, year, block, sum := parts[0], parts[1], parts[2], parts[3]
	if len(prefix) != keyPrefixLen || len(block) != keyRandomLen || len(sum) != keyChecksumLen {
		return false
	}
	if y, err := strconv.Atoi(year); err != nil || y < 2000 || y > 9999 {
		return false
	}
	for _, r := range prefix {
		if !unicode.IsUpper(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	for _, r := range block {
		if !strings.ContainsRune(keyAlphabet, r) {
			return false
		}
	}
	body := prefix + "-" + year + "-" + block
	return keyChecksum(body) == sum
}

// keyPrefix folds the company name to uppercase ASCII letters and digits
// and pads with random alphabet characters up to the prefix length.
func keyPrefix(companyName string) (string, error) {
	var b strings.Builder
	for _, r := range norm.NFD.String(companyName) {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		r = unicode.ToUpper(r)
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			if b.Len() == keyPrefixLen {
				break
			}
		}
	}
	prefix := b.String()
	if len(prefix) < keyPrefixLen {
		pad, err := randomSegment(keyPrefixLen - len(prefix))
		if err != nil {
			return "", err
		}
		prefix += pad
	}
	return prefix, nil
}

func keyChecksum(body string) string {
	digest := sha256.Sum256([]byte(body))
	sum := make([]byte, keyChecksumLen)
	for i := range sum {
		sum[i] = keyAlphabet[int(digest[i])%len(keyAlphabet)]
	}
	return string(sum)
}

func randomSegment(n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(keyAlphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate product key: %w", err)
		}
		out[i] = keyAlphabet[idx.Int64()]
	}
	return string(out), nil
}
