// Package fingerprint derives the stable machine identity a license is
// bound to. Hardware probes contribute prefixed tokens; the sorted tokens
// joined with "|" are hashed SHA3-512 to produce the fingerprint.
//
// Derivation must be deterministic on the same hardware: the token set is
// sorted before hashing so probe order never matters, and probes that
// cannot answer contribute nothing rather than an empty token.
package fingerprint

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/wardenhq/warden/pkg/sealing"
)

// MinTokens is the entropy floor. Below it the machine cannot be told
// apart from its neighbors reliably, so derivation falls back to a random
// token (first run) or refuses (once a pin exists).
const MinTokens = 3

// ErrInsufficientEntropy is returned when the probes yield too few tokens
// on a machine that already carries a pinned fingerprint. Regenerating
// with a random token would mismatch the pin forever, so the caller must
// surface the failure instead.
var ErrInsufficientEntropy = errors.New("fingerprint: too few hardware tokens to re-derive a pinned fingerprint")

// Prober gathers raw identity tokens, each prefixed with its source
// (hostname:, system:, machine_id:, ...). Implementations skip sources
// they cannot read.
type Prober interface {
	Probe(ctx context.Context) ([]string, error)
}

// Deriver turns probed tokens into the machine fingerprint.
type Deriver struct {
	prober Prober
}

// NewDeriver returns a Deriver backed by the given prober. Pass
// SystemProber{} outside of tests.
func NewDeriver(p Prober) *Deriver {
	return &Deriver{prober: p}
}

// Derive computes the fingerprint and returns it with the tokens that fed
// it. pinned reports whether a fingerprint pin already exists on this
// machine: with a pin, a low-entropy probe result aborts with
// ErrInsufficientEntropy; without one, a random:<hex> token is appended so
// first activation can proceed.
func (d *Deriver) Derive(ctx context.Context, pinned bool) (string, []string, error) {
	probed, err := d.prober.Probe(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("fingerprint: probe: %w", err)
	}

	tokens := make([]string, 0, len(probed)+1)
	for _, tok := range probed {
		if i := strings.IndexByte(tok, ':'); i <= 0 || i == len(tok)-1 {
			continue
		}
		tokens = append(tokens, tok)
	}

	if len(tokens) < MinTokens {
		if pinned {
			return "", nil, ErrInsufficientEntropy
		}
		random, err := randomToken()
		if err != nil {
			return "", nil, err
		}
		tokens = append(tokens, random)
	}

	sort.Strings(tokens)
	fp := sealing.SHA3Hex([]byte(strings.Join(tokens, "|")))
	return fp, tokens, nil
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("fingerprint: random fallback: %w", err)
	}
	return fmt.Sprintf("random:%x", buf), nil
}
