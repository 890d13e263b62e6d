// Package signature computes and verifies Robokassa message signatures.
//
// A signature is the hex digest of colon-joined fields ending with a merchant
// secret, followed by any Shp_ pass-through parameters as key=value pairs in
// ascending key order:
//
//	OutSum:InvId:Password[:Shp_a=1:Shp_b=2]
//
// Two secrets are in play. Password #1 signs payment links and the browser
// Success redirect; Password #2 signs the server-to-server Result
// notification and status queries.
package signature

import (
	"crypto/md5"  // #nosec G501 -- algorithm is chosen by the gateway account
	"crypto/sha1" // #nosec G505 -- algorithm is chosen by the gateway account
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"net/url"
	"sort"
	"strings"
)

// Algorithm names the digest configured in the merchant account.
type Algorithm string

const (
	MD5    Algorithm = "md5"
	SHA1   Algorithm = "sha1"
	SHA256 Algorithm = "sha256"
	SHA384 Algorithm = "sha384"
	SHA512 Algorithm = "sha512"
)

func (a Algorithm) hasher() (func() hash.Hash, bool) {
	switch a {
	case MD5:
		return md5.New, true
	case SHA1:
		return sha1.New, true
	case SHA256:
		return sha256.New, true
	case SHA384:
		return sha512.New384, true
	case SHA512:
		return sha512.New, true
	}
	return nil, false
}

// Tier selects which merchant secret a message is signed with.
type Tier int

const (
	// TierPayment is Password #1: payment links and the Success redirect.
	TierPayment Tier = iota + 1
	// TierResult is Password #2: the Result notification and status queries.
	TierResult
)

func (t Tier) String() string {
	switch t {
	case TierPayment:
		return "payment"
	case TierResult:
		return "result"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Secrets holds the two merchant passwords.
type Secrets struct {
	Password1 string
	Password2 string
}

// Payload is the signed part of a gateway message.
type Payload struct {
	OutSum string
	InvID  string
	// Shp holds pass-through parameters keyed by their full name, e.g. "Shp_label".
	Shp map[string]string
}

// Verifier signs and verifies messages for one merchant account.
type Verifier struct {
	alg     Algorithm
	newHash func() hash.Hash
	secrets Secrets
}

// NewVerifier returns a Verifier for alg. Both secrets are required.
func NewVerifier(alg Algorithm, secrets Secrets) (*Verifier, error) {
	alg = Algorithm(strings.ToLower(string(alg)))
	newHash, ok := alg.hasher()
	if !ok {
		return nil, fmt.Errorf("signature: unsupported algorithm %q", alg)
	}
	if secrets.Password1 == "" || secrets.Password2 == "" {
		return nil, fmt.Errorf("signature: both merchant passwords are required")
	}
	return &Verifier{alg: alg, newHash: newHash, secrets: secrets}, nil
}

// Algorithm returns the configured digest.
func (v *Verifier) Algorithm() Algorithm { return v.alg }

func (v *Verifier) secret(tier Tier) (string, bool) {
	switch tier {
	case TierPayment:
		return v.secrets.Password1, true
	case TierResult:
		return v.secrets.Password2, true
	}
	return "", false
}

func (v *Verifier) digest(fields []string, shp map[string]string) string {
	keys := make([]string, 0, len(shp))
	for k := range shp {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, k+"="+shp[k])
	}

	h := v.newHash()
	h.Write([]byte(strings.Join(fields, ":")))
	return hex.EncodeToString(h.Sum(nil))
}

// Sign returns the signature of p under tier.
func (v *Verifier) Sign(p Payload, tier Tier) (string, error) {
	secret, ok := v.secret(tier)
	if !ok {
		return "", fmt.Errorf("signature: unknown tier %s", tier)
	}
	return v.digest([]string{p.OutSum, p.InvID, secret}, p.Shp), nil
}

// Verify reports whether claimed is the signature of p under tier. Malformed
// input of any kind yields false; the comparison ignores hex case and runs
// in constant time.
func (v *Verifier) Verify(p Payload, claimed string, tier Tier) bool {
	if p.OutSum == "" || p.InvID == "" || claimed == "" {
		return false
	}
	if len(claimed) != 2*v.newHash().Size() {
		return false
	}
	if _, err := hex.DecodeString(claimed); err != nil {
		return false
	}

	expected, err := v.Sign(p, tier)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(claimed))) == 1
}

// SignPaymentLink signs an outgoing payment page request:
// MerchantLogin:OutSum:InvId:Password1[:Shp...].
func (v *Verifier) SignPaymentLink(login string, p Payload) string {
	return v.digest([]string{login, p.OutSum, p.InvID, v.secrets.Password1}, p.Shp)
}

// SignStatusQuery signs an operation state query: MerchantLogin:InvoiceID:Password2.
func (v *Verifier) SignStatusQuery(login, invID string) string {
	return v.digest([]string{login, invID, v.secrets.Password2}, nil)
}

// FromValues extracts the signed payload and the claimed signature from a
// gateway callback's form or query values. Shp_ keys are matched without
// regard to case but kept as sent, since they take part in the digest.
func FromValues(values url.Values) (Payload, string) {
	p := Payload{
		OutSum: values.Get("OutSum"),
		InvID:  values.Get("InvId"),
	}
	for k, vs := range values {
		if len(vs) == 0 || !strings.HasPrefix(strings.ToLower(k), "shp_") {
			continue
		}
		if p.Shp == nil {
			p.Shp = make(map[string]string)
		}
		p.Shp[k] = vs[0]
	}
	return p, values.Get("SignatureValue")
}
