// Package terms builds the canonical Offer for a negotiated agreement and
// derives its terms hash.
//
// The hash is the sole identity by which two counterparties recognize "the
// same terms", so the serialization is fixed: object keys sorted
// lexicographically at every depth, arrays kept in order, no insignificant
// whitespace, no HTML escaping, and the same string escapes a browser's
// JSON.stringify produces. The digest is SHA-256 over those bytes, hex
// encoded.
package terms

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// Version is the schema version embedded in every Offer.
const Version = 1

// ExpiryLayout renders expiries as ISO-8601 UTC with millisecond precision.
const ExpiryLayout = "2006-01-02T15:04:05.000Z"

// ErrInvalidOffer is returned when an offer is missing identity fields.
var ErrInvalidOffer = errors.New("terms: invalid offer")

// Offer is the fixed field set that is hashed.
type Offer struct {
	MatchID    string      `json:"match_id"`
	Underlying string      `json:"underlying"`
	Strike     json.Number `json:"strike"`
	Expiry     string      `json:"expiry"`
	Notional   json.Number `json:"notional"`
	LongParty  string      `json:"long_party"`
	ShortParty string      `json:"short_party"`
	ProgramID  string      `json:"program_id"`
	OracleFeed string      `json:"oracle_feed"`
	USDCMint   string      `json:"usdc_mint"`
	Version    int         `json:"version"`
}

// OfferParams are the typed inputs to NewOffer.
type OfferParams struct {
	MatchID    string
	Underlying string
	Strike     decimal.Decimal
	Expiry     time.Time
	Notional   decimal.Decimal
	LongParty  string
	ShortParty string
	ProgramID  string
	OracleFeed string
	USDCMint   string
}

// NewOffer renders p into an Offer with the current schema version.
func NewOffer(p OfferParams) Offer {
	return Offer{
		MatchID:    p.MatchID,
		Underlying: p.Underlying,
		Strike:     json.Number(p.Strike.String()),
		Expiry:     FormatExpiry(p.Expiry),
		Notional:   json.Number(p.Notional.String()),
		LongParty:  p.LongParty,
		ShortParty: p.ShortParty,
		ProgramID:  p.ProgramID,
		OracleFeed: p.OracleFeed,
		USDCMint:   p.USDCMint,
		Version:    Version,
	}
}

// FormatExpiry renders t the way offers carry it.
func FormatExpiry(t time.Time) string {
	return t.UTC().Format(ExpiryLayout)
}

// Validate checks that the identity fields of an offer are populated.
func (o Offer) Validate() error {
	switch {
	case o.MatchID == "":
		return fmt.Errorf("%w: match_id is required", ErrInvalidOffer)
	case o.Underlying == "":
		return fmt.Errorf("%w: underlying is required", ErrInvalidOffer)
	case o.LongParty == "" || o.ShortParty == "":
		return fmt.Errorf("%w: both parties are required", ErrInvalidOffer)
	case o.Strike == "" || o.Notional == "":
		return fmt.Errorf("%w: strike and notional are required", ErrInvalidOffer)
	}
	return nil
}

// Hash returns the hex SHA-256 of the canonical form of o.
func Hash(o Offer) (string, error) {
	if err := o.Validate(); err != nil {
		return "", err
	}
	canonical, err := Canonicalize(o)
	if err != nil {
		return "", err
	}
	return digest(canonical), nil
}

// HashJSON hashes an arbitrary JSON document after canonicalizing it.
func HashJSON(raw []byte) (string, error) {
	canonical, err := CanonicalizeJSON(raw)
	if err != nil {
		return "", err
	}
	return digest(canonical), nil
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Canonicalize marshals v with encoding/json and rewrites the result into
// canonical form.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("terms: marshal: %w", err)
	}
	return CanonicalizeJSON(raw)
}

// CanonicalizeJSON rewrites a JSON document into canonical form. Numbers are
// kept verbatim.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("terms: decode: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("terms: trailing data after document")
	}

	var buf bytes.Buffer
	if err := writeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(t))
	case json.Number:
		buf.WriteString(t.String())
	case string:
		writeString(buf, t)
	case []any:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			if err := writeValue(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("terms: unsupported value of type %T", v)
	}
	return nil
}

// writeString quotes s with JSON.stringify's escape set.
func writeString(buf *bytes.Buffer, s string) {
	const hexDigits = "0123456789abcdef"

	buf.WriteByte('"')
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			switch c {
			case '"':
				buf.WriteString(`\"`)
			case '\\':
				buf.WriteString(`\\`)
			case '\b':
				buf.WriteString(`\b`)
			case '\f':
				buf.WriteString(`\f`)
			case '\n':
				buf.WriteString(`\n`)
			case '\r':
				buf.WriteString(`\r`)
			case '\t':
				buf.WriteString(`\t`)
			default:
				if c < 0x20 {
					buf.WriteString(`\u00`)
					buf.WriteByte(hexDigits[c>>4])
					buf.WriteByte(hexDigits[c&0xf])
				} else {
					buf.WriteByte(c)
				}
			}
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			buf.WriteString("\uFFFD")
		} else {
			buf.WriteString(s[i : i+size])
		}
		i += size
	}
	buf.WriteByte('"')
}
