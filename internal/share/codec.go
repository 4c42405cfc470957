// Package share encodes an outfit into a URL-safe token and back.
package share

import (
	"encoding/base64"
	"encoding/json"
	errs "errors"
	"math"
	"strings"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// QueryParam is the URL query parameter that carries a token.
const QueryParam = "share"

// ErrMalformed is returned when a token does not decode to a model reference,
// a list of garment ids and a pose index.
var ErrMalformed = errs.New("malformed share data")

// Token is the decoded replay plan of a shared look.
type Token struct {
	ModelImageRef string   `json:"m"`
	GarmentIDs    []string `json:"g"`
	PoseIndex     int      `json:"p"`
}

// Encode serialises the three fields as compact JSON in unpadded base64url.
func Encode(modelImageRef string, garmentIDs []string, poseIndex int) (string, error) {
	if modelImageRef == "" {
		return "", errors.Wrap(ErrMalformed, "missing model reference")
	}
	if poseIndex < 0 {
		return "", errors.Wrap(ErrMalformed, "negative pose index")
	}
	ids := garmentIDs
	if ids == nil {
		ids = []string{}
	}
	raw, err := json.Marshal(Token{ModelImageRef: modelImageRef, GarmentIDs: ids, PoseIndex: poseIndex})
	if err != nil {
		return "", errors.Wrap(err, "marshal share token")
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode reverses Encode. Tokens minted by a browser btoa (standard alphabet,
// padded) are accepted as well.
func Decode(token string) (Token, error) {
	raw, err := decodeBase64(strings.TrimSpace(token))
	if err != nil {
		return Token{}, errors.Wrap(ErrMalformed, "not base64")
	}
	if !gjson.ValidBytes(raw) {
		return Token{}, errors.Wrap(ErrMalformed, "not json")
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return Token{}, errors.Wrap(ErrMalformed, "not an object")
	}

	m := doc.Get("m")
	if m.Type != gjson.String || m.Str == "" {
		return Token{}, errors.Wrap(ErrMalformed, "missing model reference")
	}

	g := doc.Get("g")
	if !g.IsArray() {
		return Token{}, errors.Wrap(ErrMalformed, "garment list is not a sequence")
	}
	elems := g.Array()
	ids := make([]string, 0, len(elems))
	for _, el := range elems {
		if el.Type != gjson.String {
			return Token{}, errors.Wrap(ErrMalformed, "garment id is not a string")
		}
		ids = append(ids, el.Str)
	}

	p := doc.Get("p")
	if p.Type != gjson.Number {
		return Token{}, errors.Wrap(ErrMalformed, "pose index is not numeric")
	}
	if p.Num < 0 || p.Num != math.Trunc(p.Num) || p.Num > math.MaxInt32 {
		return Token{}, errors.Wrap(ErrMalformed, "pose index out of range")
	}

	return Token{ModelImageRef: m.Str, GarmentIDs: ids, PoseIndex: int(p.Num)}, nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	if s == "" {
		return nil, ErrMalformed
	}
	if raw, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
