package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"ChannelGateway/tools/decode"
	"ChannelGateway/tools/errs"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Options 控制签名与TTL等参数。
type Options struct {
	Secret []byte        // HMAC secret
	Alg    string        // HS256/HS384/HS512 (default HS256)
	TTL    time.Duration // token lifetime (default 2h)
	Issuer string        // optional; checked on Verify when set
}

// Identity is the authenticated principal a connection is bound to.
type Identity struct {
	UserID        string `json:"sub"`
	WorkspaceSlug string `json:"workspace"`
	Name          string `json:"name,omitempty"`
}

// Valid reports whether both the user id and the workspace scope are present.
func (i Identity) Valid() bool {
	return strings.TrimSpace(i.UserID) != "" && strings.TrimSpace(i.WorkspaceSlug) != ""
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256", TTL: 2 * time.Hour}
}

func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Generate signs a token for id. Used by the CLI to mint development tokens
// and by tests.
func Generate(opts Options, id Identity) (token string, expireAt time.Time, err error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", time.Time{}, err
	}
	if !id.Valid() {
		return "", time.Time{}, errs.ErrAuthRequired.WrapMsg("user id and workspace are required")
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	now := time.Now()
	exp := now.Add(opts.TTL)

	claims := jwtlib.MapClaims{
		"sub":       id.UserID,
		"workspace": id.WorkspaceSlug,
		"iat":       now.Unix(),
		"nbf":       now.Unix(),
		"exp":       exp.Unix(),
	}
	if id.Name != "" {
		claims["name"] = id.Name
	}
	if opts.Issuer != "" {
		claims["iss"] = opts.Issuer
	}

	signed, err := jwtlib.NewWithClaims(method, claims).SignedString(opts.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify checks signature and time claims and returns the identity the token
// was issued for.
func Verify(opts Options, token string) (Identity, error) {
	if _, err := signingMethod(opts.Alg); err != nil {
		return Identity{}, err
	}
	parserOpts := []jwtlib.ParserOption{jwtlib.WithExpirationRequired()}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwtlib.WithIssuer(opts.Issuer))
	}
	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
		// HMAC family only
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return opts.Secret, nil
	}, parserOpts...)
	if err != nil {
		return Identity{}, errs.ErrInvalidToken.WrapMsg(err.Error())
	}
	if !parsed.Valid {
		return Identity{}, errs.ErrInvalidToken.Wrap()
	}
	claims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok {
		return Identity{}, errs.ErrInvalidToken.WrapMsg("claims type mismatch")
	}
	id, err := decode.DecodeMap[Identity](claims)
	if err != nil {
		return Identity{}, errs.ErrInvalidToken.WrapMsg(err.Error())
	}
	if !id.Valid() {
		return Identity{}, errs.ErrAuthRequired.WrapMsg("token lacks sub or workspace")
	}
	return *id, nil
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
