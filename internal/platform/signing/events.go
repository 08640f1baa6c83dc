// Package signing creates short-lived HMAC-signed URLs. Browsers cannot
// set headers on a WebSocket handshake, so the events endpoint takes its
// credentials from the query string instead.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var ErrMissingParams = errors.New("missing signed params")

type Signer struct {
	Secret []byte
	Now    func() time.Time
}

// Signed carries what a signature covers.
type Signed struct {
	Channel string
	UID     string
	Exp     int64
	Sig     string
}

func New(secret string) *Signer {
	return &Signer{Secret: []byte(secret)}
}

func (s *Signer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Signer) Sign(channel, userID string, exp time.Time) Signed {
	return Signed{Channel: channel, UID: userID, Exp: exp.Unix(), Sig: s.signValue(channel, userID, exp.Unix())}
}

func (s *Signer) Verify(v Signed) bool {
	if s.now().Unix() > v.Exp {
		return false
	}
	return hmac.Equal([]byte(v.Sig), []byte(s.signValue(v.Channel, v.UID, v.Exp)))
}

func (s *Signer) signValue(channel, userID string, exp int64) string {
	mac := hmac.New(sha256.New, s.Secret)
	mac.Write([]byte(channel))
	mac.Write([]byte("|"))
	mac.Write([]byte(userID))
	mac.Write([]byte("|"))
	mac.Write([]byte(strconv.FormatInt(exp, 10)))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// BuildURL appends the signed parameters to base.
func BuildURL(base string, signed Signed) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("channel", signed.Channel)
	q.Set("uid", signed.UID)
	q.Set("exp", strconv.FormatInt(signed.Exp, 10))
	q.Set("sig", signed.Sig)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Extract reads the parameters written by BuildURL.
func Extract(query url.Values) (Signed, error) {
	v := Signed{
		Channel: strings.TrimSpace(query.Get("channel")),
		UID:     strings.TrimSpace(query.Get("uid")),
		Sig:     strings.TrimSpace(query.Get("sig")),
	}
	expStr := strings.TrimSpace(query.Get("exp"))
	if v.Channel == "" || v.UID == "" || v.Sig == "" || expStr == "" {
		return Signed{}, ErrMissingParams
	}
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return Signed{}, err
	}
	v.Exp = exp
	return v, nil
}
