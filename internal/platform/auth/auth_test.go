package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret-key-32-bytes-long!!!")

func newIssuer() Issuer { return Issuer{Secret: testSecret, Issuer: "watchlistd", TTL: time.Hour} }

func newVerifier() JWTVerifier { return JWTVerifier{Secret: testSecret, Issuer: "watchlistd"} }

func makeToken(subject string, exp time.Time) string {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "watchlistd",
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, _ := tok.SignedString(testSecret)
	return signed
}

// ─── Issuer / JWTVerifier tests ──────────────────────────────────────────────

func TestIssuer_RoundTripsThroughVerifier(t *testing.T) {
	fixed := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	iss := newIssuer()
	iss.Now = func() time.Time { return fixed }

	tok, exp, err := iss.Issue("17", "neo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !exp.Equal(fixed.Add(time.Hour)) {
		t.Fatalf("expected expiry %v, got %v", fixed.Add(time.Hour), exp)
	}
	claims, err := newVerifier().Parse(tok)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claims.Subject != "17" || claims.Nickname != "neo" {
		t.Fatalf("expected subject 17 nickname neo, got %q %q", claims.Subject, claims.Nickname)
	}
	if claims.ID == "" {
		t.Fatal("expected a token id")
	}
}

func TestIssuer_RejectsEmptySubject(t *testing.T) {
	if _, _, err := newIssuer().Issue("  ", ""); err == nil {
		t.Fatal("expected error for empty subject")
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	tok := makeToken("user-1", time.Now().Add(-time.Hour))
	if _, err := newVerifier().Parse(tok); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestJWTVerifier_WrongSecret(t *testing.T) {
	tok := makeToken("user-1", time.Now().Add(time.Hour))
	if _, err := (JWTVerifier{Secret: []byte("wrong-secret")}).Parse(tok); err == nil {
		t.Fatal("expected error for wrong secret")
	}
}

func TestJWTVerifier_WrongIssuer(t *testing.T) {
	tok, _, _ := Issuer{Secret: testSecret, Issuer: "elsewhere"}.Issue("user-1", "")
	if _, err := newVerifier().Parse(tok); err == nil {
		t.Fatal("expected error for foreign issuer")
	}
}

func TestJWTVerifier_MalformedToken(t *testing.T) {
	if _, err := newVerifier().Parse("not.a.valid.token"); err == nil {
		t.Fatal("expected error for malformed token")
	}
}

func TestJWTVerifier_TamperedPayload(t *testing.T) {
	tok := makeToken("user-1", time.Now().Add(time.Hour))
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		t.Fatal("expected 3 JWT parts")
	}
	tampered := parts[0] + ".dGFtcGVyZWQ." + parts[2]
	if _, err := newVerifier().Parse(tampered); err == nil {
		t.Fatal("expected error for tampered token")
	}
}

// ─── RequireUser middleware tests ────────────────────────────────────────────

func callRequireUser(req *http.Request, check SubjectCheck) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	RequireUser(newVerifier(), check)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, _ := UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(uid))
	})).ServeHTTP(rr, req)
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON error envelope, got %q", rr.Body.String())
	}
	return body.Error.Code
}

func TestRequireUser_ValidBearer(t *testing.T) {
	tok := makeToken("user-42", time.Now().Add(time.Hour))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)

	rr := callRequireUser(req, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Body.String() != "user-42" {
		t.Fatalf("expected 'user-42' in body, got %q", rr.Body.String())
	}
}

func TestRequireUser_MissingHeader(t *testing.T) {
	rr := callRequireUser(httptest.NewRequest(http.MethodGet, "/", nil), nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED, got %q", code)
	}
}

func TestRequireUser_NonBearerScheme(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if rr := callRequireUser(req, nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestRequireUser_ExpiredToken(t *testing.T) {
	tok := makeToken("user-1", time.Now().Add(-time.Hour))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	if rr := callRequireUser(req, nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestRequireUser_SubjectMustBeCurrent(t *testing.T) {
	tok := makeToken("user-1", time.Now().Add(time.Hour))
	current := "user-2"
	check := func(_ context.Context, subject string) bool { return subject == current }

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr := callRequireUser(req, check)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for stale subject, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "SESSION_MISMATCH" {
		t.Fatalf("expected SESSION_MISMATCH, got %q", code)
	}

	current = "user-1"
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	if rr := callRequireUser(req, check); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for current subject, got %d", rr.Code)
	}
}
