package auth

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestAuth(t *testing.T, keyHash string) *Authenticator {
	t.Helper()

	a, err := New(Config{JWTSecret: testSecret, JWTIssuer: "attend-test", OperatorKeyHash: keyHash})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return a
}

func TestNew_RequiresCredentialSource(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); err == nil {
		t.Fatalf("empty config accepted")
	}
	if _, err := New(Config{JWTSecret: "short"}); err == nil {
		t.Fatalf("short secret accepted")
	}
	if _, err := New(Config{OperatorKeyHash: "plain-text"}); err == nil {
		t.Fatalf("non-bcrypt hash accepted")
	}
}

func TestOperator_JWT(t *testing.T) {
	t.Parallel()

	a := newTestAuth(t, "")
	op, err := a.Issue("op-1", RoleOperator, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	user, _ := a.Issue("user-1", "employee", time.Minute)

	cases := []struct {
		name    string
		header  string
		query   string
		wantErr error
		wantSub string
	}{
		{name: "header", header: "Bearer " + op, wantSub: "op-1"},
		{name: "lowercase scheme", header: "bearer " + op, wantSub: "op-1"},
		{name: "query", query: op, wantSub: "op-1"},
		{name: "missing", wantErr: ErrUnauthorized},
		{name: "garbage", header: "Bearer a.b.c", wantErr: ErrUnauthorized},
		{name: "not operator", header: "Bearer " + user, wantErr: ErrForbidden},
	}
	for _, tc := range cases {
		target := "/api/sessions"
		if tc.query != "" {
			target += "?access_token=" + tc.query
		}
		r := httptest.NewRequest("GET", target, nil)
		if tc.header != "" {
			r.Header.Set("Authorization", tc.header)
		}

		p, err := a.Operator(r)
		if tc.wantErr != nil {
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("%s: err=%v want %v", tc.name, err, tc.wantErr)
			}
			continue
		}
		if err != nil || p.Subject != tc.wantSub || !p.IsOperator() {
			t.Fatalf("%s: p=%+v err=%v", tc.name, p, err)
		}
	}
}

func TestParse_RejectsExpiredAndForeignTokens(t *testing.T) {
	t.Parallel()

	a := newTestAuth(t, "")
	a.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, err := a.Issue("op-1", RoleOperator, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	a.now = time.Now
	if _, err := a.Parse(old); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expired token accepted: %v", err)
	}

	other, _ := New(Config{JWTSecret: strings.Repeat("z", 32), JWTIssuer: "attend-test"})
	foreign, _ := other.Issue("op-1", RoleOperator, time.Minute)
	if _, err := a.Parse(foreign); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("token signed with another secret accepted: %v", err)
	}
}

func TestOperator_Key(t *testing.T) {
	t.Parallel()

	hash, err := HashOperatorKey("correct horse battery")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	a := newTestAuth(t, hash)

	r := httptest.NewRequest("GET", "/api/sessions", nil)
	r.Header.Set("Authorization", "Bearer correct horse battery")
	p, err := a.Operator(r)
	if err != nil || p.Method != "operator_key" || !p.IsOperator() {
		t.Fatalf("p=%+v err=%v", p, err)
	}

	r.Header.Set("Authorization", "Bearer wrong horse battery")
	if _, err := a.Operator(r); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("wrong key accepted: %v", err)
	}

	if _, err := HashOperatorKey("short"); err == nil {
		t.Fatalf("short key hashed")
	}
}

func TestIdentity_Optional(t *testing.T) {
	t.Parallel()

	a := newTestAuth(t, "")
	tok, _ := a.Issue("user-42", "employee", time.Minute)

	r := httptest.NewRequest("POST", "/api/checkin/x", nil)
	if _, ok := a.Identity(r); ok {
		t.Fatalf("anonymous request resolved an identity")
	}

	r.Header.Set("Authorization", "Bearer "+tok)
	p, ok := a.Identity(r)
	if !ok || p.Subject != "user-42" {
		t.Fatalf("p=%+v ok=%v", p, ok)
	}

	r.Header.Set("Authorization", "Bearer x.y.z")
	if _, ok := a.Identity(r); ok {
		t.Fatalf("invalid token resolved an identity")
	}
}
