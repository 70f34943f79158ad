package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	logs "github.com/danmuck/linkctl/internal/logging"
	"github.com/danmuck/linkctl/internal/testutil/testlog"
)

func TestStaticTokenValidate(t *testing.T) {
	testlog.Start(t)

	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			logs.Logf("auth/static-token: stored=%q input=%q", tc.stored, tc.input)
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestFuncValidator(t *testing.T) {
	testlog.Start(t)

	validator := FuncValidator(func(token string) error {
		if token != "ok" {
			return ErrUnauthorized
		}
		return nil
	})

	if err := validator.Validate("bad"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for bad token, got %v", err)
	}
	if err := validator.Validate("ok"); err != nil {
		t.Fatalf("expected success for ok token, got %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	testlog.Start(t)

	tests := []struct {
		name   string
		header string
		want   string
		err    error
	}{
		{name: "missing", header: "", err: ErrMissingToken},
		{name: "wrong scheme", header: "Basic abc", err: ErrMissingToken},
		{name: "no token", header: "Bearer   ", err: ErrMissingToken},
		{name: "case insensitive scheme", header: "bearer s3cret", want: "s3cret"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/link", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			got, err := BearerToken(r)
			if !errors.Is(err, tc.err) || got != tc.want {
				t.Fatalf("got (%q, %v), want (%q, %v)", got, err, tc.want, tc.err)
			}
		})
	}
}

func TestRequestWithConfiguredAndOpenValidators(t *testing.T) {
	testlog.Start(t)

	anon := httptest.NewRequest(http.MethodGet, "/link", nil)
	if err := Request(ForToken(""), anon); err != nil {
		t.Fatalf("open node should accept anonymous peers: %v", err)
	}
	if err := Request(ForToken("s3cret"), anon); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	signed := httptest.NewRequest(http.MethodGet, "/link", nil)
	SetBearer(signed.Header, "s3cret")
	if err := Request(ForToken("s3cret"), signed); err != nil {
		t.Fatalf("expected accepted token, got %v", err)
	}
}
