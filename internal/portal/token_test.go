package portal

import (
	"errors"
	"testing"
)

func TestExtractLoginToken(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{
			name: "login form",
			body: `<html><body><form id="login-form-1" method="post">
				<input type="hidden" name="csrf" value="tok-123">
				<input name="email"></form></body></html>`,
			want: "tok-123",
		},
		{
			name: "nested markup",
			body: `<div><form id="search"><input name="csrf" value="wrong"></form>
				<form id="login-form-1"><div><p><input name="csrf" value="right"></p></div></form></div>`,
			want: "right",
		},
		{
			name:    "no login form",
			body:    `<html><body><form id="search"><input name="csrf" value="x"></form></body></html>`,
			wantErr: true,
		},
		{
			name:    "no csrf input",
			body:    `<form id="login-form-1"><input name="email"></form>`,
			wantErr: true,
		},
		{
			name:    "empty value",
			body:    `<form id="login-form-1"><input name="csrf" value=""></form>`,
			wantErr: true,
		},
		{
			name:    "error page",
			body:    `502 Bad Gateway`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractLoginToken([]byte(tt.body))
			if tt.wantErr {
				if !errors.Is(err, ErrTokenNotFound) {
					t.Fatalf("expected ErrTokenNotFound, got token=%q err=%v", got, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestExtractFreeToken(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{"inline json", `<script>var c = {"CSRF_TOKEN":"abc123","AJAX_TOKEN":"zzz"};</script>`, "abc123", false},
		{"spacing", `{"CSRF_TOKEN" : "abc123"}`, "abc123", false},
		{"stops at quote", `{"CSRF_TOKEN":"a","AJAX_TOKEN":"b","OTHER":"c"}`, "a", false},
		{"missing", `<html><body>Wartung</body></html>`, "", true},
		{"empty", `{"CSRF_TOKEN":""}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractFreeToken([]byte(tt.body))
			if tt.wantErr {
				if !errors.Is(err, ErrTokenNotFound) {
					t.Fatalf("expected ErrTokenNotFound, got token=%q err=%v", got, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}
