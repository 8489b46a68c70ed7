package security

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskCredential(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"abc", "***"},
		{"abcdefg", "ab*****"},
		{"abcdefghijkl", "abcd****ijkl"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MaskCredential(tt.in), tt.in)
	}
}

func TestRedact(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		want   string
		secret string
	}{
		{
			name:   "telegram url",
			in:     `Post "https://api.telegram.org/bot123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw/sendMessage": timeout`,
			want:   `Post "https://api.telegram.org/bot1234************************************Dsaw/sendMessage": timeout`,
			secret: "AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw",
		},
		{
			name:   "dsn password",
			in:     "dial postgres://arki:hunter2secret@db:5432/ledger failed",
			want:   "dial postgres://arki:hunt*****cret@db:5432/ledger failed",
			secret: "hunter2secret",
		},
		{
			name:   "key value",
			in:     "smtp auth failed: password=s3cr3tvalue",
			want:   "smtp auth failed: password=s3cr***alue",
			secret: "s3cr3tvalue",
		},
		{
			name:   "bearer",
			in:     "Authorization: Bearer abcdefghijklmnop",
			want:   "Authorization: Bearer abcd********mnop",
			secret: "abcdefghijklmnop",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Redact(tt.in)
			assert.Equal(t, tt.want, got)
			assert.NotContains(t, got, tt.secret)
		})
	}
}

func TestRedact_LeavesPlainTextAlone(t *testing.T) {
	msg := "order rejected for AAPL: insufficient funds"
	assert.False(t, ContainsSecret(msg))
	assert.Equal(t, msg, Redact(msg))
}

func TestRedactError(t *testing.T) {
	assert.NoError(t, RedactError(nil))

	plain := errors.New("connection refused")
	assert.Same(t, plain, RedactError(plain))

	err := fmt.Errorf("posting to https://api.telegram.org/bot123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw/sendMessage: %w", context.DeadlineExceeded)
	red := RedactError(err)
	assert.NotContains(t, red.Error(), "AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw")
	assert.ErrorIs(t, red, context.DeadlineExceeded)
}
