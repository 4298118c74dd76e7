package siwe

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"
)

const sample = `app.teamgate.dev wants you to sign in with your Ethereum account:
0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed

Sign in to teamgate.

URI: https://app.teamgate.dev/login
Version: 1
Chain ID: 1
Nonce: abcdef1234567890Z
Issued At: 2024-05-01T10:00:00.000Z
Expiration Time: 2024-05-01T11:00:00Z
Resources:
- https://app.teamgate.dev/terms`

func TestParseMessage(t *testing.T) {
	is := is.New(t)
	m, err := ParseMessage(sample)
	is.NoErr(err)
	is.Equal(m.Domain, "app.teamgate.dev")
	is.Equal(m.Address, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	is.Equal(m.Statement, "Sign in to teamgate.")
	is.Equal(m.URI, "https://app.teamgate.dev/login")
	is.Equal(m.ChainID, int64(1))
	is.Equal(m.Nonce, "abcdef1234567890Z")
	is.True(m.ExpirationTime != nil)
	is.Equal(m.Resources, []string{"https://app.teamgate.dev/terms"})
}

func TestParseMessageWithoutStatementAndCRLF(t *testing.T) {
	is := is.New(t)
	raw := strings.Join([]string{
		"https://localhost:3000 wants you to sign in with your Ethereum account:",
		"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"",
		"",
		"URI: http://localhost:3000",
		"Version: 1",
		"Chain ID: 10",
		"Nonce: 12345678",
		"Issued At: 2024-05-01T10:00:00Z",
	}, "\r\n")
	m, err := ParseMessage(raw)
	is.NoErr(err)
	is.Equal(m.Scheme, "https")
	is.Equal(m.Domain, "localhost:3000")
	is.Equal(m.Statement, "")

	again, err := ParseMessage(m.String())
	is.NoErr(err)
	is.Equal(again.String(), m.String())
}

func TestParseMessageMalformed(t *testing.T) {
	cases := map[string]string{
		"empty":          "",
		"no header":      strings.Replace(sample, "wants you to sign in", "asks", 1),
		"bad address":    strings.Replace(sample, "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", "0x123", 1),
		"bad version":    strings.Replace(sample, "Version: 1", "Version: 2", 1),
		"short nonce":    strings.Replace(sample, "abcdef1234567890Z", "abc", 1),
		"bad issued at":  strings.Replace(sample, "2024-05-01T10:00:00.000Z", "yesterday", 1),
		"missing chain":  strings.Replace(sample, "Chain ID: 1\n", "", 1),
		"duplicate uri":  strings.Replace(sample, "Version: 1", "URI: https://evil.example\nVersion: 1", 1),
		"unknown field":  sample + "\nColor: blue",
		"non-numeric id": strings.Replace(sample, "Chain ID: 1", "Chain ID: one", 1),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseMessage(raw); !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestCheckTime(t *testing.T) {
	is := is.New(t)
	m, err := ParseMessage(sample)
	is.NoErr(err)

	is.NoErr(m.CheckTime(time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)))
	is.True(errors.Is(m.CheckTime(time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)), ErrExpired))

	nb := time.Date(2024, 5, 1, 10, 15, 0, 0, time.UTC)
	m.NotBefore = &nb
	is.True(errors.Is(m.CheckTime(time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC)), ErrNotYetValid))
}
