// Package siwe parses and renders EIP-4361 "Sign-In with Ethereum" messages.
package siwe

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/splax/teamgate/internal/eth"
)

const (
	headerSuffix = " wants you to sign in with your Ethereum account:"

	tagURI        = "URI: "
	tagVersion    = "Version: "
	tagChainID    = "Chain ID: "
	tagNonce      = "Nonce: "
	tagIssuedAt   = "Issued At: "
	tagExpiration = "Expiration Time: "
	tagNotBefore  = "Not Before: "
	tagRequestID  = "Request ID: "
	tagResources  = "Resources:"

	// MinNonceLength is the shortest nonce EIP-4361 allows.
	MinNonceLength = 8
)

var (
	ErrMalformed   = errors.New("malformed siwe message")
	ErrExpired     = errors.New("siwe message expired")
	ErrNotYetValid = errors.New("siwe message not yet valid")
)

// Message is a parsed sign-in request.
type Message struct {
	Scheme         string
	Domain         string
	Address        string
	Statement      string
	URI            string
	Version        string
	ChainID        int64
	Nonce          string
	IssuedAt       time.Time
	ExpirationTime *time.Time
	NotBefore      *time.Time
	RequestID      string
	Resources      []string
}

// ParseMessage reads an EIP-4361 message. Line endings may be CRLF and
// surrounding whitespace is ignored. The address is returned checksummed.
func ParseMessage(raw string) (*Message, error) {
	text := strings.TrimSpace(strings.ReplaceAll(raw, "\r\n", "\n"))
	lines := strings.Split(text, "\n")
	if len(lines) < 2 {
		return nil, malformed("message too short")
	}

	m := &Message{}
	header := strings.TrimSpace(lines[0])
	if !strings.HasSuffix(header, headerSuffix) {
		return nil, malformed("missing header")
	}
	m.Domain = strings.TrimSuffix(header, headerSuffix)
	if scheme, rest, ok := strings.Cut(m.Domain, "://"); ok {
		m.Scheme, m.Domain = scheme, rest
	}
	if m.Domain == "" || strings.ContainsAny(m.Domain, " /") {
		return nil, malformed("invalid domain")
	}

	address, err := eth.ParseAddress(strings.TrimSpace(lines[1]))
	if err != nil {
		return nil, malformed("invalid address")
	}
	m.Address = address

	i := 2
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	if i < len(lines) && !strings.HasPrefix(lines[i], tagURI) {
		m.Statement = strings.TrimSpace(lines[i])
		i++
	}

	seen := map[string]bool{}
	for ; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], " \t")
		if line == "" {
			continue
		}
		if line == tagResources {
			for i+1 < len(lines) && strings.HasPrefix(strings.TrimSpace(lines[i+1]), "- ") {
				i++
				m.Resources = append(m.Resources, strings.TrimPrefix(strings.TrimSpace(lines[i]), "- "))
			}
			continue
		}
		tag, value, ok := splitField(line)
		if !ok {
			return nil, malformed("unexpected line %q", line)
		}
		if seen[tag] {
			return nil, malformed("duplicate field %q", strings.TrimSpace(tag))
		}
		seen[tag] = true
		if err := m.setField(tag, value); err != nil {
			return nil, err
		}
	}

	switch {
	case m.URI == "":
		return nil, malformed("missing URI")
	case m.Version != "1":
		return nil, malformed("unsupported version %q", m.Version)
	case !seen[tagChainID]:
		return nil, malformed("missing chain id")
	case m.IssuedAt.IsZero():
		return nil, malformed("missing issued at")
	}
	if len(m.Nonce) < MinNonceLength || !isAlphanumeric(m.Nonce) {
		return nil, malformed("invalid nonce")
	}
	return m, nil
}

func splitField(line string) (string, string, bool) {
	for _, tag := range []string{tagURI, tagVersion, tagChainID, tagNonce, tagIssuedAt, tagExpiration, tagNotBefore, tagRequestID} {
		if strings.HasPrefix(line, tag) {
			return tag, strings.TrimSpace(strings.TrimPrefix(line, tag)), true
		}
	}
	return "", "", false
}

func (m *Message) setField(tag, value string) error {
	switch tag {
	case tagURI:
		m.URI = value
	case tagVersion:
		m.Version = value
	case tagChainID:
		id, err := strconv.ParseInt(value, 10, 64)
		if err != nil || id <= 0 {
			return malformed("invalid chain id")
		}
		m.ChainID = id
	case tagNonce:
		m.Nonce = value
	case tagIssuedAt:
		ts, err := parseTime(value)
		if err != nil {
			return malformed("invalid issued at")
		}
		m.IssuedAt = ts
	case tagExpiration:
		ts, err := parseTime(value)
		if err != nil {
			return malformed("invalid expiration time")
		}
		m.ExpirationTime = &ts
	case tagNotBefore:
		ts, err := parseTime(value)
		if err != nil {
			return malformed("invalid not before")
		}
		m.NotBefore = &ts
	case tagRequestID:
		m.RequestID = value
	}
	return nil
}

// CheckTime reports ErrExpired or ErrNotYetValid when now is outside the
// message's validity window.
func (m *Message) CheckTime(now time.Time) error {
	if m.ExpirationTime != nil && !now.Before(*m.ExpirationTime) {
		return ErrExpired
	}
	if m.NotBefore != nil && now.Before(*m.NotBefore) {
		return ErrNotYetValid
	}
	return nil
}

// String renders the message in canonical EIP-4361 form.
func (m *Message) String() string {
	var b strings.Builder
	if m.Scheme != "" {
		b.WriteString(m.Scheme + "://")
	}
	b.WriteString(m.Domain + headerSuffix + "\n")
	b.WriteString(m.Address + "\n\n")
	if m.Statement != "" {
		b.WriteString(m.Statement + "\n")
	}
	b.WriteString("\n")
	b.WriteString(tagURI + m.URI + "\n")
	b.WriteString(tagVersion + m.Version + "\n")
	b.WriteString(tagChainID + strconv.FormatInt(m.ChainID, 10) + "\n")
	b.WriteString(tagNonce + m.Nonce + "\n")
	b.WriteString(tagIssuedAt + m.IssuedAt.UTC().Format(time.RFC3339))
	if m.ExpirationTime != nil {
		b.WriteString("\n" + tagExpiration + m.ExpirationTime.UTC().Format(time.RFC3339))
	}
	if m.NotBefore != nil {
		b.WriteString("\n" + tagNotBefore + m.NotBefore.UTC().Format(time.RFC3339))
	}
	if m.RequestID != "" {
		b.WriteString("\n" + tagRequestID + m.RequestID)
	}
	if len(m.Resources) > 0 {
		b.WriteString("\n" + tagResources)
		for _, r := range m.Resources {
			b.WriteString("\n- " + r)
		}
	}
	return b.String()
}

func parseTime(value string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, value)
}

func isAlphanumeric(s string) bool {
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return false
		}
	}
	return true
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}
