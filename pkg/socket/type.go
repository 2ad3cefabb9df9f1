package socket

import (
	"fmt"
	"strings"

	"github.com/hydravpn/polysock/pkg/transport"
)

// Type identifies the variant held by a Socket.
type Type int

const (
	TypeNone Type = iota
	TypeTCP
	TypeSOCKS5
	TypeHTTP
	TypeUTP
	TypeI2P
	TypeSSLTCP
	TypeSSLSOCKS5
	TypeSSLHTTP
	TypeSSLUTP
	TypeSSLI2P

	numTypes
)

// typeNames is indexed by every Type. Variants that are not compiled in
// have an empty name.
var typeNames = [numTypes]string{
	TypeNone:      "uninitialized",
	TypeTCP:       "TCP",
	TypeSOCKS5:    "Socks5",
	TypeHTTP:      "HTTP",
	TypeUTP:       "uTP",
	TypeI2P:       ifI2P("I2P"),
	TypeSSLTCP:    "SSL/TCP",
	TypeSSLSOCKS5: "SSL/Socks5",
	TypeSSLHTTP:   "SSL/HTTP",
	TypeSSLUTP:    "SSL/uTP",
	TypeSSLI2P:    ifI2P("SSL/I2P"),
}

func ifI2P(name string) string {
	if transport.I2PEnabled {
		return name
	}
	return ""
}

// String returns the display name of t.
func (t Type) String() string {
	if t < 0 || t >= numTypes {
		return ""
	}
	return typeNames[t]
}

// Supported reports whether t names a variant compiled into this build.
// TypeNone is not a variant.
func (t Type) Supported() bool {
	return t > TypeNone && t < numTypes && typeNames[t] != ""
}

// Secure reports whether t is a TLS-wrapped variant.
func (t Type) Secure() bool {
	return t >= TypeSSLTCP && t < numTypes
}

// Plain returns the unwrapped variant of a secure type, or t itself.
func (t Type) Plain() Type {
	if t.Secure() {
		return t - TypeSSLTCP + TypeTCP
	}
	return t
}

// WithSSL returns the secure form of t. TypeNone stays TypeNone.
func (t Type) WithSSL() Type {
	if t == TypeNone || t.Secure() {
		return t
	}
	return t - TypeTCP + TypeSSLTCP
}

// Types returns every supported variant, in tag order.
func Types() []Type {
	var types []Type
	for t := TypeTCP; t < numTypes; t++ {
		if t.Supported() {
			types = append(types, t)
		}
	}
	return types
}

// ParseType accepts a display name ("SSL/uTP") or a lower-case alias
// ("tcp", "socks5", "http", "utp", "i2p", optionally prefixed with
// "ssl/" or "ssl-").
func ParseType(s string) (Type, error) {
	for t := TypeTCP; t < numTypes; t++ {
		if typeNames[t] != "" && typeNames[t] == s {
			return t, nil
		}
	}

	name := strings.ToLower(s)
	secure := false
	for _, prefix := range []string{"ssl/", "ssl-", "tls/", "tls-"} {
		if strings.HasPrefix(name, prefix) {
			name = strings.TrimPrefix(name, prefix)
			secure = true
			break
		}
	}

	var t Type
	switch name {
	case "tcp", "plain":
		t = TypeTCP
	case "socks5", "socks":
		t = TypeSOCKS5
	case "http":
		t = TypeHTTP
	case "utp", "udp":
		t = TypeUTP
	case "i2p":
		t = TypeI2P
	default:
		return TypeNone, fmt.Errorf("unknown socket type %q", s)
	}
	if secure {
		t = t.WithSSL()
	}
	if !t.Supported() {
		return TypeNone, fmt.Errorf("socket type %q not supported by this build", s)
	}
	return t, nil
}
