package messaging

import (
	"fmt"
	"net/url"
	"strings"
)

// Address kinds
const (
	KindExchange = "exchange"
	KindQueue    = "queue"
)

// Address is a parsed transport address of the form
// scheme://host/kind/name
type Address struct {
	Scheme string
	Host   string
	Kind   string
	Name   string
}

// String formats the address
func (a Address) String() string {
	return FormatAddress(a.Scheme, a.Host, a.Kind, a.Name)
}

// FormatAddress builds an address string
func FormatAddress(scheme, host, kind, name string) string {
	return fmt.Sprintf("%s://%s/%s/%s", scheme, host, kind, url.PathEscape(name))
}

// ParseAddress parses an address produced by FormatAddress
func ParseAddress(raw string) (Address, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", raw, err)
	}
	path := strings.TrimPrefix(u.EscapedPath(), "/")
	kind, name, ok := strings.Cut(path, "/")
	if !ok || name == "" || (kind != KindExchange && kind != KindQueue) {
		return Address{}, fmt.Errorf("invalid address %q: expected /exchange/<name> or /queue/<name>", raw)
	}
	unescaped, err := url.PathUnescape(name)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", raw, err)
	}
	return Address{Scheme: u.Scheme, Host: u.Host, Kind: kind, Name: unescaped}, nil
}
