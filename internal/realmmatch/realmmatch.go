// Package realmmatch implements the ordered realm-rule matcher:
// first-match-wins, case-insensitive matching of a User-Name against
// literal "*", "/regex/", or domain-suffix patterns.
package realmmatch

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/radsecproxy/radsecproxy/internal/peers"
	"golang.org/x/net/idna"
)

// Rule is one compiled realm rule.
type Rule struct {
	Name         string
	pattern      *regexp.Regexp
	Server       *peers.Server // nil => no destination, synthesize Access-Reject
	ReplyMessage string        // optional, used on synthesized rejects; <= 253 bytes
}

// Table is the ordered, configuration-order list of realm rules.
type Table struct {
	rules []*Rule
}

func NewTable() *Table { return &Table{} }

func (t *Table) Add(r *Rule) { t.rules = append(t.rules, r) }

// Match evaluates username against every rule in configuration order and
// returns the first match. The second return value is false if no rule
// matched at all, in which case the caller must silently drop the
// request.
func (t *Table) Match(username string) (*Rule, bool) {
	for _, r := range t.rules {
		if r.pattern.MatchString(username) {
			return r, true
		}
	}
	return nil, false
}

// Compile builds a Rule from a raw pattern string taken from configuration:
//   - "*"            -> matches everything (terminal rule)
//   - "/regex/" or "/regex" -> the regex matched against the entire User-Name
//   - anything else  -> a domain literal, compiled to "@D$" with "." escaped
//
// Matching is always case-insensitive.
func Compile(name, rawPattern string, server *peers.Server, replyMessage string) (*Rule, error) {
	if len(replyMessage) > 253 {
		return nil, fmt.Errorf("realmmatch: ReplyMessage for realm %q exceeds 253 bytes", name)
	}

	var exprBody string
	switch {
	case rawPattern == "*":
		exprBody = ".*"
	case strings.HasPrefix(rawPattern, "/"):
		body := strings.TrimPrefix(rawPattern, "/")
		body = strings.TrimSuffix(body, "/")
		exprBody = body
	default:
		domain, err := normalizeDomain(rawPattern)
		if err != nil {
			return nil, fmt.Errorf("realmmatch: realm %q: %w", name, err)
		}
		exprBody = "@" + regexp.QuoteMeta(domain) + "$"
	}

	compiled, err := regexp.Compile("(?i)" + exprBody)
	if err != nil {
		return nil, fmt.Errorf("realmmatch: realm %q: invalid pattern %q: %w", name, rawPattern, err)
	}

	return &Rule{
		Name:         name,
		pattern:      compiled,
		Server:       server,
		ReplyMessage: replyMessage,
	}, nil
}

// normalizeDomain case-folds and Punycode-normalizes a domain literal
// before it is escaped and compiled, so an internationalized realm
// (e.g. a Unicode mail domain) compares the same way a real mail relay
// or AAA server would normalize it. Domains that are not valid
// internationalized labels pass through unchanged (ASCII domain
// literals, the overwhelmingly common case, come back from ToASCII
// only lower-cased).
func normalizeDomain(domain string) (string, error) {
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		// Not a strict IDNA label (e.g. contains a literal regex-ish
		// character some deployments still put in a "domain" rule) -
		// fall back to the raw literal rather than rejecting the rule.
		return domain, nil
	}
	return ascii, nil
}
