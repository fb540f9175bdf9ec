package screen

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Config lists the patterns a Screener rejects. Path patterns are regular
// expressions; user agent patterns are case-insensitive substrings.
type Config struct {
	PathPatterns      []string `yaml:"path_patterns"`
	UserAgentPatterns []string `yaml:"user_agent_patterns"`
}

func (c Config) WithPathPatterns(patterns ...string) Config {
	c.PathPatterns = append(append([]string(nil), c.PathPatterns...), patterns...)
	return c
}

func (c Config) WithUserAgentPatterns(patterns ...string) Config {
	c.UserAgentPatterns = append(append([]string(nil), c.UserAgentPatterns...), patterns...)
	return c
}

type Kind int

const (
	MaliciousPath Kind = iota + 1
	MaliciousUserAgent
)

func (k Kind) String() string {
	switch k {
	case MaliciousPath:
		return "malicious_path"
	case MaliciousUserAgent:
		return "malicious_user_agent"
	default:
		return "unknown"
	}
}

// Reason tells which pattern flagged a request.
type Reason struct {
	Kind    Kind
	Pattern string // as configured
}

func (r Reason) String() string {
	switch r.Kind {
	case MaliciousPath:
		return "malicious path pattern: " + r.Pattern
	case MaliciousUserAgent:
		return "malicious user agent: " + r.Pattern
	default:
		return "unknown: " + r.Pattern
	}
}

// PatternError reports the pattern that failed to compile.
type PatternError struct {
	Kind    Kind
	Index   int
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("screen: invalid %s pattern #%d %q: %v", e.Kind, e.Index, e.Pattern, e.Err)
}

func (e *PatternError) Unwrap() error { return e.Err }

var errEmptyPattern = errors.New("empty pattern")

type pathRule struct {
	raw string
	re  *regexp.Regexp
}

type uaRule struct {
	raw   string
	lower string
}

// Screener flags requests that look like scanning or attack traffic.
// It is immutable and safe for concurrent use.
type Screener struct {
	paths []pathRule
	uas   []uaRule
}

// New compiles every pattern in cfg. Any invalid pattern fails the whole
// construction.
func New(cfg Config) (*Screener, error) {
	s := &Screener{
		paths: make([]pathRule, 0, len(cfg.PathPatterns)),
		uas:   make([]uaRule, 0, len(cfg.UserAgentPatterns)),
	}
	for i, p := range cfg.PathPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, &PatternError{Kind: MaliciousPath, Index: i, Pattern: p, Err: err}
		}
		s.paths = append(s.paths, pathRule{raw: p, re: re})
	}
	for i, p := range cfg.UserAgentPatterns {
		if strings.TrimSpace(p) == "" {
			return nil, &PatternError{Kind: MaliciousUserAgent, Index: i, Pattern: p, Err: errEmptyPattern}
		}
		s.uas = append(s.uas, uaRule{raw: p, lower: strings.ToLower(p)})
	}
	return s, nil
}

// Check returns the first matching reason, trying path patterns before user
// agent patterns, or false when the request looks clean.
func (s *Screener) Check(path, userAgent string) (Reason, bool) {
	if s == nil {
		return Reason{}, false
	}
	for _, r := range s.paths {
		if r.re.MatchString(path) {
			return Reason{Kind: MaliciousPath, Pattern: r.raw}, true
		}
	}
	if len(s.uas) == 0 || userAgent == "" {
		return Reason{}, false
	}
	ua := strings.ToLower(userAgent)
	for _, r := range s.uas {
		if strings.Contains(ua, r.lower) {
			return Reason{Kind: MaliciousUserAgent, Pattern: r.raw}, true
		}
	}
	return Reason{}, false
}

// Len reports the number of path and user agent rules.
func (s *Screener) Len() (paths, userAgents int) {
	if s == nil {
		return 0, 0
	}
	return len(s.paths), len(s.uas)
}
