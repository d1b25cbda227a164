// Package routing decides, per incoming message, whether triage goes
// through the classify/draft pipeline or an agent profile. Rules are
// config-driven; the first matching rule wins.
package routing

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	yaml "gopkg.in/yaml.v2"
)

const (
	RoutePipeline = "pipeline"
	RouteAgent    = "agent"
)

// Match holds the criteria of one rule. All present criteria must hold.
type Match struct {
	All             bool              `yaml:"all"`
	ForwardedFrom   string            `yaml:"forwarded_from"`
	SenderDomain    string            `yaml:"sender_domain"`
	SenderEmail     string            `yaml:"sender_email"`
	SubjectContains string            `yaml:"subject_contains"`
	HeaderMatch     map[string]string `yaml:"header_match"`
}

func (m Match) empty() bool {
	return !m.All && m.ForwardedFrom == "" && m.SenderDomain == "" &&
		m.SenderEmail == "" && m.SubjectContains == "" && len(m.HeaderMatch) == 0
}

// Rule routes matching messages to a destination.
type Rule struct {
	Name    string `yaml:"name"`
	Route   string `yaml:"route"`
	Profile string `yaml:"profile"`
	Match   Match  `yaml:"match"`
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// MessageMeta is what a rule can see of an incoming message.
type MessageMeta struct {
	SenderEmail string
	Subject     string
	Body        string
	Headers     map[string]string
}

// Decision names the winning route.
type Decision struct {
	Route    string
	Profile  string
	RuleName string
}

type compiledRule struct {
	rule          Rule
	headerRegexps map[string]*regexp.Regexp
}

// Router evaluates ordered rules; unmatched messages go to the pipeline.
type Router struct {
	rules  []compiledRule
	logger zerolog.Logger
}

// NewRouter compiles the rule list. Bad route names or header regexes
// are config errors and fail fast.
func NewRouter(rules []Rule, logger zerolog.Logger) (*Router, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if r.Route != RoutePipeline && r.Route != RouteAgent {
			return nil, fmt.Errorf("rule %q: unknown route %q", r.Name, r.Route)
		}
		if r.Route == RouteAgent && r.Profile == "" {
			return nil, fmt.Errorf("rule %q: agent route requires a profile", r.Name)
		}
		cr := compiledRule{rule: r}
		if len(r.Match.HeaderMatch) > 0 {
			cr.headerRegexps = make(map[string]*regexp.Regexp, len(r.Match.HeaderMatch))
			for header, pattern := range r.Match.HeaderMatch {
				re, err := regexp.Compile("(?i)" + pattern)
				if err != nil {
					return nil, fmt.Errorf("rule %q: header %s: %w", r.Name, header, err)
				}
				cr.headerRegexps[header] = re
			}
		}
		compiled = append(compiled, cr)
	}
	return &Router{rules: compiled, logger: logger}, nil
}

// LoadRules reads the routing rules YAML and builds a router.
func LoadRules(path string, logger zerolog.Logger) (*Router, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No rules file: everything goes to the pipeline.
			return NewRouter(nil, logger)
		}
		return nil, err
	}

	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse routing rules: %w", err)
	}
	return NewRouter(file.Rules, logger)
}

// Route returns the first matching rule's decision, defaulting to the
// pipeline.
func (r *Router) Route(meta MessageMeta) Decision {
	for _, cr := range r.rules {
		if cr.matches(meta) {
			r.logger.Debug().
				Str("rule", cr.rule.Name).
				Str("route", cr.rule.Route).
				Str("profile", cr.rule.Profile).
				Str("sender", meta.SenderEmail).
				Msg("routing rule matched")
			return Decision{Route: cr.rule.Route, Profile: cr.rule.Profile, RuleName: cr.rule.Name}
		}
	}
	return Decision{Route: RoutePipeline, RuleName: "default"}
}

func (cr compiledRule) matches(meta MessageMeta) bool {
	m := cr.rule.Match
	if m.empty() {
		return false
	}
	if m.All {
		return true
	}

	sender := strings.ToLower(meta.SenderEmail)

	// forwarded_from is a disjunction over the places a forwarder can
	// leave the original sender.
	if m.ForwardedFrom != "" {
		target := strings.ToLower(m.ForwardedFrom)
		if strings.Contains(strings.ToLower(header(meta, "X-Forwarded-From")), target) {
			return true
		}
		if target == sender {
			return true
		}
		if strings.Contains(strings.ToLower(header(meta, "Reply-To")), target) {
			return true
		}
		return strings.Contains(strings.ToLower(meta.Body), target)
	}

	if m.SenderDomain != "" {
		at := strings.LastIndex(sender, "@")
		if at < 0 || sender[at+1:] != strings.ToLower(m.SenderDomain) {
			return false
		}
	}

	if m.SenderEmail != "" && sender != strings.ToLower(m.SenderEmail) {
		return false
	}

	if m.SubjectContains != "" &&
		!strings.Contains(strings.ToLower(meta.Subject), strings.ToLower(m.SubjectContains)) {
		return false
	}

	for headerName, re := range cr.headerRegexps {
		if !re.MatchString(header(meta, headerName)) {
			return false
		}
	}

	return true
}

func header(meta MessageMeta, name string) string {
	if meta.Headers == nil {
		return ""
	}
	return meta.Headers[name]
}
