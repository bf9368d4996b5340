// Package template fills {{param}} placeholders in swarm input commands
// with values pulled out of a free-form task message.
package template

import (
	"regexp"
	"strings"
)

var (
	placeholderRe = regexp.MustCompile(`\{\{(\w+)\}\}`)
	repoRe        = regexp.MustCompile(`\b([\w.-]+/[\w.-]+)\b`)
	numberRe      = regexp.MustCompile(`\b(\d{2,})\b`)
	backtickRe    = regexp.MustCompile("`([^`]+)`")
)

// Strategy resolves a single parameter from free text.
type Strategy struct {
	Name    string
	Resolve func(param, text string) (string, bool)
}

// Strategies are tried in order for every parameter; the first hit wins.
var Strategies = []Strategy{
	{Name: "key-value", Resolve: keyValue},
	{Name: "repo", Resolve: repo},
	{Name: "limit", Resolve: limit},
}

// Resolve substitutes each distinct placeholder in tmpl with a value taken
// from text. When a parameter cannot be resolved and text holds a
// backtick-quoted command, that command replaces the whole result; this
// triggers on the first unresolved parameter, in placeholder order.
func Resolve(tmpl, text string) string {
	params := Params(tmpl)
	if len(params) == 0 {
		return tmpl
	}

	out := tmpl
	for _, param := range params {
		value, ok := resolveParam(param, text)
		if !ok {
			if cmd, ok := Backtick(text); ok {
				return cmd
			}
			continue
		}
		out = strings.Replace(out, "{{"+param+"}}", value, 1)
	}
	return out
}

// Params lists distinct placeholder names in first-occurrence order.
func Params(tmpl string) []string {
	matches := placeholderRe.FindAllStringSubmatch(tmpl, -1)
	seen := make(map[string]bool, len(matches))
	var params []string
	for _, m := range matches {
		if seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		params = append(params, m[1])
	}
	return params
}

func resolveParam(param, text string) (string, bool) {
	for _, s := range Strategies {
		if v, ok := s.Resolve(param, text); ok {
			return v, true
		}
	}
	return "", false
}

func keyValue(param, text string) (string, bool) {
	re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(param) + `=["']?([^\s"']+)["']?`)
	if err != nil {
		return "", false
	}
	m := re.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func repo(param, text string) (string, bool) {
	if !strings.EqualFold(param, "repo") {
		return "", false
	}
	m := repoRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func limit(param, text string) (string, bool) {
	if !strings.EqualFold(param, "limit") {
		return "", false
	}
	m := numberRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Backtick returns the first backtick-quoted substring of text.
func Backtick(text string) (string, bool) {
	m := backtickRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}
