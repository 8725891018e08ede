// Package classify tags free text with routing-relevant labels.
//
// Routing and provider selection only depend on the Classifier interface so a
// keyword matcher can later be swapped for a model-backed classifier.
package classify

import (
	"sort"
	"strings"
	"unicode"
)

// Tag is a label produced by a Classifier.
type Tag string

const (
	TagVision          Tag = "vision"
	TagFunctionCalling Tag = "function_calling"
	TagSecurity        Tag = "security"
	TagUI              Tag = "ui"
	TagComplex         Tag = "complex"
)

// Classifier derives tags from text.
type Classifier interface {
	Classify(text string) []Tag
}

// Keywords matches whole words (case-insensitive, plural "s" tolerated).
type Keywords map[Tag][]string

// Default is the keyword table used when no classifier is configured.
var Default Classifier = Keywords{
	TagVision:          {"screenshot", "image", "visual", "diagram", "mockup"},
	TagFunctionCalling: {"api", "function", "method", "endpoint", "service"},
	TagSecurity: {"security", "vulnerability", "exploit", "authentication",
		"authorization", "encryption", "compliance", "credential", "password", "cve"},
	TagUI: {"ui", "ux", "frontend", "css", "html", "layout", "component",
		"react", "button", "stylesheet"},
	TagComplex: {"architecture", "distributed", "scalability", "refactor",
		"migration", "concurrency", "complex"},
}

// Classify returns the matched tags in sorted order.
func (k Keywords) Classify(text string) []Tag {
	words := tokenize(text)
	if len(words) == 0 {
		return nil
	}
	var tags []Tag
	for tag, kws := range k {
		for _, kw := range kws {
			if words[kw] || words[kw+"s"] {
				tags = append(tags, tag)
				break
			}
		}
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

// Has reports whether tags contains t.
func Has(tags []Tag, t Tag) bool {
	for _, x := range tags {
		if x == t {
			return true
		}
	}
	return false
}

func tokenize(text string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(fields) == 0 {
		return nil
	}
	words := make(map[string]bool, len(fields))
	for _, f := range fields {
		words[f] = true
	}
	return words
}
