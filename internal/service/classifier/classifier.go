// Package classifier turns opaque backend error strings into stable
// categories and fixed, user-facing messages.
package classifier

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	goahocorasick "github.com/anknown/ahocorasick"
	"github.com/samber/lo"
)

// Category is a stable error class shown to the user instead of backend wording.
type Category string

const (
	AuthError          Category = "AuthError"
	RateLimit          Category = "RateLimit"
	ServiceUnavailable Category = "ServiceUnavailable"
	NetworkError       Category = "NetworkError"
	Unknown            Category = "Unknown"

	PermissionDenied  Category = "PermissionDenied"
	ClipTooShort      Category = "ClipTooShort"
	MalformedResponse Category = "MalformedResponse"
)

// Fixed user-facing messages.
const (
	MessageAuth               = "API key configuration error. Please contact support."
	MessageRateLimit          = "Service is busy. Please try again in a moment."
	MessageServiceUnavailable = "AI service is temporarily unavailable. Please try again later."
	MessageNetwork            = "Connection error. Please check your internet connection."
	MessageTransport          = "Network error. Please check your connection."
	MessageGenericResponse    = "Sorry, there was an error getting a response."
	MessageTranscribeFailed   = "Failed to transcribe audio. Please try again."
	MessagePermissionDenied   = "Microphone access denied. Please allow microphone permissions."
	MessageClipTooShort       = "Recording too short. Please speak longer."
	MessageNoSpeech           = "Could not understand the audio. Please try again."

	unknownPrefix = "Error: "
	unknownRaw    = "Unknown error"
)

// Error is a classified backend failure.
type Error struct {
	Category    Category
	UserMessage string
	Raw         string
}

// New builds an Error, falling back to Unknown and a generic message
// when either part is missing.
func New(category Category, userMessage, raw string) *Error {
	if category == "" {
		category = Unknown
	}
	if strings.TrimSpace(userMessage) == "" {
		userMessage = MessageGenericResponse
	}
	return &Error{Category: category, UserMessage: userMessage, Raw: raw}
}

func (e *Error) Error() string {
	if e.Raw != "" {
		return fmt.Sprintf("%s: %s", e.Category, e.Raw)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.UserMessage)
}

// Rule maps any of its markers to a category and message.
type Rule struct {
	Category Category
	Markers  []string
	Message  string
}

// DefaultRules returns the built-in rules in priority order.
func DefaultRules() []Rule {
	return []Rule{
		{
			Category: AuthError,
			Markers:  []string{"invalid groq api key", "invalid api key", "unauthorized", "authentication"},
			Message:  MessageAuth,
		},
		{
			Category: RateLimit,
			Markers:  []string{"rate limit", "quota", "too many requests"},
			Message:  MessageRateLimit,
		},
		{
			Category: ServiceUnavailable,
			Markers:  []string{"groq api error", "upstream api error", "service unavailable", "bad gateway"},
			Message:  MessageServiceUnavailable,
		},
		{
			Category: NetworkError,
			Markers:  []string{"network error", "connection refused", "connection reset", "no such host"},
			Message:  MessageNetwork,
		},
	}
}

type compiledRule struct {
	Rule
	matcher *goahocorasick.Machine
}

// Classifier evaluates rules in order; the first rule with a matching marker wins.
type Classifier struct {
	rules []compiledRule
}

// NewClassifier compiles one Aho-Corasick automaton per rule.
func NewClassifier(rules []Rule) (*Classifier, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		if rule.Category == "" {
			return nil, errors.New("classifier rule without category")
		}

		markers := lo.Uniq(lo.FilterMap(rule.Markers, func(marker string, _ int) (string, bool) {
			marker = strings.ToLower(strings.TrimSpace(marker))
			return marker, marker != ""
		}))
		if len(markers) == 0 {
			continue
		}
		// the double-array trie under the matcher expects sorted keys
		sort.Strings(markers)
		patterns := lo.Map(markers, func(marker string, _ int) []rune {
			return []rune(marker)
		})

		m := new(goahocorasick.Machine)
		if err := m.Build(patterns); err != nil {
			return nil, fmt.Errorf("build matcher for %s: %w", rule.Category, err)
		}
		compiled = append(compiled, compiledRule{Rule: rule, matcher: m})
	}
	return &Classifier{rules: compiled}, nil
}

// Classify maps a raw backend message to a category. It never returns nil
// and never returns an empty user message.
func (c *Classifier) Classify(raw string) *Error {
	content := []rune(strings.ToLower(raw))
	if c != nil && len(content) > 0 {
		for _, rule := range c.rules {
			if len(rule.matcher.MultiPatternSearch(content, true)) > 0 {
				return New(rule.Category, rule.Message, raw)
			}
		}
	}

	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		trimmed = unknownRaw
	}
	return New(Unknown, unknownPrefix+trimmed, raw)
}

var defaultClassifier = mustDefault()

func mustDefault() *Classifier {
	c, err := NewClassifier(DefaultRules())
	if err != nil {
		panic(err)
	}
	return c
}

// Classify runs the default rules.
func Classify(raw string) *Error {
	return defaultClassifier.Classify(raw)
}

// FromError returns err as a classified error, classifying its text when it
// is not one already. A nil err yields nil.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}
	return Classify(err.Error())
}
