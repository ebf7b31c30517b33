package access

import (
	"math"
	"strings"

	"github.com/cockroachdb/errors"
)

// Operation is the kind of call being gated.
type Operation int

const (
	OpStore Operation = iota
	OpRetrieve
)

func (o Operation) String() string {
	switch o {
	case OpStore:
		return "store"
	case OpRetrieve:
		return "retrieve"
	default:
		return "unknown"
	}
}

func (o Operation) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// RuleType names the reason for a denial. It is also the key violations are
// counted under.
type RuleType string

const (
	RuleNonEmptyPayload RuleType = "non_empty_payload"
	RuleMaxPayloadBytes RuleType = "max_payload_bytes"
	RuleMaxResults      RuleType = "max_results"
	RuleMinImportance   RuleType = "min_importance"
	RuleRateExceeded    RuleType = "rate_exceeded"
	RuleDefensiveMode   RuleType = "defensive_mode_active"
)

// Request describes an operation awaiting authorization.
type Request struct {
	Op          Operation
	PayloadSize int
	Importance  float64 // already clamped
	MaxResults  int
}

// Kind tags the Rule variant.
type Kind int

const (
	KindNonEmptyPayload Kind = iota + 1
	KindMaxPayloadBytes
	KindMaxResults
	KindMinImportance
	KindCustom
)

// Rule is one entry of an ordered rule list. Built-in kinds read Limit;
// KindCustom calls Check.
type Rule struct {
	Kind  Kind
	Limit float64
	Name  string
	Check func(Request) bool
}

// NonEmptyPayload rejects stores with no payload bytes.
func NonEmptyPayload() Rule { return Rule{Kind: KindNonEmptyPayload} }

// MaxPayloadBytes rejects stores larger than n bytes.
func MaxPayloadBytes(n int) Rule { return Rule{Kind: KindMaxPayloadBytes, Limit: float64(n)} }

// MaxResults rejects retrieves asking for more than n results. A request for
// zero results means "default" and is never rejected.
func MaxResults(n int) Rule { return Rule{Kind: KindMaxResults, Limit: float64(n)} }

// MinImportance rejects stores whose clamped importance is below v.
func MinImportance(v float64) Rule { return Rule{Kind: KindMinImportance, Limit: v} }

// Custom wraps a caller predicate; name becomes the violation type.
func Custom(name string, check func(Request) bool) Rule {
	return Rule{Kind: KindCustom, Name: name, Check: check}
}

// ParseRule builds a built-in rule from its configuration name.
func ParseRule(kind string, limit float64) (Rule, error) {
	switch RuleType(strings.ToLower(kind)) {
	case RuleNonEmptyPayload:
		return NonEmptyPayload(), nil
	case RuleMaxPayloadBytes:
		if limit < 1 {
			return Rule{}, errors.Newf("%s needs a positive limit, got %v", kind, limit)
		}
		return MaxPayloadBytes(int(limit)), nil
	case RuleMaxResults:
		if limit < 1 {
			return Rule{}, errors.Newf("%s needs a positive limit, got %v", kind, limit)
		}
		return MaxResults(int(limit)), nil
	case RuleMinImportance:
		if math.IsNaN(limit) || limit < 0 {
			return Rule{}, errors.Newf("%s needs a non-negative limit, got %v", kind, limit)
		}
		return MinImportance(limit), nil
	}
	return Rule{}, errors.WithHint(
		errors.Newf("unknown rule kind %q", kind),
		"valid kinds: non_empty_payload, max_payload_bytes, max_results, min_importance",
	)
}

// Type is the violation type recorded when the rule fails.
func (r Rule) Type() RuleType {
	switch r.Kind {
	case KindNonEmptyPayload:
		return RuleNonEmptyPayload
	case KindMaxPayloadBytes:
		return RuleMaxPayloadBytes
	case KindMaxResults:
		return RuleMaxResults
	case KindMinImportance:
		return RuleMinImportance
	default:
		if r.Name == "" {
			return "custom"
		}
		return RuleType(r.Name)
	}
}

// Evaluate reports whether the request passes. Unknown kinds fail closed.
func (r Rule) Evaluate(req Request) bool {
	switch r.Kind {
	case KindNonEmptyPayload:
		return req.PayloadSize > 0
	case KindMaxPayloadBytes:
		return float64(req.PayloadSize) <= r.Limit
	case KindMaxResults:
		return req.MaxResults <= 0 || float64(req.MaxResults) <= r.Limit
	case KindMinImportance:
		return req.Importance >= r.Limit
	case KindCustom:
		return r.Check != nil && r.Check(req)
	default:
		return false
	}
}
