package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// OutcomeKind is the stable tag of an Outcome variant
type OutcomeKind string

const (
	KindAllow    OutcomeKind = "allow"
	KindWarn     OutcomeKind = "warn"
	KindBlock    OutcomeKind = "block"
	KindHardStop OutcomeKind = "hard_stop"
)

// ErrorClass names why an evaluation could not proceed
type ErrorClass string

const (
	ClassIntegrityError  ErrorClass = "integrity_error"
	ClassMissingMetadata ErrorClass = "missing_metadata"
	ClassMalformedInput  ErrorClass = "malformed_input"
)

// SafetyInvariantRule is the rule ID reported when the built-in
// destructive-change invariant blocks a change
const SafetyInvariantRule = "safety_invariant"

// Outcome is the terminal classification of a decision.
// The set of implementations is closed: Allow, Warn, Block and HardStop.
type Outcome interface {
	Kind() OutcomeKind
	String() string
	outcome()
}

// Allow lets the change proceed
type Allow struct{}

// Warn lets the change proceed with a reason attached
type Warn struct {
	Reason string `json:"reason"`
}

// Block rejects the change because of a blocking rule or the safety invariant
type Block struct {
	RuleID string `json:"rule_id"`
}

// HardStop means the change could not be evaluated safely.
// It is never a policy decision.
type HardStop struct {
	ErrorClass ErrorClass `json:"error_class"`
	Detail     string     `json:"detail,omitempty"`
}

func (Allow) Kind() OutcomeKind    { return KindAllow }
func (Warn) Kind() OutcomeKind     { return KindWarn }
func (Block) Kind() OutcomeKind    { return KindBlock }
func (HardStop) Kind() OutcomeKind { return KindHardStop }

func (Allow) outcome()    {}
func (Warn) outcome()     {}
func (Block) outcome()    {}
func (HardStop) outcome() {}

func (Allow) String() string    { return "allow" }
func (w Warn) String() string   { return fmt.Sprintf("warn(%s)", w.Reason) }
func (b Block) String() string  { return fmt.Sprintf("block(%s)", b.RuleID) }
func (h HardStop) String() string {
	if h.Detail == "" {
		return fmt.Sprintf("hard_stop(%s)", h.ErrorClass)
	}
	return fmt.Sprintf("hard_stop(%s: %s)", h.ErrorClass, h.Detail)
}

// OutcomeVisitor handles every Outcome variant. Adding a variant adds a
// method here, so every implementation stops compiling until it handles it.
type OutcomeVisitor[T any] interface {
	VisitAllow(Allow) T
	VisitWarn(Warn) T
	VisitBlock(Block) T
	VisitHardStop(HardStop) T
}

// MatchOutcome dispatches o to the visitor method for its variant
func MatchOutcome[T any](o Outcome, v OutcomeVisitor[T]) T {
	switch x := o.(type) {
	case Allow:
		return v.VisitAllow(x)
	case *Allow:
		return v.VisitAllow(*x)
	case Warn:
		return v.VisitWarn(x)
	case *Warn:
		return v.VisitWarn(*x)
	case Block:
		return v.VisitBlock(x)
	case *Block:
		return v.VisitBlock(*x)
	case HardStop:
		return v.VisitHardStop(x)
	case *HardStop:
		return v.VisitHardStop(*x)
	}
	// Unreachable: the marker method is unexported.
	panic(fmt.Sprintf("types: unknown outcome %T", o))
}

type outcomeWire struct {
	Kind       OutcomeKind `json:"kind"`
	Reason     string      `json:"reason,omitempty"`
	RuleID     string      `json:"rule_id,omitempty"`
	ErrorClass ErrorClass  `json:"error_class,omitempty"`
	Detail     string      `json:"detail,omitempty"`
}

type wireVisitor struct{}

func (wireVisitor) VisitAllow(Allow) outcomeWire { return outcomeWire{Kind: KindAllow} }
func (wireVisitor) VisitWarn(w Warn) outcomeWire {
	return outcomeWire{Kind: KindWarn, Reason: w.Reason}
}
func (wireVisitor) VisitBlock(b Block) outcomeWire {
	return outcomeWire{Kind: KindBlock, RuleID: b.RuleID}
}
func (wireVisitor) VisitHardStop(h HardStop) outcomeWire {
	return outcomeWire{Kind: KindHardStop, ErrorClass: h.ErrorClass, Detail: h.Detail}
}

// EncodeOutcome returns the RFC 8785 canonical JSON form of o
func EncodeOutcome(o Outcome) ([]byte, error) {
	raw, err := json.Marshal(MatchOutcome[outcomeWire](o, wireVisitor{}))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal outcome: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize outcome: %w", err)
	}
	return canon, nil
}

// DecodeOutcome parses the encoding produced by EncodeOutcome
func DecodeOutcome(data []byte) (Outcome, error) {
	var w outcomeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to decode outcome: %w", err)
	}
	switch w.Kind {
	case KindAllow:
		return Allow{}, nil
	case KindWarn:
		return Warn{Reason: w.Reason}, nil
	case KindBlock:
		return Block{RuleID: w.RuleID}, nil
	case KindHardStop:
		return HardStop{ErrorClass: w.ErrorClass, Detail: w.Detail}, nil
	}
	return nil, fmt.Errorf("unknown outcome kind %q", w.Kind)
}

// Fingerprint is the hex SHA-256 of the canonical outcome encoding
func Fingerprint(o Outcome) (string, error) {
	canon, err := EncodeOutcome(o)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}
