package entitlement

import (
	"regexp"
	"strings"

	"github.com/copperline/jitbroker/internal/errors"
)

// ActivationKind distinguishes the approval flows an eligibility can
// require
type ActivationKind uint8

const (
	KindNone ActivationKind = iota
	KindSelfApproval
	KindPeerApproval
	KindExternalApproval
)

func (k ActivationKind) String() string {
	switch k {
	case KindSelfApproval:
		return "SELF_APPROVAL"
	case KindPeerApproval:
		return "PEER_APPROVAL"
	case KindExternalApproval:
		return "EXTERNAL_APPROVAL"
	default:
		return "NONE"
	}
}

// topicPattern restricts topics to a single word so they survive being
// embedded in IAM condition expressions
var topicPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ValidTopic reports whether s is a usable topic segment
func ValidTopic(s string) bool {
	return topicPattern.MatchString(s)
}

// ActivationType is the approval flow required to activate an
// eligibility. Peer and external approvals may carry a topic that
// partitions reviewers; an empty topic matches any requested topic.
type ActivationType struct {
	Kind  ActivationKind
	Topic string
}

// None is the zero activation type, reported for conditions that carry
// no recognized eligibility
func None() ActivationType {
	return ActivationType{Kind: KindNone}
}

// SelfApproval is activation by the requesting user alone
func SelfApproval() ActivationType {
	return ActivationType{Kind: KindSelfApproval}
}

// PeerApproval is activation approved by a peer holding the same
// eligibility
func PeerApproval(topic string) ActivationType {
	return ActivationType{Kind: KindPeerApproval, Topic: topic}
}

// ExternalApproval is activation approved by a holder of the matching
// reviewer privilege
func ExternalApproval(topic string) ActivationType {
	return ActivationType{Kind: KindExternalApproval, Topic: topic}
}

// IsNone reports whether the type carries no eligibility
func (t ActivationType) IsNone() bool {
	return t.Kind == KindNone
}

// RequiresReviewers reports whether activation needs an approver other
// than the requesting user
func (t ActivationType) RequiresReviewers() bool {
	return t.Kind == KindPeerApproval || t.Kind == KindExternalApproval
}

// Matches reports whether an eligibility of type t satisfies a request
// for type requested. An empty stored topic acts as a wildcard; a
// non-empty stored topic must equal the requested topic exactly.
func (t ActivationType) Matches(requested ActivationType) bool {
	if t.Kind != requested.Kind {
		return false
	}
	return t.Topic == "" || t.Topic == requested.Topic
}

// String renders the type in its wire form, e.g. "PEER_APPROVAL" or
// "PEER_APPROVAL:deployments"
func (t ActivationType) String() string {
	if t.Topic == "" {
		return t.Kind.String()
	}
	return t.Kind.String() + ":" + t.Topic
}

// ParseActivationType parses the wire form produced by String
func ParseActivationType(s string) (ActivationType, error) {
	name, topic, hasTopic := strings.Cut(strings.TrimSpace(s), ":")

	var kind ActivationKind
	switch name {
	case "NONE":
		kind = KindNone
	case "SELF_APPROVAL":
		kind = KindSelfApproval
	case "PEER_APPROVAL":
		kind = KindPeerApproval
	case "EXTERNAL_APPROVAL":
		kind = KindExternalApproval
	default:
		return ActivationType{}, errors.MalformedRequestf("parse_activation_type", "unknown activation type %q", s)
	}

	if !hasTopic {
		return ActivationType{Kind: kind}, nil
	}
	if kind == KindNone || kind == KindSelfApproval {
		return ActivationType{}, errors.MalformedRequestf("parse_activation_type", "activation type %q cannot carry a topic", name)
	}
	if !ValidTopic(topic) {
		return ActivationType{}, errors.MalformedRequestf("parse_activation_type", "invalid topic %q", topic)
	}
	return ActivationType{Kind: kind, Topic: topic}, nil
}
