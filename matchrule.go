package dbus

import (
	"fmt"
	"strings"
)

// MatchRule matches messages by type, sender, path, interface, member
// and first body argument. Empty fields match anything.
type MatchRule struct {
	Type      MessageType
	Sender    string
	Path      ObjectPath
	Interface string
	Member    string
	Arg0      string

	// senderNameOwner tracks the current unique-name owner when Sender
	// is a well-known name, so signals from the owner still match.
	senderNameOwner string
}

// String renders the rule in the bus daemon's match-rule syntax.
func (p *MatchRule) String() string {
	params := make([]string, 0, 6)
	if p.Type != TypeInvalid {
		params = append(params, fmt.Sprintf("type='%s'", p.Type))
	}
	if p.Sender != "" {
		params = append(params, fmt.Sprintf("sender='%s'", p.Sender))
	}
	if p.Path != "" {
		params = append(params, fmt.Sprintf("path='%s'", p.Path))
	}
	if p.Interface != "" {
		params = append(params, fmt.Sprintf("interface='%s'", p.Interface))
	}
	if p.Member != "" {
		params = append(params, fmt.Sprintf("member='%s'", p.Member))
	}
	if p.Arg0 != "" {
		params = append(params, fmt.Sprintf("arg0='%s'", p.Arg0))
	}
	return strings.Join(params, ",")
}

// Match reports whether msg satisfies the rule.
func (p *MatchRule) Match(msg *Message) bool {
	if p.Type != TypeInvalid && p.Type != msg.Type {
		return false
	}
	if p.Sender != "" &&
		p.Sender != msg.Sender && p.senderNameOwner != msg.Sender {
		return false
	}
	if p.Path != "" && p.Path != msg.Path {
		return false
	}
	if p.Interface != "" && p.Interface != msg.Iface {
		return false
	}
	if p.Member != "" && p.Member != msg.Member {
		return false
	}
	if p.Arg0 != "" {
		if len(msg.Sig) == 0 || msg.Sig[0] != 's' {
			return false
		}
		args, err := msg.AllArgs()
		if err != nil || len(args) == 0 {
			return false
		}
		if s, ok := args[0].(string); !ok || s != p.Arg0 {
			return false
		}
	}
	return true
}
