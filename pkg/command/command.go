// Package command is the unified Command Framework (spec.md ยง4.6, C6): one
// Command definition drives both ad-hoc (IQ) and chat (message) triggering,
// sharing field validation and access control.
package command

import (
	"context"
	"strings"

	"github.com/slidge-im/slidge-go/pkg/gaterr"
)

// Access enumerates who may invoke a Command (spec.md ยง4.6).
type Access int

const (
	AccessAdminOnly Access = iota
	AccessUser
	AccessUserLogged
	AccessUserNonLogged
	AccessNonUser
	AccessAny
)

// FieldType enumerates the XEP-0004 field types this framework supports
// (spec.md ยง4.6).
type FieldType string

const (
	FieldTextSingle  FieldType = "text-single"
	FieldTextPrivate FieldType = "text-private"
	FieldBoolean     FieldType = "boolean"
	FieldJIDSingle   FieldType = "jid-single"
	FieldJIDMulti    FieldType = "jid-multi"
	FieldListSingle  FieldType = "list-single"
	FieldListMulti   FieldType = "list-multi"
	FieldFixed       FieldType = "fixed"
)

// Option is one selectable value of a list-single/list-multi Field.
type Option struct {
	Label string
	Value string
}

// Field is one form field, shared by Form and Table responses.
type Field struct {
	Var      string
	Label    string
	Required bool
	Type     FieldType
	Value    string
	Options  []Option
	ImageURL string
}

func (f Field) acceptable(v string) bool {
	for _, o := range f.Options {
		if o.Value == v {
			return true
		}
	}
	return false
}

// Validate checks raw (the submitted string(s) for this field's var) against
// the field's type and constraints, returning the parsed value: a string, a
// bool, or a []string for *-multi types. Violations map to gaterr's
// KindBadRequest, which gaterr.ToCondition turns into the bad-request
// condition; no not-acceptable condition is produced.
func (f Field) Validate(raw []string) (any, error) {
	switch f.Type {
	case FieldListMulti, FieldJIDMulti:
		for _, v := range raw {
			if !f.acceptable(v) {
				return nil, gaterr.BadRequest("command: %q is not a valid option for %s", v, f.Var)
			}
		}
		return raw, nil
	}

	if len(raw) > 1 {
		return nil, gaterr.BadRequest("command: %s expects a single value", f.Var)
	}
	var v string
	if len(raw) == 1 {
		v = raw[0]
	}

	if f.Required && v == "" {
		return nil, gaterr.BadRequest("command: missing required field %q", f.Var)
	}
	if v == "" {
		return "", nil
	}

	switch f.Type {
	case FieldListSingle:
		if !f.acceptable(v) {
			return nil, gaterr.BadRequest("command: %q is not a valid option for %s", v, f.Var)
		}
	case FieldBoolean:
		lv := strings.ToLower(v)
		return lv == "1" || lv == "true", nil
	case FieldJIDSingle:
		if !strings.Contains(v, "@") && !strings.Contains(v, ".") {
			return nil, gaterr.BadRequest("command: %q is not a valid jid for %s", v, f.Var)
		}
	}
	return v, nil
}

// Values is a submitted form's validated field values, keyed by Field.Var.
type Values map[string]any

// Response is the terminal or continuing result of running a Command: one
// of TextResponse, *Form, *Confirmation, or *Table (spec.md ยง4.6).
type Response any

// TextResponse is a terminal plain-text reply. An empty string is a
// terminal no-output reply.
type TextResponse string

// Form requests structured input, then calls OnSubmit with the validated
// Values.
type Form struct {
	Title        string
	Instructions string
	Fields       []Field
	OnSubmit     func(ctx context.Context, values Values, inv *Invocation) (Response, error)
}

// Confirmation is a yes/no gate.
type Confirmation struct {
	Prompt  string
	OnYes   func(ctx context.Context, inv *Invocation) (Response, error)
	Success string // shown on yes if OnYes returns a nil Response
}

// Table is a structured result set (spec.md ยง4.6); JIDsAreMUCs flags
// whether jid-valued cells should be rendered as room references.
type Table struct {
	Description string
	Fields      []Field
	Rows        []map[string]string
	JIDsAreMUCs bool
}

// Invocation is the context a running Command receives: the resolved
// session (nil if the requester has no registered User), the requester's
// bare JID, and any trailing chat-trigger words.
type Invocation struct {
	Session any // *session.Session when non-nil; kept as `any` to avoid an import cycle
	From    string
	Args    []string
}

// Command is one gateway command, invocable via ad-hoc IQ (Node) and/or
// chat message (Trigger) (spec.md ยง4.6).
type Command struct {
	Name     string
	Help     string
	Node     string // ad-hoc node id, "" if chat-only
	Trigger  string // chat keyword, "" if ad-hoc-only
	Access   Access
	Category string
	Run      func(ctx context.Context, inv *Invocation) (Response, error)
}

// SessionLookup resolves a requester's access-control facts without
// pkg/command depending on pkg/session: whether a User row (and therefore a
// Session) exists for the bare JID, and whether that session is logged in
// to the legacy network.
type SessionLookup interface {
	Lookup(ctx context.Context, bareJID string) (exists, loggedIn bool)
}

// Authorizer decides whether a bare JID may talk to the gateway at all
// (spec.md ยง4.7's jid-validator regex) and whether it is a configured
// admin, independent of per-Command Access rules.
type Authorizer interface {
	GatewayAllowed(bareJID string) bool
	IsAdmin(bareJID string) bool
}

// Registry holds every registered Command, keyed by Node and Trigger.
type Registry struct {
	byNode    map[string]*Command
	byTrigger map[string]*Command
	all       []*Command
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byNode: make(map[string]*Command), byTrigger: make(map[string]*Command)}
}

// Register adds cmd, indexing it under its Node and/or Trigger (at least
// one must be set).
func (r *Registry) Register(cmd *Command) {
	r.all = append(r.all, cmd)
	if cmd.Node != "" {
		r.byNode[cmd.Node] = cmd
	}
	if cmd.Trigger != "" {
		r.byTrigger[cmd.Trigger] = cmd
	}
}

// ByNode looks up a command by its ad-hoc node id.
func (r *Registry) ByNode(node string) *Command { return r.byNode[node] }

// ByTrigger looks up a command by its chat keyword.
func (r *Registry) ByTrigger(trigger string) *Command { return r.byTrigger[trigger] }

// authorize runs the two-stage access check spec.md ยง4.6 describes:
// gateway-wide validator/admin gate, then per-Command Access rule. It never
// calls into cmd.Run.
func authorize(ctx context.Context, cmd *Command, bareJID string, lookup SessionLookup, az Authorizer) (exists bool, err error) {
	if !az.GatewayAllowed(bareJID) {
		return false, gaterr.BadRequest("command: %s is not allowed to use this gateway", bareJID)
	}
	exists, loggedIn := lookup.Lookup(ctx, bareJID)

	switch cmd.Access {
	case AccessAdminOnly:
		if !az.IsAdmin(bareJID) {
			return exists, gaterr.NotAuthorized("command: %s is admin-only", cmd.Name)
		}
	case AccessNonUser:
		if exists {
			return exists, gaterr.BadRequest("command: %s is only available before registering", cmd.Name)
		}
	case AccessUser:
		if !exists {
			return exists, gaterr.NotAuthorized("command: %s requires a registered user", cmd.Name)
		}
	case AccessUserLogged:
		if !exists || !loggedIn {
			return exists, gaterr.NotAuthorized("command: %s requires an active login", cmd.Name)
		}
	case AccessUserNonLogged:
		if !exists || loggedIn {
			return exists, gaterr.NotAuthorized("command: %s requires not being logged in", cmd.Name)
		}
	case AccessAny:
		// no further restriction
	}
	return exists, nil
}

// Invoke runs the access check then cmd.Run, never calling user code on a
// failed check (spec.md ยง4.6).
func Invoke(ctx context.Context, cmd *Command, bareJID string, args []string, lookup SessionLookup, az Authorizer, session any) (Response, error) {
	if _, err := authorize(ctx, cmd, bareJID, lookup, az); err != nil {
		return nil, err
	}
	return cmd.Run(ctx, &Invocation{Session: session, From: bareJID, Args: args})
}

// Visible filters r's commands down to those bareJID is authorized to see
// in the ad-hoc items list, without running any of them (spec.md ยง4.6's
// "empty filter result yields an empty item set, not an error").
func Visible(ctx context.Context, r *Registry, bareJID string, lookup SessionLookup, az Authorizer) []*Command {
	var out []*Command
	for _, cmd := range r.all {
		if cmd.Node == "" {
			continue // chat-only, not an ad-hoc item
		}
		if _, err := authorize(ctx, cmd, bareJID, lookup, az); err != nil {
			continue
		}
		out = append(out, cmd)
	}
	return out
}
