package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/slidge-im/slidge-go/pkg/command"
	"github.com/slidge-im/slidge-go/pkg/gaterr"
	"github.com/slidge-im/slidge-go/pkg/session"
)

// Categories, mirroring the grouping the chat/ad-hoc command table uses
// upstream (contacts vs. groups vs. gateway administration).
const (
	categoryContacts = "Contacts"
	categoryGroups   = "Groups"
	categoryAdmin    = "Admin"
)

// sessionOf extracts the concrete *session.Session an Invocation carries,
// or nil when the requester has no registered user (spec.md ยง4.6's
// Invocation.Session is `any` to avoid pkg/command depending on pkg/session).
func sessionOf(inv *command.Invocation) *session.Session {
	s, _ := inv.Session.(*session.Session)
	return s
}

// registerBuiltinCommands wires the user- and admin-facing Commands onto
// reg, grounded on the original gateway's slidge/command/{user,admin,register}.py
// modules, including the register/unregister Commands whose forms are
// driven by pkg/register.Registrar.
func (g *Gateway) registerBuiltinCommands(reg *command.Registry) {
	reg.Register(&command.Command{
		Name:     "Register to the gateway",
		Help:     "Link your JID to this gateway",
		Node:     "jabber:iq:register",
		Trigger:  "register",
		Access:   command.AccessNonUser,
		Category: categoryAdmin,
		Run: func(ctx context.Context, inv *command.Invocation) (command.Response, error) {
			return g.registrar.Start(), nil
		},
	})

	reg.Register(&command.Command{
		Name:     "Unregister from the gateway",
		Help:     "Remove your account and all its data from this gateway",
		Node:     "jabber:iq:unregister",
		Trigger:  "unregister",
		Access:   command.AccessUser,
		Category: categoryAdmin,
		Run: func(ctx context.Context, inv *command.Invocation) (command.Response, error) {
			return &command.Confirmation{
				Prompt:  "Are you sure you want to unregister from this gateway? This cannot be undone.",
				Success: "You have been unregistered.",
				OnYes: func(ctx context.Context, inv *command.Invocation) (command.Response, error) {
					return nil, g.unregisterUser(ctx, inv.From)
				},
			}, nil
		},
	})

	reg.Register(&command.Command{
		Name:     "Re-login to the legacy network",
		Help:     "Reconnect to the legacy service after a failed or dropped login",
		Node:     "re-login",
		Trigger:  "re-login",
		Access:   command.AccessUserNonLogged,
		Category: categoryAdmin,
		Run: func(ctx context.Context, inv *command.Invocation) (command.Response, error) {
			s := sessionOf(inv)
			if s == nil {
				return nil, gaterr.NotFound("command: no session for %s", inv.From)
			}
			if err := g.sessions.StartLogin(ctx, s); err != nil {
				return nil, gaterr.Internal(err, "command: re-login")
			}
			return command.TextResponse("Re-login initiated"), nil
		},
	})

	reg.Register(&command.Command{
		Name:     "Log out of the legacy network",
		Help:     "Disconnect from the legacy service without unregistering",
		Node:     "logout",
		Trigger:  "logout",
		Access:   command.AccessUserLogged,
		Category: categoryAdmin,
		Run: func(ctx context.Context, inv *command.Invocation) (command.Response, error) {
			s := sessionOf(inv)
			if s == nil {
				return nil, gaterr.NotFound("command: no session for %s", inv.From)
			}
			if err := g.sessions.Logout(ctx, s); err != nil {
				return nil, gaterr.Internal(err, "command: logout")
			}
			return command.TextResponse("Logged out"), nil
		},
	})

	reg.Register(&command.Command{
		Name:     "Search for contacts",
		Help:     "Search for contacts on the legacy network via this gateway",
		Node:     "search",
		Trigger:  "find",
		Access:   command.AccessUserLogged,
		Category: categoryContacts,
		Run: func(ctx context.Context, inv *command.Invocation) (command.Response, error) {
			s := sessionOf(inv)
			if s == nil {
				return nil, gaterr.NotFound("command: no session for %s", inv.From)
			}
			if len(inv.Args) > 0 {
				return g.runSearch(ctx, s, strings.Join(inv.Args, " "))
			}
			return &command.Form{
				Title:        "Search",
				Instructions: "Enter search terms",
				Fields:       []command.Field{{Var: "query", Label: "Query", Required: true}},
				OnSubmit: func(ctx context.Context, values command.Values, inv *command.Invocation) (command.Response, error) {
					q, _ := values["query"].(string)
					return g.runSearch(ctx, sessionOf(inv), q)
				},
			}, nil
		},
	})

	reg.Register(&command.Command{
		Name:     "List your legacy contacts",
		Help:     "List your legacy contacts known to this gateway",
		Node:     "contacts",
		Trigger:  "contacts",
		Access:   command.AccessUserLogged,
		Category: categoryContacts,
		Run: func(ctx context.Context, inv *command.Invocation) (command.Response, error) {
			s := sessionOf(inv)
			if s == nil {
				return nil, gaterr.NotFound("command: no session for %s", inv.From)
			}
			contacts, err := g.store.Contacts.All(ctx, s.User.PK)
			if err != nil {
				return nil, gaterr.Internal(err, "command: list contacts")
			}
			sort.Slice(contacts, func(i, j int) bool {
				return strings.ToLower(contacts[i].Nickname) < strings.ToLower(contacts[j].Nickname)
			})
			rows := make([]map[string]string, 0, len(contacts))
			for _, c := range contacts {
				rows = append(rows, map[string]string{"name": c.Nickname, "jid": c.JID})
			}
			return &command.Table{
				Description: "Your contacts",
				Fields:      []command.Field{{Var: "name", Label: "Name"}, {Var: "jid", Label: "JID", Type: command.FieldJIDSingle}},
				Rows:        rows,
			}, nil
		},
	})

	reg.Register(&command.Command{
		Name:     "List your legacy groups",
		Help:     "List your legacy groups known to this gateway",
		Node:     "groups",
		Trigger:  "groups",
		Access:   command.AccessUserLogged,
		Category: categoryGroups,
		Run: func(ctx context.Context, inv *command.Invocation) (command.Response, error) {
			s := sessionOf(inv)
			if s == nil {
				return nil, gaterr.NotFound("command: no session for %s", inv.From)
			}
			rooms, err := g.store.Rooms.All(ctx, s.User.PK)
			if err != nil {
				return nil, gaterr.Internal(err, "command: list groups")
			}
			sort.Slice(rooms, func(i, j int) bool {
				return strings.ToLower(rooms[i].Name) < strings.ToLower(rooms[j].Name)
			})
			rows := make([]map[string]string, 0, len(rooms))
			for _, r := range rooms {
				rows = append(rows, map[string]string{"name": r.Name, "jid": r.JID})
			}
			return &command.Table{
				Description: "Your groups",
				Fields:      []command.Field{{Var: "name", Label: "Name"}, {Var: "jid", Label: "JID", Type: command.FieldJIDSingle}},
				Rows:        rows,
				JIDsAreMUCs: true,
			}, nil
		},
	})

	reg.Register(&command.Command{
		Name:     "New legacy group",
		Help:     "Create a group on the legacy service",
		Node:     "create-group",
		Trigger:  "create-group",
		Access:   command.AccessUserLogged,
		Category: categoryGroups,
		Run: func(ctx context.Context, inv *command.Invocation) (command.Response, error) {
			return &command.Form{
				Title:        "Create a new group",
				Instructions: "Name the group and list invitee legacy JIDs, one per line",
				Fields: []command.Field{
					{Var: "name", Label: "Group name", Required: true},
					{Var: "invitees", Label: "Invitees", Type: command.FieldJIDMulti},
				},
				OnSubmit: func(ctx context.Context, values command.Values, inv *command.Invocation) (command.Response, error) {
					s := sessionOf(inv)
					if s == nil {
						return nil, gaterr.NotFound("command: no session for %s", inv.From)
					}
					name, _ := values["name"].(string)
					invitees, _ := values["invitees"].([]string)
					legacyID, err := s.Adapter.OnCreateGroup(ctx, s.User, name, invitees)
					if err != nil {
						return nil, err
					}
					return command.TextResponse(fmt.Sprintf("Group %q created (%s)", name, legacyID)), nil
				},
			}, nil
		},
	})

	reg.Register(&command.Command{
		Name:     "List registered users",
		Help:     "List every user registered to this gateway",
		Node:     "info",
		Trigger:  "info",
		Access:   command.AccessAdminOnly,
		Category: categoryAdmin,
		Run: func(ctx context.Context, inv *command.Invocation) (command.Response, error) {
			users, err := g.store.Users.All(ctx)
			if err != nil {
				return nil, gaterr.Internal(err, "command: list users")
			}
			rows := make([]map[string]string, 0, len(users))
			for _, u := range users {
				joined := ""
				if !u.RegistrationDate.IsZero() {
					joined = u.RegistrationDate.Format("2006-01-02T15:04:05Z07:00")
				}
				rows = append(rows, map[string]string{"jid": u.BareJID, "joined": joined})
			}
			return &command.Table{
				Description: "Registered users",
				Fields:      []command.Field{{Var: "jid", Label: "JID", Type: command.FieldJIDSingle}, {Var: "joined", Label: "Joined"}},
				Rows:        rows,
			}, nil
		},
	})

	reg.Register(&command.Command{
		Name:     "Delete a user",
		Help:     "Unregister a user from the gateway",
		Node:     "delete_user",
		Trigger:  "delete_user",
		Access:   command.AccessAdminOnly,
		Category: categoryAdmin,
		Run: func(ctx context.Context, inv *command.Invocation) (command.Response, error) {
			return &command.Form{
				Title:        "Remove a gateway user",
				Instructions: "Enter the bare JID of the user you want to delete",
				Fields:       []command.Field{{Var: "jid", Label: "JID", Type: command.FieldJIDSingle, Required: true}},
				OnSubmit: func(ctx context.Context, values command.Values, inv *command.Invocation) (command.Response, error) {
					target, _ := values["jid"].(string)
					user, err := g.store.Users.Get(ctx, target)
					if err != nil {
						return nil, gaterr.Internal(err, "command: look up %s", target)
					}
					if user == nil {
						return nil, gaterr.NotFound("command: no user %q", target)
					}
					return &command.Confirmation{
						Prompt:  fmt.Sprintf("Are you sure you want to unregister %q from this gateway?", target),
						Success: fmt.Sprintf("User %s has been deleted", target),
						OnYes: func(ctx context.Context, inv *command.Invocation) (command.Response, error) {
							return nil, g.unregisterUser(ctx, target)
						},
					}, nil
				},
			}, nil
		},
	})
}

// runSearch drives the adapter's OnSearch hook for the ad-hoc "search"
// command (spec.md ยง6,
// grounded on slidge/command/user.py's Search.search).
func (g *Gateway) runSearch(ctx context.Context, s *session.Session, query string) (command.Response, error) {
	if s == nil {
		return nil, gaterr.NotFound("command: no session")
	}
	results, err := s.Adapter.OnSearch(ctx, s.User, map[string]string{"query": query})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, gaterr.NotFound("command: no contact was found")
	}
	rows := make([]map[string]string, 0, len(results))
	for _, r := range results {
		row := map[string]string{"legacy_id": r.LegacyID}
		for k, v := range r.Fields {
			row[k] = v
		}
		rows = append(rows, row)
	}
	return &command.Table{Description: "Search results", Fields: []command.Field{{Var: "legacy_id", Label: "ID"}}, Rows: rows}, nil
}

// unregisterUser stops and drops the user's session, runs the Registrar's
// Unregister (adapter.Unregister + user row delete), then drops the user's
// cached adapter, mirroring the
// shutdown ordering spec.md ยง9 prescribes for a live session (tasks stopped
// before adapter/store teardown).
func (g *Gateway) unregisterUser(ctx context.Context, bareJID string) error {
	user, err := g.store.Users.Get(ctx, bareJID)
	if err != nil {
		return gaterr.Internal(err, "gateway: look up %s", bareJID)
	}
	if user == nil {
		return gaterr.NotFound("gateway: no user %q", bareJID)
	}

	if s := g.sessions.Get(bareJID); s != nil {
		s.StopTasks(ctx)
		g.sessions.Remove(bareJID)
	}
	if err := g.registrar.Unregister(ctx, user); err != nil {
		return gaterr.Internal(err, "gateway: unregister %s", bareJID)
	}
	g.adapters.Remove(user.PK)
	return nil
}
