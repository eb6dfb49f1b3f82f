package dispatch

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/disco"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/mux"
	"mellium.im/xmpp/paging"
	"mellium.im/xmpp/stanza"

	"github.com/slidge-im/slidge-go/pkg/command"
	"github.com/slidge-im/slidge-go/pkg/gaterr"
	"github.com/slidge-im/slidge-go/pkg/mam"
	"github.com/slidge-im/slidge-go/pkg/message"
	"github.com/slidge-im/slidge-go/pkg/models"
	"github.com/slidge-im/slidge-go/pkg/pubsub"
	"github.com/slidge-im/slidge-go/pkg/session"
	"github.com/slidge-im/slidge-go/pkg/xmppid"
)

// Namespaces this package routes on (nsDataForm, nsCommands and nsRegister,
// which forms.go's encoders also use, are declared in the block below).
const (
	nsPing        = "urn:xmpp:ping" // ping.go carries this unexported; XEP-0199 registers no disco.Handle of its own (see its own BUG note)
	nsMAM         = "urn:xmpp:mam:2"
	nsGateway     = "jabber:iq:gateway"
	nsSearch      = "jabber:iq:search"
	nsMUCAdmin    = "http://jabber.org/protocol/muc#admin"
	nsVCardTemp   = "vcard-temp"
	nsRetract     = "urn:xmpp:message-retract:1"
	nsReactions   = "urn:xmpp:reactions:0"
	nsChatMarkers = "urn:xmpp:chat-markers:0"
	nsChatStates  = "http://jabber.org/protocol/chatstates"
	nsReply       = "urn:xmpp:reply:0"
	nsCorrect     = "urn:xmpp:message-correct:0"
	nsMUC         = "http://jabber.org/protocol/muc"
)

// nsDataForm, nsCommands and nsRegister are declared here because forms.go's
// encoders (formXML, adhocCommandXML, registerQueryXML) reference them but
// own no namespace constants of their own.
const (
	nsDataForm = "jabber:x:data"
	nsCommands = "http://jabber.org/protocol/commands"
	nsRegister = "jabber:iq:register"
)

// --- IQ/Message/Presence payload decode targets ---------------------------
//
// mux's iqRouter hands IQHandler.HandleIQ a start element that is already
// the payload's own start tag (the <iq> wrapper was consumed to build the
// iq stanza.IQ value before the handler ever runs), while msgRouter and
// presenceRouter leave the stanza's own start tag unconsumed in t. The two
// shapes need two different reconstruction tricks before a plain
// xml.TokenDecoder can decode into a struct whose root is the outer
// stanza element the way forms.go's wireRegisterQuery/wireCommand/
// wireMAMQuery already assume: decodeIQPayload re-synthesises the <iq>
// wrapper via iq.Wrap (the same helper every notifier file already uses to
// build outbound IQs), decodeStanzaBody just has to pop the token that's
// already sitting there.

// decodeIQPayload decodes an inbound IQ's full envelope+payload into v,
// whose root element must match the enclosing <iq/> (the shape
// stanza.IQ-embedding wire structs in forms.go expect).
func decodeIQPayload(iq stanza.IQ, start *xml.StartElement, t xml.TokenReader, v any) error {
	full := iq.Wrap(xmlstream.MultiReader(xmlstream.Token(*start), t))
	return xml.NewTokenDecoder(full).Decode(v)
}

// decodeStanzaBody pops the message/presence's own start token off t and
// decodes the full stanza into v, whose root element must match it.
func decodeStanzaBody(t xml.TokenReader, v any) error {
	tok, err := t.Token()
	if err != nil {
		return err
	}
	start, ok := tok.(xml.StartElement)
	if !ok {
		return fmt.Errorf("dispatch: expected stanza start element, got %T", tok)
	}
	return xml.NewTokenDecoder(xmlstream.MultiReader(xmlstream.Token(start), t)).Decode(v)
}

// iqResult writes a successful IQ reply carrying payload (nil for an empty
// result) to t, the same TokenReadEncoder HandleIQ was given.
func iqResult(t xmlstream.TokenReadEncoder, iq stanza.IQ, payload xml.TokenReader) error {
	return xmlstream.Copy(t, iq.Result(payload))
}

// iqError writes an error IQ reply mapped from err via stanzaErrorFor.
func iqError(t xmlstream.TokenReadEncoder, iq stanza.IQ, err error) error {
	return xmlstream.Copy(t, iq.Error(stanzaErrorFor(err)))
}

// bareJIDOf returns j's bare-JID string form.
func bareJIDOf(j *jid.JID) string {
	if j == nil {
		return ""
	}
	return j.Bare().String()
}

// buildMux assembles the single ServeMux the live component session
// serves every inbound stanza through (spec.md ยง4.1's routing table).
func (d *Dispatcher) buildMux() *mux.ServeMux {
	var opts []mux.Option

	// --- service discovery, ping --------------------------------------
	// Every handler is wrapped in mux.IQHandlerFunc explicitly rather than
	// passed as a bare method value: IQ/IQFunc take the IQHandler
	// interface, not a named func type, so only a value with its own
	// HandleIQ method satisfies it.
	opts = append(opts,
		mux.IQ(stanza.GetIQ, xml.Name{Space: disco.NSInfo, Local: "query"}, mux.IQHandlerFunc(d.handleDiscoInfo)),
		mux.IQ(stanza.GetIQ, xml.Name{Space: disco.NSItems, Local: "query"}, mux.IQHandlerFunc(d.handleDiscoItems)),
		mux.IQ(stanza.GetIQ, xml.Name{Space: nsPing, Local: "ping"}, mux.IQHandlerFunc(d.handlePing)),
	)

	// --- in-band registration (spec.md ยง4.7) --------------------------
	opts = append(opts,
		mux.IQ(stanza.GetIQ, xml.Name{Space: nsRegister, Local: "query"}, mux.IQHandlerFunc(d.handleRegisterGet)),
		mux.IQ(stanza.SetIQ, xml.Name{Space: nsRegister, Local: "query"}, mux.IQHandlerFunc(d.handleRegisterSet)),
	)

	// --- ad-hoc commands (spec.md ยง4.6, XEP-0050) ----------------------
	opts = append(opts,
		mux.IQ(stanza.SetIQ, xml.Name{Space: nsCommands, Local: "command"}, mux.IQHandlerFunc(d.handleCommandExecute)),
	)

	// --- message archive management (spec.md ยง4.5, room-scoped only) ---
	opts = append(opts,
		mux.IQ(stanza.SetIQ, xml.Name{Space: nsMAM, Local: "query"}, mux.IQHandlerFunc(d.handleMAMQuery)),
	)

	// --- gateway / search transports (spec.md ยง6, ยง13 legacy-id lookup) -
	opts = append(opts,
		mux.IQ(stanza.GetIQ, xml.Name{Space: nsGateway, Local: "query"}, mux.IQHandlerFunc(d.handleGatewayGet)),
		mux.IQ(stanza.SetIQ, xml.Name{Space: nsGateway, Local: "query"}, mux.IQHandlerFunc(d.handleGatewaySet)),
		mux.IQ(stanza.GetIQ, xml.Name{Space: nsSearch, Local: "query"}, mux.IQHandlerFunc(d.handleGatewayGet)),
		mux.IQ(stanza.SetIQ, xml.Name{Space: nsSearch, Local: "query"}, mux.IQHandlerFunc(d.handleGatewaySet)),
	)

	// --- muc#admin affiliation listing (read-only, spec.md ยง6) ---------
	opts = append(opts,
		mux.IQ(stanza.GetIQ, xml.Name{Space: nsMUCAdmin, Local: "query"}, mux.IQHandlerFunc(d.handleMUCAdminGet)),
	)

	// --- messages: one pattern per non-co-occurring payload shape. A
	// correction message still carries <body>, so it is handled inside the
	// body handler rather than given its own pattern (spec.md ยง4.5).
	for _, typ := range []stanza.MessageType{stanza.ChatMessage, stanza.GroupChatMessage, stanza.NormalMessage} {
		opts = append(opts,
			mux.MessageFunc(typ, xml.Name{Local: "body"}, d.handleMessageBody),
			mux.MessageFunc(typ, xml.Name{Space: nsRetract, Local: "retract"}, d.handleMessageRetract),
			mux.MessageFunc(typ, xml.Name{Space: nsReactions, Local: "reactions"}, d.handleMessageReactions),
			mux.MessageFunc(typ, xml.Name{Space: nsChatMarkers, Local: "displayed"}, d.handleMessageDisplayed),
			mux.MessageFunc(typ, xml.Name{Space: nsChatStates, Local: "active"}, d.handleChatState),
			mux.MessageFunc(typ, xml.Name{Space: nsChatStates, Local: "inactive"}, d.handleChatState),
			mux.MessageFunc(typ, xml.Name{Space: nsChatStates, Local: "composing"}, d.handleChatState),
			mux.MessageFunc(typ, xml.Name{Space: nsChatStates, Local: "paused"}, d.handleChatState),
		)
	}

	// --- presence: availability toward the component (login/logout),
	// MUC join/leave, subscription management (spec.md ยง4.1, ยง4.2, ยง4.3,
	// ยง4.4). Every handler below filters by the stanza's own To/From so a
	// mux dispatch firing more than once for one stanza (the router
	// invokes a matched handler per top-level child, not once per stanza;
	// see mux.go's forChildren) degrades to a harmless no-op rather than a
	// duplicate side effect: login/logout are guarded by the Session
	// state machine, MUC join/leave by room membership checks.
	opts = append(opts,
		mux.PresenceFunc(stanza.PresenceType(""), xml.Name{}, d.handlePresenceAvailable),
		mux.PresenceFunc(stanza.PresenceType(""), xml.Name{Space: disco.NSCaps, Local: "c"}, d.handlePresenceAvailable),
		mux.PresenceFunc(stanza.PresenceType(""), xml.Name{Space: nsMUC, Local: "x"}, d.handleMUCJoin),
		mux.PresenceFunc(stanza.UnavailablePresence, xml.Name{}, d.handlePresenceUnavailable),
		mux.PresenceFunc(stanza.UnavailablePresence, xml.Name{Space: nsMUC, Local: "x"}, d.handleMUCLeave),
		mux.PresenceFunc(stanza.SubscribePresence, xml.Name{}, d.handleSubscribe),
		mux.PresenceFunc(stanza.SubscribedPresence, xml.Name{}, d.handleSubscribed),
		mux.PresenceFunc(stanza.UnsubscribePresence, xml.Name{}, d.handleUnsubscribe),
		mux.PresenceFunc(stanza.UnsubscribedPresence, xml.Name{}, d.handleUnsubscribed),
		mux.PresenceFunc(stanza.ProbePresence, xml.Name{}, d.handleProbe),
	)

	return mux.New(opts...)
}

// ---------------------------------------------------------------------
// disco / ping
// ---------------------------------------------------------------------

// gatewayFeatures is the fixed disco#info feature set the component
// advertises on its own bare JID (spec.md ยง6). A handwritten list rather
// than mellium.im/xmpp/disco's Handle()+FeatureIter introspection: that
// helper expects every contributing handler to implement FeatureIter,
// which would mean retrofitting every IQ/Message/Presence handler in this
// file just to recover a fixed, rarely-changing list -- not worth it over
// just naming the list once, the way xtime's single-purpose Handle does
// for its own one feature.
var gatewayFeatures = []string{
	disco.NSInfo, disco.NSItems, disco.NSCaps,
	nsPing, nsRegister, nsCommands, nsGateway, nsSearch, nsMAM,
}

func (d *Dispatcher) handleDiscoInfo(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	var feats []xml.TokenReader
	for _, f := range gatewayFeatures {
		feats = append(feats, xmlstream.Wrap(nil, xml.StartElement{
			Name: xml.Name{Local: "feature"},
			Attr: []xml.Attr{{Name: xml.Name{Local: "var"}, Value: f}},
		}))
	}
	identity := xmlstream.Wrap(nil, xml.StartElement{
		Name: xml.Name{Local: "identity"},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "category"}, Value: d.cfg.IdentityCategory},
			{Name: xml.Name{Local: "type"}, Value: d.cfg.IdentityType},
			{Name: xml.Name{Local: "name"}, Value: d.cfg.IdentityCategory},
		},
	})
	query := xmlstream.Wrap(xmlstream.MultiReader(append([]xml.TokenReader{identity}, feats...)...), xmlNameStart("query", disco.NSInfo))
	return iqResult(t, iq, query)
}

func (d *Dispatcher) handleDiscoItems(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	return iqResult(t, iq, xmlNameStartAsReader("query", disco.NSItems))
}

func (d *Dispatcher) handlePing(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	return iqResult(t, iq, nil)
}

func xmlNameStartAsReader(local, ns string) xml.TokenReader {
	return xmlstream.Wrap(nil, xmlNameStart(local, ns))
}

// ---------------------------------------------------------------------
// in-band registration (spec.md ยง4.7)
// ---------------------------------------------------------------------

func (d *Dispatcher) handleRegisterGet(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	ctx, cancel := d.sendCtx()
	defer cancel()
	bareJID := bareJIDOf(iq.From)

	if pending := d.reg.Get(bareJID); pending != nil {
		payload, _ := responsePayload(pending)
		return iqResult(t, iq, registerQueryXML(payload, false))
	}

	user, err := d.store.Users.Get(ctx, bareJID)
	if err != nil {
		return iqError(t, iq, err)
	}
	if user != nil {
		return iqResult(t, iq, registerQueryXML(nil, true))
	}
	if d.registrar == nil {
		return iqError(t, iq, gaterr.Internal(nil, "dispatch: registration not configured"))
	}

	form := d.registrar.Start()
	d.reg.Set(bareJID, form)
	payload, _ := responsePayload(form)
	return iqResult(t, iq, registerQueryXML(payload, false))
}

func (d *Dispatcher) handleRegisterSet(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	ctx, cancel := d.sendCtx()
	defer cancel()
	bareJID := bareJIDOf(iq.From)

	var wire wireRegisterQuery
	if err := decodeIQPayload(iq, start, t, &wire); err != nil {
		return iqError(t, iq, err)
	}

	if wire.Form == nil {
		// Bare <remove/>-less empty submit cancels a pending step.
		d.reg.Clear(bareJID)
		return iqResult(t, iq, registerQueryXML(nil, true))
	}

	pending := d.reg.Get(bareJID)
	if pending == nil {
		return iqError(t, iq, gaterr.BadRequest("dispatch: no pending registration for %s", bareJID))
	}
	form, ok := pending.(*command.Form)
	if !ok {
		return iqError(t, iq, gaterr.BadRequest("dispatch: registration step is not awaiting a form"))
	}

	values, err := parseValues(wire.Form, form.Fields)
	if err != nil {
		return iqError(t, iq, err)
	}
	resp, err := form.OnSubmit(ctx, values, &command.Invocation{From: bareJID})
	if err != nil {
		return iqError(t, iq, err)
	}
	d.reg.Set(bareJID, resp)

	payload, text := responsePayload(resp)
	if text != "" {
		return iqResult(t, iq, registerQueryXML(xmlstream.Wrap(xmlstream.Token(xml.CharData(text)), xml.StartElement{Name: xml.Name{Local: "instructions"}}), false))
	}
	return iqResult(t, iq, registerQueryXML(payload, !continuable(resp)))
}

// ---------------------------------------------------------------------
// ad-hoc commands (spec.md ยง4.6, XEP-0050)
// ---------------------------------------------------------------------

func (d *Dispatcher) handleCommandExecute(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	ctx, cancel := d.sendCtx()
	defer cancel()
	bareJID := bareJIDOf(iq.From)

	var wire wireCommand
	if err := decodeIQPayload(iq, start, t, &wire); err != nil {
		return iqError(t, iq, err)
	}

	if wire.Action == "cancel" {
		d.adhc.Cancel(wire.SessionID)
		return iqResult(t, iq, adhocCommandXML(wire.Node, wire.SessionID, "canceled", "", nil))
	}

	var resp command.Response
	var err error
	sessionID := wire.SessionID

	if sessionID == "" {
		cmd := d.commands.ByNode(wire.Node)
		if cmd == nil {
			return iqError(t, iq, gaterr.NotFound("dispatch: unknown command node %q", wire.Node))
		}
		sess, _, serr := d.resolveSession(ctx, bareJID)
		if serr != nil {
			return iqError(t, iq, serr)
		}
		resp, err = command.Invoke(ctx, cmd, bareJID, nil, d, d, sessionAny(sess))
		if err != nil {
			return iqError(t, iq, err)
		}
		if continuable(resp) {
			sessionID = d.adhc.Start(wire.Node, resp)
		}
	} else {
		stage := d.adhc.Lookup(sessionID)
		if stage == nil {
			return iqError(t, iq, gaterr.NotFound("dispatch: unknown or expired ad-hoc session %q", sessionID))
		}
		resp, err = continueStage(ctx, stage, wire.Form, bareJID)
		if err != nil {
			return iqError(t, iq, err)
		}
		d.adhc.Continue(sessionID, resp)
	}

	status := "completed"
	if continuable(resp) {
		status = "executing"
	}
	payload, text := responsePayload(resp)
	return iqResult(t, iq, adhocCommandXML(wire.Node, sessionID, status, text, payload))
}

// continueStage validates a submitted form/confirmation against the
// pending stage's own Response and runs its OnSubmit/OnYes.
func continueStage(ctx context.Context, stage *adhocStage, wireForm *wireDataForm, bareJID string) (command.Response, error) {
	switch prior := stage.response.(type) {
	case *command.Form:
		values, err := parseValues(wireForm, prior.Fields)
		if err != nil {
			return nil, err
		}
		return prior.OnSubmit(ctx, values, &command.Invocation{From: bareJID})
	case *command.Confirmation:
		confirmed := false
		if wireForm != nil {
			for _, f := range wireForm.Fields {
				if f.Var == "confirm" && len(f.Values) > 0 && (f.Values[0] == "1" || f.Values[0] == "true") {
					confirmed = true
				}
			}
		}
		if !confirmed {
			return command.TextResponse(""), nil
		}
		resp, err := prior.OnYes(ctx, &command.Invocation{From: bareJID})
		if err != nil {
			return nil, err
		}
		if resp == nil && prior.Success != "" {
			return command.TextResponse(prior.Success), nil
		}
		return resp, nil
	default:
		return nil, gaterr.BadRequest("dispatch: ad-hoc session has no pending step")
	}
}

// sessionAny adapts a possibly-nil *session.Session to the `any` Invocation
// carries, without command depending on pkg/session.
func sessionAny(s *session.Session) any {
	if s == nil {
		return nil
	}
	return s
}

// ---------------------------------------------------------------------
// message archive management (spec.md ยง4.5, room-scoped only)
// ---------------------------------------------------------------------

func (d *Dispatcher) handleMAMQuery(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	ctx, cancel := d.sendCtx()
	defer cancel()
	bareJID := bareJIDOf(iq.From)

	var wire wireMAMQuery
	if err := decodeIQPayload(iq, start, t, &wire); err != nil {
		return iqError(t, iq, err)
	}

	sess, _, err := d.resolveSession(ctx, bareJID)
	if err != nil {
		return iqError(t, iq, err)
	}
	if sess == nil || sess.MUC == nil {
		return iqError(t, iq, gaterr.NotAuthorized("dispatch: mam query requires a registered, logged-in user"))
	}

	roomJID := bareJIDOf(iq.To)
	room, err := sess.MUC.ByJID(ctx, roomJID)
	if err != nil {
		return iqError(t, iq, err)
	}
	if room == nil {
		return iqError(t, iq, gaterr.NotFound("dispatch: %s is not a known room", roomJID))
	}

	req := mam.Request{RoomPK: room.PK, Max: 50}
	if wire.Set != nil {
		req.AfterID = wire.Set.After
		req.BeforeID = wire.Set.Before
		if wire.Set.Max > 0 {
			req.Max = wire.Set.Max
		}
	}

	page, err := d.archive.Page(ctx, req)
	if err != nil {
		return iqError(t, iq, err)
	}

	queryID := wire.QueryID
	for _, m := range page.Messages {
		if err := d.replayMAMResult(ctx, iq.From, room.JID, queryID, m); err != nil {
			d.log.Error().Err(err).Msg("dispatch: replay mam result")
		}
	}

	fin := xmlstream.Wrap(
		xmlstream.Wrap(nil, xml.StartElement{
			Name: xml.Name{Space: paging.NS, Local: "set"},
			Attr: []xml.Attr{{Name: xml.Name{Local: "count"}, Value: fmt.Sprintf("%d", len(page.Messages))}},
		}),
		xml.StartElement{
			Name: xml.Name{Space: nsMAM, Local: "fin"},
			Attr: []xml.Attr{{Name: xml.Name{Local: "complete"}, Value: fmt.Sprintf("%t", page.Complete)}},
		},
	)
	return iqResult(t, iq, fin)
}

// replayMAMResult wraps one archived entry in the XEP-0313 <result/> envelope
// and sends it to the IQ requester's full JID. The stored bytes are the
// original room-addressed groupchat stanza (spec.md ยง4.5: archival is
// room-scoped); MAM forwards it verbatim inside <forwarded/> rather than
// rebuilding it.
func (d *Dispatcher) replayMAMResult(ctx context.Context, to *jid.JID, roomJID, queryID string, m *models.ArchivedMessage) error {
	if len(m.Stanza) == 0 {
		return nil
	}
	from, err := jid.Parse(roomJID)
	if err != nil {
		return err
	}
	dec := xml.NewDecoder(bytes.NewReader(m.Stanza))

	delay := xmlstream.Wrap(nil, xml.StartElement{
		Name: xml.Name{Space: "urn:xmpp:delay", Local: "delay"},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "stamp"}, Value: m.Timestamp.UTC().Format("2006-01-02T15:04:05Z")},
			{Name: xml.Name{Local: "from"}, Value: roomJID},
		},
	})
	forwarded := xmlstream.Wrap(xmlstream.MultiReader(delay, dec), xml.StartElement{
		Name: xml.Name{Space: "urn:xmpp:forward:0", Local: "forwarded"},
	})
	result := xmlstream.Wrap(forwarded, xml.StartElement{
		Name: xml.Name{Space: nsMAM, Local: "result"},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "queryid"}, Value: queryID},
			{Name: xml.Name{Local: "id"}, Value: m.StanzaID},
		},
	})

	msg := stanza.Message{To: to, From: &from}
	return d.xsess.Send(ctx, msg.Wrap(result))
}

// ---------------------------------------------------------------------
// jabber:iq:gateway / jabber:iq:search (spec.md ยง6, ยง13)
// ---------------------------------------------------------------------

func (d *Dispatcher) handleGatewayGet(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	fields := xmlstream.MultiReader(
		xmlstream.Wrap(xmlstream.Token(xml.CharData("Enter a contact's legacy identifier")), xml.StartElement{Name: xml.Name{Local: "desc"}}),
		xmlstream.Wrap(nil, xml.StartElement{Name: xml.Name{Local: "prompt"}}),
	)
	return iqResult(t, iq, xmlstream.Wrap(fields, xmlNameStart("query", start.Name.Space)))
}

func (d *Dispatcher) handleGatewaySet(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	ctx, cancel := d.sendCtx()
	defer cancel()
	bareJID := bareJIDOf(iq.From)

	type wireGatewayQuery struct {
		stanza.IQ
		Prompt string `xml:"prompt"`
	}
	var wire wireGatewayQuery
	if err := decodeIQPayload(iq, start, t, &wire); err != nil {
		return iqError(t, iq, err)
	}

	sess, _, err := d.resolveSession(ctx, bareJID)
	if err != nil {
		return iqError(t, iq, err)
	}
	if sess == nil || sess.Roster == nil {
		return iqError(t, iq, gaterr.NotAuthorized("dispatch: gateway lookup requires a registered, logged-in user"))
	}
	ct, err := sess.Roster.ByLegacyID(ctx, wire.Prompt)
	if err != nil {
		return iqError(t, iq, err)
	}

	jidField := xmlstream.Wrap(xmlstream.Token(xml.CharData(ct.JID)), xml.StartElement{Name: xml.Name{Local: "jid"}})
	return iqResult(t, iq, xmlstream.Wrap(jidField, xmlNameStart("query", start.Name.Space)))
}

// ---------------------------------------------------------------------
// muc#admin affiliation listing (read-only, spec.md ยง6)
// ---------------------------------------------------------------------

func (d *Dispatcher) handleMUCAdminGet(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	ctx, cancel := d.sendCtx()
	defer cancel()
	bareJID := bareJIDOf(iq.From)

	type wireAdminQuery struct {
		stanza.IQ
		Item struct {
			Affiliation string `xml:"affiliation,attr"`
		} `xml:"http://jabber.org/protocol/muc#admin item"`
	}
	var wire wireAdminQuery
	if err := decodeIQPayload(iq, start, t, &wire); err != nil {
		return iqError(t, iq, err)
	}

	sess, _, err := d.resolveSession(ctx, bareJID)
	if err != nil {
		return iqError(t, iq, err)
	}
	if sess == nil || sess.MUC == nil {
		return iqError(t, iq, gaterr.NotAuthorized("dispatch: muc#admin requires a registered, logged-in user"))
	}
	roomJID := bareJIDOf(iq.To)
	room, err := sess.MUC.ByJID(ctx, roomJID)
	if err != nil {
		return iqError(t, iq, err)
	}

	parts, err := sess.MUC.ListAffiliations(ctx, room, models.Affiliation(wire.Item.Affiliation))
	if err != nil {
		return iqError(t, iq, err)
	}

	var items []xml.TokenReader
	for _, p := range parts {
		items = append(items, xmlstream.Wrap(nil, xml.StartElement{
			Name: xml.Name{Local: "item"},
			Attr: []xml.Attr{
				{Name: xml.Name{Local: "affiliation"}, Value: string(p.Affiliation)},
				{Name: xml.Name{Local: "nick"}, Value: p.Nickname},
			},
		}))
	}
	return iqResult(t, iq, xmlstream.Wrap(xmlstream.MultiReader(items...), xmlNameStart("query", nsMUCAdmin)))
}

// ---------------------------------------------------------------------
// messages (spec.md ยง4.5)
// ---------------------------------------------------------------------

type wireMessageBody struct {
	stanza.Message
	Body    string `xml:"body"`
	Replace *struct {
		ID string `xml:"id,attr"`
	} `xml:"urn:xmpp:message-correct:0 replace"`
	ReplyTo *struct {
		ID string `xml:"id,attr"`
	} `xml:"urn:xmpp:reply:0 reply"`
}

// chatFor resolves the message.Chat a stanza's To addresses: a Contact for
// a 1:1 chat (creating a skeleton contact on first mention), a Room for a
// groupchat, keyed by the already-attached session collections.
func (d *Dispatcher) chatFor(ctx context.Context, sess *session.Session, to *jid.JID, isGroupChat bool) (message.Chat, error) {
	bare := bareJIDOf(to)
	if isGroupChat {
		room, err := sess.MUC.ByJID(ctx, bare)
		if err != nil {
			return message.Chat{}, err
		}
		return message.Chat{Room: room}, nil
	}
	ct, err := sess.Roster.ByJID(ctx, bare)
	if err != nil {
		return message.Chat{}, err
	}
	if ct == nil {
		return message.Chat{}, gaterr.NotFound("dispatch: %s is not a known contact", bare)
	}
	return message.Chat{Contact: ct}, nil
}

func (d *Dispatcher) handleMessageBody(msg stanza.Message, t xmlstream.TokenReadEncoder) error {
	var wire wireMessageBody
	if err := decodeStanzaBody(t, &wire); err != nil {
		return err
	}
	if wire.Body == "" {
		return nil
	}

	ctx, cancel := d.sendCtx()
	defer cancel()
	bareJID := bareJIDOf(wire.From)
	sess, _, err := d.resolveSession(ctx, bareJID)
	if err != nil || sess == nil || sess.Messages == nil {
		return err
	}

	chat, err := d.chatFor(ctx, sess, wire.To, wire.Type == stanza.GroupChatMessage)
	if err != nil {
		d.log.Error().Err(err).Str("user", bareJID).Msg("dispatch: resolve chat for outgoing message")
		return nil
	}

	replyTo := ""
	if wire.ReplyTo != nil {
		replyTo = wire.ReplyTo.ID
	}

	var opErr error
	err = sess.Exclusive(func() error {
		if wire.Replace != nil {
			legacyID, ok, lookupErr := d.legacyIDFor(ctx, sess, chat, wire.Replace.ID)
			if lookupErr != nil {
				opErr = lookupErr
				return nil
			}
			if !ok {
				opErr = gaterr.NotFound("dispatch: %s is not a known message", wire.Replace.ID)
				return nil
			}
			_, opErr = sess.Messages.Correct(ctx, chat, legacyID, wire.Body)
			return nil
		}
		_, opErr = sess.Messages.SendText(ctx, chat, wire.Body, replyTo)
		return nil
	})
	if err != nil {
		return err
	}
	if opErr != nil {
		d.log.Error().Err(opErr).Str("user", bareJID).Msg("dispatch: outgoing message")
	}
	return nil
}

// legacyIDFor resolves the legacy id a previously-sent xmppID maps to, the
// step every correction/retraction/reaction needs before calling into the
// Message Plane (which itself stores only legacy_id -> xmpp_id, spec.md
// ยง4.5).
func (d *Dispatcher) legacyIDFor(ctx context.Context, sess *session.Session, chat message.Chat, xmppID string) (string, bool, error) {
	kind := models.IDKindDM
	if chat.Room != nil {
		kind = models.IDKindGroupChat
	}
	return d.store.IDMap.LegacyID(ctx, sess.User.PK, xmppID, kind)
}

type wireMessageRetract struct {
	stanza.Message
	Retract struct {
		ID string `xml:"id,attr"`
	} `xml:"urn:xmpp:message-retract:1 retract"`
}

func (d *Dispatcher) handleMessageRetract(msg stanza.Message, t xmlstream.TokenReadEncoder) error {
	var wire wireMessageRetract
	if err := decodeStanzaBody(t, &wire); err != nil {
		return err
	}
	ctx, cancel := d.sendCtx()
	defer cancel()
	bareJID := bareJIDOf(wire.From)
	sess, _, err := d.resolveSession(ctx, bareJID)
	if err != nil || sess == nil || sess.Messages == nil {
		return err
	}
	chat, err := d.chatFor(ctx, sess, wire.To, wire.Type == stanza.GroupChatMessage)
	if err != nil {
		d.log.Error().Err(err).Msg("dispatch: resolve chat for retraction")
		return nil
	}
	return sess.Exclusive(func() error {
		legacyID, ok, err := d.legacyIDFor(ctx, sess, chat, wire.Retract.ID)
		if err != nil || !ok {
			return err
		}
		if err := sess.Messages.Retract(ctx, chat, legacyID); err != nil {
			d.log.Error().Err(err).Msg("dispatch: retract")
		}
		return nil
	})
}

type wireMessageReactions struct {
	stanza.Message
	Reactions struct {
		ID    string   `xml:"id,attr"`
		Emoji []string `xml:"urn:xmpp:reactions:0 reaction"`
	} `xml:"urn:xmpp:reactions:0 reactions"`
}

func (d *Dispatcher) handleMessageReactions(msg stanza.Message, t xmlstream.TokenReadEncoder) error {
	var wire wireMessageReactions
	if err := decodeStanzaBody(t, &wire); err != nil {
		return err
	}
	ctx, cancel := d.sendCtx()
	defer cancel()
	bareJID := bareJIDOf(wire.From)
	sess, _, err := d.resolveSession(ctx, bareJID)
	if err != nil || sess == nil || sess.Messages == nil {
		return err
	}
	chat, err := d.chatFor(ctx, sess, wire.To, wire.Type == stanza.GroupChatMessage)
	if err != nil {
		d.log.Error().Err(err).Msg("dispatch: resolve chat for reaction")
		return nil
	}
	return sess.Exclusive(func() error {
		legacyID, ok, err := d.legacyIDFor(ctx, sess, chat, wire.Reactions.ID)
		if err != nil || !ok {
			return err
		}
		if err := sess.Messages.React(ctx, chat, legacyID, wire.Reactions.Emoji); err != nil {
			d.log.Error().Err(err).Msg("dispatch: react")
		}
		return nil
	})
}

type wireMessageDisplayed struct {
	stanza.Message
	Displayed struct {
		ID string `xml:"id,attr"`
	} `xml:"urn:xmpp:chat-markers:0 displayed"`
}

func (d *Dispatcher) handleMessageDisplayed(msg stanza.Message, t xmlstream.TokenReadEncoder) error {
	var wire wireMessageDisplayed
	if err := decodeStanzaBody(t, &wire); err != nil {
		return err
	}
	ctx, cancel := d.sendCtx()
	defer cancel()
	bareJID := bareJIDOf(wire.From)
	sess, _, err := d.resolveSession(ctx, bareJID)
	if err != nil || sess == nil || sess.Messages == nil {
		return err
	}
	chat, err := d.chatFor(ctx, sess, wire.To, wire.Type == stanza.GroupChatMessage)
	if err != nil {
		d.log.Error().Err(err).Msg("dispatch: resolve chat for read marker")
		return nil
	}
	return sess.Exclusive(func() error {
		legacyID, ok, err := d.legacyIDFor(ctx, sess, chat, wire.Displayed.ID)
		if err != nil || !ok {
			return err
		}
		whitelisted := sess.Pubsub != nil && sess.Pubsub.MDSWhitelisted()
		if err := sess.Messages.Displayed(ctx, chat, legacyID, whitelisted); err != nil {
			d.log.Error().Err(err).Msg("dispatch: displayed")
		}
		return nil
	})
}

type wireChatState struct {
	stanza.Message
}

// handleChatState translates an inbound XEP-0085 chat state into the
// matching adapter.Outbound call. Only 1:1 contacts are resolved here:
// groupchat composing notifications have no legacy-network equivalent in
// this adapter surface (spec.md ยง4.5's scope is 1:1 typing).
func (d *Dispatcher) handleChatState(msg stanza.Message, t xmlstream.TokenReadEncoder) error {
	tok, err := t.Token()
	if err != nil {
		return err
	}
	start, _ := tok.(xml.StartElement)
	if start.Name.Space != nsChatStates {
		return nil
	}

	ctx, cancel := d.sendCtx()
	defer cancel()
	bareJID := bareJIDOf(msg.From)
	sess, _, err := d.resolveSession(ctx, bareJID)
	if err != nil || sess == nil || sess.Roster == nil || msg.Type == stanza.GroupChatMessage {
		return err
	}
	ct, err := sess.Roster.ByJID(ctx, bareJIDOf(msg.To))
	if err != nil || ct == nil {
		return err
	}

	var opErr error
	switch start.Name.Local {
	case "active":
		opErr = sess.Adapter.Active(ctx, sess.User, ct)
	case "inactive":
		opErr = sess.Adapter.Inactive(ctx, sess.User, ct)
	case "composing":
		opErr = sess.Adapter.Composing(ctx, sess.User, ct)
	case "paused":
		opErr = sess.Adapter.Paused(ctx, sess.User, ct)
	}
	if opErr != nil {
		d.log.Error().Err(opErr).Msg("dispatch: chat state")
	}
	return nil
}

// ---------------------------------------------------------------------
// presence (spec.md ยง4.1, ยง4.2, ยง4.3, ยง4.4)
// ---------------------------------------------------------------------

type wirePresenceCaps struct {
	stanza.Presence
	Caps *wireCaps `xml:"http://jabber.org/protocol/caps c"`
}

// handlePresenceAvailable reacts to an available presence: directed at the
// component's own bare JID it drives the login lifecycle (spec.md ยง4.2);
// directed at a contact it is caps-resolution fodder for the PEP
// Broadcaster (spec.md ยง4.10).
func (d *Dispatcher) handlePresenceAvailable(p stanza.Presence, t xmlstream.TokenReadEncoder) error {
	var wire wirePresenceCaps
	if err := decodeStanzaBody(t, &wire); err != nil {
		return err
	}

	ctx, cancel := d.sendCtx()
	defer cancel()
	bareJID := bareJIDOf(wire.From)

	if bareJIDOf(wire.To) == d.componentDomain {
		sess, _, err := d.resolveSession(ctx, bareJID)
		if err != nil {
			return err
		}
		if sess == nil {
			return nil
		}
		if sess.State() == session.StateReady {
			return nil
		}
		if err := d.sessions.StartLogin(ctx, sess); err != nil {
			d.log.Debug().Err(err).Str("user", bareJID).Msg("dispatch: start_login no-op")
		}
		return nil
	}

	if wire.Caps == nil {
		return nil
	}
	sess, _, err := d.resolveSession(ctx, bareJID)
	if err != nil || sess == nil || sess.Pubsub == nil {
		return err
	}
	features, ok := d.caps.Get(wire.Caps.Ver)
	if !ok {
		features, err = d.resolveCaps(ctx, wire.From, wire.Caps)
		if err != nil {
			d.log.Error().Err(err).Msg("dispatch: resolve caps")
			return nil
		}
		d.caps.Put(wire.Caps.Ver, features)
	}
	ct, err := sess.Roster.ByJID(ctx, bareJIDOf(wire.To))
	if err != nil || ct == nil {
		return err
	}
	if ct.AvatarPK != 0 {
		features = dropFeature(features, pubsub.NodeAvatarMetadata, pubsub.NodeAvatarData)
	}
	if err := sess.Pubsub.OnCapablePresence(ctx, ct.JID, bareJID, features, pubsubAvatarOf(ct), ct.Nickname, nil); err != nil {
		d.log.Error().Err(err).Msg("dispatch: on capable presence")
	}
	return nil
}

// dropFeature filters drop out of features, keeping OnCapablePresence from
// publishing avatar metadata for a contact whose avatar bytes
// pubsubAvatarOf cannot supply.
func dropFeature(features []string, drop ...string) []string {
	skip := make(map[string]bool, len(drop))
	for _, d := range drop {
		skip[d] = true
	}
	out := features[:0:0]
	for _, f := range features {
		if !skip[f] {
			out = append(out, f)
		}
	}
	return out
}

func (d *Dispatcher) handlePresenceUnavailable(p stanza.Presence, t xmlstream.TokenReadEncoder) error {
	ctx, cancel := d.sendCtx()
	defer cancel()
	bareJID := bareJIDOf(p.From)
	if bareJIDOf(p.To) != d.componentDomain {
		return nil
	}
	sess := d.sessions.Get(bareJID)
	if sess == nil || sess.State() != session.StateReady {
		return nil
	}
	if err := d.sessions.Logout(ctx, sess); err != nil {
		d.log.Debug().Err(err).Str("user", bareJID).Msg("dispatch: logout no-op")
	}
	return nil
}

type wireMUCPresence struct {
	stanza.Presence
	X wireMUCX `xml:"http://jabber.org/protocol/muc x"`
}

func (d *Dispatcher) handleMUCJoin(p stanza.Presence, t xmlstream.TokenReadEncoder) error {
	var wire wireMUCPresence
	if err := decodeStanzaBody(t, &wire); err != nil {
		return err
	}
	ctx, cancel := d.sendCtx()
	defer cancel()
	bareJID := bareJIDOf(wire.From)
	sess, _, err := d.resolveSession(ctx, bareJID)
	if err != nil || sess == nil || sess.MUC == nil {
		return err
	}
	roomJID := bareJIDOf(wire.To)
	nickname := wire.To.Resourcepart()
	resource := wire.From.Resourcepart()

	room, err := sess.MUC.ByJID(ctx, roomJID)
	if err != nil {
		d.log.Error().Err(err).Msg("dispatch: resolve room for join")
		return nil
	}
	if err := sess.MUC.Join(ctx, room, nickname, resource); err != nil {
		d.log.Error().Err(err).Msg("dispatch: join")
	}
	return nil
}

func (d *Dispatcher) handleMUCLeave(p stanza.Presence, t xmlstream.TokenReadEncoder) error {
	ctx, cancel := d.sendCtx()
	defer cancel()
	bareJID := bareJIDOf(p.From)
	sess, _, err := d.resolveSession(ctx, bareJID)
	if err != nil || sess == nil || sess.MUC == nil {
		return err
	}
	roomJID := bareJIDOf(p.To)
	resource := p.From.Resourcepart()
	room, err := sess.MUC.ByJID(ctx, roomJID)
	if err != nil || room == nil {
		return err
	}
	if err := sess.MUC.KickOnError(ctx, room, resource); err != nil {
		d.log.Error().Err(err).Msg("dispatch: leave")
	}
	return nil
}

func (d *Dispatcher) handleSubscribe(p stanza.Presence, t xmlstream.TokenReadEncoder) error {
	ctx, cancel := d.sendCtx()
	defer cancel()
	sess, _, err := d.resolveSession(ctx, bareJIDOf(p.To))
	if err != nil || sess == nil {
		return err
	}
	legacyID := xmppid.LegacyID(*p.From)
	if err := sess.Adapter.OnFriendRequest(ctx, sess.User, legacyID); err != nil {
		d.log.Error().Err(err).Msg("dispatch: friend request")
	}
	return nil
}

func (d *Dispatcher) handleSubscribed(p stanza.Presence, t xmlstream.TokenReadEncoder) error {
	ctx, cancel := d.sendCtx()
	defer cancel()
	sess, _, err := d.resolveSession(ctx, bareJIDOf(p.To))
	if err != nil || sess == nil {
		return err
	}
	legacyID := xmppid.LegacyID(*p.From)
	if err := sess.Adapter.OnFriendRequestAccept(ctx, sess.User, legacyID); err != nil {
		d.log.Error().Err(err).Msg("dispatch: friend request accept")
	}
	return nil
}

func (d *Dispatcher) handleUnsubscribe(p stanza.Presence, t xmlstream.TokenReadEncoder) error {
	return nil // no legacy-network action: removing the gateway's own subscription to the user carries no meaning upstream
}

func (d *Dispatcher) handleUnsubscribed(p stanza.Presence, t xmlstream.TokenReadEncoder) error {
	ctx, cancel := d.sendCtx()
	defer cancel()
	sess, _, err := d.resolveSession(ctx, bareJIDOf(p.To))
	if err != nil || sess == nil {
		return err
	}
	legacyID := xmppid.LegacyID(*p.From)
	if err := sess.Adapter.OnFriendRequestDelete(ctx, sess.User, legacyID); err != nil {
		d.log.Error().Err(err).Msg("dispatch: friend request delete")
	}
	return nil
}

func (d *Dispatcher) handleProbe(p stanza.Presence, t xmlstream.TokenReadEncoder) error {
	ctx, cancel := d.sendCtx()
	defer cancel()
	sess, _, err := d.resolveSession(ctx, bareJIDOf(p.To))
	if err != nil || sess == nil || sess.Roster == nil {
		return err
	}
	ct, err := sess.Roster.ByJID(ctx, bareJIDOf(p.From))
	if err != nil || ct == nil || ct.CachedPresence == nil {
		return err
	}
	if err := sess.Roster.SetPresence(ctx, ct, *ct.CachedPresence); err != nil {
		d.log.Error().Err(err).Msg("dispatch: probe reply")
	}
	return nil
}

// resolveCaps round-trips a disco#info query to from, caching nothing
// itself (the caller caches by caps.Ver); spec.md ยง4.10's "cache miss"
// path.
func (d *Dispatcher) resolveCaps(ctx context.Context, from *jid.JID, caps *wireCaps) ([]string, error) {
	iq := stanza.IQ{Type: stanza.GetIQ, To: from, From: d.componentJID()}
	payload := xmlNameStartAsReader("query", disco.NSInfo)
	r, err := d.xsess.SendIQElement(ctx, payload, iq)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var resp wireDiscoInfo
	if err := xml.NewTokenDecoder(r).Decode(&resp); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(resp.Features))
	for _, f := range resp.Features {
		out = append(out, f.Var)
	}
	return out, nil
}

// pubsubAvatarOf always returns an empty AvatarInfo: AvatarStore has no
// AvatarPK-keyed lookup (only ByHash/ByLegacyID), so ct.AvatarPK is not
// resolved back to a models.Avatar here. pkg/pubsub publishes an empty
// AvatarInfo as "no avatar", which is why handlePresenceAvailable drops the
// avatar nodes for a contact that has an avatar.
func pubsubAvatarOf(ct *models.Contact) pubsub.AvatarInfo {
	return pubsub.AvatarInfo{}
}
