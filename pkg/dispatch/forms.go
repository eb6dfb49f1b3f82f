package dispatch

import (
	"encoding/xml"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/stanza"

	"github.com/slidge-im/slidge-go/pkg/command"
)

// wireRegisterQuery decodes an inbound jabber:iq:register <query/>, either
// the bare probe ("get") or a submitted data form ("set", spec.md ยง4.7).
type wireRegisterQuery struct {
	stanza.IQ
	Form *wireDataForm `xml:"jabber:x:data x"`
}

// wireCommand decodes an inbound XEP-0050 <command/> IQ.
type wireCommand struct {
	stanza.IQ
	Node      string        `xml:"http://jabber.org/protocol/commands command,node,attr"`
	SessionID string        `xml:"http://jabber.org/protocol/commands command,sessionid,attr"`
	Action    string        `xml:"http://jabber.org/protocol/commands command,action,attr"`
	Form      *wireDataForm `xml:"jabber:x:data x"`
}

// wireRSMSet decodes a XEP-0059 RSM <set/>.
type wireRSMSet struct {
	Max    int    `xml:"max"`
	After  string `xml:"after"`
	Before string `xml:"before"`
}

// wireMAMQuery decodes an inbound urn:xmpp:mam:2 <query/>.
type wireMAMQuery struct {
	stanza.IQ
	QueryID string          `xml:"urn:xmpp:mam:2 query>queryid,attr"`
	Form    *wireDataForm   `xml:"jabber:x:data x"`
	Set     *wireRSMSet     `xml:"http://jabber.org/protocol/rsm set"`
}

// wireCaps decodes the XEP-0115 <c/> entity-capabilities child of an
// inbound presence.
type wireCaps struct {
	Node string `xml:"node,attr"`
	Ver  string `xml:"ver,attr"`
	Hash string `xml:"hash,attr"`
}

type wireFeature struct {
	Var string `xml:"var,attr"`
}

// wireDiscoInfo decodes a disco#info result, the shape the caps-resolution
// round trip needs from the client it just queried.
type wireDiscoInfo struct {
	stanza.IQ
	Features []wireFeature `xml:"http://jabber.org/protocol/disco#info query>feature"`
}

// wireMUCX decodes the <x xmlns='http://jabber.org/protocol/muc'/> child of
// an outbound join presence, carrying an optional password (spec.md ยง4.4).
type wireMUCX struct {
	Password string `xml:"password"`
}

// wireDataField and wireDataForm decode an inbound XEP-0004 submission, the
// shape both the ad-hoc command responder and the jabber:iq:register wire
// glue need to turn a submitted <x/> into command.Values (spec.md ยง4.6,
// ยง4.7).
type wireDataField struct {
	Var    string   `xml:"var,attr"`
	Type   string   `xml:"type,attr"`
	Values []string `xml:"value"`
}

type wireDataForm struct {
	XMLName xml.Name        `xml:"jabber:x:data x"`
	Type    string          `xml:"type,attr"`
	Fields  []wireDataField `xml:"field"`
}

// parseValues validates a submitted form's fields against the Command
// Framework's own Field.Validate, the shared step ad-hoc and
// jabber:iq:register both go through (spec.md ยง4.6).
func parseValues(x *wireDataForm, fields []command.Field) (command.Values, error) {
	raw := make(map[string][]string, len(fields))
	if x != nil {
		for _, f := range x.Fields {
			raw[f.Var] = f.Values
		}
	}
	out := make(command.Values, len(fields))
	for _, f := range fields {
		v, err := f.Validate(raw[f.Var])
		if err != nil {
			return nil, err
		}
		out[f.Var] = v
	}
	return out, nil
}

// fieldXML encodes one command.Field as a XEP-0004 <field/>.
func fieldXML(f command.Field) xml.TokenReader {
	var children []xml.TokenReader
	if f.Value != "" {
		children = append(children, xmlstream.Wrap(
			xmlstream.Token(xml.CharData(f.Value)),
			xml.StartElement{Name: xml.Name{Local: "value"}},
		))
	}
	for _, o := range f.Options {
		children = append(children, xmlstream.Wrap(
			xmlstream.Wrap(xmlstream.Token(xml.CharData(o.Value)), xml.StartElement{Name: xml.Name{Local: "value"}}),
			xml.StartElement{Name: xml.Name{Local: "option"}, Attr: []xml.Attr{{Name: xml.Name{Local: "label"}, Value: o.Label}}},
		))
	}
	if f.ImageURL != "" {
		children = append(children, xmlstream.Wrap(nil, xml.StartElement{
			Name: xml.Name{Space: "urn:xmpp:media-element", Local: "uri"},
			Attr: []xml.Attr{{Name: xml.Name{Local: "type"}, Value: "image/png"}},
		}))
	}

	attrs := []xml.Attr{{Name: xml.Name{Local: "var"}, Value: f.Var}}
	if f.Type != "" {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "type"}, Value: string(f.Type)})
	}
	if f.Label != "" {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "label"}, Value: f.Label})
	}
	return xmlstream.Wrap(xmlstream.MultiReader(children...), xml.StartElement{Name: xml.Name{Local: "field"}, Attr: attrs})
}

// formXML encodes a title/instructions/field set as a XEP-0004 <x type=.../>.
func formXML(typ, title, instructions string, fields []command.Field) xml.TokenReader {
	var parts []xml.TokenReader
	if title != "" {
		parts = append(parts, xmlstream.Wrap(xmlstream.Token(xml.CharData(title)), xml.StartElement{Name: xml.Name{Local: "title"}}))
	}
	if instructions != "" {
		parts = append(parts, xmlstream.Wrap(xmlstream.Token(xml.CharData(instructions)), xml.StartElement{Name: xml.Name{Local: "instructions"}}))
	}
	for _, f := range fields {
		parts = append(parts, fieldXML(f))
	}
	return xmlstream.Wrap(xmlstream.MultiReader(parts...), xml.StartElement{
		Name: xml.Name{Space: nsDataForm, Local: "x"},
		Attr: []xml.Attr{{Name: xml.Name{Local: "type"}, Value: typ}},
	})
}

// confirmationXML renders a Confirmation as a single-boolean-field form;
// XEP-0050 has no dedicated yes/no payload, so every known ad-hoc client
// already expects a confirm field shaped this way.
func confirmationXML(c *command.Confirmation) xml.TokenReader {
	return formXML("form", "Confirm", c.Prompt, []command.Field{
		{Var: "confirm", Type: command.FieldBoolean, Label: c.Prompt, Required: true},
	})
}

// tableXML renders a Table as a XEP-0004 "result" form: one <reported/>
// header plus one <item/> per row.
func tableXML(tb *command.Table) xml.TokenReader {
	var reported []xml.TokenReader
	for _, f := range tb.Fields {
		reported = append(reported, xmlstream.Wrap(nil, xml.StartElement{
			Name: xml.Name{Local: "field"},
			Attr: []xml.Attr{{Name: xml.Name{Local: "var"}, Value: f.Var}, {Name: xml.Name{Local: "label"}, Value: f.Label}},
		}))
	}

	parts := []xml.TokenReader{xmlstream.Wrap(xmlstream.MultiReader(reported...), xml.StartElement{Name: xml.Name{Local: "reported"}})}
	if tb.Description != "" {
		parts = append([]xml.TokenReader{xmlstream.Wrap(xmlstream.Token(xml.CharData(tb.Description)), xml.StartElement{Name: xml.Name{Local: "instructions"}})}, parts...)
	}
	for _, row := range tb.Rows {
		var itemFields []xml.TokenReader
		for _, f := range tb.Fields {
			itemFields = append(itemFields, xmlstream.Wrap(
				xmlstream.Wrap(xmlstream.Token(xml.CharData(row[f.Var])), xml.StartElement{Name: xml.Name{Local: "value"}}),
				xml.StartElement{Name: xml.Name{Local: "field"}, Attr: []xml.Attr{{Name: xml.Name{Local: "var"}, Value: f.Var}}},
			))
		}
		parts = append(parts, xmlstream.Wrap(xmlstream.MultiReader(itemFields...), xml.StartElement{Name: xml.Name{Local: "item"}}))
	}

	return xmlstream.Wrap(xmlstream.MultiReader(parts...), xml.StartElement{
		Name: xml.Name{Space: nsDataForm, Local: "x"},
		Attr: []xml.Attr{{Name: xml.Name{Local: "type"}, Value: "result"}},
	})
}

// responsePayload renders any command.Response to its XEP-0004 payload, plus
// a plain-text fallback for TextResponse (which has no form shape). At most
// one of the two return values is non-empty; both are empty for an empty
// TextResponse or a Response type this function does not render.
func responsePayload(resp command.Response) (payload xml.TokenReader, text string) {
	switch r := resp.(type) {
	case command.TextResponse:
		return nil, string(r)
	case *command.Form:
		return formXML("form", r.Title, r.Instructions, r.Fields), ""
	case *command.Confirmation:
		return confirmationXML(r), ""
	case *command.Table:
		return tableXML(r), ""
	default:
		return nil, ""
	}
}

// continuable reports whether resp expects another round-trip (a Form or
// Confirmation awaiting submission) rather than terminating the exchange.
func continuable(resp command.Response) bool {
	switch resp.(type) {
	case *command.Form, *command.Confirmation:
		return true
	default:
		return false
	}
}

// adhocCommandXML wraps payload/note in the XEP-0050 <command/> envelope.
func adhocCommandXML(node, sessionid, status, note string, payload xml.TokenReader) xml.TokenReader {
	var children []xml.TokenReader
	if payload != nil {
		children = append(children, payload)
	}
	if note != "" {
		children = append(children, xmlstream.Wrap(
			xmlstream.Token(xml.CharData(note)),
			xml.StartElement{Name: xml.Name{Local: "note"}, Attr: []xml.Attr{{Name: xml.Name{Local: "type"}, Value: "info"}}},
		))
	}
	attrs := []xml.Attr{
		{Name: xml.Name{Local: "node"}, Value: node},
		{Name: xml.Name{Local: "status"}, Value: status},
	}
	if sessionid != "" {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "sessionid"}, Value: sessionid})
	}
	return xmlstream.Wrap(xmlstream.MultiReader(children...), xml.StartElement{
		Name: xml.Name{Space: nsCommands, Local: "command"},
		Attr: attrs,
	})
}

// registerQueryXML wraps payload (or a bare <registered/> marker) in the
// jabber:iq:register <query/> envelope.
func registerQueryXML(payload xml.TokenReader, registered bool) xml.TokenReader {
	if registered {
		return xmlstream.Wrap(xmlstream.Wrap(nil, xml.StartElement{Name: xml.Name{Local: "registered"}}), xmlNameStart("query", nsRegister))
	}
	return xmlstream.Wrap(payload, xmlNameStart("query", nsRegister))
}
