package dispatch

import (
	"bytes"
	"encoding/xml"

	"mellium.im/xmlstream"
)

// xmlNameStart builds a namespaced start element with no attributes, the
// shape every notifier file needs for a bare "<local xmlns='ns'>" wrapper.
func xmlNameStart(local, ns string) xml.StartElement {
	return xml.StartElement{Name: xml.Name{Local: local, Space: ns}}
}

// marshalStanza drains r into its serialized byte form, for Notifier
// methods that need to hand the message plane the literal bytes placed on
// the wire (MAM archival). r must be fresh: xmlstream token readers are
// single-pass, so a stanza that is both archived and sent needs two
// independently-built readers.
func marshalStanza(r xml.TokenReader) []byte {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if _, err := xmlstream.Copy(enc, r); err != nil {
		return nil
	}
	if err := enc.Flush(); err != nil {
		return nil
	}
	return buf.Bytes()
}
