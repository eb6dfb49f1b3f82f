// Package models defines the semantic entity types from spec.md ยง3. These
// are plain data structs; pkg/store is responsible for mapping them to and
// from SQL rows.
package models

import "time"

// User represents one XMPP account that has registered with the gateway.
type User struct {
	PK                int64
	BareJID           string
	RegistrationDate  time.Time
	LegacyModuleData  map[string]string
	Preferences       map[string]string
	AvatarHash        string // empty if none
}

// ClientType is the legacy-network client type hint surfaced to XMPP disco.
type ClientType string

const (
	ClientTypeBot       ClientType = "bot"
	ClientTypePC        ClientType = "pc"
	ClientTypePhone     ClientType = "phone"
	ClientTypeWeb       ClientType = "web"
	ClientTypeConsole   ClientType = "console"
	ClientTypeSMS       ClientType = "sms"
)

// Contact is a legacy peer of exactly one User.
type Contact struct {
	PK            int64
	UserPK        int64
	LegacyID      string
	JID           string // bare, localpart = Escape(LegacyID)
	Nickname      string
	AvatarPK      int64 // 0 if none
	IsFriend      bool
	AddedToRoster bool
	ClientType    ClientType
	// CachedPresence mirrors the last broadcast presence tuple so restarts
	// don't flap (spec.md ยง4.3).
	CachedPresence *PresenceTuple
	// Updated is false until the adapter has populated name/avatar/type;
	// the contact is not surfaced over the wire until this flips (ยง4.3).
	Updated bool
	Extra   map[string]string
}

// PresenceTuple is the last broadcast presence for a Contact or Participant.
type PresenceTuple struct {
	LastSeen time.Time
	PType    string // "" (available), "unavailable"
	PStatus  string
	PShow    string // "", "away", "chat", "dnd", "xa"
}

// MUCType classifies a Room per spec.md ยง3.
type MUCType string

const (
	MUCTypeGroup               MUCType = "group"
	MUCTypeChannel             MUCType = "channel"
	MUCTypeChannelNonAnonymous MUCType = "channel_non_anonymous"
)

// HasSubject reports whether rooms of this type support a settable subject.
func (t MUCType) HasSubject() bool {
	return t == MUCTypeGroup || t == MUCTypeChannelNonAnonymous || t == MUCTypeChannel
}

// Room is a legacy group, presented over XMPP as a Multi-User Chat.
type Room struct {
	PK                int64
	UserPK            int64
	LegacyID          string
	JID               string // bare
	Name              string
	Description       string
	Subject           string
	SubjectSetterPK   int64 // references a Participant.PK, 0 if unset
	SubjectDate       time.Time
	MUCType           MUCType
	UserResources     map[string]struct{}
	ParticipantsFilled bool
	NParticipants      *int // nil if unknown
	Extra              map[string]string
}

// Affiliation is a Participant's long-lived standing in a Room.
type Affiliation string

const (
	AffiliationOutcast Affiliation = "outcast"
	AffiliationNone    Affiliation = "none"
	AffiliationMember  Affiliation = "member"
	AffiliationAdmin   Affiliation = "admin"
	AffiliationOwner   Affiliation = "owner"
)

// Role is a Participant's standing for the duration of the current session.
type Role string

const (
	RoleNone        Role = "none"
	RoleVisitor     Role = "visitor"
	RoleParticipant Role = "participant"
	RoleModerator   Role = "moderator"
)

// Hat is a badge a Participant can wear (XEP-0317), independent of
// affiliation/role.
type Hat struct {
	PK    int64
	URI   string
	Title string
}

// Participant is an occupant of a Room at a given nickname.
type Participant struct {
	PK            int64
	RoomPK        int64
	ContactPK     int64 // 0 if not contact-backed
	IsUser        bool
	Affiliation   Affiliation
	Role          Role
	Nickname      string
	Resource      string // only meaningful when IsUser
	Hats          []Hat
	PresenceSent  bool
	Extra         map[string]string
}

// Anonymous reports whether a Participant is backed by no real JID: it is
// neither the gateway user nor linked to a Contact.
func (p *Participant) Anonymous() bool {
	return !p.IsUser && p.ContactPK == 0
}

// Avatar is a content-addressed image referenced by Contact/Room.
type Avatar struct {
	PK           int64
	Hash         string // sha256 of the re-encoded PNG bytes
	Filename     string
	Height       int
	Width        int
	URL          string
	ETag         string
	LastModified string
	LegacyID     string
}

// Attachment is one upload result for a legacy file, reused across resends.
type Attachment struct {
	PK           int64
	UserPK       int64
	LegacyFileID string
	URL          string
	SIMS         string // stateless inline file sharing payload, opaque
	SFS          string // stateless file sharing payload, opaque
}

// IDKind distinguishes the three XMPP<->legacy id-mapping namespaces.
type IDKind string

const (
	IDKindDM        IDKind = "dm"
	IDKindGroupChat IDKind = "group_chat"
	IDKindThread    IDKind = "thread"
)

// ArchivedMessage is one MAM entry.
type ArchivedMessage struct {
	PK        int64
	RoomPK    int64
	StanzaID  string
	Timestamp time.Time
	AuthorJID string
	Stanza    []byte
	LegacyID  string // empty if not known
}
