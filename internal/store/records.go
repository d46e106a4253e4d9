package store

// Post is one app.bsky.feed.post record flattened for the posts table.
// The embed discriminated union and the reply reference are spread
// across the Has*/Embed*/Reply* columns.
type Post struct {
	CID       string
	CreatedAt string // RFC 3339 from the record; "" when the record omitted it
	DID       string
	Commit    string
	Text      string
	Langs     []string
	Facets    []byte // verbatim JSON, stored as JSONB

	HasEmbed    bool
	EmbedType   string
	EmbedRefs   []string
	ExternalURI string

	HasRecord bool
	RecordCID string
	RecordURI string

	IsReply        bool
	ReplyRootCID   string
	ReplyRootURI   string
	ReplyParentCID string
	ReplyParentURI string
}

// Activity is a repost or a like: the two record shapes are identical,
// a subject reference plus commit metadata.
type Activity struct {
	CID        string
	CreatedAt  string
	DID        string
	Commit     string
	SubjectCID string
	SubjectURI string
}

// UserRow is a fully enriched users-table row, built from a directory
// lookup after the existence check decided the DID is new.
type UserRow struct {
	DID          string
	FirstKnownAs string
	AlsoKnownAs  []string
}

// Kind tags a persistence request.
type Kind int

const (
	KindUser Kind = iota
	KindPost
	KindRepost
	KindLike
)

// String returns the kind name used in log lines.
func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindPost:
		return "post"
	case KindRepost:
		return "repost"
	case KindLike:
		return "like"
	default:
		return "unknown"
	}
}

// Request is one tagged entry on the persistence queue. Exactly one of
// the payload fields matching Kind is set; user requests carry only the
// DID, enrichment happens at flush time.
type Request struct {
	Kind   Kind
	DID    string
	Post   *Post
	Repost *Activity
	Like   *Activity
}
