package process

import (
	"encoding/json"
	"strings"

	data "github.com/bluesky-social/indigo/atproto/atdata"
	"github.com/ipfs/go-cid"
	"go.uber.org/zap"

	"github.com/primal-host/widesky/internal/store"
)

// The record data maps are navigated with absent-tolerant accessors: a
// missing or wrongly typed key yields a zero value, never a panic, so a
// malformed record degrades to empty columns instead of killing the
// worker.

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func getMap(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	return asMap(m[key])
}

func getString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func getList(m map[string]any, key string) []any {
	if m == nil {
		return nil
	}
	l, _ := m[key].([]any)
	return l
}

// refString renders a reference-ish value as a CID string. The data
// model surfaces links as data.CIDLink and blobs as data.Blob; strong
// refs carry plain string CIDs.
func refString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case data.CIDLink:
		return cid.Cid(x).String()
	case *data.CIDLink:
		if x == nil {
			return ""
		}
		return cid.Cid(*x).String()
	case cid.Cid:
		return x.String()
	case data.Blob:
		return cid.Cid(x.Ref).String()
	case *data.Blob:
		if x == nil {
			return ""
		}
		return cid.Cid(x.Ref).String()
	case map[string]any:
		// Unparsed link/blob shapes keep their ref under a key.
		if r, ok := x["ref"]; ok {
			return refString(r)
		}
		if r, ok := x["$link"]; ok {
			return refString(r)
		}
		return ""
	default:
		return ""
	}
}

// blobRef extracts the ref CID from a blob-shaped value, whether the
// data layer parsed it into data.Blob or left it as a map.
func blobRef(v any) string {
	switch x := v.(type) {
	case data.Blob, *data.Blob:
		return refString(x)
	case map[string]any:
		return refString(x["ref"])
	default:
		return ""
	}
}

// terminalSegment returns the last dotted segment of a $type value,
// e.g. "app.bsky.embed.images" -> "images".
func terminalSegment(t string) string {
	if i := strings.LastIndex(t, "."); i >= 0 {
		return t[i+1:]
	}
	return t
}

// extractPost builds a Post from a record data map plus commit metadata.
func extractPost(recCID, did, commit string, rec map[string]any, log *zap.SugaredLogger) *store.Post {
	p := &store.Post{
		CID:       recCID,
		DID:       did,
		Commit:    commit,
		CreatedAt: getString(rec, "createdAt"),
		Text:      getString(rec, "text"),
	}

	for _, l := range getList(rec, "langs") {
		if s, ok := l.(string); ok {
			p.Langs = append(p.Langs, s)
		}
	}

	// Facets are preserved verbatim as JSON; the pipeline never
	// interprets them.
	if facets, ok := rec["facets"]; ok && facets != nil {
		if raw, err := json.Marshal(facets); err == nil {
			p.Facets = raw
		} else {
			log.Warnf("post %s: marshal facets: %v", recCID, err)
		}
	}

	extractEmbed(rec, p, log)

	if reply := getMap(rec, "reply"); reply != nil {
		p.IsReply = true
		root := getMap(reply, "root")
		parent := getMap(reply, "parent")
		p.ReplyRootCID = refString(root["cid"])
		p.ReplyRootURI = getString(root, "uri")
		p.ReplyParentCID = refString(parent["cid"])
		p.ReplyParentURI = getString(parent, "uri")
	}

	return p
}

// extractEmbed flattens the embed discriminated union onto the post
// columns. Unknown embed or media types are logged and leave the
// record otherwise intact.
func extractEmbed(rec map[string]any, p *store.Post, log *zap.SugaredLogger) {
	embed := getMap(rec, "embed")
	if embed == nil {
		return
	}
	p.EmbedType = getString(embed, "$type")

	switch terminalSegment(p.EmbedType) {
	case "video":
		p.HasEmbed = true
		p.EmbedRefs = []string{blobRef(embed["video"])}
	case "images":
		p.HasEmbed = true
		p.EmbedRefs = imageRefs(getList(embed, "images"))
	case "external":
		p.HasEmbed = true
		p.ExternalURI = getString(getMap(embed, "external"), "uri")
	case "record":
		p.HasRecord = true
		ref := getMap(embed, "record")
		p.RecordCID = refString(ref["cid"])
		p.RecordURI = getString(ref, "uri")
	case "recordWithMedia":
		p.HasEmbed = true
		p.HasRecord = true
		ref := getMap(getMap(embed, "record"), "record")
		p.RecordCID = refString(ref["cid"])
		p.RecordURI = getString(ref, "uri")

		media := getMap(embed, "media")
		mediaType := terminalSegment(getString(media, "$type"))
		// The media sub-discriminator wins the embed_type column.
		p.EmbedType = mediaType
		switch mediaType {
		case "video":
			p.EmbedRefs = []string{blobRef(media["video"])}
		case "images":
			p.EmbedRefs = imageRefs(getList(media, "images"))
		case "external":
			p.ExternalURI = getString(getMap(media, "external"), "uri")
		default:
			log.Warnf("media type not implemented: %q", mediaType)
		}
	case "":
		// Embed present but untyped; nothing to flatten.
	default:
		log.Warnf("embed type not implemented: %q", p.EmbedType)
	}
}

func imageRefs(images []any) []string {
	refs := make([]string, 0, len(images))
	for _, img := range images {
		refs = append(refs, blobRef(asMap(img)["image"]))
	}
	return refs
}

// extractActivity builds a Repost/Like record: subject ref plus commit
// metadata.
func extractActivity(recCID, did, commit string, rec map[string]any) *store.Activity {
	subject := getMap(rec, "subject")
	return &store.Activity{
		CID:        recCID,
		DID:        did,
		Commit:     commit,
		CreatedAt:  getString(rec, "createdAt"),
		SubjectCID: refString(subject["cid"]),
		SubjectURI: getString(subject, "uri"),
	}
}
