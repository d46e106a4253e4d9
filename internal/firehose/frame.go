package firehose

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	atproto "github.com/bluesky-social/indigo/api/atproto"
	data "github.com/bluesky-social/indigo/atproto/atdata"
	"github.com/bluesky-social/indigo/events"

	"github.com/ipfs/go-cid"
	car "github.com/ipld/go-car"
)

// Frame is one decoded #commit event: the commit metadata, the
// operation list, and the commit's block section.
type Frame struct {
	Repo   string // author DID
	Commit string // commit CID
	Ops    []Op
	Blocks []Block
}

// Op is a single record mutation inside a commit.
type Op struct {
	Action string // "create", "update", or "delete"
	Path   string // collection/rkey
	CID    string // record CID; empty for deletes
}

// Block is one content-addressed entry from the commit's CAR section.
// Data is the generic atproto data map for record blocks, and nil for
// entries that are not records (MST nodes); callers skip those.
type Block struct {
	CID  string
	Data map[string]any
}

// DecodeFrame parses a binary firehose message: a CBOR event header
// followed by a CBOR body. Messages whose header tag is not #commit
// decode to (nil, nil) and are ignored by the pipeline.
func DecodeFrame(msg []byte) (*Frame, error) {
	r := bytes.NewReader(msg)

	var header events.EventHeader
	if err := header.UnmarshalCBOR(r); err != nil {
		return nil, fmt.Errorf("firehose: decode header: %w", err)
	}
	if header.Op != events.EvtKindMessage || header.MsgType != "#commit" {
		return nil, nil
	}

	var commit atproto.SyncSubscribeRepos_Commit
	if err := commit.UnmarshalCBOR(r); err != nil {
		return nil, fmt.Errorf("firehose: decode commit body: %w", err)
	}

	f := &Frame{
		Repo:   commit.Repo,
		Commit: cid.Cid(commit.Commit).String(),
		Ops:    make([]Op, 0, len(commit.Ops)),
	}
	for _, op := range commit.Ops {
		if op == nil {
			continue
		}
		o := Op{Action: op.Action, Path: op.Path}
		if op.Cid != nil {
			o.CID = cid.Cid(*op.Cid).String()
		}
		f.Ops = append(f.Ops, o)
	}

	blocks, err := decodeBlocks(commit.Blocks)
	if err != nil {
		return nil, err
	}
	f.Blocks = blocks
	return f, nil
}

// decodeBlocks iterates the commit's CAR section. Each entry that
// parses as an atproto record becomes a Block with its data map;
// anything else (MST nodes, unknown shapes) is kept as an opaque
// CID-only Block.
func decodeBlocks(carBytes []byte) ([]Block, error) {
	if len(carBytes) == 0 {
		return nil, nil
	}

	cr, err := car.NewCarReader(bytes.NewReader(carBytes))
	if err != nil {
		return nil, fmt.Errorf("firehose: open commit blocks: %w", err)
	}

	var out []Block
	for {
		blk, err := cr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firehose: read commit block: %w", err)
		}
		b := Block{CID: blk.Cid().String()}
		if rec, err := data.UnmarshalCBOR(blk.RawData()); err == nil {
			b.Data = rec
		}
		out = append(out, b)
	}
	return out, nil
}
