package firehose

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/stream"
	"github.com/fxamacker/cbor/v2"
	carv2 "github.com/ipld/go-car/v2"
	"github.com/ipfs/go-cid"
)

const (
	frameOpMessage = 1
	frameOpError   = -1

	frameTypeCommit = "#commit"
	frameTypeInfo   = "#info"

	cidLinkTag = 42
)

var (
	errMalformedFrame = errors.New("firehose: malformed frame")
	cborNull          = []byte{0xf6}
)

type frameHeader struct {
	Op   int64  `cbor:"op"`
	Type string `cbor:"t"`
}

type commitBody struct {
	Seq    int64      `cbor:"seq"`
	Repo   string     `cbor:"repo"`
	Ops    []commitOp `cbor:"ops"`
	Blocks []byte     `cbor:"blocks"`
	TooBig bool       `cbor:"tooBig"`
}

type commitOp struct {
	Action string          `cbor:"action"`
	Path   string          `cbor:"path"`
	CID    cidLink         `cbor:"cid"`
	Record cbor.RawMessage `cbor:"record"`
}

type infoBody struct {
	Name    string `cbor:"name"`
	Message string `cbor:"message"`
}

type errorBody struct {
	Error   string `cbor:"error"`
	Message string `cbor:"message"`
}

// cidLink accepts either a CID string or a tag-42 binary link.
type cidLink string

func (c *cidLink) UnmarshalCBOR(data []byte) error {
	if bytes.Equal(data, cborNull) {
		*c = ""
		return nil
	}
	var decoded any
	if err := cbor.Unmarshal(data, &decoded); err != nil {
		return err
	}
	switch value := decoded.(type) {
	case string:
		*c = cidLink(value)
	case cbor.Tag:
		raw, ok := value.Content.([]byte)
		if value.Number != cidLinkTag || !ok || len(raw) < 2 {
			return fmt.Errorf("%w: unexpected cid link", errMalformedFrame)
		}
		// Binary links carry a leading identity multibase byte.
		parsed, err := cid.Cast(raw[1:])
		if err != nil {
			return fmt.Errorf("%w: cid link: %v", errMalformedFrame, err)
		}
		*c = cidLink(parsed.String())
	default:
		return fmt.Errorf("%w: unexpected cid type %T", errMalformedFrame, decoded)
	}
	return nil
}

// RemoteError is an error frame sent by the relay before it closes the stream.
type RemoteError struct {
	Name    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "firehose: remote error " + e.Name
	}
	return "firehose: remote error " + e.Name + ": " + e.Message
}

type frame struct {
	header frameHeader
	events []stream.CommitEvent
	// dropped lists create/update paths whose record was neither inline nor in blocks.
	dropped []string
	tooBig  bool
	info    *infoBody
	remote  *RemoteError
}

// decodeFrame splits a binary message into header and body and converts commits into
// one event per record operation.
func decodeFrame(data []byte) (frame, error) {
	decoder := cbor.NewDecoder(bytes.NewReader(data))
	var header frameHeader
	if err := decoder.Decode(&header); err != nil {
		return frame{}, fmt.Errorf("%w: header: %v", errMalformedFrame, err)
	}
	result := frame{header: header}

	switch {
	case header.Op == frameOpError:
		var body errorBody
		if err := decoder.Decode(&body); err != nil {
			return frame{}, fmt.Errorf("%w: error body: %v", errMalformedFrame, err)
		}
		result.remote = &RemoteError{Name: body.Error, Message: body.Message}
	case header.Op != frameOpMessage:
		return frame{}, fmt.Errorf("%w: op %d", errMalformedFrame, header.Op)
	case header.Type == frameTypeCommit:
		var body commitBody
		if err := decoder.Decode(&body); err != nil {
			return frame{}, fmt.Errorf("%w: commit body: %v", errMalformedFrame, err)
		}
		events, dropped, err := commitEvents(body)
		if err != nil {
			return frame{}, err
		}
		result.events = events
		result.dropped = dropped
		result.tooBig = body.TooBig
	case header.Type == frameTypeInfo:
		var body infoBody
		if err := decoder.Decode(&body); err != nil {
			return frame{}, fmt.Errorf("%w: info body: %v", errMalformedFrame, err)
		}
		result.info = &body
	}
	return result, nil
}

func commitEvents(body commitBody) ([]stream.CommitEvent, []string, error) {
	if body.Repo == "" {
		return nil, nil, fmt.Errorf("%w: commit without repo", errMalformedFrame)
	}
	var blocks map[string][]byte
	events := make([]stream.CommitEvent, 0, len(body.Ops))
	var dropped []string
	for _, op := range body.Ops {
		operation, err := stream.ParseOperation(op.Action)
		if err != nil {
			return nil, nil, err
		}
		recordType, recordKey, ok := strings.Cut(op.Path, "/")
		if !ok || recordType == "" || recordKey == "" {
			return nil, nil, fmt.Errorf("%w: op path %q", errMalformedFrame, op.Path)
		}
		var record cbor.RawMessage
		if operation != stream.OperationDelete {
			record = op.Record
			if len(record) == 0 || bytes.Equal(record, cborNull) {
				if blocks == nil {
					blocks, err = readBlocks(body.Blocks)
					if err != nil {
						return nil, nil, err
					}
				}
				record = blocks[string(op.CID)]
			}
			if len(record) == 0 {
				dropped = append(dropped, op.Path)
				continue
			}
		}
		sequence := body.Seq
		events = append(events, stream.CommitEvent{
			Sequence:   &sequence,
			Repo:       body.Repo,
			RecordType: recordType,
			RecordKey:  recordKey,
			Operation:  operation,
			CID:        string(op.CID),
			Record:     record,
		})
	}
	if len(events) > 0 {
		events[len(events)-1].EndOfCommit = true
	}
	return events, dropped, nil
}

// readBlocks indexes the CAR slice of a commit by CID string.
func readBlocks(data []byte) (map[string][]byte, error) {
	blocks := make(map[string][]byte)
	if len(data) == 0 {
		return blocks, nil
	}
	reader, err := carv2.NewBlockReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: blocks: %v", errMalformedFrame, err)
	}
	for {
		block, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return blocks, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: blocks: %v", errMalformedFrame, err)
		}
		blocks[block.Cid().String()] = block.RawData()
	}
}
