package firehose

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/retry"
	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/stream"
	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testOp struct {
	Action string `cbor:"action"`
	Path   string `cbor:"path"`
	CID    any    `cbor:"cid"`
	Record any    `cbor:"record"`
}

type testCommit struct {
	Seq  int64    `cbor:"seq"`
	Repo string   `cbor:"repo"`
	Ops  []testOp `cbor:"ops"`
}

func mustFrame(t *testing.T, header frameHeader, body any) []byte {
	t.Helper()
	head, err := cbor.Marshal(header)
	require.NoError(t, err)
	payload, err := cbor.Marshal(body)
	require.NoError(t, err)
	return append(head, payload...)
}

// newTestRelay serves a WebSocket that writes frames, then runs after.
func newTestRelay(t *testing.T, frames [][]byte, after func(*websocket.Conn)) (*httptest.Server, chan string) {
	t.Helper()
	cursors := make(chan string, 4)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cursors <- r.URL.Query().Get("cursor")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, data := range frames {
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		}
		if after != nil {
			after(conn)
		}
	}))
	t.Cleanup(server.Close)
	return server, cursors
}

func holdUntilClientCloses(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func closeNormally(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	holdUntilClientCloses(conn)
}

func collect(t *testing.T, sub stream.Subscription) []stream.CommitEvent {
	t.Helper()
	var events []stream.CommitEvent
	timeout := time.After(3 * time.Second)
	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, event)
		case <-timeout:
			t.Fatal("timed out waiting for subscription to end")
		}
	}
}

func TestSubscribeDecodesCommitOps(t *testing.T) {
	frames := [][]byte{
		mustFrame(t, frameHeader{Op: 1, Type: "#commit"}, testCommit{
			Seq:  41,
			Repo: "did:plc:alice",
			Ops: []testOp{
				{Action: "create", Path: "app.ch.poltr.ballot.entry/b1", CID: "bafyballot", Record: map[string]any{"title": "Ballot"}},
				{Action: "create", Path: "app.ch.poltr.comment/c0", CID: "bafyskipped", Record: nil},
				{Action: "delete", Path: "app.ch.poltr.comment/c1"},
			},
		}),
		mustFrame(t, frameHeader{Op: 1, Type: "#info"}, infoBody{Name: "OutdatedCursor"}),
	}
	server, cursors := newTestRelay(t, frames, closeNormally)

	source, err := NewSource(SourceConfig{URL: server.URL})
	require.NoError(t, err)

	sub, err := source.Subscribe(context.Background(), stream.Seq(40))
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, "40", <-cursors)
	events := collect(t, sub)
	require.Len(t, events, 2)

	assert.Equal(t, "at://did:plc:alice/app.ch.poltr.ballot.entry/b1", events[0].URI())
	assert.Equal(t, stream.OperationCreate, events[0].Operation)
	assert.Equal(t, "bafyballot", events[0].CID)
	assert.False(t, events[0].EndOfCommit)
	require.NotNil(t, events[0].Sequence)
	assert.Equal(t, int64(41), *events[0].Sequence)

	var record map[string]any
	require.NoError(t, cbor.Unmarshal(events[0].Record, &record))
	assert.Equal(t, "Ballot", record["title"])

	assert.Equal(t, stream.OperationDelete, events[1].Operation)
	assert.True(t, events[1].EndOfCommit)
	assert.Empty(t, events[1].Record)

	assert.ErrorIs(t, sub.Err(), stream.ErrClosed)
}

func TestSubscribeClassifiesRemoteErrors(t *testing.T) {
	testCases := []struct {
		name      string
		remote    string
		retriable bool
	}{
		{name: "slow consumer", remote: "ConsumerTooSlow", retriable: true},
		{name: "future cursor", remote: "FutureCursor", retriable: false},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			frames := [][]byte{mustFrame(t, frameHeader{Op: -1}, errorBody{Error: testCase.remote})}
			server, _ := newTestRelay(t, frames, holdUntilClientCloses)
			source, err := NewSource(SourceConfig{URL: server.URL})
			require.NoError(t, err)

			sub, err := source.Subscribe(context.Background(), nil)
			require.NoError(t, err)
			defer sub.Close()

			assert.Empty(t, collect(t, sub))
			var remote *RemoteError
			require.ErrorAs(t, sub.Err(), &remote)
			assert.Equal(t, testCase.remote, remote.Name)
			assert.Equal(t, testCase.retriable, retry.IsRetriable(sub.Err()))
		})
	}
}

func TestSubscribeClassifiesHandshakeStatus(t *testing.T) {
	testCases := []struct {
		status    int
		retriable bool
	}{
		{status: http.StatusBadGateway, retriable: true},
		{status: http.StatusTooManyRequests, retriable: true},
		{status: http.StatusUnauthorized, retriable: false},
	}
	for _, testCase := range testCases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(testCase.status)
		}))
		source, err := NewSource(SourceConfig{URL: server.URL})
		require.NoError(t, err)

		_, err = source.Subscribe(context.Background(), nil)
		require.Error(t, err)
		assert.Equal(t, testCase.retriable, retry.IsRetriable(err), "status %d", testCase.status)
		server.Close()
	}
}

func TestSubscriptionCloseStopsReader(t *testing.T) {
	server, cursors := newTestRelay(t, nil, holdUntilClientCloses)
	source, err := NewSource(SourceConfig{URL: server.URL})
	require.NoError(t, err)

	sub, err := source.Subscribe(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "", <-cursors)

	done := make(chan error, 1)
	go func() { done <- sub.Close() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("close did not return")
	}
	_, open := <-sub.Events()
	assert.False(t, open)
	assert.NoError(t, sub.Err())
}

func TestServiceBase(t *testing.T) {
	testCases := map[string]string{
		"pds.poltr.info":                     "wss://pds.poltr.info",
		"wss://bsky.network":                 "wss://bsky.network",
		"https://relay.example.com/":         "wss://relay.example.com",
		"http://127.0.0.1:8080":              "ws://127.0.0.1:8080",
		"wss://relay.example.com/xrpc/com.atproto.sync.subscribeRepos?cursor=5": "wss://relay.example.com",
	}
	for input, expected := range testCases {
		base, err := ServiceBase(input)
		require.NoError(t, err, input)
		assert.Equal(t, expected, base, input)
	}

	_, err := ServiceBase("ftp://relay.example.com")
	assert.Error(t, err)
	_, err = ServiceBase("  ")
	assert.Error(t, err)
}

func TestSubscribeURL(t *testing.T) {
	assert.Equal(t, "wss://relay/xrpc/com.atproto.sync.subscribeRepos", SubscribeURL("wss://relay", nil))
	assert.Equal(t, "wss://relay/xrpc/com.atproto.sync.subscribeRepos?cursor=0", SubscribeURL("wss://relay/", stream.Seq(0)))
}

func TestCIDLinkDecodesBinaryTag(t *testing.T) {
	id, _ := mustRecordBlock(t, map[string]any{"text": "linked"})
	data, err := cbor.Marshal(testLink(id))
	require.NoError(t, err)

	var link cidLink
	require.NoError(t, cbor.Unmarshal(data, &link))
	assert.Equal(t, id.String(), string(link))
	assert.Contains(t, string(link), "bafyrei")

	truncated, err := cbor.Marshal(cbor.Tag{Number: cidLinkTag, Content: []byte{0x00, 0x01, 0x71, 0x12, 0x20}})
	require.NoError(t, err)
	assert.Error(t, cbor.Unmarshal(truncated, &link))

	_, err = decodeFrame([]byte{0xff})
	assert.True(t, errors.Is(err, errMalformedFrame))
}
