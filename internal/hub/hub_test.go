package hub

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"arbor/internal/crdt"
	"arbor/internal/metasync"
	"arbor/internal/registry"
	"arbor/internal/tree"
)

type fakeMetaStore struct {
	touched  chan string
	accessed chan string
}

func newFakeMetaStore() *fakeMetaStore {
	return &fakeMetaStore{
		touched:  make(chan string, 16),
		accessed: make(chan string, 16),
	}
}

func (f *fakeMetaStore) TouchTree(ctx context.Context, treeID, title string, nodeCount int) error {
	f.touched <- treeID
	return nil
}

func (f *fakeMetaStore) UpdateLastAccessed(ctx context.Context, treeID string) error {
	f.accessed <- treeID
	return nil
}

func newTestHub(t *testing.T) (*Hub, *registry.Registry, *fakeMetaStore, *httptest.Server) {
	t.Helper()
	reg := registry.New(nil)
	store := newFakeMetaStore()
	h := New(reg, metasync.New(store))
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return h, reg, store, srv
}

func dial(t *testing.T, srv *httptest.Server, treeID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + treeID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) (byte, []byte) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NotEmpty(t, data)
	return data[0], data[1:]
}

func TestRejectsInvalidTreeIDsBeforeUpgrade(t *testing.T) {
	_, _, _, srv := newTestHub(t)

	for _, path := range []string{"/ws/", "/ws/null"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, "path %s", path)
	}
}

func TestConnectReceivesCurrentState(t *testing.T) {
	_, reg, _, srv := newTestHub(t)

	treeID, err := reg.Create(context.Background(), tree.Snapshot{
		Metadata: tree.Metadata{RootID: "r1"},
		NodeDict: map[string]tree.NodeJSON{
			"r1": {ID: "r1", Title: "Root", Children: []string{"a"}},
			"a":  {ID: "a", Title: "Alpha", Parent: "r1"},
		},
	})
	require.NoError(t, err)

	conn := dial(t, srv, treeID)
	frameType, payload := readFrame(t, conn)
	require.Equal(t, frameUpdate, frameType)

	replica := crdt.NewDoc("client", false)
	require.NoError(t, replica.ApplyUpdate(payload, nil))
	view := tree.NewView(replica)
	require.Equal(t, "r1", view.RootID())
	require.Equal(t, "Alpha", view.Title("a"))
}

func TestUpdateReachesServerDocAndOtherClients(t *testing.T) {
	_, reg, _, srv := newTestHub(t)

	connA := dial(t, srv, "shared")
	connB := dial(t, srv, "shared")
	readFrame(t, connA)
	readFrame(t, connB)

	client := crdt.NewDoc("client-a", false)
	update := client.Transact(nil, func(tx *crdt.Tx) {
		tx.SetMeta(crdt.MetaRootID, "r1")
		tx.SetNodeField("r1", crdt.FieldTitle, "hello")
	})
	require.NoError(t, connA.WriteMessage(websocket.BinaryMessage, frame(frameUpdate, update)))

	// The other client receives the update verbatim.
	frameType, payload := readFrame(t, connB)
	require.Equal(t, frameUpdate, frameType)
	require.Equal(t, update, payload)

	// The server document applied it.
	require.Eventually(t, func() bool {
		h, err := reg.Get(context.Background(), "shared", true)
		require.NoError(t, err)
		return h.View.Title("r1") == "hello"
	}, 5*time.Second, 10*time.Millisecond)

	// The sender gets no echo: the next frame A reads is B's traffic,
	// not A's own update.
	other := crdt.NewDoc("client-b", false)
	fromB := other.Transact(nil, func(tx *crdt.Tx) {
		tx.SetNodeField("r1", crdt.FieldData, map[string]any{"k": "v"})
	})
	require.NoError(t, connB.WriteMessage(websocket.BinaryMessage, frame(frameUpdate, fromB)))
	frameType, payload = readFrame(t, connA)
	require.Equal(t, frameUpdate, frameType)
	require.Equal(t, fromB, payload)
}

func TestUpdatesRelayInReceiptOrder(t *testing.T) {
	_, reg, _, srv := newTestHub(t)

	connA := dial(t, srv, "sequenced")
	connB := dial(t, srv, "sequenced")
	readFrame(t, connA)
	readFrame(t, connB)

	client := crdt.NewDoc("client-a", false)
	const writes = 25
	sent := make([][]byte, 0, writes)
	for i := 0; i < writes; i++ {
		update := client.Transact(nil, func(tx *crdt.Tx) {
			tx.SetNodeField("r1", crdt.FieldTitle, fmt.Sprintf("rev-%d", i))
		})
		sent = append(sent, update)
		require.NoError(t, connA.WriteMessage(websocket.BinaryMessage, frame(frameUpdate, update)))
	}

	// One socket, many updates: the peer sees every one, in the order
	// they were written.
	for i := 0; i < writes; i++ {
		frameType, payload := readFrame(t, connB)
		require.Equal(t, frameUpdate, frameType)
		require.Equal(t, sent[i], payload, "frame %d relayed out of order", i)
	}

	// Applies happen before the rebroadcast, so once the last frame is
	// out the server document holds the last write.
	h, err := reg.Get(context.Background(), "sequenced", true)
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("rev-%d", writes-1), h.View.Title("r1"))
}

func TestAwarenessIsRelayedNotApplied(t *testing.T) {
	_, reg, _, srv := newTestHub(t)

	connA := dial(t, srv, "aware")
	connB := dial(t, srv, "aware")
	readFrame(t, connA)
	readFrame(t, connB)

	presence := []byte("opaque presence blob")
	require.NoError(t, connA.WriteMessage(websocket.BinaryMessage, frame(frameAwareness, presence)))

	frameType, payload := readFrame(t, connB)
	require.Equal(t, frameAwareness, frameType)
	require.Equal(t, presence, payload)

	h, err := reg.Get(context.Background(), "aware", true)
	require.NoError(t, err)
	require.Equal(t, 0, h.View.NodeCount(), "awareness must not touch the document")
}

func TestMalformedUpdateKeepsSessionAlive(t *testing.T) {
	_, reg, _, srv := newTestHub(t)

	conn := dial(t, srv, "resilient")
	readFrame(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame(frameUpdate, []byte("garbage"))))

	// The socket still works afterwards.
	client := crdt.NewDoc("client", false)
	update := client.Transact(nil, func(tx *crdt.Tx) {
		tx.SetNodeField("n1", crdt.FieldTitle, "still here")
	})
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame(frameUpdate, update)))

	require.Eventually(t, func() bool {
		h, err := reg.Get(context.Background(), "resilient", true)
		require.NoError(t, err)
		return h.View.Title("n1") == "still here"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestConnectTriggersMetadataRefresh(t *testing.T) {
	_, reg, store, srv := newTestHub(t)

	treeID, err := reg.Create(context.Background(), tree.Snapshot{
		Metadata: tree.Metadata{RootID: "r1"},
		NodeDict: map[string]tree.NodeJSON{"r1": {ID: "r1", Title: "Root"}},
	})
	require.NoError(t, err)

	conn := dial(t, srv, treeID)
	readFrame(t, conn)

	select {
	case got := <-store.touched:
		require.Equal(t, treeID, got)
	case <-time.After(5 * time.Second):
		t.Fatal("metadata refresh never ran")
	}
}

func TestHandleSurvivesDisconnect(t *testing.T) {
	_, reg, _, srv := newTestHub(t)

	conn := dial(t, srv, "sticky")
	readFrame(t, conn)

	client := crdt.NewDoc("client", false)
	update := client.Transact(nil, func(tx *crdt.Tx) {
		tx.SetMeta(crdt.MetaRootID, "r1")
		tx.SetNodeField("r1", crdt.FieldTitle, "kept")
	})
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame(frameUpdate, update)))

	require.Eventually(t, func() bool {
		h, err := reg.Get(context.Background(), "sticky", true)
		require.NoError(t, err)
		return h.View.Title("r1") == "kept"
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())

	// The document instance outlives the session; a reconnect resumes it.
	require.Eventually(t, func() bool {
		return reg.Has("sticky")
	}, time.Second, 10*time.Millisecond)
	conn2 := dial(t, srv, "sticky")
	frameType, payload := readFrame(t, conn2)
	require.Equal(t, frameUpdate, frameType)

	replica := crdt.NewDoc("client-2", false)
	require.NoError(t, replica.ApplyUpdate(payload, nil))
	require.Equal(t, "kept", tree.NewView(replica).Title("r1"))
}
