package sync

import (
	"errors"
	"net"
	"strconv"
	"testing"

	"github.com/marcus/flipstock/internal/models"
	"github.com/marcus/flipstock/internal/queue"
	"github.com/marcus/flipstock/internal/remote"
	"github.com/marcus/flipstock/internal/store"
	"github.com/marcus/flipstock/internal/track"
)

// fakeServer records writes and serves scripted rows per table.
type fakeServer struct {
	upserts map[string][]models.Record
	deletes map[string][]string
	rows    map[string][]remote.Row

	failWith error
	calls    int
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		upserts: make(map[string][]models.Record),
		deletes: make(map[string][]string),
		rows:    make(map[string][]remote.Row),
	}
}

func (f *fakeServer) UpsertBatch(accountID, table string, records []models.Record) error {
	f.calls++
	if f.failWith != nil {
		return f.failWith
	}
	f.upserts[table] = append(f.upserts[table], records...)
	return nil
}

func (f *fakeServer) DeleteBatch(accountID, table string, ids []string) error {
	f.calls++
	if f.failWith != nil {
		return f.failWith
	}
	f.deletes[table] = append(f.deletes[table], ids...)
	return nil
}

func (f *fakeServer) FetchSince(accountID, table string, since int64) ([]remote.Row, error) {
	f.calls++
	if f.failWith != nil {
		return nil, f.failWith
	}
	var out []remote.Row
	for _, row := range f.rows[table] {
		if since == 0 || row.UpdatedAt > since {
			out = append(out, row)
		}
	}
	return out, nil
}

// netError satisfies net.Error so IsNetworkError treats it as transport-level.
type netError struct{}

func (netError) Error() string   { return "connection refused" }
func (netError) Timeout() bool   { return false }
func (netError) Temporary() bool { return false }

var _ net.Error = netError{}

type harness struct {
	data   *models.Dataset
	store  *store.Store
	track  *track.Tracker
	queue  *queue.Queue
	server *fakeServer
	engine *Engine
}

func setupEngine(t *testing.T) *harness {
	t.Helper()
	data := models.NewDataset()
	st := store.Open(t.TempDir(), data)
	t.Cleanup(func() { st.Close() })

	tr := track.New(data)
	q, err := queue.Open(st.Conn())
	if err != nil {
		t.Fatal(err)
	}
	server := newFakeServer()
	return &harness{
		data:   data,
		store:  st,
		track:  tr,
		queue:  q,
		server: server,
		engine: New(data, st, tr, q, server, "acct1"),
	}
}

func TestPushDeltaSendsOnlyChanged(t *testing.T) {
	h := setupEngine(t)
	h.data.Put(models.TableInventory, models.Record{"id": "a", "price": 10.0})
	h.data.Put(models.TableInventory, models.Record{"id": "b", "price": 20.0})
	h.track.MarkDirty(models.TableInventory, "a")
	h.track.MarkDeleted(models.TableSales, "s1")

	if err := h.engine.PushDelta(); err != nil {
		t.Fatal(err)
	}

	sent := h.server.upserts[models.TableInventory]
	if len(sent) != 1 || sent[0].ID() != "a" {
		t.Errorf("upserts = %v, want only the dirty record", sent)
	}
	if got := h.server.deletes[models.TableSales]; len(got) != 1 || got[0] != "s1" {
		t.Errorf("deletes = %v, want [s1]", got)
	}
	if h.track.Pending() {
		t.Error("tracker must be cleared after a confirmed push")
	}
	if push, _ := h.engine.Watermarks(); push == 0 {
		t.Error("push watermark must advance")
	}
}

func TestPushDeltaStripsLocalFields(t *testing.T) {
	h := setupEngine(t)
	h.data.Put(models.TableInventory, models.Record{"id": "a"})
	h.track.MarkDirty(models.TableInventory, "a")

	if err := h.engine.PushDelta(); err != nil {
		t.Fatal(err)
	}
	sent := h.server.upserts[models.TableInventory][0]
	if _, ok := sent[models.LocalUpdatedAtKey]; ok {
		t.Error("local stamp leaked to the remote")
	}
}

func TestPushDeltaNoChangesIsNoop(t *testing.T) {
	h := setupEngine(t)
	if err := h.engine.PushDelta(); err != nil {
		t.Fatal(err)
	}
	if h.server.calls != 0 {
		t.Errorf("calls = %d, want no network traffic", h.server.calls)
	}
	if push, _ := h.engine.Watermarks(); push != 0 {
		t.Error("watermark must not move without a push")
	}
}

func TestPushDeltaIsIdempotent(t *testing.T) {
	h := setupEngine(t)
	h.data.Put(models.TableInventory, models.Record{"id": "a", "price": 10.0})
	h.track.MarkDirty(models.TableInventory, "a")

	if err := h.engine.PushDelta(); err != nil {
		t.Fatal(err)
	}
	// Second push with no new changes sends nothing.
	if err := h.engine.PushDelta(); err != nil {
		t.Fatal(err)
	}
	if len(h.server.upserts[models.TableInventory]) != 1 {
		t.Errorf("upserts = %v, want exactly one send", h.server.upserts[models.TableInventory])
	}
}

func TestPushNetworkFailureDefersToQueue(t *testing.T) {
	h := setupEngine(t)
	h.data.Put(models.TableInventory, models.Record{"id": "a"})
	h.track.MarkDirty(models.TableInventory, "a")
	h.server.failWith = netError{}

	err := h.engine.PushDelta()
	if err == nil {
		t.Fatal("expected an error surfacing the deferral")
	}
	if h.queue.Len() != 1 {
		t.Errorf("queue len = %d, want the change queued", h.queue.Len())
	}
	if h.track.Pending() {
		t.Error("tracker restarts clean once the change is queued")
	}
	if push, _ := h.engine.Watermarks(); push != 0 {
		t.Error("watermark must not advance on failure")
	}
}

func TestPushServerRejectionKeepsTracker(t *testing.T) {
	h := setupEngine(t)
	h.data.Put(models.TableInventory, models.Record{"id": "a"})
	h.track.MarkDirty(models.TableInventory, "a")
	h.server.failWith = errors.New("422 validation failed")

	if err := h.engine.PushDelta(); err == nil {
		t.Fatal("expected the rejection surfaced")
	}
	if h.queue.Len() != 0 {
		t.Error("rejections are not queued")
	}
	if !h.track.Pending() {
		t.Error("dirty set must survive for the next cycle")
	}
}

func TestPushOfflineQueuesWithoutNetwork(t *testing.T) {
	h := setupEngine(t)
	h.data.Put(models.TableSales, models.Record{"id": "s1"})
	h.track.MarkDirty(models.TableSales, "s1")
	h.engine.SetOffline(true)

	if err := h.engine.PushDelta(); err != nil {
		t.Fatal(err)
	}
	if h.server.calls != 0 {
		t.Error("offline push must not touch the network")
	}
	if h.queue.Len() != 1 {
		t.Errorf("queue len = %d, want 1", h.queue.Len())
	}
}

func TestPullBootstrapReplacesLocal(t *testing.T) {
	h := setupEngine(t)
	// Local state that never synced; no pull watermark exists.
	h.data.Put(models.TableInventory, models.Record{"id": "stale"})
	h.server.rows[models.TableInventory] = []remote.Row{
		{ID: "a", UpdatedAt: 100, Data: models.Record{"id": "a", "price": 10.0}},
		{ID: "b", UpdatedAt: 200, Data: models.Record{"id": "b"}},
	}

	if err := h.engine.PullDelta(); err != nil {
		t.Fatal(err)
	}
	if h.data.Contains(models.TableInventory, "stale") {
		t.Error("bootstrap pull must wholly replace local state")
	}
	if h.data.Len(models.TableInventory) != 2 {
		t.Errorf("len = %d, want 2", h.data.Len(models.TableInventory))
	}
	if _, pull := h.engine.Watermarks(); pull == 0 {
		t.Error("pull watermark must advance")
	}
}

func TestPullIncrementalLastWriterWins(t *testing.T) {
	h := setupEngine(t)
	h.store.SetMeta(MetaLastPull, "50") // prior sync: incremental merge path

	local := models.Record{"id": "a", "price": 10.0}
	local.Touch(100)
	h.data.Put(models.TableInventory, local)

	h.server.rows[models.TableInventory] = []remote.Row{
		{ID: "a", UpdatedAt: 200, Data: models.Record{"id": "a", "price": 12.0}},
	}
	if err := h.engine.PullDelta(); err != nil {
		t.Fatal(err)
	}
	got, _ := h.data.Get(models.TableInventory, "a")
	if got["price"] != 12.0 {
		t.Errorf("price = %v, want the newer remote edit to win", got["price"])
	}
	if got.LocalUpdatedAt() != 0 {
		t.Error("merge-from-remote must not set the local stamp")
	}
}

func TestPullIncrementalKeepsNewerLocal(t *testing.T) {
	h := setupEngine(t)
	h.store.SetMeta(MetaLastPull, "50")

	local := models.Record{"id": "a", "price": 15.0}
	local.Touch(300) // local edit after the remote write
	h.data.Put(models.TableInventory, local)

	h.server.rows[models.TableInventory] = []remote.Row{
		{ID: "a", UpdatedAt: 200, Data: models.Record{"id": "a", "price": 12.0}},
	}
	if err := h.engine.PullDelta(); err != nil {
		t.Fatal(err)
	}
	got, _ := h.data.Get(models.TableInventory, "a")
	if got["price"] != 15.0 {
		t.Errorf("price = %v, want the newer local edit kept", got["price"])
	}
}

func TestPullTieGoesToRemote(t *testing.T) {
	h := setupEngine(t)
	h.store.SetMeta(MetaLastPull, "50")

	local := models.Record{"id": "a", "price": 15.0}
	local.Touch(200)
	h.data.Put(models.TableInventory, local)

	h.server.rows[models.TableInventory] = []remote.Row{
		{ID: "a", UpdatedAt: 200, Data: models.Record{"id": "a", "price": 12.0}},
	}
	if err := h.engine.PullDelta(); err != nil {
		t.Fatal(err)
	}
	got, _ := h.data.Get(models.TableInventory, "a")
	if got["price"] != 12.0 {
		t.Errorf("price = %v, want ties resolved to remote", got["price"])
	}
}

func TestPullIncrementalAddsUnknownRecords(t *testing.T) {
	h := setupEngine(t)
	h.store.SetMeta(MetaLastPull, "50")
	h.data.Put(models.TableInventory, models.Record{"id": "existing"})

	h.server.rows[models.TableInventory] = []remote.Row{
		{ID: "new", UpdatedAt: 100, Data: models.Record{"id": "new"}},
	}
	if err := h.engine.PullDelta(); err != nil {
		t.Fatal(err)
	}
	if !h.data.Contains(models.TableInventory, "existing") {
		t.Error("incremental merge must not drop untouched local records")
	}
	if !h.data.Contains(models.TableInventory, "new") {
		t.Error("new remote record missing")
	}
}

func TestPullFailureLeavesStateUntouched(t *testing.T) {
	h := setupEngine(t)
	h.store.SetMeta(MetaLastPull, "50")
	h.data.Put(models.TableInventory, models.Record{"id": "a"})
	h.server.failWith = errors.New("boom")

	if err := h.engine.PullDelta(); err == nil {
		t.Fatal("expected pull error")
	}
	if !h.data.Contains(models.TableInventory, "a") {
		t.Error("failed pull must not mutate collections")
	}
	if v, _ := h.store.GetMeta(MetaLastPull); v != "50" {
		t.Errorf("watermark = %q, want unchanged", v)
	}
}

func TestPullBadWatermarkForcesFullPull(t *testing.T) {
	h := setupEngine(t)
	h.store.SetMeta(MetaLastPull, "not-a-number")
	h.data.Put(models.TableInventory, models.Record{"id": "stale"})
	h.server.rows[models.TableInventory] = []remote.Row{
		{ID: "a", UpdatedAt: 100, Data: models.Record{"id": "a"}},
	}

	if err := h.engine.PullDelta(); err != nil {
		t.Fatal(err)
	}
	if h.data.Contains(models.TableInventory, "stale") {
		t.Error("corrupt watermark must fall back to a full replace")
	}
}

func TestFullSyncPullsThenPushes(t *testing.T) {
	h := setupEngine(t)
	h.store.SetMeta(MetaLastPull, "50")

	local := models.Record{"id": "a", "price": 10.0}
	local.Touch(300)
	h.data.Put(models.TableInventory, local)
	h.track.MarkDirty(models.TableInventory, "a")

	// Remote has an older concurrent edit; pull keeps local, push sends it.
	h.server.rows[models.TableInventory] = []remote.Row{
		{ID: "a", UpdatedAt: 200, Data: models.Record{"id": "a", "price": 12.0}},
	}
	if err := h.engine.FullSync(); err != nil {
		t.Fatal(err)
	}
	sent := h.server.upserts[models.TableInventory]
	if len(sent) != 1 || sent[0]["price"] != 10.0 {
		t.Errorf("upserts = %v, want the surviving local edit pushed", sent)
	}
}

func TestReplayQueueSkipsWhenEmpty(t *testing.T) {
	h := setupEngine(t)
	res := h.engine.ReplayQueue()
	if res != (queue.Result{}) {
		t.Errorf("result = %+v, want zero", res)
	}
	if h.server.calls != 0 {
		t.Error("empty queue replay must not touch the network")
	}
}

func TestReplayQueueDrainsDeferredPush(t *testing.T) {
	h := setupEngine(t)
	h.data.Put(models.TableInventory, models.Record{"id": "a"})
	h.track.MarkDirty(models.TableInventory, "a")
	h.engine.SetOffline(true)
	if err := h.engine.PushDelta(); err != nil {
		t.Fatal(err)
	}

	h.engine.SetOffline(false)
	res := h.engine.ReplayQueue()
	if res.OK != 1 {
		t.Errorf("result = %+v, want ok=1", res)
	}
	if len(h.server.upserts[models.TableInventory]) != 1 {
		t.Error("deferred upsert never reached the server")
	}
}

func TestStatusTransitions(t *testing.T) {
	h := setupEngine(t)
	var states []State
	h.engine.OnStatus(func(st Status) { states = append(states, st.State) })

	h.data.Put(models.TableInventory, models.Record{"id": "a"})
	h.track.MarkDirty(models.TableInventory, "a")
	if err := h.engine.PushDelta(); err != nil {
		t.Fatal(err)
	}

	want := []State{StateSyncing, StateConnected}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("state %d = %v, want %v", i, states[i], want[i])
		}
	}

	h.server.failWith = errors.New("boom")
	h.track.MarkDirty(models.TableInventory, "a")
	h.engine.PushDelta()
	if states[len(states)-1] != StateError {
		t.Errorf("last state = %v, want error", states[len(states)-1])
	}
}

func TestMarkDegradedSurfacesError(t *testing.T) {
	h := setupEngine(t)
	var last Status
	h.engine.OnStatus(func(st Status) { last = st })

	h.engine.MarkDegraded("initial sync timed out")

	if st := h.engine.Status(); st.State != StateError || st.Message != "initial sync timed out" {
		t.Errorf("status = %+v, want the degraded error surfaced", st)
	}
	if last.State != StateError {
		t.Errorf("observer saw %+v, want the error state", last)
	}

	// A completing sync cycle overwrites the degraded status.
	if err := h.engine.PullDelta(); err != nil {
		t.Fatal(err)
	}
	if st := h.engine.Status(); st.State != StateConnected {
		t.Errorf("status after pull = %+v, want connected", st)
	}
}

func TestWatermarksParse(t *testing.T) {
	h := setupEngine(t)
	h.store.SetMeta(MetaLastPush, strconv.FormatInt(1700000000001, 10))
	h.store.SetMeta(MetaLastPull, strconv.FormatInt(1700000000002, 10))

	push, pull := h.engine.Watermarks()
	if push != 1700000000001 || pull != 1700000000002 {
		t.Errorf("watermarks = %d, %d", push, pull)
	}
}
