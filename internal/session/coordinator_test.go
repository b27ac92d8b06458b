package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/thinkalike/console/internal/channel"
	"github.com/thinkalike/console/internal/command"
	"github.com/thinkalike/console/internal/rest"
	"github.com/thinkalike/console/internal/trace"
)

// --- test doubles ---

type recordingSink struct {
	mu      sync.Mutex
	entries []trace.Entry
}

func (r *recordingSink) Append(dir trace.Direction, tp trace.Transport, label string, payload any) trace.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := trace.Entry{Seq: uint64(len(r.entries) + 1), Direction: dir, Transport: tp, Label: label}
	if payload != nil {
		switch v := payload.(type) {
		case string:
			e.Payload = v
		case error:
			e.Payload = v.Error()
		default:
			b, _ := json.Marshal(v)
			e.Payload = string(b)
		}
	}
	r.entries = append(r.entries, e)
	return e
}

func (r *recordingSink) all() []trace.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]trace.Entry(nil), r.entries...)
}

func (r *recordingSink) countWhere(dir trace.Direction, tp trace.Transport) int {
	n := 0
	for _, e := range r.all() {
		if e.Direction == dir && e.Transport == tp {
			n++
		}
	}
	return n
}

func (r *recordingSink) hasLabel(label string) bool {
	for _, e := range r.all() {
		if e.Label == label {
			return true
		}
	}
	return false
}

// fakeREST serves scripted responses per endpoint and mirrors the real
// client's 1:1 trace accounting.
type fakeREST struct {
	mu        sync.Mutex
	sink      trace.Sink
	responses map[string]string
	failures  map[string]error
	calls     []string
}

func newFakeREST(sink trace.Sink) *fakeREST {
	return &fakeREST{
		sink:      sink,
		responses: map[string]string{},
		failures:  map[string]error{},
	}
}

func (f *fakeREST) Call(ctx context.Context, name string, pathParams map[string]string, query url.Values, body any) (rest.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()

	f.sink.Append(trace.Outbound, trace.REST, name, body)

	if err := ctx.Err(); err != nil {
		f.sink.Append(trace.Inbound, trace.REST, "network failure", err)
		return rest.Result{}, fmt.Errorf("%s: %w", name, err)
	}
	if err := f.failures[name]; err != nil {
		f.sink.Append(trace.Inbound, trace.REST, "failure", err)
		return rest.Result{}, err
	}
	resp, ok := f.responses[name]
	if !ok {
		resp = `{}`
	}
	f.sink.Append(trace.Inbound, trace.REST, "status 200", resp)
	return rest.Result{Status: 200, Body: json.RawMessage(resp)}, nil
}

func (f *fakeREST) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type emitRecord struct {
	name    string
	payload any
}

// fakeChannel mirrors the real client's contract: status transitions flow
// through Lifecycle(), emits are traced outbound only when connected.
type fakeChannel struct {
	mu         sync.Mutex
	sink       trace.Sink
	status     channel.Status
	emits      []emitRecord
	connectErr error
	events     chan channel.Event
	lifecycle  chan channel.Status
}

func newFakeChannel(sink trace.Sink) *fakeChannel {
	return &fakeChannel{
		sink:      sink,
		status:    channel.Disconnected,
		events:    make(chan channel.Event, 16),
		lifecycle: make(chan channel.Status, 16),
	}
}

func (f *fakeChannel) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == channel.Connected || f.status == channel.Connecting {
		return nil
	}
	if f.connectErr != nil {
		f.setStatusLocked(channel.Connecting)
		f.setStatusLocked(channel.Disconnected)
		f.sink.Append(trace.Inbound, trace.Channel, "connect failed", f.connectErr)
		return f.connectErr
	}
	f.setStatusLocked(channel.Connecting)
	f.setStatusLocked(channel.Connected)
	f.sink.Append(trace.Inbound, trace.Channel, "connected", nil)
	return nil
}

func (f *fakeChannel) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status != channel.Connected && f.status != channel.Connecting {
		return nil
	}
	f.setStatusLocked(channel.Closing)
	f.setStatusLocked(channel.Disconnected)
	f.sink.Append(trace.Inbound, trace.Channel, "disconnected", nil)
	return nil
}

func (f *fakeChannel) Emit(name string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status != channel.Connected {
		return channel.ErrNotConnected
	}
	f.emits = append(f.emits, emitRecord{name: name, payload: data})
	f.sink.Append(trace.Outbound, trace.Channel, "emit "+name, data)
	return nil
}

func (f *fakeChannel) Status() channel.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeChannel) Events() <-chan channel.Event     { return f.events }
func (f *fakeChannel) Lifecycle() <-chan channel.Status { return f.lifecycle }

func (f *fakeChannel) setStatusLocked(s channel.Status) {
	f.status = s
	select {
	case f.lifecycle <- s:
	default:
	}
}

func (f *fakeChannel) allEmits() []emitRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emitRecord(nil), f.emits...)
}

func (f *fakeChannel) lastEmit(t *testing.T) emitRecord {
	t.Helper()
	emits := f.allEmits()
	if len(emits) == 0 {
		t.Fatal("no emits recorded")
	}
	return emits[len(emits)-1]
}

func newTestCoordinator() (*Coordinator, *fakeREST, *fakeChannel, *recordingSink) {
	sink := &recordingSink{}
	fr := newFakeREST(sink)
	fc := newFakeChannel(sink)
	return New(fr, fc, sink), fr, fc, sink
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func dispatch(t *testing.T, c *Coordinator, line string) {
	t.Helper()
	if !c.Dispatch(context.Background(), command.Parse(line)) {
		t.Fatalf("Dispatch(%q) asked to quit", line)
	}
}

// --- tests ---

// The end-to-end walkthrough: player, quick-join, channel up, room join
// over the channel referencing the REST-issued room verbatim, commit, and
// an unrelated inbound event landing in between.
func TestSessionWalkthrough(t *testing.T) {
	c, fr, fc, sink := newTestCoordinator()
	fr.responses["players_by_username"] = `{"id":7,"username":"tal","balance":100}`
	fr.responses["rooms_quick_join"] = `{"room_key":"room-a1b2c3","room_token":"tok-xyz"}`

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	dispatch(t, c, "pa tal")
	state := c.Snapshot()
	if state.PlayerID != "7" || state.Username != "tal" {
		t.Fatalf("player state = %q/%q, want 7/tal", state.PlayerID, state.Username)
	}
	if got := sink.countWhere(trace.Outbound, trace.REST); got != 1 {
		t.Fatalf("outbound REST entries after pa = %d, want 1", got)
	}
	if got := sink.countWhere(trace.Inbound, trace.REST); got != 1 {
		t.Fatalf("inbound REST entries after pa = %d, want 1", got)
	}

	dispatch(t, c, "jc")
	state = c.Snapshot()
	if state.RoomID != "room-a1b2c3" {
		t.Fatalf("RoomID = %q, want the REST response value verbatim", state.RoomID)
	}
	if state.AuthToken != "tok-xyz" {
		t.Fatalf("AuthToken = %q, want tok-xyz", state.AuthToken)
	}

	dispatch(t, c, "ws on")
	if got := fc.Status(); got != channel.Connected {
		t.Fatalf("channel status = %q, want connected", got)
	}
	waitFor(t, func() bool { return c.Snapshot().ChannelStatus == channel.Connected })

	// An unrelated inbound event may land at any point after ws on.
	fc.events <- channel.Event{Name: "room_update", Data: json.RawMessage(`{"players":3}`)}

	dispatch(t, c, "wsjr")
	emit := fc.lastEmit(t)
	if emit.name != "join_room" {
		t.Fatalf("emit = %q, want join_room", emit.name)
	}
	payload := emit.payload.(map[string]any)
	if payload["room_id"] != "room-a1b2c3" {
		t.Fatalf("join_room room_id = %v, want room-a1b2c3 byte-for-byte", payload["room_id"])
	}
	if payload["token"] != "tok-xyz" {
		t.Fatalf("join_room token = %v, want tok-xyz", payload["token"])
	}

	dispatch(t, c, "commit 3")
	emit = fc.lastEmit(t)
	if emit.name != "commit" {
		t.Fatalf("emit = %q, want commit", emit.name)
	}
	if _, ok := emit.payload.(map[string]any)["hash"]; !ok {
		t.Fatal("commit payload missing hash")
	}

	// Subsequent REST traffic is not disturbed by channel activity.
	fr.responses["rooms_list"] = `{"rooms":[]}`
	dispatch(t, c, "rl")
	if got := sink.countWhere(trace.Outbound, trace.REST); got != 3 {
		t.Fatalf("outbound REST entries = %d, want 3", got)
	}
}

func TestQuickJoinRequiresPlayer(t *testing.T) {
	c, fr, _, sink := newTestCoordinator()

	dispatch(t, c, "jc")
	if fr.callCount() != 0 {
		t.Fatal("quick-join without a player must not hit the backend")
	}
	if !sink.hasLabel("no player") {
		t.Fatal("missing local precondition entry")
	}
}

func TestQuickJoinKeepsRoomVerbatim(t *testing.T) {
	c, fr, _, _ := newTestCoordinator()
	fr.responses["players_by_username"] = `{"id":1,"username":"x","balance":0}`
	// Room keys are opaque: whatever the backend returns is held untouched.
	fr.responses["rooms_quick_join"] = `{"room_key":"  Room/Aa+==07  ","room_token":"t"}`

	dispatch(t, c, "pa x")
	dispatch(t, c, "jc")

	if got := c.Snapshot().RoomID; got != "  Room/Aa+==07  " {
		t.Fatalf("RoomID = %q, mutated in transit", got)
	}
}

func TestEmitWhileDisconnectedIsRejectedLocally(t *testing.T) {
	c, _, _, sink := newTestCoordinator()

	for _, line := range []string{"commit 3", "pick 1", "reveal", "start", "wsjr", `we ping {"a":1}`} {
		dispatch(t, c, line)
	}

	if got := sink.countWhere(trace.Outbound, trace.Channel); got != 0 {
		t.Fatalf("%d outbound channel entries while disconnected, want 0", got)
	}
	if got := sink.countWhere(trace.Local, trace.Session); got != 6 {
		t.Fatalf("%d local rejection entries, want 6", got)
	}
}

func TestChannelToggleIdempotent(t *testing.T) {
	c, _, fc, sink := newTestCoordinator()

	dispatch(t, c, "ws on")
	connectedEntries := sink.countWhere(trace.Inbound, trace.Channel)

	dispatch(t, c, "ws on") // no-op
	if got := sink.countWhere(trace.Inbound, trace.Channel); got != connectedEntries {
		t.Fatalf("no-op toggle produced %d extra entries", got-connectedEntries)
	}

	dispatch(t, c, "ws off")
	dispatch(t, c, "ws off") // no-op
	dispatch(t, c, "ws on")

	if got := fc.Status(); got != channel.Connected {
		t.Fatalf("final status = %q, want connected", got)
	}
}

func TestConnectFailureLeavesDisconnected(t *testing.T) {
	c, _, fc, _ := newTestCoordinator()
	fc.connectErr = fmt.Errorf("connection refused")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	dispatch(t, c, "ws on")
	if got := fc.Status(); got != channel.Disconnected {
		t.Fatalf("status = %q, want disconnected", got)
	}
	waitFor(t, func() bool { return c.Snapshot().ChannelStatus == channel.Disconnected })
}

func TestCancelledCallLeavesStateUntouched(t *testing.T) {
	c, fr, _, _ := newTestCoordinator()
	fr.responses["players_by_username"] = `{"id":9,"username":"pre","balance":1}`
	fr.responses["rooms_quick_join"] = `{"room_key":"pre-room","room_token":"pre-token"}`

	dispatch(t, c, "pa pre")
	dispatch(t, c, "jc")
	before := c.Snapshot()

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	c.Dispatch(cancelled, command.Parse("jc"))

	after := c.Snapshot()
	if after.RoomID != before.RoomID || after.AuthToken != before.AuthToken {
		t.Fatalf("cancelled call mutated state: %q/%q -> %q/%q",
			before.RoomID, before.AuthToken, after.RoomID, after.AuthToken)
	}
}

func TestHTTPErrorLeavesStateUntouched(t *testing.T) {
	c, fr, _, sink := newTestCoordinator()
	fr.responses["players_by_username"] = `{"id":9,"username":"pre","balance":1}`
	dispatch(t, c, "pa pre")

	fr.failures["rooms_quick_join"] = &rest.HTTPError{Status: 409, Body: []byte(`{"error":"room full"}`)}
	dispatch(t, c, "jc")

	if got := c.Snapshot().RoomID; got != "" {
		t.Fatalf("RoomID = %q after refused join, want empty", got)
	}
	if !sink.hasLabel("rooms_quick_join refused") {
		t.Fatal("missing session-level refusal entry")
	}
}

func TestUnknownCommand(t *testing.T) {
	c, fr, _, sink := newTestCoordinator()

	dispatch(t, c, "frobnicate everything")

	if fr.callCount() != 0 {
		t.Fatal("unknown command must not produce transport activity")
	}
	entries := sink.all()
	if len(entries) != 1 || entries[0].Label != "unrecognized input" {
		t.Fatalf("entries = %+v, want exactly one unrecognized-input entry", entries)
	}
}

func TestPickValidationSurfacesInCoordinator(t *testing.T) {
	c, _, fc, sink := newTestCoordinator()
	dispatch(t, c, "ws on")

	dispatch(t, c, "pick two")
	if !sink.hasLabel("pick rejected") {
		t.Fatal("non-numeric index should be rejected with a local entry")
	}
	if len(fc.allEmits()) != 0 {
		t.Fatal("invalid pick must not emit")
	}

	dispatch(t, c, "pick 2")
	emit := fc.lastEmit(t)
	if emit.name != "pick" || emit.payload.(map[string]any)["index"] != 2 {
		t.Fatalf("emit = %+v, want pick index 2", emit)
	}
}

func TestDealThenAutoReveal(t *testing.T) {
	c, _, fc, _ := newTestCoordinator()
	dispatch(t, c, "ws on")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	fc.events <- channel.Event{Name: "deal", Data: json.RawMessage(
		`{"round_key":"rk-5","adjective":"sneaky","nouns":["cat","door","moon"]}`)}
	waitFor(t, func() bool { return c.Snapshot().RoundKey == "rk-5" })

	dispatch(t, c, "commit 1")
	state := c.Snapshot()
	if state.Choice != 1 || state.Nonce == "" || state.RoundPhase != "committed" {
		t.Fatalf("post-commit state = choice %d nonce %q phase %q", state.Choice, state.Nonce, state.RoundPhase)
	}

	fc.events <- channel.Event{Name: "request_reveal", Data: json.RawMessage(`{}`)}
	waitFor(t, func() bool {
		emits := fc.allEmits()
		return len(emits) > 0 && emits[len(emits)-1].name == "reveal"
	})

	emit := fc.lastEmit(t)
	payload := emit.payload.(map[string]any)
	if payload["round_key"] != "rk-5" || payload["choice"] != 1 || payload["nonce"] != state.Nonce {
		t.Fatalf("auto-reveal payload = %+v, want held commitment", payload)
	}
}

func TestCommitHashMatchesProtocol(t *testing.T) {
	// sha256("p1" + "rk" + "2" + "feed") pinned against the wire protocol.
	got := commitHash("p1", "rk", 2, "feed")
	want := "d762ca2d7f3815ca61b49dd5b1f0e05a17bca6fb2d6cf198eb82113b5572da9d"
	if got != want {
		t.Fatalf("commitHash = %s, want %s", got, want)
	}
}

func TestRemovedFromRoomClearsRoomState(t *testing.T) {
	c, fr, fc, _ := newTestCoordinator()
	fr.responses["players_by_username"] = `{"id":1,"username":"x","balance":0}`
	fr.responses["rooms_quick_join"] = `{"room_key":"r-1","room_token":"t-1"}`

	dispatch(t, c, "pa x")
	dispatch(t, c, "jc")
	dispatch(t, c, "ws on")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	fc.events <- channel.Event{Name: "removed_from_room", Data: json.RawMessage(`{}`)}
	waitFor(t, func() bool { return c.Snapshot().RoomID == "" })

	state := c.Snapshot()
	if state.AuthToken != "" || state.RoundKey != "" || state.Choice != -1 {
		t.Fatalf("room state not fully cleared: %+v", state)
	}
	if state.PlayerID != "1" {
		t.Fatal("player identity must survive room removal")
	}
}

func TestJoinRoomAnnouncesOverLiveChannel(t *testing.T) {
	c, fr, fc, _ := newTestCoordinator()
	fr.responses["players_by_username"] = `{"id":1,"username":"x","balance":0}`
	fr.responses["rooms_quick_join"] = `{"room_key":"r-9","room_token":"t-9"}`

	dispatch(t, c, "pa x")
	dispatch(t, c, "ws on")
	dispatch(t, c, "jc")

	var joined bool
	for _, e := range fc.allEmits() {
		if e.name == "join_room" {
			payload := e.payload.(map[string]any)
			if payload["room_id"] == "r-9" && payload["token"] == "t-9" {
				joined = true
			}
		}
	}
	if !joined {
		t.Fatal("REST join over a live channel should announce join_room")
	}
}

func TestChannelEmitUsesSentinelsForMissingFields(t *testing.T) {
	c, _, fc, _ := newTestCoordinator()
	dispatch(t, c, "ws on")

	// No room, no token: wsjr still emits, with explicit empty values.
	dispatch(t, c, "wsjr")
	emit := fc.lastEmit(t)
	payload := emit.payload.(map[string]any)
	if emit.name != "join_room" || payload["room_id"] != "" || payload["token"] != "" {
		t.Fatalf("emit = %+v, want join_room with empty sentinels", emit)
	}
}

func TestShowSessionHasNoTransportActivity(t *testing.T) {
	c, fr, fc, sink := newTestCoordinator()

	dispatch(t, c, "p me")

	if fr.callCount() != 0 || len(fc.allEmits()) != 0 {
		t.Fatal("p me must not touch either transport")
	}
	if !sink.hasLabel("session") {
		t.Fatal("p me should render the session locally")
	}
}
