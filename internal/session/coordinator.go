// Package session owns the operator's session: one State record, one
// Coordinator writing it. The Coordinator routes interpreted commands to
// the right transport, folds both transports' results back into the State,
// and serializes everything it observes into the trace.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"github.com/thinkalike/console/internal/channel"
	"github.com/thinkalike/console/internal/command"
	"github.com/thinkalike/console/internal/logging"
	"github.com/thinkalike/console/internal/rest"
	"github.com/thinkalike/console/internal/trace"
)

var log = logging.L("session")

// Fixed channel event names for the game actions.
const (
	evJoinPlayer = "join_player"
	evJoinRoom   = "join_room"
	evLeaveRoom  = "leave_room"
	evStart      = "start_round"
	evPick       = "pick"
	evCommit     = "commit"
	evReveal     = "reveal"
	evEmote      = "send_emote"
	evQueue      = "spectator_queue"
)

var emotes = []string{"👍", "😂", "😮", "😡", "🎉", "🤔", "❤️"}

// RESTClient is the synchronous request/response transport.
type RESTClient interface {
	Call(ctx context.Context, name string, pathParams map[string]string, query url.Values, body any) (rest.Result, error)
}

// EventChannel is the asynchronous push transport.
type EventChannel interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Emit(name string, data any) error
	Status() channel.Status
	Events() <-chan channel.Event
	Lifecycle() <-chan channel.Status
}

// Coordinator is the sole writer of State. Foreground command dispatch and
// the background event listener both funnel through it; the mutex
// serializes their state mutations.
type Coordinator struct {
	rest RESTClient
	ch   EventChannel
	sink trace.Sink

	mu    sync.Mutex
	state State
}

func New(restClient RESTClient, ch EventChannel, sink trace.Sink) *Coordinator {
	return &Coordinator{
		rest:  restClient,
		ch:    ch,
		sink:  sink,
		state: newState(),
	}
}

// Snapshot returns a copy of the current session state.
func (c *Coordinator) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	s.Nouns = append([]string(nil), c.state.Nouns...)
	return s
}

// Run drains the channel's inbound event and lifecycle streams until ctx is
// done. It is the background half of the session: it never blocks the
// foreground dispatch loop, and it hands every mutation through the same
// lock dispatch uses.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-c.ch.Lifecycle():
			c.mu.Lock()
			c.state.ChannelStatus = s
			c.mu.Unlock()
		case ev := <-c.ch.Events():
			c.applyEvent(ev)
		}
	}
}

// Dispatch executes one command. It returns false when the operator asked
// to quit. Errors are reported to the trace, never returned: the session
// loop survives every failure.
func (c *Coordinator) Dispatch(ctx context.Context, cmd command.Command) bool {
	switch cmd.Kind {
	case command.KindNop, command.KindHelp:
		// Front-end concerns; nothing for the session to do.

	case command.KindQuit:
		return false

	case command.KindCreateOrFetchPlayer:
		c.createOrFetchPlayer(ctx, cmd.Name)

	case command.KindShowSession:
		c.showSession()

	case command.KindPlayerStats:
		c.playerStats(ctx)

	case command.KindPlayerQuests:
		c.playerQuests(ctx)

	case command.KindClaimReward:
		c.claimReward(ctx, cmd.Name)

	case command.KindQuickJoin:
		c.quickJoin(ctx, cmd.Name)

	case command.KindJoinRoom:
		c.joinRoom(ctx, cmd.Name, false)

	case command.KindObserveRoom:
		c.joinRoom(ctx, cmd.Name, true)

	case command.KindListRooms:
		c.listRooms(ctx, cmd.Name)

	case command.KindRoomDetails:
		c.roomDetails(ctx, cmd.Name)

	case command.KindRoomEvents:
		c.roomEvents(ctx, cmd.Value)

	case command.KindLeaveRoom:
		c.leaveRoom(ctx, cmd.On)

	case command.KindSkipRound:
		c.skipRound(ctx)

	case command.KindLeaderboard:
		c.leaderboard(ctx, cmd.Value)

	case command.KindGameStats:
		c.gameStats(ctx)

	case command.KindChannelToggle:
		c.channelToggle(ctx, cmd.On)

	case command.KindChannelJoinPlayer:
		c.channelJoinPlayer()

	case command.KindChannelJoinRoom:
		c.channelJoinRoom()

	case command.KindChannelEmit:
		c.channelEmit(cmd.Name, parsePayload(cmd.Value))

	case command.KindStart:
		c.channelEmit(evStart, map[string]any{})

	case command.KindPick:
		c.pick(cmd.Value)

	case command.KindCommit:
		c.commit(cmd.Value)

	case command.KindReveal:
		c.reveal()

	case command.KindEmote:
		c.emote(cmd.Value)

	case command.KindSpectatorQueue:
		c.channelEmit(evQueue, map[string]any{"want_to_join": cmd.On})

	case command.KindUnknown:
		c.sink.Append(trace.Local, trace.Session, "unrecognized input", cmd.Raw)

	default:
		c.sink.Append(trace.Local, trace.Session, "unhandled command", string(cmd.Kind))
	}

	return true
}

// --- player ---

type playerResponse struct {
	ID       json.Number `json:"id"`
	PlayerID json.Number `json:"player_id"`
	Username string      `json:"username"`
	Balance  json.Number `json:"balance"`
}

func (p playerResponse) id() string {
	if p.ID.String() != "" {
		return p.ID.String()
	}
	return p.PlayerID.String()
}

func (c *Coordinator) createOrFetchPlayer(ctx context.Context, username string) {
	res, err := c.rest.Call(ctx, "players_by_username", map[string]string{"username": username}, nil, nil)
	if err != nil {
		// Unknown username: create instead. Any other failure is final.
		if httpErr, ok := err.(*rest.HTTPError); !ok || httpErr.Status != 404 {
			c.reportRESTFailure("players_by_username", err)
			return
		}
		res, err = c.rest.Call(ctx, "players_create", nil, nil, map[string]any{"username": username})
		if err != nil {
			c.reportRESTFailure("players_create", err)
			return
		}
	}

	var pr playerResponse
	if err := json.Unmarshal(res.Body, &pr); err != nil || pr.id() == "" {
		c.sink.Append(trace.Local, trace.Session, "player response missing id", string(res.Body))
		return
	}

	c.mu.Lock()
	c.state.PlayerID = pr.id()
	c.state.Username = pr.Username
	c.state.Balance = pr.Balance
	c.state.LastResult = "player " + pr.id()
	playerID, name := c.state.PlayerID, c.state.Username
	c.mu.Unlock()

	if c.ch.Status() == channel.Connected {
		c.emitOrReport(evJoinPlayer, map[string]any{"player_id": playerID, "username": name})
	}
}

func (c *Coordinator) showSession() {
	c.mu.Lock()
	display := c.state.display()
	c.mu.Unlock()
	c.sink.Append(trace.Local, trace.Session, "session", display)
}

func (c *Coordinator) playerStats(ctx context.Context) {
	playerID, ok := c.requirePlayer()
	if !ok {
		return
	}
	res, err := c.rest.Call(ctx, "players_stats", map[string]string{"player_id": playerID}, nil, nil)
	if err != nil {
		c.reportRESTFailure("players_stats", err)
		return
	}
	c.setLastResult(string(res.Body))
}

func (c *Coordinator) playerQuests(ctx context.Context) {
	playerID, ok := c.requirePlayer()
	if !ok {
		return
	}
	res, err := c.rest.Call(ctx, "players_quests", map[string]string{"player_id": playerID}, nil, nil)
	if err != nil {
		c.reportRESTFailure("players_quests", err)
		return
	}
	c.setLastResult(string(res.Body))
}

func (c *Coordinator) claimReward(ctx context.Context, questID string) {
	playerID, ok := c.requirePlayer()
	if !ok {
		return
	}
	body := map[string]any{"quest_id": questID, "player_id": playerID}
	res, err := c.rest.Call(ctx, "players_claim_reward", map[string]string{"player_id": playerID}, nil, body)
	if err != nil {
		c.reportRESTFailure("players_claim_reward", err)
		return
	}

	var claim struct {
		Success    bool        `json:"success"`
		NewBalance json.Number `json:"new_balance"`
	}
	if json.Unmarshal(res.Body, &claim) == nil && claim.Success {
		c.mu.Lock()
		if claim.NewBalance.String() != "" {
			c.state.Balance = claim.NewBalance
		}
		c.state.LastResult = "claimed " + questID
		c.mu.Unlock()
	}
}

// --- rooms ---

type joinResponse struct {
	RoomID     string      `json:"room_id"`
	RoomKey    string      `json:"room_key"`
	Token      string      `json:"token"`
	RoomToken  string      `json:"room_token"`
	Tier       string      `json:"tier"`
	NewBalance json.Number `json:"new_balance"`
}

func (j joinResponse) room() string {
	if j.RoomID != "" {
		return j.RoomID
	}
	return j.RoomKey
}

func (j joinResponse) token() string {
	if j.Token != "" {
		return j.Token
	}
	return j.RoomToken
}

func (c *Coordinator) quickJoin(ctx context.Context, tier string) {
	playerID, ok := c.requirePlayer()
	if !ok {
		return
	}

	body := map[string]any{"player_id": playerID, "tier": tier, "as_spectator": false}
	res, err := c.rest.Call(ctx, "rooms_quick_join", nil, nil, body)
	if err != nil {
		c.reportRESTFailure("rooms_quick_join", err)
		return
	}
	c.applyJoin(res.Body)
}

func (c *Coordinator) joinRoom(ctx context.Context, roomKey string, spectator bool) {
	playerID, ok := c.requirePlayer()
	if !ok {
		return
	}

	body := map[string]any{"room_key": roomKey, "player_id": playerID, "as_spectator": spectator}
	res, err := c.rest.Call(ctx, "rooms_join", nil, nil, body)
	if err != nil {
		c.reportRESTFailure("rooms_join", err)
		return
	}
	c.applyJoin(res.Body)
}

// applyJoin folds a successful join response into the state (room and
// token land together or not at all) and announces the room over the
// channel when it is up.
func (c *Coordinator) applyJoin(body json.RawMessage) {
	var jr joinResponse
	if err := json.Unmarshal(body, &jr); err != nil || jr.room() == "" {
		c.sink.Append(trace.Local, trace.Session, "join response missing room", string(body))
		return
	}

	c.mu.Lock()
	c.state.RoomID = jr.room()
	c.state.AuthToken = jr.token()
	if jr.NewBalance.String() != "" {
		c.state.Balance = jr.NewBalance
	}
	c.state.LastResult = "joined " + jr.room()
	roomID, token := c.state.RoomID, c.state.AuthToken
	c.mu.Unlock()

	if c.ch.Status() == channel.Connected {
		c.emitOrReport(evJoinRoom, map[string]any{"room_id": roomID, "token": token})
	}
}

func (c *Coordinator) listRooms(ctx context.Context, tier string) {
	var query url.Values
	if tier != "" {
		query = url.Values{"tier": []string{tier}}
	}
	res, err := c.rest.Call(ctx, "rooms_list", nil, query, nil)
	if err != nil {
		c.reportRESTFailure("rooms_list", err)
		return
	}
	c.setLastResult(string(res.Body))
}

func (c *Coordinator) roomDetails(ctx context.Context, roomKey string) {
	res, err := c.rest.Call(ctx, "rooms_details", map[string]string{"room_key": roomKey}, nil, nil)
	if err != nil {
		c.reportRESTFailure("rooms_details", err)
		return
	}
	c.setLastResult(string(res.Body))
}

func (c *Coordinator) roomEvents(ctx context.Context, limit string) {
	roomID, ok := c.requireRoom()
	if !ok {
		return
	}
	query := url.Values{"limit": []string{"20"}}
	if _, err := strconv.Atoi(limit); err == nil {
		query.Set("limit", limit)
	}
	res, err := c.rest.Call(ctx, "rooms_events", map[string]string{"room_key": roomID}, query, nil)
	if err != nil {
		c.reportRESTFailure("rooms_events", err)
		return
	}
	c.setLastResult(string(res.Body))
}

func (c *Coordinator) leaveRoom(ctx context.Context, immediate bool) {
	roomID, ok := c.requireRoom()
	if !ok {
		return
	}
	c.mu.Lock()
	playerID := c.state.PlayerID
	c.mu.Unlock()

	body := map[string]any{"room_key": roomID, "player_id": playerID, "at_round_end": !immediate}
	res, err := c.rest.Call(ctx, "rooms_leave", nil, nil, body)
	if err != nil {
		c.reportRESTFailure("rooms_leave", err)
		return
	}

	var leave struct {
		Success   bool `json:"success"`
		Scheduled bool `json:"scheduled"`
	}
	if json.Unmarshal(res.Body, &leave) == nil && leave.Success && !leave.Scheduled {
		c.mu.Lock()
		c.clearRoomLocked()
		c.state.LastResult = "left " + roomID
		c.mu.Unlock()
	}

	if c.ch.Status() == channel.Connected {
		c.emitOrReport(evLeaveRoom, nil)
	}
}

func (c *Coordinator) skipRound(ctx context.Context) {
	roomID, ok := c.requireRoom()
	if !ok {
		return
	}
	c.mu.Lock()
	playerID := c.state.PlayerID
	c.mu.Unlock()

	if _, err := c.rest.Call(ctx, "rooms_skip", nil, nil, map[string]any{"room_key": roomID, "player_id": playerID}); err != nil {
		c.reportRESTFailure("rooms_skip", err)
	}
}

// --- meta ---

func (c *Coordinator) leaderboard(ctx context.Context, limit string) {
	query := url.Values{}
	if _, err := strconv.Atoi(limit); err == nil {
		query.Set("limit", limit)
	}
	c.mu.Lock()
	if c.state.PlayerID != "" {
		query.Set("current_player_id", c.state.PlayerID)
	}
	c.mu.Unlock()

	res, err := c.rest.Call(ctx, "leaderboard", nil, query, nil)
	if err != nil {
		c.reportRESTFailure("leaderboard", err)
		return
	}
	c.setLastResult(string(res.Body))
}

func (c *Coordinator) gameStats(ctx context.Context) {
	res, err := c.rest.Call(ctx, "game_stats", nil, nil, nil)
	if err != nil {
		c.reportRESTFailure("game_stats", err)
		return
	}
	c.setLastResult(string(res.Body))
}

// --- channel ---

func (c *Coordinator) channelToggle(ctx context.Context, on bool) {
	if on {
		if err := c.ch.Connect(ctx); err != nil {
			log.Warn("connect failed", "error", err)
		}
		return
	}
	if err := c.ch.Disconnect(ctx); err != nil {
		log.Warn("disconnect failed", "error", err)
	}
}

func (c *Coordinator) channelJoinPlayer() {
	c.mu.Lock()
	payload := map[string]any{"player_id": c.state.PlayerID, "username": c.state.Username}
	c.mu.Unlock()
	c.channelEmit(evJoinPlayer, payload)
}

// channelJoinRoom replays the REST-issued room and token over the channel.
// Absent values go out as explicit empty strings; the backend is the
// authority on whether that is acceptable, and its rejection arrives as an
// inbound event.
func (c *Coordinator) channelJoinRoom() {
	c.mu.Lock()
	payload := map[string]any{"room_id": c.state.RoomID, "token": c.state.AuthToken}
	c.mu.Unlock()
	c.channelEmit(evJoinRoom, payload)
}

// channelEmit is the single gate for every outbound channel event: not
// Connected means a local misuse entry and no transport activity.
func (c *Coordinator) channelEmit(name string, payload any) {
	if c.ch.Status() != channel.Connected {
		c.sink.Append(trace.Local, trace.Session, "emit "+name+" rejected", "channel not connected")
		return
	}
	c.emitOrReport(name, payload)
}

func (c *Coordinator) emitOrReport(name string, payload any) {
	if err := c.ch.Emit(name, payload); err != nil {
		c.sink.Append(trace.Local, trace.Session, "emit "+name+" failed", err)
	}
}

func (c *Coordinator) pick(arg string) {
	idx, err := strconv.Atoi(arg)
	if err != nil {
		c.sink.Append(trace.Local, trace.Session, "pick rejected", fmt.Sprintf("index %q is not a number", arg))
		return
	}
	c.channelEmit(evPick, map[string]any{"index": idx})
}

// commit records the operator's choice with a fresh nonce and emits the
// sha256 commitment. State is touched only once the emit is actually going
// out.
func (c *Coordinator) commit(arg string) {
	idx, err := strconv.Atoi(arg)
	if err != nil {
		c.sink.Append(trace.Local, trace.Session, "commit rejected", fmt.Sprintf("value %q is not a number", arg))
		return
	}
	if c.ch.Status() != channel.Connected {
		c.sink.Append(trace.Local, trace.Session, "emit "+evCommit+" rejected", "channel not connected")
		return
	}

	nonce, err := newNonce()
	if err != nil {
		c.sink.Append(trace.Local, trace.Session, "commit rejected", err)
		return
	}

	c.mu.Lock()
	c.state.Choice = idx
	c.state.Nonce = nonce
	c.state.RoundPhase = "committed"
	hash := commitHash(c.state.PlayerID, c.state.RoundKey, idx, nonce)
	c.mu.Unlock()

	c.emitOrReport(evCommit, map[string]any{"hash": hash})
}

func (c *Coordinator) reveal() {
	c.mu.Lock()
	payload := map[string]any{
		"choice":    c.state.Choice,
		"nonce":     c.state.Nonce,
		"round_key": c.state.RoundKey,
	}
	c.mu.Unlock()
	c.channelEmit(evReveal, payload)
}

func (c *Coordinator) emote(arg string) {
	idx, err := strconv.Atoi(arg)
	if err != nil || idx < 0 || idx >= len(emotes) {
		c.sink.Append(trace.Local, trace.Session, "emote rejected", fmt.Sprintf("index %q out of range 0-%d", arg, len(emotes)-1))
		return
	}
	c.channelEmit(evEmote, map[string]any{"emote": emotes[idx]})
}

// --- inbound events ---

func (c *Coordinator) applyEvent(ev channel.Event) {
	switch ev.Name {
	case "deal":
		var deal struct {
			RoundKey  string   `json:"round_key"`
			Adjective string   `json:"adjective"`
			Nouns     []string `json:"nouns"`
		}
		if err := json.Unmarshal(ev.Data, &deal); err != nil {
			log.Warn("bad deal payload", "error", err)
			return
		}
		c.mu.Lock()
		c.state.RoundKey = deal.RoundKey
		c.state.Adjective = deal.Adjective
		c.state.Nouns = deal.Nouns
		c.state.Choice = -1
		c.state.Nonce = ""
		c.state.RoundPhase = "deal"
		c.mu.Unlock()

	case "request_reveal":
		c.mu.Lock()
		c.state.Adjective = ""
		c.state.Nouns = nil
		ready := c.state.Choice >= 0 && c.state.Nonce != "" && c.state.RoundKey != ""
		payload := map[string]any{
			"choice":    c.state.Choice,
			"nonce":     c.state.Nonce,
			"round_key": c.state.RoundKey,
		}
		c.mu.Unlock()
		// A held commitment answers the reveal request without the
		// operator retyping it.
		if ready && c.ch.Status() == channel.Connected {
			c.emitOrReport(evReveal, payload)
		}

	case "round_results":
		var results struct {
			NewBalance json.Number `json:"new_balance"`
		}
		_ = json.Unmarshal(ev.Data, &results)
		c.mu.Lock()
		if results.NewBalance.String() != "" {
			c.state.Balance = results.NewBalance
		}
		c.state.RoundPhase = "results"
		c.mu.Unlock()

	case "next_round_info":
		c.mu.Lock()
		c.state.RoundPhase = "waiting"
		c.state.NextRoundInfo = ev.Data
		c.mu.Unlock()

	case "removed_from_room":
		c.mu.Lock()
		c.clearRoomLocked()
		c.mu.Unlock()

	default:
		// Already traced by the channel client; nothing to fold in.
	}
}

// --- helpers ---

func (c *Coordinator) clearRoomLocked() {
	c.state.RoomID = ""
	c.state.AuthToken = ""
	c.state.RoundKey = ""
	c.state.RoundPhase = ""
	c.state.Adjective = ""
	c.state.Nouns = nil
	c.state.Choice = -1
	c.state.Nonce = ""
	c.state.NextRoundInfo = nil
}

func (c *Coordinator) requirePlayer() (string, bool) {
	c.mu.Lock()
	playerID := c.state.PlayerID
	c.mu.Unlock()
	if playerID == "" {
		c.sink.Append(trace.Local, trace.Session, "no player", "use 'p get <username>' first")
		return "", false
	}
	return playerID, true
}

func (c *Coordinator) requireRoom() (string, bool) {
	c.mu.Lock()
	roomID := c.state.RoomID
	c.mu.Unlock()
	if roomID == "" {
		c.sink.Append(trace.Local, trace.Session, "not in a room", "")
		return "", false
	}
	return roomID, true
}

func (c *Coordinator) setLastResult(body string) {
	c.mu.Lock()
	c.state.LastResult = body
	c.mu.Unlock()
}

// reportRESTFailure distinguishes backend refusals from transport failures
// for the operator. The transports have already traced the wire activity;
// this entry is the session-level verdict.
func (c *Coordinator) reportRESTFailure(name string, err error) {
	c.setLastResult(err.Error())
	if httpErr, ok := err.(*rest.HTTPError); ok {
		c.sink.Append(trace.Local, trace.Session, name+" refused", httpErr)
		return
	}
	c.sink.Append(trace.Local, trace.Session, name+" failed", err)
}

func commitHash(playerID, roundKey string, choice int, nonce string) string {
	payload := fmt.Sprintf("%s%s%d%s", playerID, roundKey, choice, nonce)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func newNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// parsePayload interprets an operator-supplied payload as JSON when it is
// JSON, raw text otherwise.
func parsePayload(s string) any {
	if s == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}
