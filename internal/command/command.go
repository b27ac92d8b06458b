// Package command maps one line of operator input to exactly one Command
// value. Parsing is total and side-effect free: unrecognized input becomes
// KindUnknown rather than an error, and argument tokens that fail to parse
// (e.g. a non-numeric index) are passed through raw so the coordinator can
// report the failure where it is actually observable.
package command

import "strings"

type Kind string

const (
	KindCreateOrFetchPlayer Kind = "CreateOrFetchPlayer"
	KindShowSession         Kind = "ShowSession"
	KindPlayerStats         Kind = "PlayerStats"
	KindPlayerQuests        Kind = "PlayerQuests"
	KindClaimReward         Kind = "ClaimReward"
	KindQuickJoin           Kind = "QuickJoin"
	KindJoinRoom            Kind = "JoinRoom"
	KindObserveRoom         Kind = "ObserveRoom"
	KindListRooms           Kind = "ListRooms"
	KindRoomDetails         Kind = "RoomDetails"
	KindRoomEvents          Kind = "RoomEvents"
	KindLeaveRoom           Kind = "LeaveRoom"
	KindSkipRound           Kind = "SkipRound"
	KindLeaderboard         Kind = "Leaderboard"
	KindGameStats           Kind = "GameStats"
	KindChannelToggle       Kind = "ChannelToggle"
	KindChannelJoinPlayer   Kind = "ChannelJoinPlayer"
	KindChannelJoinRoom     Kind = "ChannelJoinRoom"
	KindChannelEmit         Kind = "ChannelEmit"
	KindStart               Kind = "Start"
	KindPick                Kind = "Pick"
	KindCommit              Kind = "Commit"
	KindReveal              Kind = "Reveal"
	KindEmote               Kind = "Emote"
	KindSpectatorQueue      Kind = "SpectatorQueue"
	KindHelp                Kind = "Help"
	KindQuit                Kind = "Quit"
	KindNop                 Kind = "Nop"
	KindUnknown             Kind = "Unknown"
)

// Command is the transient value one input line parses to. Which fields are
// meaningful depends on Kind; unused fields are zero.
type Command struct {
	Kind Kind

	// Name carries the primary string argument: username, room key, quest
	// id, tier, or event name.
	Name string

	// Value carries the secondary argument raw: an index, a limit, or a
	// JSON payload. Numeric validation happens in the coordinator.
	Value string

	// On is the flag for toggle commands (ws on/off, queue on/off).
	On bool

	// Raw is the original line, retained for Unknown.
	Raw string
}

var tierMnemonics = map[string]string{
	"c":           "casual",
	"o":           "competitive",
	"h":           "high_stakes",
	"casual":      "casual",
	"competitive": "competitive",
	"high_stakes": "high_stakes",
}

// Parse maps one line to one Command. Pure function of the input.
func Parse(line string) Command {
	raw := line
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{Kind: KindNop}
	}

	root := strings.ToLower(fields[0])
	args := fields[1:]

	switch root {
	case "help", "?", "h":
		return Command{Kind: KindHelp}

	case "q", "quit", "exit", "bye":
		return Command{Kind: KindQuit}

	case "pa":
		if len(args) == 0 {
			return unknown(raw)
		}
		return Command{Kind: KindCreateOrFetchPlayer, Name: args[0]}

	case "p", "player":
		return parsePlayer(raw, args)

	case "jc":
		return Command{Kind: KindQuickJoin, Name: "casual"}
	case "jo":
		return Command{Kind: KindQuickJoin, Name: "competitive"}
	case "jh":
		return Command{Kind: KindQuickJoin, Name: "high_stakes"}

	case "rl":
		return Command{Kind: KindListRooms, Name: first(args)}

	case "r", "room":
		return parseRoom(raw, args)

	case "lb", "leaderboard":
		return Command{Kind: KindLeaderboard, Value: first(args)}

	case "stats":
		return Command{Kind: KindGameStats}

	case "wsjr":
		return Command{Kind: KindChannelJoinRoom}
	case "wsjp":
		return Command{Kind: KindChannelJoinPlayer}

	case "ws", "websocket":
		return parseChannel(raw, args)

	case "we":
		if len(args) == 0 {
			return unknown(raw)
		}
		return Command{Kind: KindChannelEmit, Name: args[0], Value: strings.Join(args[1:], " ")}

	case "start":
		return Command{Kind: KindStart}
	case "pick":
		if len(args) == 0 {
			return unknown(raw)
		}
		return Command{Kind: KindPick, Value: args[0]}
	case "commit":
		if len(args) == 0 {
			return unknown(raw)
		}
		return Command{Kind: KindCommit, Value: args[0]}
	case "reveal":
		return Command{Kind: KindReveal}

	default:
		return unknown(raw)
	}
}

func parsePlayer(raw string, args []string) Command {
	if len(args) == 0 {
		return unknown(raw)
	}
	sub := strings.ToLower(args[0])
	rest := args[1:]

	switch sub {
	case "get", "g":
		if len(rest) == 0 {
			return unknown(raw)
		}
		return Command{Kind: KindCreateOrFetchPlayer, Name: rest[0]}
	case "me":
		return Command{Kind: KindShowSession}
	case "stats", "s":
		return Command{Kind: KindPlayerStats}
	case "quests", "q":
		return Command{Kind: KindPlayerQuests}
	case "claim", "c":
		if len(rest) == 0 {
			return unknown(raw)
		}
		return Command{Kind: KindClaimReward, Name: rest[0]}
	default:
		return unknown(raw)
	}
}

func parseRoom(raw string, args []string) Command {
	if len(args) == 0 {
		return unknown(raw)
	}
	sub := strings.ToLower(args[0])
	rest := args[1:]

	switch sub {
	case "list", "l":
		return Command{Kind: KindListRooms, Name: first(rest)}
	case "details", "d":
		if len(rest) == 0 {
			return unknown(raw)
		}
		return Command{Kind: KindRoomDetails, Name: rest[0]}
	case "events":
		return Command{Kind: KindRoomEvents, Value: first(rest)}
	case "join", "j":
		if len(rest) == 0 {
			return unknown(raw)
		}
		if tier, ok := tierMnemonics[strings.ToLower(rest[0])]; ok {
			return Command{Kind: KindQuickJoin, Name: tier}
		}
		return Command{Kind: KindJoinRoom, Name: rest[0]}
	case "observe", "obs", "o":
		if len(rest) == 0 {
			return unknown(raw)
		}
		return Command{Kind: KindObserveRoom, Name: rest[0]}
	case "leave":
		return Command{Kind: KindLeaveRoom, On: contains(rest, "immediate")}
	case "skip":
		return Command{Kind: KindSkipRound}
	default:
		return unknown(raw)
	}
}

func parseChannel(raw string, args []string) Command {
	if len(args) == 0 {
		return unknown(raw)
	}
	sub := strings.ToLower(args[0])
	rest := args[1:]

	switch sub {
	case "on":
		return Command{Kind: KindChannelToggle, On: true}
	case "off":
		return Command{Kind: KindChannelToggle, On: false}
	case "jr":
		return Command{Kind: KindChannelJoinRoom}
	case "jp":
		return Command{Kind: KindChannelJoinPlayer}
	case "commit":
		if len(rest) == 0 {
			return unknown(raw)
		}
		return Command{Kind: KindCommit, Value: rest[0]}
	case "reveal":
		return Command{Kind: KindReveal}
	case "queue":
		if len(rest) == 0 {
			return unknown(raw)
		}
		return Command{Kind: KindSpectatorQueue, On: strings.EqualFold(rest[0], "on")}
	case "emote":
		if len(rest) == 0 {
			return unknown(raw)
		}
		return Command{Kind: KindEmote, Value: rest[0]}
	case "event":
		if len(rest) < 1 {
			return unknown(raw)
		}
		return Command{Kind: KindChannelEmit, Name: rest[0], Value: strings.Join(rest[1:], " ")}
	default:
		return unknown(raw)
	}
}

func unknown(raw string) Command {
	return Command{Kind: KindUnknown, Raw: strings.TrimSpace(raw)}
}

func first(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func contains(args []string, want string) bool {
	for _, a := range args {
		if strings.EqualFold(a, want) {
			return true
		}
	}
	return false
}
