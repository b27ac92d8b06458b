// Package trace renders every observable transport activity (outbound
// requests, inbound responses, inbound channel events) into a single
// ordered, human-readable log on the operator's terminal.
//
// Entries are appended and rendered immediately, never buffered or
// reordered. Entries from a single REST call never interleave (the call is
// synchronous), but channel entries may land between any two REST entries
// once the channel is live.
package trace

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

type Direction string

const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
	// Local marks entries produced without any transport activity:
	// unrecognized input, locally rejected emits, lifecycle notes.
	Local Direction = "local"
)

type Transport string

const (
	REST    Transport = "rest"
	Channel Transport = "channel"
	Session Transport = "session"
)

// Entry is one observable activity. Entries are immutable once appended;
// Seq is their position in the log.
type Entry struct {
	Seq       uint64
	Time      time.Time
	Direction Direction
	Transport Transport
	Label     string
	Payload   string
}

// Sink receives entries in causal order. Transports and the coordinator
// append; implementations must be safe for concurrent use.
type Sink interface {
	Append(dir Direction, tp Transport, label string, payload any) Entry
}

var (
	restStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	channelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("13")).Bold(true)
	sessionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	payloadStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// Printer is the production Sink: it serializes appends and writes each
// entry to w before Append returns.
type Printer struct {
	mu  sync.Mutex
	w   io.Writer
	seq uint64
}

func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

func (p *Printer) Append(dir Direction, tp Transport, label string, payload any) Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	e := Entry{
		Seq:       p.seq,
		Time:      time.Now(),
		Direction: dir,
		Transport: tp,
		Label:     label,
		Payload:   renderPayload(payload),
	}
	fmt.Fprintln(p.w, render(e))
	return e
}

func render(e Entry) string {
	tag := fmt.Sprintf("[%s %s]", tagName(e.Transport), arrow(e.Direction))
	line := tagStyle(e.Transport).Render(tag) + " " + e.Label
	if e.Payload != "" {
		line += " " + payloadStyle.Render(e.Payload)
	}
	return line
}

func tagName(tp Transport) string {
	switch tp {
	case REST:
		return "REST"
	case Channel:
		return "WS"
	default:
		return "SESSION"
	}
}

func arrow(dir Direction) string {
	switch dir {
	case Outbound:
		return "->"
	case Inbound:
		return "<-"
	default:
		return "--"
	}
}

func tagStyle(tp Transport) lipgloss.Style {
	switch tp {
	case REST:
		return restStyle
	case Channel:
		return channelStyle
	default:
		return sessionStyle
	}
}

// renderPayload flattens a payload to a single display string. Strings pass
// through verbatim; everything else is JSON.
func renderPayload(payload any) string {
	switch v := payload.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case json.RawMessage:
		return string(v)
	case error:
		return v.Error()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
