// Package sensory implements a fixed-slot "sensory memory" layer: a
// decorator wrapping a vm.Memory that injects a bounded, rendered view of
// named channels as a distinguished system block into the message
// projection each turn. It mirrors the teacher's MessageHandler decoration
// style (ConsoleMessageHandler/StringCollectorHandler layering onto a
// shared interface without touching the wrapped implementation) applied to
// AgentMemory instead of message events.
package sensory

import (
	"context"
	"fmt"
	"strings"

	"github.com/jingkaihe/kodelet-memcore/pkg/logger"
	"github.com/jingkaihe/kodelet-memcore/pkg/tokenest"
	"github.com/jingkaihe/kodelet-memcore/pkg/vm"
	"github.com/pkg/errors"
)

// UpdateMode controls when a channel's source is polled.
type UpdateMode int

const (
	// PerTurn polls the channel's source once at the start of every turn.
	PerTurn UpdateMode = iota
	// OnDemand only polls when explicitly requested via a marker.
	OnDemand
)

// Source produces a channel's content on poll. Implementations may be
// slow/async; Decorator calls Poll at most once per turn per bound
// per-turn channel.
type Source interface {
	Poll(ctx context.Context) (string, error)
}

// SourceFunc adapts a plain function to a Source.
type SourceFunc func(ctx context.Context) (string, error)

// Poll calls f.
func (f SourceFunc) Poll(ctx context.Context) (string, error) { return f(ctx) }

// Channel is a named, bounded viewport onto a Source.
type Channel struct {
	Name       string
	MaxTokens  int
	Width      int
	Height     int
	UpdateMode UpdateMode
	Enabled    bool
	Source     Source

	lastRender string
}

// slotCount is the number of fixed camera slots (spec.md §4.4).
const slotCount = 3

// Decorator wraps a vm.Memory, adding a rendered sensory system block to
// its projection. Only Messages is wrapped; the other vm.Memory operations
// are not methods of Decorator and are reached through Inner.
type Decorator struct {
	inner    *vm.Memory
	channels map[string]*Channel
	slots    [slotCount]string // channel name bound to each slot, "" if empty

	// Budget is the aggregate sensoryBudget hard cap (spec.md §3): total
	// sensory token output across all three slots combined, enforced in
	// render() independent of each channel's own per-channel MaxTokens.
	// Zero disables the aggregate check.
	Budget int
}

// New wraps inner in a sensory Decorator with no bound channels.
func New(inner *vm.Memory) *Decorator {
	return &Decorator{inner: inner, channels: map[string]*Channel{}}
}

// SetBudget sets the aggregate sensoryBudget hard cap applied across the
// concatenated rendered output of all bound slots.
func (d *Decorator) SetBudget(n int) {
	d.Budget = n
}

// RegisterChannel adds or replaces a channel in the registry. It does not
// bind the channel to a slot.
func (d *Decorator) RegisterChannel(ch *Channel) {
	d.channels[ch.Name] = ch
}

// Bind assigns a channel name to a slot (0,1,2). An empty name clears the
// slot. Binding an unregistered channel is a no-op logged as a warning,
// mirroring the marker-reception contract's "unknown channel -> no-op
// with warning" rule.
func (d *Decorator) Bind(slot int, channelName string) {
	if slot < 0 || slot >= slotCount {
		return
	}
	if channelName != "" {
		if _, ok := d.channels[channelName]; !ok {
			logger.L.WithField("channel", channelName).Warn("sensory: bind to unknown channel, ignoring")
			return
		}
	}
	d.slots[slot] = channelName
}

// Unbind clears whichever slot(s) currently hold channelName ("" clears
// all slots).
func (d *Decorator) Unbind(channelName string) {
	for i, name := range d.slots {
		if channelName == "" || name == channelName {
			d.slots[i] = ""
		}
	}
}

// cycleSlot0 moves slot 0 by delta through the registered channel names in
// sorted order, wrapping around, supporting the `<view:next|prev>` marker.
func (d *Decorator) cycleSlot0(delta int) {
	names := d.channelNames()
	if len(names) == 0 {
		return
	}
	cur := -1
	for i, n := range names {
		if n == d.slots[0] {
			cur = i
			break
		}
	}
	next := (cur + delta + len(names)) % len(names)
	d.slots[0] = names[next]
}

func (d *Decorator) channelNames() []string {
	names := make([]string, 0, len(d.channels))
	for n := range d.channels {
		names = append(names, n)
	}
	// deterministic order without importing sort for a handful of entries
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j] < names[j-1]; j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
	return names
}

// SetEnabled toggles a channel's enabled flag (the `<sense:channel,on|off>`
// marker). Unknown channel names are a no-op logged as a warning.
func (d *Decorator) SetEnabled(channelName string, enabled bool) {
	ch, ok := d.channels[channelName]
	if !ok {
		logger.L.WithField("channel", channelName).Warn("sensory: sense on unknown channel, ignoring")
		return
	}
	ch.Enabled = enabled
}

// Resize updates a channel's grid dimensions (the `<resize:channel,W,H>`
// marker).
func (d *Decorator) Resize(channelName string, width, height int) {
	ch, ok := d.channels[channelName]
	if !ok {
		logger.L.WithField("channel", channelName).Warn("sensory: resize on unknown channel, ignoring")
		return
	}
	ch.Width, ch.Height = width, height
}

// HandleViewMarker applies a parsed `<view:...>` marker body.
func (d *Decorator) HandleViewMarker(ctx context.Context, arg string) error {
	arg = strings.TrimSpace(arg)
	switch {
	case arg == "next":
		d.cycleSlot0(1)
		return nil
	case arg == "prev":
		d.cycleSlot0(-1)
		return nil
	case strings.HasPrefix(arg, "off"):
		rest := strings.TrimPrefix(arg, "off")
		rest = strings.TrimPrefix(rest, ",")
		slot := 0
		if rest != "" {
			if _, err := fmt.Sscanf(rest, "%d", &slot); err != nil {
				return errors.Wrapf(err, "sensory: bad view:off slot %q", rest)
			}
		}
		d.Bind(slot, "")
		return nil
	default:
		parts := strings.SplitN(arg, ",", 2)
		channelName := strings.TrimSpace(parts[0])
		slot := 0
		if len(parts) == 2 {
			if _, err := fmt.Sscanf(strings.TrimSpace(parts[1]), "%d", &slot); err != nil {
				return errors.Wrapf(err, "sensory: bad view slot %q", parts[1])
			}
		}
		d.Bind(slot, channelName)
		return nil
	}
}

// HandleSenseMarker applies a parsed `<sense:...>` marker body.
func (d *Decorator) HandleSenseMarker(arg string) {
	parts := strings.SplitN(arg, ",", 2)
	name := strings.TrimSpace(parts[0])
	enabled := true
	if len(parts) == 2 {
		enabled = strings.TrimSpace(parts[1]) != "off"
	}
	d.SetEnabled(name, enabled)
}

// HandleResizeMarker applies a parsed `<resize:...>` marker body.
func (d *Decorator) HandleResizeMarker(arg string) error {
	parts := strings.Split(arg, ",")
	if len(parts) != 3 {
		return errors.Errorf("sensory: resize expects channel,W,H, got %q", arg)
	}
	var w, h int
	if _, err := fmt.Sscanf(strings.TrimSpace(parts[1]), "%d", &w); err != nil {
		return errors.Wrapf(err, "sensory: bad width %q", parts[1])
	}
	if _, err := fmt.Sscanf(strings.TrimSpace(parts[2]), "%d", &h); err != nil {
		return errors.Wrapf(err, "sensory: bad height %q", parts[2])
	}
	d.Resize(strings.TrimSpace(parts[0]), w, h)
	return nil
}

// Poll runs step 1 of the rendering protocol: calling Poll on every bound,
// enabled, per-turn channel. Idempotent within a turn: call once per turn
// before Messages.
func (d *Decorator) Poll(ctx context.Context) {
	for _, name := range d.slots {
		if name == "" {
			continue
		}
		ch, ok := d.channels[name]
		if !ok || !ch.Enabled || ch.UpdateMode != PerTurn || ch.Source == nil {
			continue
		}
		text, err := ch.Source.Poll(ctx)
		if err != nil {
			logger.G(ctx).WithError(err).WithField("channel", name).Warn("sensory: channel poll failed")
			continue
		}
		ch.lastRender = text
	}
}

// render builds the fenced, slot-ordered, per-channel-truncated sensory
// block text (steps 2-3 of the rendering protocol), then enforces the
// aggregate sensoryBudget hard cap across the concatenated result (spec.md
// §3: "total sensory token output <= sensoryBudget"), independent of each
// channel's own per-channel MaxTokens truncation. Returns "" if no slot is
// bound to an enabled channel.
func (d *Decorator) render() string {
	var b strings.Builder
	any := false
	for _, name := range d.slots {
		if name == "" {
			continue
		}
		ch, ok := d.channels[name]
		if !ok || !ch.Enabled {
			continue
		}
		content := ch.lastRender
		if ch.MaxTokens > 0 {
			content = truncateToTokens(content, ch.MaxTokens)
		}
		fmt.Fprintf(&b, "[%s %dx%d]\n%s\n[/%s]\n", ch.Name, ch.Width, ch.Height, content, ch.Name)
		any = true
	}
	if !any {
		return ""
	}
	out := b.String()
	if d.Budget > 0 {
		out = truncateToTokens(out, d.Budget)
	}
	return out
}

// truncateToTokens tail-trims content to fit maxTokens, preserving the
// first line (the channel's header) per spec.md §4.4 step 3.
func truncateToTokens(content string, maxTokens int) string {
	if tokenest.EstimateText(content) <= maxTokens {
		return content
	}
	lines := strings.SplitN(content, "\n", 2)
	header := lines[0]
	body := ""
	if len(lines) == 2 {
		body = lines[1]
	}
	budget := maxTokens - tokenest.EstimateText(header)
	if budget <= 0 {
		return header
	}
	for tokenest.EstimateText(body) > budget && len(body) > 0 {
		cut := len(body) / 2
		if cut == 0 {
			body = ""
			break
		}
		body = body[len(body)-cut:]
	}
	if body == "" {
		return header
	}
	return header + "\n" + body
}

// Messages returns the inner memory's projection with the sensory block
// injected as a distinguished system message ahead of everything else
// (step 4 of the rendering protocol). All other delegation is direct.
func (d *Decorator) Messages(ctx context.Context) []vm.Message {
	inner := d.inner.Messages(ctx)
	block := d.render()
	if block == "" {
		return inner
	}
	sensoryMsg := vm.Message{
		Role:    vm.RoleSystem,
		Content: block,
		From:    "SensoryMemory",
	}
	out := make([]vm.Message, 0, len(inner)+1)
	out = append(out, sensoryMsg)
	out = append(out, inner...)
	return out
}

// Inner exposes the wrapped vm.Memory for operations sensory.Decorator
// does not itself need to intercept (Add, Ref, CompactWithHints, etc).
func (d *Decorator) Inner() *vm.Memory { return d.inner }
