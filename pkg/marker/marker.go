// Package marker implements the streaming extraction of inline
// `@@name('arg')@@` control markers from a model's token stream, forwarding
// everything else to a downstream clean-text sink. It is the one-level-down
// analogue of the teacher's StreamingMessageHandler delta contract, applied
// directly to provider-streamed bytes before they ever reach a handler.
package marker

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/jingkaihe/kodelet-memcore/pkg/logger"
)

// Handler is called exactly once per recognized, completed marker.
// Handler errors are caught by the Parser and logged; they never abort
// the stream.
type Handler func(name, arg string) error

// reservedNames are always-valid marker names regardless of handler
// registration (spec.md §4.5).
var reservedNames = map[string]bool{
	"model-change": true, "ref": true, "unref": true, "think": true,
	"relax": true, "thinking": true, "memory": true, "recall": true,
	"ctrl": true, "learn": true, "max-context": true, "sense": true,
	"view": true, "resize": true, "temp": true, "top_k": true,
	"top_p": true, "sleep": true, "wake": true, "reboot": true, "export": true,
}

// emotionDimensions require a numeric argument in [0,1].
var emotionDimensions = map[string]bool{
	"joy": true, "sadness": true, "anger": true, "fear": true,
	"surprise": true, "disgust": true, "trust": true, "anticipation": true,
}

// glyphs maps marker names to the single emoji glyph substituted into
// clean text in place of the raw marker.
var glyphs = map[string]string{
	"model-change": "🔀",
	"think":        "🧠",
	"relax":        "😌",
	"thinking":     "🧠",
	"ref":          "📎",
	"unref":        "📤",
	"sleep":        "💤",
	"wake":         "⏰",
	"reboot":       "🔁",
	"sense":        "👁",
	"view":         "👁",
	"resize":       "🔲",
	"importance":   "⭐",
	"memory":       "🗂",
	"ctrl":         "🎛",
}

const defaultGlyph = "🔘"

var markerRe = regexp.MustCompile(`@@([A-Za-z][A-Za-z0-9_-]*)\(([^)]*)\)@@`)
var avatarRe = regexp.MustCompile(`@@\[([^\]]*)\]@@`)

// maxMarkerLen bounds the cross-chunk buffer: no valid marker (including a
// generously long quoted arg) should exceed this many bytes.
const maxMarkerLen = 4096

// Parser is a streaming token sink. Write feeds it a chunk of streamed
// text; Flush ends the stream, emitting any buffered partial text as clean
// output and abandoning any incomplete marker.
type Parser struct {
	buf      strings.Builder
	clean    strings.Builder
	dispatch map[string]Handler
	fired    []Dispatched
}

// Dispatched records a marker observed during a Write/Flush call, used by
// the turn loop to know which markers fired during this round's streaming.
type Dispatched struct {
	Name string
	Arg  string
}

// New creates a Parser. handlers maps marker name -> Handler; a marker
// with no registered handler still fires (dispatched list + glyph
// substitution) but performs no side effect.
func New(handlers map[string]Handler) *Parser {
	return &Parser{dispatch: handlers}
}

// CleanText returns all clean text (with glyph substitutions) emitted so
// far across Write/Flush calls.
func (p *Parser) CleanText() string { return restoreEscapes(p.clean.String()) }

// Dispatched returns every marker recognized so far, in order.
func (p *Parser) Dispatched() []Dispatched { return p.fired }

// Write feeds a chunk of streamed text through the parser. It buffers up
// to maxMarkerLen bytes to avoid leaking a partial marker split across
// chunk boundaries; once a buffered region can no longer possibly start a
// marker it is flushed to clean text.
func (p *Parser) Write(chunk []byte) {
	p.buf.WriteString(string(chunk))
	p.drain(false)
}

// Flush ends the stream: any remaining buffered text is emitted as clean
// output, abandoning an incomplete trailing marker.
func (p *Parser) Flush() {
	p.drain(true)
	if p.buf.Len() > 0 {
		p.emitClean(p.buf.String())
		p.buf.Reset()
	}
}

// drain repeatedly extracts completed markers from the front of the
// buffer. When final is false, it stops at the first point a remaining
// suffix could still be the prefix of a marker, so a split marker is
// never partially leaked.
func (p *Parser) drain(final bool) {
	// Normalize the `\@@` escape over the full accumulated buffer, not
	// just the newly written chunk, so a backslash landing at the very
	// end of one Write call and the "@@" it escapes landing at the start
	// of the next are still recognized together.
	if p.buf.Len() > 0 {
		unescaped := unescape(p.buf.String())
		p.buf.Reset()
		p.buf.WriteString(unescaped)
	}

	for {
		s := p.buf.String()
		if s == "" {
			return
		}
		start := strings.Index(s, "@@")
		if start < 0 {
			if !final {
				// keep a short tail in case "@@" itself is split, plus
				// respect the escape lookback of one byte.
				keep := 1
				if len(s) < keep {
					keep = len(s)
				}
				// A trailing "\@" is an escape sequence still awaiting its
				// second "@" from the next chunk: keep the backslash
				// together with it, or a real escape split exactly at the
				// chunk boundary would lose its backslash to clean text
				// and the marker would fire for real once reassembled.
				if keep < len(s) && s[len(s)-keep-1] == '\\' {
					keep++
				}
				p.emitClean(s[:len(s)-keep])
				p.buf.Reset()
				p.buf.WriteString(s[len(s)-keep:])
				return
			}
			p.emitClean(s)
			p.buf.Reset()
			return
		}

		if loc := avatarRe.FindStringIndex(s); loc != nil && loc[0] == start {
			p.emitClean(s[:start])
			p.handleAvatar(s[loc[0]:loc[1]])
			p.buf.Reset()
			p.buf.WriteString(s[loc[1]:])
			continue
		}
		if loc := markerRe.FindStringIndex(s); loc != nil && loc[0] == start {
			p.emitClean(s[:start])
			p.handleMarker(s[loc[0]:loc[1]])
			p.buf.Reset()
			p.buf.WriteString(s[loc[1]:])
			continue
		}

		// "@@" was found but no complete marker yet. If we might still be
		// mid-stream and the tail isn't absurdly long, wait for more
		// input; otherwise (final, or buffer blew past maxMarkerLen) treat
		// the "@@" as ordinary text.
		if !final && len(s)-start < maxMarkerLen {
			p.emitClean(s[:start])
			p.buf.Reset()
			p.buf.WriteString(s[start:])
			return
		}
		p.emitClean(s[:start+2])
		p.buf.Reset()
		p.buf.WriteString(s[start+2:])
	}
}

func (p *Parser) emitClean(s string) {
	if s == "" {
		return
	}
	p.clean.WriteString(s)
}

func (p *Parser) handleMarker(raw string) {
	m := markerRe.FindStringSubmatch(raw)
	if m == nil {
		p.emitClean(raw)
		return
	}
	name, arg := m[1], unquote(m[2])
	p.fire(name, arg)
}

func (p *Parser) handleAvatar(raw string) {
	m := avatarRe.FindStringSubmatch(raw)
	if m == nil {
		p.emitClean(raw)
		return
	}
	p.fire("clip", m[1])
}

// fire dispatches a single recognized marker exactly once, validates
// emotion-dimension args, substitutes its glyph into clean text, and logs
// (never aborts) a handler error.
func (p *Parser) fire(name, arg string) {
	if emotionDimensions[name] {
		if v, err := strconv.ParseFloat(arg, 64); err != nil || v < 0 || v > 1 {
			logger.L.WithField("marker", name).WithField("arg", arg).
				Warn("marker: emotion dimension requires a numeric arg in [0,1]")
		}
	} else if !reservedNames[name] {
		logger.L.WithField("marker", name).Warn("marker: unrecognized marker name, passing through")
	}

	p.fired = append(p.fired, Dispatched{Name: name, Arg: arg})

	glyph, ok := glyphs[name]
	if !ok {
		glyph = defaultGlyph
	}
	p.emitClean(glyph)

	if h, ok := p.dispatch[name]; ok && h != nil {
		if err := h(name, arg); err != nil {
			logger.L.WithError(err).WithField("marker", name).Warn("marker: handler error")
		}
	}
}

// unescape processes the `\@@` escape rule: a literal backslash
// immediately before "@@" disables marker interpretation for that
// occurrence, leaving a literal "@@" in clean text.
const escapeSentinel = "\x00ESCAT\x00"

func unescape(s string) string {
	return strings.ReplaceAll(s, `\@@`, escapeSentinel)
}

func unquote(arg string) string {
	arg = strings.TrimSpace(arg)
	if len(arg) >= 2 {
		if (arg[0] == '\'' && arg[len(arg)-1] == '\'') || (arg[0] == '"' && arg[len(arg)-1] == '"') {
			return arg[1 : len(arg)-1]
		}
	}
	return arg
}

// restoreEscapes converts the sentinel inserted by unescape back into a
// literal "@@" in final clean text; CleanText applies it to the
// accumulated clean text on every call.
func restoreEscapes(s string) string {
	return strings.ReplaceAll(s, escapeSentinel, "@@")
}

// IsASCIILetter reports whether r is a valid marker-name start character,
// exposed for callers validating marker names before registration.
func IsASCIILetter(r rune) bool {
	return unicode.IsLetter(r) && r < unicode.MaxASCII
}
