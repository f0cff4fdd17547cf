package marker_test

import (
	"testing"

	"github.com/jingkaihe/kodelet-memcore/pkg/marker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMarkerSplitAcrossChunks reproduces spec.md's S3 scenario: a
// model-change marker arrives split across two Write calls, and the parser
// must still recognize it atomically rather than leaking a half marker into
// clean text.
func TestMarkerSplitAcrossChunks(t *testing.T) {
	var got []marker.Dispatched
	p := marker.New(map[string]marker.Handler{
		"model-change": func(name, arg string) error {
			got = append(got, marker.Dispatched{Name: name, Arg: arg})
			return nil
		},
	})

	p.Write([]byte("Hello @@model-change("))
	p.Write([]byte("'sonnet'"))
	p.Write([]byte(")@@ world"))
	p.Flush()

	assert.Equal(t, "Hello 🔀 world", p.CleanText())
	require.Len(t, got, 1)
	assert.Equal(t, "model-change", got[0].Name)
	assert.Equal(t, "sonnet", got[0].Arg)
}

// TestDeterministicAcrossChunkBoundaries is property 5: the final clean
// text and dispatched-marker set must be identical no matter how the same
// byte stream is sliced into Write calls.
func TestDeterministicAcrossChunkBoundaries(t *testing.T) {
	full := "before @@think('deep')@@ middle @@ref('page-1')@@ after"
	splits := [][]int{
		{len(full)},
		{10, len(full)},
		{1, 2, 3, 20, 21, len(full)},
		{7, 8, 9, 10, 11, 12, 13, 30, 31, 32, len(full)},
	}

	var want string
	var wantDispatched []marker.Dispatched
	for i, cuts := range splits {
		var fired []marker.Dispatched
		p := marker.New(map[string]marker.Handler{
			"think": func(name, arg string) error { return nil },
			"ref":   func(name, arg string) error { return nil },
		})
		prev := 0
		for _, c := range cuts {
			p.Write([]byte(full[prev:c]))
			prev = c
		}
		p.Flush()
		fired = p.Dispatched()

		if i == 0 {
			want = p.CleanText()
			wantDispatched = fired
			continue
		}
		assert.Equal(t, want, p.CleanText(), "split %v produced different clean text", cuts)
		require.Equal(t, len(wantDispatched), len(fired), "split %v produced different marker count", cuts)
		for j := range fired {
			assert.Equal(t, wantDispatched[j], fired[j])
		}
	}
}

// TestEscapeRuleSuppressesInterpretation verifies the `\@@` escape rule
// leaves a literal "@@" in clean text without dispatching a marker, and
// survives being split across a chunk boundary right at the backslash.
func TestEscapeRuleSuppressesInterpretation(t *testing.T) {
	var fired int
	p := marker.New(map[string]marker.Handler{
		"think": func(name, arg string) error { fired++; return nil },
	})

	p.Write([]byte(`literal \@@think('x')@@ text`))
	p.Flush()

	assert.Equal(t, 0, fired)
	assert.Contains(t, p.CleanText(), "@@think('x')@@")
}

func TestEscapeRuleAcrossChunkBoundary(t *testing.T) {
	var fired int
	p := marker.New(map[string]marker.Handler{
		"think": func(name, arg string) error { fired++; return nil },
	})

	p.Write([]byte(`escaped \`))
	p.Write([]byte(`@@think('x')@@ done`))
	p.Flush()

	assert.Equal(t, 0, fired)
	assert.Contains(t, p.CleanText(), "@@think('x')@@")
}

// TestEscapeRuleSplitOneByteLater covers the split point one byte after
// the backslash, where the backslash and the first "@" have already been
// consumed together into one Write call and only the second "@" arrives
// with the rest of the marker in the next.
func TestEscapeRuleSplitOneByteLater(t *testing.T) {
	var fired int
	p := marker.New(map[string]marker.Handler{
		"think": func(name, arg string) error { fired++; return nil },
	})

	p.Write([]byte(`escaped \@`))
	p.Write([]byte(`@think('x')@@ done`))
	p.Flush()

	assert.Equal(t, 0, fired)
	assert.Contains(t, p.CleanText(), "@@think('x')@@")
}

// TestAvatarClipMarker covers the `@@[clip:weight,...]@@` variant, which
// has no parens and is matched by a dedicated regexp.
func TestAvatarClipMarker(t *testing.T) {
	var got []marker.Dispatched
	p := marker.New(map[string]marker.Handler{
		"clip": func(name, arg string) error {
			got = append(got, marker.Dispatched{Name: name, Arg: arg})
			return nil
		},
	})

	p.Write([]byte("@@[clip:joy=0.8,relax=0.2]@@"))
	p.Flush()

	require.Len(t, got, 1)
	assert.Equal(t, "clip", got[0].Name)
	assert.Equal(t, "clip:joy=0.8,relax=0.2", got[0].Arg)
}

// TestEmotionDimensionValidation exercises the numeric-arg validation path
// for emotion-dimension markers; an out-of-range value is still dispatched
// (the parser logs a warning but never aborts the stream).
func TestEmotionDimensionValidation(t *testing.T) {
	var got []marker.Dispatched
	p := marker.New(map[string]marker.Handler{
		"joy": func(name, arg string) error {
			got = append(got, marker.Dispatched{Name: name, Arg: arg})
			return nil
		},
	})

	p.Write([]byte("@@joy('1.5')@@"))
	p.Flush()

	require.Len(t, got, 1)
	assert.Equal(t, "1.5", got[0].Arg)
}

// TestUnknownMarkerPassesThrough confirms an unregistered, non-reserved
// marker name still fires (dispatched + glyph-substituted) rather than
// being dropped or treated as a parse error.
func TestUnknownMarkerPassesThrough(t *testing.T) {
	p := marker.New(nil)
	p.Write([]byte("@@frobnicate('x')@@"))
	p.Flush()

	require.Len(t, p.Dispatched(), 1)
	assert.Equal(t, "frobnicate", p.Dispatched()[0].Name)
	assert.NotEmpty(t, p.CleanText())
}

// TestHandlerErrorNeverAbortsStream confirms that a Handler returning an
// error still lets the rest of the stream flow through to clean text.
func TestHandlerErrorNeverAbortsStream(t *testing.T) {
	p := marker.New(map[string]marker.Handler{
		"ctrl": func(name, arg string) error { return assert.AnError },
	})

	p.Write([]byte("before @@ctrl('x')@@ after"))
	p.Flush()

	assert.Contains(t, p.CleanText(), "before")
	assert.Contains(t, p.CleanText(), "after")
}

// TestNoMarkersPassesTextThroughUnchanged covers the plain-text path with
// no "@@" sequence at all.
func TestNoMarkersPassesTextThroughUnchanged(t *testing.T) {
	p := marker.New(nil)
	p.Write([]byte("just some ordinary streamed text, no markers here"))
	p.Flush()

	assert.Equal(t, "just some ordinary streamed text, no markers here", p.CleanText())
	assert.Empty(t, p.Dispatched())
}

// TestDoubleAtSignWithoutMarkerIsLiteral ensures a bare "@@" that never
// resolves into a complete marker (e.g. unmatched parens) is eventually
// flushed as literal text rather than buffered forever.
func TestDoubleAtSignWithoutMarkerIsLiteral(t *testing.T) {
	p := marker.New(nil)
	p.Write([]byte("weird @@ not a marker"))
	p.Flush()

	assert.Equal(t, "weird @@ not a marker", p.CleanText())
	assert.Empty(t, p.Dispatched())
}
