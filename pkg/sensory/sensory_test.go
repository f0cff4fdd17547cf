package sensory_test

import (
	"context"
	"strings"
	"testing"

	"github.com/jingkaihe/kodelet-memcore/pkg/sensory"
	"github.com/jingkaihe/kodelet-memcore/pkg/tokenest"
	"github.com/jingkaihe/kodelet-memcore/pkg/vm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemory() *vm.Memory {
	budget := vm.DefaultBudget(100000)
	return vm.New(budget, nil, nil)
}

func TestUnboundSlotsProduceNoSensoryBlock(t *testing.T) {
	d := sensory.New(newTestMemory())
	ctx := context.Background()

	d.Inner().Add(ctx, vm.Message{Role: vm.RoleUser, Content: "hi"})
	d.Poll(ctx)
	msgs := d.Messages(ctx)

	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)
}

func TestBoundChannelInjectsFencedSystemBlock(t *testing.T) {
	d := sensory.New(newTestMemory())
	ctx := context.Background()

	d.RegisterChannel(&sensory.Channel{
		Name:       "clock",
		MaxTokens:  1000,
		Width:      10,
		Height:     1,
		UpdateMode: sensory.PerTurn,
		Enabled:    true,
		Source:     sensory.SourceFunc(func(ctx context.Context) (string, error) { return "12:00", nil }),
	})
	d.Bind(0, "clock")

	d.Inner().Add(ctx, vm.Message{Role: vm.RoleUser, Content: "hi"})
	d.Poll(ctx)
	msgs := d.Messages(ctx)

	require.Len(t, msgs, 2)
	assert.Equal(t, vm.RoleSystem, msgs[0].Role)
	assert.Equal(t, "SensoryMemory", msgs[0].From)
	assert.Contains(t, msgs[0].Content, "[clock 10x1]")
	assert.Contains(t, msgs[0].Content, "12:00")
	assert.Equal(t, "hi", msgs[1].Content)
}

func TestDisabledChannelNotRendered(t *testing.T) {
	d := sensory.New(newTestMemory())
	ctx := context.Background()

	d.RegisterChannel(&sensory.Channel{
		Name:       "clock",
		UpdateMode: sensory.PerTurn,
		Enabled:    false,
		Source:     sensory.SourceFunc(func(ctx context.Context) (string, error) { return "12:00", nil }),
	})
	d.Bind(0, "clock")
	d.Poll(ctx)

	msgs := d.Messages(ctx)
	assert.Empty(t, msgs)
}

func TestBindUnknownChannelIsNoop(t *testing.T) {
	d := sensory.New(newTestMemory())
	ctx := context.Background()

	d.Bind(0, "nonexistent")
	d.Poll(ctx)
	msgs := d.Messages(ctx)
	assert.Empty(t, msgs)
}

func TestViewMarkerBindsAndUnbinds(t *testing.T) {
	d := sensory.New(newTestMemory())
	ctx := context.Background()

	d.RegisterChannel(&sensory.Channel{Name: "map", Enabled: true, UpdateMode: sensory.PerTurn,
		Source: sensory.SourceFunc(func(ctx context.Context) (string, error) { return "M", nil })})

	require.NoError(t, d.HandleViewMarker(ctx, "map,1"))
	d.Poll(ctx)
	msgs := d.Messages(ctx)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Content, "[map")

	require.NoError(t, d.HandleViewMarker(ctx, "off,1"))
	msgs = d.Messages(ctx)
	assert.Empty(t, msgs)
}

func TestSenseMarkerTogglesChannel(t *testing.T) {
	d := sensory.New(newTestMemory())
	ctx := context.Background()

	d.RegisterChannel(&sensory.Channel{Name: "map", Enabled: true, UpdateMode: sensory.PerTurn,
		Source: sensory.SourceFunc(func(ctx context.Context) (string, error) { return "M", nil })})
	d.Bind(0, "map")

	d.HandleSenseMarker("map,off")
	d.Poll(ctx)
	assert.Empty(t, d.Messages(ctx))

	d.HandleSenseMarker("map,on")
	d.Poll(ctx)
	assert.NotEmpty(t, d.Messages(ctx))
}

func TestResizeMarkerUpdatesDimensions(t *testing.T) {
	d := sensory.New(newTestMemory())
	ctx := context.Background()

	d.RegisterChannel(&sensory.Channel{Name: "map", Enabled: true, UpdateMode: sensory.PerTurn, Width: 5, Height: 5,
		Source: sensory.SourceFunc(func(ctx context.Context) (string, error) { return "M", nil })})
	d.Bind(0, "map")

	require.NoError(t, d.HandleResizeMarker("map,20,10"))
	d.Poll(ctx)
	msgs := d.Messages(ctx)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Content, "[map 20x10]")
}

func TestChannelTruncatedToMaxTokens(t *testing.T) {
	d := sensory.New(newTestMemory())
	ctx := context.Background()

	big := ""
	for i := 0; i < 5000; i++ {
		big += "x"
	}
	d.RegisterChannel(&sensory.Channel{
		Name:       "log",
		MaxTokens:  5,
		UpdateMode: sensory.PerTurn,
		Enabled:    true,
		Source:     sensory.SourceFunc(func(ctx context.Context) (string, error) { return "header\n" + big, nil }),
	})
	d.Bind(0, "log")
	d.Poll(ctx)

	msgs := d.Messages(ctx)
	require.Len(t, msgs, 1)
	assert.Less(t, len(msgs[0].Content), len(big))
	assert.Contains(t, msgs[0].Content, "header")
}

// TestAggregateBudgetCapsCombinedSlotOutput covers spec.md §3's "total
// sensory token output <= sensoryBudget" invariant across all three slots
// combined, independent of any single channel's own per-channel MaxTokens.
func TestAggregateBudgetCapsCombinedSlotOutput(t *testing.T) {
	d := sensory.New(newTestMemory())
	ctx := context.Background()

	big := strings.Repeat("x", 5000)
	for i, name := range []string{"a", "b", "c"} {
		name := name
		d.RegisterChannel(&sensory.Channel{
			Name:       name,
			MaxTokens:  2000, // each channel alone fits its own cap...
			UpdateMode: sensory.PerTurn,
			Enabled:    true,
			Source:     sensory.SourceFunc(func(ctx context.Context) (string, error) { return "hdr\n" + big, nil }),
		})
		d.Bind(i, name)
	}
	d.SetBudget(50) // ...but three of them combined must not exceed this

	d.Poll(ctx)
	msgs := d.Messages(ctx)
	require.Len(t, msgs, 1)
	assert.LessOrEqual(t, tokenest.EstimateText(msgs[0].Content), 50)
}
