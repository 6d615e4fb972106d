package wire

import (
	"errors"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatstream/internal/domain"
)

func TestFramer_SplitsCompleteLines(t *testing.T) {
	f := NewFramer(0)

	lines, err := f.Push([]byte("0:\"Hel"))
	require.NoError(t, err)
	assert.Empty(t, lines)
	assert.Equal(t, 6, f.Buffered())

	lines, err = f.Push([]byte("lo\"\n0:\" world\"\nd:{\"finish"))
	require.NoError(t, err)
	assert.Equal(t, []string{`0:"Hello"`, `0:" world"`}, lines)

	lines, err = f.Push([]byte("Reason\":\"stop\"}\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{`d:{"finishReason":"stop"}`}, lines)
	assert.Zero(t, f.Buffered())
	assert.Empty(t, f.Flush())
}

func TestFramer_SkipsBlankAndTrims(t *testing.T) {
	f := NewFramer(0)
	lines, err := f.Push([]byte("\n\n  0:\"a\"  \r\n\t\n0:\"b\"\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{`0:"a"`, `0:"b"`}, lines)
}

func TestFramer_FlushUnterminated(t *testing.T) {
	f := NewFramer(0)
	lines, err := f.Push([]byte("0:\"a\"\n0:\"tail\""))
	require.NoError(t, err)
	assert.Equal(t, []string{`0:"a"`}, lines)
	assert.Equal(t, []string{`0:"tail"`}, f.Flush())
	assert.Empty(t, f.Flush())
}

func TestFramer_SplitMultibyteCharacter(t *testing.T) {
	line := `0:"日本🎉"`
	data := []byte(line + "\n")
	f := NewFramer(0)

	var got []string
	for i := range data {
		lines, err := f.Push(data[i : i+1])
		require.NoError(t, err)
		got = append(got, lines...)
	}
	assert.Equal(t, []string{line}, got)
}

func TestFramer_InvalidUTF8Replaced(t *testing.T) {
	f := NewFramer(0)
	lines, err := f.Push([]byte{'0', ':', '"', 0xff, '"', '\n'})
	require.NoError(t, err)
	assert.Equal(t, []string{"0:\"\uFFFD\""}, lines)
}

func TestFramer_MaxLine(t *testing.T) {
	f := NewFramer(8)
	_, err := f.Push([]byte("0:\"abcdefgh"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrMalformed))
	assert.Zero(t, f.Buffered())

	f = NewFramer(8)
	lines, err := f.Push([]byte("0:\"a long complete line\"\n0:\"abcdefgh"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrMalformed))
	assert.Equal(t, []string{`0:"a long complete line"`}, lines)

	lines, err = f.Push([]byte("\n0:\"ok\"\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{`0:"ok"`}, lines)
}

func genLine() gopter.Gen {
	return gen.OneGenOf(
		gen.AlphaString().Map(func(s string) string { return "0:" + s }),
		gen.OneConstOf(`0:"héllo"`, `g:"日本語"`, `0:"🎉 party"`, `d:{"finishReason":"stop"}`, "ü", "x  y"),
	)
}

func TestFramerChunkingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("any chunking yields the original lines", prop.ForAll(
		func(lines []string, sizes []int, trailingNewline bool) bool {
			data := strings.Join(lines, "\n")
			if trailingNewline {
				data += "\n"
			}
			raw := []byte(data)

			f := NewFramer(0)
			var got []string
			for i, pos := 0, 0; pos < len(raw); i++ {
				size := 1
				if len(sizes) > 0 {
					size = sizes[i%len(sizes)]
				}
				end := min(pos+size, len(raw))
				out, err := f.Push(raw[pos:end])
				if err != nil {
					return false
				}
				got = append(got, out...)
				pos = end
			}
			got = append(got, f.Flush()...)

			if len(lines) == 0 {
				return len(got) == 0
			}
			return assert.ObjectsAreEqual(lines, got)
		},
		gen.SliceOf(genLine()),
		gen.SliceOf(gen.IntRange(1, 7)),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
