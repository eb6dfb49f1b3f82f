package avatar_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/slidge-im/slidge-go/pkg/avatar"
	"github.com/slidge-im/slidge-go/pkg/store"
)

func testPNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestFromBytesDedupesByHash(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, "sqlite3", "file::memory:?cache=shared", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	cache := avatar.New(s.Avatars)
	raw := testPNG(t, 10, 10, color.RGBA{R: 255, A: 255})

	first, err := cache.FromBytes(ctx, raw)
	require.NoError(t, err)
	require.False(t, first.Cached)
	require.NotEmpty(t, first.Hash)

	_, err = cache.Persist(ctx, first, "", "legacy-avatar-1")
	require.NoError(t, err)

	second, err := cache.FromBytes(ctx, raw)
	require.NoError(t, err)
	require.True(t, second.Cached)
	require.Equal(t, first.Hash, second.Hash)
}

func TestFromBytesDownsamplesOversizedImage(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, "sqlite3", "file::memory:?cache=shared", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	cache := avatar.New(s.Avatars)
	raw := testPNG(t, avatar.MaxDimension+200, avatar.MaxDimension+200, color.RGBA{G: 255, A: 255})

	resolved, err := cache.FromBytes(ctx, raw)
	require.NoError(t, err)
	require.LessOrEqual(t, resolved.Width, avatar.MaxDimension)
	require.LessOrEqual(t, resolved.Height, avatar.MaxDimension)
}
