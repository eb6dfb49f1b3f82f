// Package avatar is the Avatar & Attachment Cache (spec.md ยง4.9, C9). It
// fetches legacy avatar bytes (by URL or by bytes handed directly from an
// adapter), decodes/resizes/re-encodes them, and deduplicates by content
// hash before handing them to pkg/store.
package avatar

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"net/http"
	"time"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/slidge-im/slidge-go/pkg/models"
	"github.com/slidge-im/slidge-go/pkg/store"
)

// MaxDimension is the largest width/height a re-encoded avatar keeps;
// larger source images are downsampled to fit (spec.md ยง4.9).
const MaxDimension = 400

// MaxFetchBytes bounds how much of a legacy avatar URL response is read,
// mirroring the defensive cap the link-preview fetcher in this codebase's
// lineage uses against oversized responses.
const MaxFetchBytes = 8 * 1024 * 1024

// Cache resolves, decodes, and deduplicates avatar images.
type Cache struct {
	store      *store.AvatarStore
	httpClient *http.Client
}

// New builds a Cache backed by the given avatar sub-store.
func New(avatarStore *store.AvatarStore) *Cache {
	return &Cache{
		store:      avatarStore,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Resolved is the outcome of resolving one avatar: either a cache hit
// (freshly fetched bytes matched a hash already on file) or new bytes that
// must be persisted by the caller via pkg/store.
type Resolved struct {
	PK       int64 // set when Cached, the existing avatar row's primary key
	Hash     string
	Filename string
	Width    int
	Height   int
	Bytes    []byte // nil on a cache hit where re-encoding was skipped
	Cached   bool
}

// FromBytes decodes, resizes, and re-encodes raw avatar bytes handed
// directly by an adapter (no network fetch involved).
func (c *Cache) FromBytes(ctx context.Context, raw []byte) (*Resolved, error) {
	return c.process(ctx, raw)
}

// FromURL performs a conditional GET against a legacy avatar URL, reusing
// the previous ETag/Last-Modified pair recorded for legacyID if one
// exists. A 304 response is reported as a cache hit against the
// previously-stored avatar without re-decoding anything.
func (c *Cache) FromURL(ctx context.Context, legacyID, url string) (*Resolved, error) {
	prev, err := c.store.ByLegacyID(ctx, legacyID)
	if err != nil {
		return nil, fmt.Errorf("avatar: lookup previous: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("avatar: build request: %w", err)
	}
	if prev != nil {
		if prev.ETag != "" {
			req.Header.Set("If-None-Match", prev.ETag)
		}
		if prev.LastModified != "" {
			req.Header.Set("If-Modified-Since", prev.LastModified)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("avatar: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified && prev != nil {
		return &Resolved{PK: prev.PK, Hash: prev.Hash, Filename: prev.Filename, Width: prev.Width, Height: prev.Height, Cached: true}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("avatar: fetch %s: unexpected status %s", url, resp.Status)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxFetchBytes))
	if err != nil {
		return nil, fmt.Errorf("avatar: read body: %w", err)
	}

	resolved, err := c.process(ctx, raw)
	if err != nil {
		return nil, err
	}
	if resolved.Cached {
		if etag := resp.Header.Get("ETag"); etag != "" {
			if err := c.store.UpdateCacheHeaders(ctx, resolved.PK, etag, resp.Header.Get("Last-Modified")); err != nil {
				return nil, err
			}
		}
	}
	return resolved, nil
}

// process decodes raw image bytes, downsamples to MaxDimension if needed,
// re-encodes as PNG, and checks the content hash against the store before
// returning — spec.md ยง4.9's "never re-upload identical bytes" rule.
func (c *Cache) process(ctx context.Context, raw []byte) (*Resolved, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("avatar: decode: %w", err)
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w > MaxDimension || h > MaxDimension {
		img = resize(img, MaxDimension)
		bounds = img.Bounds()
		w, h = bounds.Dx(), bounds.Dy()
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("avatar: encode: %w", err)
	}
	encoded := buf.Bytes()

	sum := sha256.Sum256(encoded)
	hash := hex.EncodeToString(sum[:])

	existing, err := c.store.ByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("avatar: hash lookup: %w", err)
	}
	if existing != nil {
		return &Resolved{PK: existing.PK, Hash: hash, Filename: existing.Filename, Width: existing.Width, Height: existing.Height, Cached: true}, nil
	}

	return &Resolved{Hash: hash, Filename: hash + ".png", Width: w, Height: h, Bytes: encoded}, nil
}

// Persist writes a freshly resolved (non-cached) avatar to the store,
// associating it with the legacy id it was fetched for.
func (c *Cache) Persist(ctx context.Context, r *Resolved, url, legacyID string) (int64, error) {
	if r.Cached {
		return 0, errors.New("avatar: Persist called on a cache hit")
	}
	return c.store.Put(ctx, &models.Avatar{
		Hash:     r.Hash,
		Filename: r.Filename,
		Width:    r.Width,
		Height:   r.Height,
		URL:      url,
		LegacyID: legacyID,
	})
}

// resize downsamples img so its longest side is at most maxSide, preserving
// aspect ratio, using x/image/draw's bilinear scaler.
func resize(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	scale := float64(maxSide) / float64(w)
	if h > w {
		scale = float64(maxSide) / float64(h)
	}
	dw, dh := int(float64(w)*scale), int(float64(h)*scale)
	if dw < 1 {
		dw = 1
	}
	if dh < 1 {
		dh = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}
