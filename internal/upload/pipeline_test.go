package upload

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studiolink/chat-backend/internal/models"
)

// countingStore records every call so tests can assert that rejected
// uploads never touch the object store.
type countingStore struct {
	uploads  int
	signs    int
	lastKey  string
	lastType string
	failUp   bool
	failSign bool
}

func (c *countingStore) Upload(ctx context.Context, key, contentType string, r io.Reader) error {
	c.uploads++
	c.lastKey = key
	c.lastType = contentType
	if c.failUp {
		return errors.New("bucket down")
	}
	_, err := io.Copy(io.Discard, r)
	return err
}

func (c *countingStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	c.signs++
	if c.failSign {
		return "", errors.New("bucket down")
	}
	return "https://cdn.example.test/" + key, nil
}

func pngFile(name string, size int64) File {
	return File{
		Name:        name,
		Size:        size,
		ContentType: "image/png",
		Reader:      strings.NewReader(strings.Repeat("x", int(size))),
	}
}

func TestSubmitUploadsAndSigns(t *testing.T) {
	cs := &countingStore{}
	p := NewPipeline(cs, 0, 0)

	res, err := p.Submit(context.Background(), pngFile("photo.png", 128), "conv-1", "alice")
	require.NoError(t, err)

	assert.Equal(t, models.KindImage, res.Kind)
	assert.Equal(t, "photo.png", res.File.Name)
	assert.Equal(t, "https://cdn.example.test/"+cs.lastKey, res.File.URL)
	assert.True(t, strings.HasPrefix(cs.lastKey, "alice/conv-1/"), "key %q not scoped to owner and conversation", cs.lastKey)
	assert.True(t, strings.HasSuffix(cs.lastKey, ".png"))
	assert.Equal(t, 1, cs.uploads)
	assert.Equal(t, 1, cs.signs)
}

func TestSubmitRejectsUnknownType(t *testing.T) {
	cs := &countingStore{}
	p := NewPipeline(cs, 0, 0)

	_, err := p.Submit(context.Background(), File{
		Name:        "script.sh",
		Size:        10,
		ContentType: "application/x-sh",
		Reader:      strings.NewReader("#!/bin/sh"),
	}, "conv-1", "alice")

	require.ErrorIs(t, err, ErrInvalidType)
	assert.Zero(t, cs.uploads, "rejected file must not reach the store")
	assert.Zero(t, cs.signs)
}

func TestSubmitRejectsOversizeFile(t *testing.T) {
	cs := &countingStore{}
	p := NewPipeline(cs, 1024, 0)

	_, err := p.Submit(context.Background(), pngFile("big.png", 2048), "conv-1", "alice")

	require.ErrorIs(t, err, ErrTooLarge)
	assert.Zero(t, cs.uploads, "rejected file must not reach the store")
}

func TestSubmitSurfacesStoreFailure(t *testing.T) {
	cs := &countingStore{failUp: true}
	p := NewPipeline(cs, 0, 0)

	_, err := p.Submit(context.Background(), pngFile("photo.png", 16), "conv-1", "alice")
	require.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestSubmitSurfacesSignFailure(t *testing.T) {
	cs := &countingStore{failSign: true}
	p := NewPipeline(cs, 0, 0)

	_, err := p.Submit(context.Background(), pngFile("photo.png", 16), "conv-1", "alice")
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, 1, cs.uploads)
}

func TestKindForMIME(t *testing.T) {
	tests := []struct {
		contentType string
		kind        models.MessageKind
		ok          bool
	}{
		{"image/jpeg", models.KindImage, true},
		{"IMAGE/PNG", models.KindImage, true},
		{"audio/ogg", models.KindAudio, true},
		{"application/pdf", models.KindDocument, true},
		{"text/plain; charset=utf-8", models.KindDocument, true},
		{"video/mp4", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		kind, ok := KindForMIME(tt.contentType)
		assert.Equal(t, tt.ok, ok, "content type %q", tt.contentType)
		if tt.ok {
			assert.Equal(t, tt.kind, kind, "content type %q", tt.contentType)
		}
	}
}
