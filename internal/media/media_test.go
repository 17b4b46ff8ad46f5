package media

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectKey(t *testing.T) {
	at := time.Date(2026, 3, 9, 23, 30, 0, 0, time.FixedZone("x", -5*3600))
	assert.Equal(t, "prod/reports/2026/03/10/01ABC.jpg", ObjectKey("prod", "01ABC", "Dashcam Clip.JPG", at))
	assert.Equal(t, "dev/reports/2026/03/10/01ABC", ObjectKey("dev", "01ABC", "", at))
	assert.Equal(t, "dev/reports/2026/03/10/01ABC", ObjectKey("dev", "01ABC", "x.averyverylongext", at))
}

func TestAllowed(t *testing.T) {
	allowed := []string{"image/jpeg", "video/mp4"}
	assert.True(t, Allowed("image/jpeg", allowed))
	assert.True(t, Allowed("IMAGE/JPEG; q=1", allowed))
	assert.False(t, Allowed("application/pdf", allowed))
	assert.False(t, Allowed("", allowed))
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	data := []byte{1, 2, 3}
	require.NoError(t, s.Put(context.Background(), "k", "image/png", data))
	data[0] = 9

	o, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, "image/png", o.ContentType)
	assert.Equal(t, []byte{1, 2, 3}, o.Data)
	assert.Equal(t, 1, s.Len())
}
