package cloud

import (
	"bufio"
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPLYRoundTrip(t *testing.T) {
	c := NewFromPrior(PriorOptions{NumPoints: 16, Radius: 0.5, Opacity: 0.3, SHDegree: 1}, newRand())
	rest := c.Param(AttrFeaturesRest).Data
	for i := range rest {
		rest[i] = float32(i) * 0.01
	}

	path := filepath.Join(t.TempDir(), "ckpt", "model.ply")
	require.NoError(t, c.Save(path))

	loaded, err := Load(path, newRand())
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.SHDegree())
	require.Equal(t, c.Len(), loaded.Len())
	for a := Attr(0); a < NumAttrs; a++ {
		assert.Equal(t, c.Param(a).Data, loaded.Param(a).Data, a.String())
	}
}

func TestPLYHeaderLayout(t *testing.T) {
	c := New(1, newRand())
	var buf bytes.Buffer
	require.NoError(t, c.WritePLY(&buf))
	hdr := buf.String()
	assert.True(t, strings.HasPrefix(hdr, "ply\nformat binary_little_endian 1.0\nelement vertex 0\n"))
	assert.Contains(t, hdr, "property float f_rest_8\n")
	assert.NotContains(t, hdr, "f_rest_9")
	assert.True(t, strings.HasSuffix(hdr, "property float rot_3\nend_header\n"))
}

func TestReadPLYRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"magic", "obj\n"},
		{"ascii", "ply\nformat ascii 1.0\nelement vertex 0\nend_header\n"},
		{"faces", "ply\nformat binary_little_endian 1.0\nelement face 2\nend_header\n"},
		{"missing opacity", "ply\nformat binary_little_endian 1.0\nelement vertex 0\nproperty float x\nend_header\n"},
		{"truncated", "ply\nformat binary_little_endian 1.0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadPLY(bufio.NewReader(strings.NewReader(tt.data)), newRand())
			assert.True(t, errors.Is(err, ErrInvalidPLY), "got %v", err)
		})
	}
}
