package mesh

import (
	"bytes"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Faultbox/splatforge/internal/cloud"
	"github.com/Faultbox/splatforge/pkg/math"
	"github.com/Faultbox/splatforge/pkg/raster"
)

func quad() *Mesh {
	return &Mesh{
		V: []math.Vec3{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}, {X: 0, Y: 1}},
		F: [][3]int32{{0, 1, 2}, {0, 2, 3}},
	}
}

func TestAutoNormal(t *testing.T) {
	m := quad()
	m.AutoNormal()
	require.Len(t, m.VN, 4)
	for _, n := range m.VN {
		assert.InDelta(t, 1, n.Z, 1e-6)
	}
	assert.Equal(t, m.F, m.FN)
}

func TestAutoNormalDegenerate(t *testing.T) {
	m := &Mesh{V: []math.Vec3{{}, {X: 1}, {X: 2}}, F: [][3]int32{{0, 1, 2}}}
	m.AutoNormal()
	assert.Equal(t, math.Vec3{Z: 1}, m.VN[1])
}

func TestAutoUVChartsStayInCells(t *testing.T) {
	m := &Mesh{V: make([]math.Vec3, 3)}
	for i := 0; i < 7; i++ {
		m.F = append(m.F, [3]int32{0, 1, 2})
	}
	m.AutoUV(0.05)
	require.Len(t, m.FT, 7)
	require.Len(t, m.VT, 21)

	// 4 cells needed, so a 2x2 grid of 0.5 cells
	for i, ft := range m.FT {
		cell := i / 2
		u0, v0 := float32(cell%2)*0.5, float32(cell/2)*0.5
		for _, k := range ft {
			uv := m.VT[k]
			assert.True(t, uv.X > u0 && uv.X < u0+0.5, "face %d u %v", i, uv.X)
			assert.True(t, uv.Y > v0 && uv.Y < v0+0.5, "face %d v %v", i, uv.Y)
		}
	}
	// the two triangles of a cell are separated by the diagonal gap
	a, b := m.VT[m.FT[0][1]], m.VT[m.FT[1][0]]
	assert.Less(t, a.X+a.Y, b.X+b.Y)
}

func TestWriteOBJ(t *testing.T) {
	m := quad()
	m.AutoNormal()
	m.AutoUV(0)
	var buf bytes.Buffer
	require.NoError(t, m.WriteOBJ(&buf, "model_mesh.mtl"))
	out := buf.String()

	assert.True(t, strings.HasPrefix(out, "mtllib model_mesh.mtl\n"))
	assert.Equal(t, 4, strings.Count(out, "\nv "))
	assert.Equal(t, 6, strings.Count(out, "\nvt "))
	assert.Contains(t, out, "usemtl defaultMat\n")
	assert.Contains(t, out, "f 1/1/1 2/2/2 3/3/3\n")
	assert.Contains(t, out, "f 1/4/1 3/5/3 4/6/4\n")
}

func TestSaveOBJWritesMaterialAndTexture(t *testing.T) {
	dir := t.TempDir()
	m := quad()
	m.AutoNormal()
	m.AutoUV(0)
	m.Albedo = raster.Filled(4, 4, 1, 0, 0)
	require.NoError(t, m.SaveOBJ(filepath.Join(dir, "model_mesh.obj")))

	mtl, err := os.ReadFile(filepath.Join(dir, "model_mesh.mtl"))
	require.NoError(t, err)
	assert.Contains(t, string(mtl), "map_Kd model_mesh_albedo.png")
	_, err = os.Stat(filepath.Join(dir, "model_mesh_albedo.png"))
	require.NoError(t, err)
}

func TestWritePLY(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, quad().WritePLY(&buf))
	data := buf.Bytes()
	end := bytes.Index(data, []byte("end_header\n")) + len("end_header\n")
	header := string(data[:end])
	assert.Contains(t, header, "element vertex 4\n")
	assert.Contains(t, header, "element face 2\n")
	assert.Equal(t, 4*12+2*13, len(data)-end)
}

func blobCloud(t *testing.T, scale, opacity float32) *cloud.Cloud {
	t.Helper()
	c := cloud.New(0, rand.New(rand.NewPCG(1, 1)))
	rows := c.NewRows(1)
	for k := 0; k < 3; k++ {
		rows.Cols[cloud.AttrScale][k] = math32.Log(scale)
	}
	rows.Cols[cloud.AttrRotation][0] = 1
	rows.Cols[cloud.AttrOpacity][0] = cloud.Logit(opacity)
	c.Grow(rows)
	return c
}

func TestFieldSample(t *testing.T) {
	f := &Field{Res: 3, Bound: 1, Values: make([]float32, 27)}
	f.Values[(1*3+1)*3+1] = 1 // centre
	assert.InDelta(t, 1, f.Sample(math.Vec3{}), 1e-6)
	assert.InDelta(t, 0.5, f.Sample(math.Vec3{X: 0.5}), 1e-6)
	assert.Equal(t, float32(0), f.Sample(math.Vec3{X: 1.5}))
}

func TestExtractSphere(t *testing.T) {
	c := blobCloud(t, 0.3, 0.99)
	e := NewDensityExtractor(32, 4, 1.5)
	m, err := e.Extract(c, 0.5)
	require.NoError(t, err)
	require.NotEmpty(t, m.F)

	// opacity * exp(-r^2 / (2 s^2)) = 0.5
	want := 0.3 * math32.Sqrt(2*math32.Log(0.99/0.5))
	for _, v := range m.V {
		assert.InDelta(t, want, v.Length(), 0.06)
	}
	for _, f := range m.F {
		for _, i := range f {
			assert.Less(t, int(i), len(m.V))
		}
	}

	// faces point outwards
	var outward int
	for _, f := range m.F {
		n := m.faceNormal(f)
		centre := m.V[f[0]].Add(m.V[f[1]]).Add(m.V[f[2]])
		if n.Dot(centre) > 0 {
			outward++
		}
	}
	assert.Greater(t, outward, len(m.F)*9/10)
}

func TestExtractEmpty(t *testing.T) {
	c := blobCloud(t, 0.3, 0.5)
	_, err := NewDensityExtractor(16, 2, 1.5).Extract(c, 1)
	assert.ErrorIs(t, err, ErrEmptySurface)
}

func TestDensityRespectsBlocks(t *testing.T) {
	c := blobCloud(t, 0.1, 0.9)
	whole := NewDensityExtractor(16, 1, 1.5).Density(c)
	blocked := NewDensityExtractor(16, 4, 1.5).Density(c)
	for i := range whole.Values {
		assert.InDelta(t, whole.Values[i], blocked.Values[i], 1e-6)
	}
}
