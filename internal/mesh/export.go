package mesh

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Faultbox/splatforge/internal/imageio"
)

const materialName = "defaultMat"

// create opens path for writing, creating its directory.
func create(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating file: %w", err)
	}
	return f, nil
}

func writeFile(path string, encode func(w io.Writer) error) error {
	f, err := create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	if err := encode(w); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

// SavePLY writes the geometry as a binary little-endian PLY.
func (m *Mesh) SavePLY(path string) error {
	return writeFile(path, m.WritePLY)
}

// WritePLY encodes vertices and faces.
func (m *Mesh) WritePLY(w io.Writer) error {
	var hdr strings.Builder
	hdr.WriteString("ply\nformat binary_little_endian 1.0\n")
	fmt.Fprintf(&hdr, "element vertex %d\n", len(m.V))
	hdr.WriteString("property float x\nproperty float y\nproperty float z\n")
	fmt.Fprintf(&hdr, "element face %d\n", len(m.F))
	hdr.WriteString("property list uchar int vertex_indices\nend_header\n")
	if _, err := io.WriteString(w, hdr.String()); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for _, v := range m.V {
		if err := binary.Write(w, binary.LittleEndian, v.Array()); err != nil {
			return fmt.Errorf("writing vertex: %w", err)
		}
	}
	for _, f := range m.F {
		if _, err := w.Write([]byte{3}); err != nil {
			return fmt.Errorf("writing face: %w", err)
		}
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return fmt.Errorf("writing face: %w", err)
		}
	}
	return nil
}

// objPaths returns the material and texture paths that go with an OBJ.
func objPaths(objPath string) (mtl, albedo string) {
	stem := strings.TrimSuffix(objPath, filepath.Ext(objPath))
	return stem + ".mtl", stem + "_albedo.png"
}

// SaveOBJ writes the mesh as OBJ plus, when it has UVs and an albedo, the
// material file and texture next to it.
func (m *Mesh) SaveOBJ(path string) error {
	mtlPath, albedoPath := objPaths(path)
	textured := m.Albedo != nil && len(m.VT) > 0
	if err := writeFile(path, func(w io.Writer) error {
		mtl := ""
		if textured {
			mtl = filepath.Base(mtlPath)
		}
		return m.WriteOBJ(w, mtl)
	}); err != nil {
		return err
	}
	if !textured {
		return nil
	}
	if err := writeFile(mtlPath, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "newmtl %s\nKa 1 1 1\nKd 1 1 1\nKs 0 0 0\nTr 1\nillum 1\nNs 0\nmap_Kd %s\n",
			materialName, filepath.Base(albedoPath))
		return err
	}); err != nil {
		return err
	}
	return imageio.SavePNG(albedoPath, m.Albedo)
}

// WriteOBJ encodes the mesh. mtl names the material library; empty omits
// it. Texture coordinates are written with v pointing up.
func (m *Mesh) WriteOBJ(w io.Writer, mtl string) error {
	bw := bufio.NewWriter(w)
	if mtl != "" {
		fmt.Fprintf(bw, "mtllib %s\n", mtl)
	}
	for _, v := range m.V {
		fmt.Fprintf(bw, "v %g %g %g\n", v.X, v.Y, v.Z)
	}
	for _, t := range m.VT {
		fmt.Fprintf(bw, "vt %g %g\n", t.X, 1-t.Y)
	}
	for _, n := range m.VN {
		fmt.Fprintf(bw, "vn %g %g %g\n", n.X, n.Y, n.Z)
	}
	if mtl != "" {
		fmt.Fprintf(bw, "usemtl %s\n", materialName)
	}
	hasT, hasN := len(m.FT) == len(m.F), len(m.FN) == len(m.F)
	for i, f := range m.F {
		bw.WriteString("f")
		for k := 0; k < 3; k++ {
			switch {
			case hasT && hasN:
				fmt.Fprintf(bw, " %d/%d/%d", f[k]+1, m.FT[i][k]+1, m.FN[i][k]+1)
			case hasT:
				fmt.Fprintf(bw, " %d/%d", f[k]+1, m.FT[i][k]+1)
			case hasN:
				fmt.Fprintf(bw, " %d//%d", f[k]+1, m.FN[i][k]+1)
			default:
				fmt.Fprintf(bw, " %d", f[k]+1)
			}
		}
		bw.WriteString("\n")
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("writing obj: %w", err)
	}
	return nil
}
