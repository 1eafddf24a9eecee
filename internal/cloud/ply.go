package cloud

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrInvalidPLY is returned for checkpoints that are not binary
// little-endian vertex-only PLY files with the expected properties.
var ErrInvalidPLY = errors.New("invalid PLY checkpoint")

// plyProperties lists the checkpoint columns for a SH degree.
func plyProperties(shDegree int) []string {
	names := []string{"x", "y", "z", "nx", "ny", "nz", "f_dc_0", "f_dc_1", "f_dc_2"}
	for i := 0; i < 3*(NumSHCoeffs(shDegree)-1); i++ {
		names = append(names, "f_rest_"+strconv.Itoa(i))
	}
	names = append(names, "opacity", "scale_0", "scale_1", "scale_2", "rot_0", "rot_1", "rot_2", "rot_3")
	return names
}

// Save writes the cloud as a PLY checkpoint.
func (c *Cloud) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating checkpoint dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := c.WritePLY(w); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	return f.Close()
}

// WritePLY encodes the cloud. Higher SH bands are written channel-major.
func (c *Cloud) WritePLY(w io.Writer) error {
	props := plyProperties(c.shDegree)
	var hdr strings.Builder
	hdr.WriteString("ply\nformat binary_little_endian 1.0\n")
	fmt.Fprintf(&hdr, "element vertex %d\n", c.n)
	for _, p := range props {
		fmt.Fprintf(&hdr, "property float %s\n", p)
	}
	hdr.WriteString("end_header\n")
	if _, err := io.WriteString(w, hdr.String()); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	rest := NumSHCoeffs(c.shDegree) - 1
	row := make([]float32, len(props))
	for i := 0; i < c.n; i++ {
		k := 0
		put := func(vals ...float32) {
			k += copy(row[k:], vals)
		}
		put(c.params[AttrPosition].Data[3*i : 3*i+3]...)
		put(0, 0, 0)
		put(c.params[AttrFeaturesDC].Data[3*i : 3*i+3]...)
		fr := c.params[AttrFeaturesRest].Data
		for ch := 0; ch < 3; ch++ {
			for j := 0; j < rest; j++ {
				put(fr[(i*rest+j)*3+ch])
			}
		}
		put(c.params[AttrOpacity].Data[i])
		put(c.params[AttrScale].Data[3*i : 3*i+3]...)
		put(c.params[AttrRotation].Data[4*i : 4*i+4]...)
		if err := binary.Write(w, binary.LittleEndian, row); err != nil {
			return fmt.Errorf("writing vertex %d: %w", i, err)
		}
	}
	return nil
}

// Load reads a PLY checkpoint. The SH degree follows from the number of
// f_rest properties.
func Load(path string, rng *rand.Rand) (*Cloud, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint: %w", err)
	}
	defer f.Close()

	c, err := ReadPLY(bufio.NewReader(f), rng)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// ReadPLY decodes a checkpoint written by WritePLY or a compatible tool.
func ReadPLY(r *bufio.Reader, rng *rand.Rand) (*Cloud, error) {
	count, props, err := readPLYHeader(r)
	if err != nil {
		return nil, err
	}
	index := make(map[string]int, len(props))
	numRest := 0
	for i, p := range props {
		index[p] = i
		if strings.HasPrefix(p, "f_rest_") {
			numRest++
		}
	}
	degree := -1
	for d := 0; d <= 3; d++ {
		if 3*(NumSHCoeffs(d)-1) == numRest {
			degree = d
		}
	}
	if degree < 0 {
		return nil, fmt.Errorf("%w: %d f_rest properties", ErrInvalidPLY, numRest)
	}
	for _, want := range plyProperties(degree) {
		if _, ok := index[want]; !ok && !strings.HasPrefix(want, "n") {
			return nil, fmt.Errorf("%w: missing property %s", ErrInvalidPLY, want)
		}
	}

	c := New(degree, rng)
	rows := c.NewRows(count)
	rest := NumSHCoeffs(degree) - 1
	row := make([]float32, len(props))
	get := func(name string) float32 { return row[index[name]] }
	for i := 0; i < count; i++ {
		if err := binary.Read(r, binary.LittleEndian, row); err != nil {
			return nil, fmt.Errorf("%w: reading vertex %d: %v", ErrInvalidPLY, i, err)
		}
		for k, axis := range []string{"x", "y", "z"} {
			rows.Cols[AttrPosition][3*i+k] = get(axis)
		}
		for ch := 0; ch < 3; ch++ {
			rows.Cols[AttrFeaturesDC][3*i+ch] = get("f_dc_" + strconv.Itoa(ch))
			for j := 0; j < rest; j++ {
				rows.Cols[AttrFeaturesRest][(i*rest+j)*3+ch] = get("f_rest_" + strconv.Itoa(ch*rest+j))
			}
		}
		rows.Cols[AttrOpacity][i] = get("opacity")
		for k := 0; k < 3; k++ {
			rows.Cols[AttrScale][3*i+k] = get("scale_" + strconv.Itoa(k))
		}
		for k := 0; k < 4; k++ {
			rows.Cols[AttrRotation][4*i+k] = get("rot_" + strconv.Itoa(k))
		}
	}
	c.Grow(rows)
	return c, nil
}

func readPLYHeader(r *bufio.Reader) (int, []string, error) {
	line, err := r.ReadString('\n')
	if err != nil || strings.TrimSpace(line) != "ply" {
		return 0, nil, fmt.Errorf("%w: missing magic", ErrInvalidPLY)
	}
	count := -1
	var props []string
	for {
		line, err = r.ReadString('\n')
		if err != nil {
			return 0, nil, fmt.Errorf("%w: truncated header", ErrInvalidPLY)
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "format":
			if len(fields) < 2 || fields[1] != "binary_little_endian" {
				return 0, nil, fmt.Errorf("%w: unsupported format %q", ErrInvalidPLY, strings.TrimSpace(line))
			}
		case "element":
			if len(fields) != 3 || fields[1] != "vertex" || count >= 0 {
				return 0, nil, fmt.Errorf("%w: unexpected element %q", ErrInvalidPLY, strings.TrimSpace(line))
			}
			count, err = strconv.Atoi(fields[2])
			if err != nil || count < 0 {
				return 0, nil, fmt.Errorf("%w: bad vertex count", ErrInvalidPLY)
			}
		case "property":
			if len(fields) != 3 || fields[1] != "float" {
				return 0, nil, fmt.Errorf("%w: unsupported property %q", ErrInvalidPLY, strings.TrimSpace(line))
			}
			props = append(props, fields[2])
		case "comment", "obj_info":
		case "end_header":
			if count < 0 {
				return 0, nil, fmt.Errorf("%w: no vertex element", ErrInvalidPLY)
			}
			return count, props, nil
		default:
			return 0, nil, fmt.Errorf("%w: unexpected header line %q", ErrInvalidPLY, strings.TrimSpace(line))
		}
	}
}
