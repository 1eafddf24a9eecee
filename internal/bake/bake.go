// Package bake projects rendered colors onto a mesh's UV atlas from a fixed
// set of orbit views and fills the remaining seams by nearest-donor
// inpainting.
package bake

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Faultbox/splatforge/internal/camera"
	"github.com/Faultbox/splatforge/internal/logger"
	"github.com/Faultbox/splatforge/internal/mesh"
	"github.com/Faultbox/splatforge/pkg/math"
	"github.com/Faultbox/splatforge/pkg/raster"
)

// ColorSource renders the scene from a camera. The result must have at
// least three channels and the camera's size.
type ColorSource interface {
	RenderColor(ctx context.Context, cam camera.Camera) (*raster.Image, error)
}

// ColorSourceFunc adapts a function to ColorSource.
type ColorSourceFunc func(ctx context.Context, cam camera.Camera) (*raster.Image, error)

// RenderColor calls f.
func (f ColorSourceFunc) RenderColor(ctx context.Context, cam camera.Camera) (*raster.Image, error) {
	return f(ctx, cam)
}

// Options control the bake.
type Options struct {
	TextureSize int
	RenderSize  int
	Radius      float32
	FovY        float32 // radians
	Near, Far   float32

	ViewCosThreshold float32
	CountEpsilon     float32
	DilateIterations int
	ErodeIterations  int
}

// Baker writes an albedo texture for a mesh.
type Baker struct {
	Options
	Views []Viewpoint
}

// NewBaker returns a baker using the standard coverage views.
func NewBaker(opts Options) *Baker {
	return &Baker{Options: opts, Views: Viewpoints()}
}

// Bake fills m.Albedo. Normals and UVs are generated first when the mesh
// lacks them. Views are processed in order and a texel keeps the color of
// the first view that saw it well enough.
func (b *Baker) Bake(ctx context.Context, m *mesh.Mesh, src ColorSource) (*Atlas, error) {
	if len(m.F) == 0 {
		return nil, mesh.ErrEmptySurface
	}
	if len(m.VN) == 0 || len(m.FN) != len(m.F) {
		m.AutoNormal()
	}
	if len(m.VT) == 0 || len(m.FT) != len(m.F) {
		m.AutoUV(0)
	}
	log := logger.Named("bake")

	atlas := NewAtlas(b.TextureSize, b.TextureSize)
	view := NewAtlas(b.TextureSize, b.TextureSize)
	for i, vp := range b.Views {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pose := math.OrbitPose(vp.Elevation, vp.Azimuth, b.Radius, math.Vec3{})
		cam := camera.New(pose, b.RenderSize, b.RenderSize, b.FovY, b.Near, b.Far)
		img, err := src.RenderColor(ctx, cam)
		if err != nil {
			return nil, fmt.Errorf("bake view %d: %w", i, err)
		}
		if img.W != cam.Width() || img.H != cam.Height() || img.C < 3 {
			return nil, fmt.Errorf("bake view %d: %w", i, raster.ErrShape)
		}
		view.Reset()
		n := b.project(view, m, cam, img)
		atlas.Merge(view, b.CountEpsilon)
		log.Debug("view baked",
			zap.Int("view", i),
			zap.Float32("elevation", vp.Elevation),
			zap.Float32("azimuth", vp.Azimuth),
			zap.Int("pixels", n))
	}
	atlas.Normalize()
	filled := atlas.Inpaint(b.DilateIterations, b.ErodeIterations)
	log.Info("texture baked", zap.Int("size", b.TextureSize), zap.Int("inpainted", filled))

	m.Albedo = atlas.Image()
	return atlas, nil
}

// project splats every valid pixel of img into view and returns how many
// pixels contributed.
func (b *Baker) project(view *Atlas, m *mesh.Mesh, cam camera.Camera, img *raster.Image) int {
	fr := Rasterize(m, cam)
	back := cam.Backward()
	plane := img.W * img.H
	n := 0
	for i := range fr.Face {
		if !fr.Covered(i) || fr.Normal[i].Dot(back) <= b.ViewCosThreshold {
			continue
		}
		rgb := [3]float32{img.Pix[i], img.Pix[plane+i], img.Pix[2*plane+i]}
		view.Splat(fr.UV[i], rgb, 1)
		n++
	}
	return n
}
