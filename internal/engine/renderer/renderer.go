// Package renderer shows preview images in the window as a single textured
// quad.
package renderer

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/go-gl/gl/v4.1-core/gl"
	"go.uber.org/zap"

	"github.com/Faultbox/splatforge/internal/logger"
	"github.com/Faultbox/splatforge/pkg/raster"
)

const vertexSource = `
#version 410 core

layout (location = 0) in vec2 aPos;
layout (location = 1) in vec2 aUV;

out vec2 uv;

void main() {
	gl_Position = vec4(aPos, 0.0, 1.0);
	uv = aUV;
}
`

const fragmentSource = `
#version 410 core

in vec2 uv;
out vec4 FragColor;

uniform sampler2D preview;

void main() {
	FragColor = vec4(texture(preview, uv).rgb, 1.0);
}
`

// Renderer owns the quad, its shader and the preview texture.
type Renderer struct {
	program uint32
	vao     uint32
	vbo     uint32
	texture uint32

	texW, texH int
	viewW      int
	viewH      int
	pixels     []uint8
}

// New sets up OpenGL state. It must be called after the context exists.
func New(width, height int) (*Renderer, error) {
	if err := gl.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize OpenGL: %w", err)
	}
	logger.Info("OpenGL initialized",
		zap.String("version", gl.GoStr(gl.GetString(gl.VERSION))),
		zap.String("renderer", gl.GoStr(gl.GetString(gl.RENDERER))),
	)
	gl.ClearColor(0.1, 0.1, 0.15, 1.0)

	r := &Renderer{}
	var err error
	if r.program, err = linkProgram(vertexSource, fragmentSource); err != nil {
		return nil, fmt.Errorf("failed to create shader program: %w", err)
	}
	r.createQuad()

	gl.GenTextures(1, &r.texture)
	gl.BindTexture(gl.TEXTURE_2D, r.texture)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MIN_FILTER, gl.LINEAR)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MAG_FILTER, gl.NEAREST)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_S, gl.CLAMP_TO_EDGE)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_T, gl.CLAMP_TO_EDGE)
	gl.BindTexture(gl.TEXTURE_2D, 0)

	r.Resize(width, height)
	return r, nil
}

// Close releases the GL objects.
func (r *Renderer) Close() {
	logger.Info("closing renderer")
	if r.texture != 0 {
		gl.DeleteTextures(1, &r.texture)
	}
	if r.vao != 0 {
		gl.DeleteVertexArrays(1, &r.vao)
	}
	if r.vbo != 0 {
		gl.DeleteBuffers(1, &r.vbo)
	}
	if r.program != 0 {
		gl.DeleteProgram(r.program)
	}
}

// Resize records the drawable size.
func (r *Renderer) Resize(width, height int) {
	r.viewW, r.viewH = width, height
	logger.Debug("renderer resized", zap.Int("width", width), zap.Int("height", height))
}

// Upload replaces the preview texture with img (three channels in [0, 1]).
func (r *Renderer) Upload(img *raster.Image) {
	n := img.W * img.H
	if cap(r.pixels) < 4*n {
		r.pixels = make([]uint8, 4*n)
	}
	r.pixels = r.pixels[:4*n]
	for i := 0; i < n; i++ {
		for c := 0; c < 3; c++ {
			v := img.Pix[c*n+i]
			r.pixels[4*i+c] = uint8(min(max(v, 0), 1)*255 + 0.5)
		}
		r.pixels[4*i+3] = 255
	}

	gl.BindTexture(gl.TEXTURE_2D, r.texture)
	if img.W != r.texW || img.H != r.texH {
		gl.TexImage2D(gl.TEXTURE_2D, 0, gl.RGBA8, int32(img.W), int32(img.H), 0,
			gl.RGBA, gl.UNSIGNED_BYTE, unsafe.Pointer(&r.pixels[0]))
		r.texW, r.texH = img.W, img.H
	} else {
		gl.TexSubImage2D(gl.TEXTURE_2D, 0, 0, 0, int32(img.W), int32(img.H),
			gl.RGBA, gl.UNSIGNED_BYTE, unsafe.Pointer(&r.pixels[0]))
	}
	gl.BindTexture(gl.TEXTURE_2D, 0)
}

// Draw clears the frame and draws the last uploaded preview, letterboxed to
// keep its aspect ratio.
func (r *Renderer) Draw() {
	gl.Viewport(0, 0, int32(r.viewW), int32(r.viewH))
	gl.Clear(gl.COLOR_BUFFER_BIT)
	if r.texW == 0 {
		return
	}
	x, y, w, h := letterbox(r.viewW, r.viewH, r.texW, r.texH)
	gl.Viewport(int32(x), int32(y), int32(w), int32(h))

	gl.UseProgram(r.program)
	gl.ActiveTexture(gl.TEXTURE0)
	gl.BindTexture(gl.TEXTURE_2D, r.texture)
	gl.Uniform1i(gl.GetUniformLocation(r.program, gl.Str("preview\x00")), 0)
	gl.BindVertexArray(r.vao)
	gl.DrawArrays(gl.TRIANGLE_STRIP, 0, 4)
	gl.BindVertexArray(0)
}

// letterbox fits a w x h image into the view, centred.
func letterbox(viewW, viewH, w, h int) (x, y, fitW, fitH int) {
	fitW, fitH = viewW, viewW*h/w
	if fitH > viewH {
		fitW, fitH = viewH*w/h, viewH
	}
	return (viewW - fitW) / 2, (viewH - fitH) / 2, fitW, fitH
}

// createQuad builds a full-viewport strip. Image row 0 is at the top, so v
// runs downwards.
func (r *Renderer) createQuad() {
	vertices := []float32{
		// x, y, u, v
		-1, -1, 0, 1,
		1, -1, 1, 1,
		-1, 1, 0, 0,
		1, 1, 1, 0,
	}
	gl.GenVertexArrays(1, &r.vao)
	gl.BindVertexArray(r.vao)
	gl.GenBuffers(1, &r.vbo)
	gl.BindBuffer(gl.ARRAY_BUFFER, r.vbo)
	gl.BufferData(gl.ARRAY_BUFFER, len(vertices)*4, unsafe.Pointer(&vertices[0]), gl.STATIC_DRAW)

	gl.VertexAttribPointer(0, 2, gl.FLOAT, false, 4*4, nil)
	gl.EnableVertexAttribArray(0)
	gl.VertexAttribPointer(1, 2, gl.FLOAT, false, 4*4, unsafe.Pointer(uintptr(2*4)))
	gl.EnableVertexAttribArray(1)

	gl.BindBuffer(gl.ARRAY_BUFFER, 0)
	gl.BindVertexArray(0)
}

// linkProgram compiles both stages and links them.
func linkProgram(vertexSrc, fragmentSrc string) (uint32, error) {
	program := gl.CreateProgram()
	stages := []struct {
		kind uint32
		name string
		src  string
	}{
		{gl.VERTEX_SHADER, "vertex", vertexSrc},
		{gl.FRAGMENT_SHADER, "fragment", fragmentSrc},
	}
	for _, s := range stages {
		shader, err := compileShader(s.src, s.kind)
		if err != nil {
			gl.DeleteProgram(program)
			return 0, fmt.Errorf("%s shader: %w", s.name, err)
		}
		gl.AttachShader(program, shader)
		defer gl.DeleteShader(shader)
	}
	gl.LinkProgram(program)

	var status int32
	gl.GetProgramiv(program, gl.LINK_STATUS, &status)
	if status == gl.FALSE {
		var logLength int32
		gl.GetProgramiv(program, gl.INFO_LOG_LENGTH, &logLength)
		log := strings.Repeat("\x00", int(logLength+1))
		gl.GetProgramInfoLog(program, logLength, nil, gl.Str(log))
		gl.DeleteProgram(program)
		return 0, fmt.Errorf("link failed: %s", log)
	}
	logger.Debug("shader program created", zap.Uint32("program", program))
	return program, nil
}

func compileShader(source string, kind uint32) (uint32, error) {
	shader := gl.CreateShader(kind)
	csources, free := gl.Strs(source + "\x00")
	gl.ShaderSource(shader, 1, csources, nil)
	free()
	gl.CompileShader(shader)

	var status int32
	gl.GetShaderiv(shader, gl.COMPILE_STATUS, &status)
	if status == gl.FALSE {
		var logLength int32
		gl.GetShaderiv(shader, gl.INFO_LOG_LENGTH, &logLength)
		log := strings.Repeat("\x00", int(logLength+1))
		gl.GetShaderInfoLog(shader, logLength, nil, gl.Str(log))
		gl.DeleteShader(shader)
		return 0, fmt.Errorf("compile failed: %s", log)
	}
	return shader, nil
}
