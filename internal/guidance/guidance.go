// Package guidance connects the training loop to generative guidance
// models. Models run in a sidecar process reached over a websocket; they
// are loaded lazily, once, on first use.
package guidance

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Faultbox/splatforge/internal/logger"
	"github.com/Faultbox/splatforge/pkg/raster"
)

// ErrGuidanceUnavailable is returned when a model cannot be reached or
// loaded.
var ErrGuidanceUnavailable = errors.New("guidance: model unavailable")

// Result is the output of one guidance step: a scalar loss and its
// gradient with respect to every image of the batch.
type Result struct {
	Loss  float32
	Grads []*raster.Image
}

// SD scores renders against a text prompt.
type SD interface {
	// TextEmbeds encodes the prompt pair used by later steps.
	TextEmbeds(ctx context.Context, prompt, negative string) error
	TrainStep(ctx context.Context, images []*raster.Image, stepRatio float32) (*Result, error)
}

// Zero123 scores renders against a conditioning image and relative pose.
type Zero123 interface {
	// ImageEmbeds encodes the conditioning image used by later steps.
	ImageEmbeds(ctx context.Context, img *raster.Image) error
	TrainStep(ctx context.Context, images []*raster.Image, elevations, azimuths, radii []float32, stepRatio float32) (*Result, error)
}

// Dialer opens a session with the guidance sidecar.
type Dialer func(ctx context.Context) (*Client, error)

// Loader hands out guidance models, connecting and loading each at most
// once.
type Loader struct {
	dial         Dialer
	sdModel      string
	zero123Model string

	mu      sync.Mutex
	client  *Client
	sd      SD
	zero123 Zero123
}

// NewLoader returns a loader that connects with dial on first use.
func NewLoader(dial Dialer, sdModel, zero123Model string) *Loader {
	return &Loader{dial: dial, sdModel: sdModel, zero123Model: zero123Model}
}

func (l *Loader) connect(ctx context.Context) (*Client, error) {
	if l.client != nil {
		return l.client, nil
	}
	c, err := l.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGuidanceUnavailable, err)
	}
	l.client = c
	return c, nil
}

// SD returns the text-conditioned model, loading it on first call.
func (l *Loader) SD(ctx context.Context) (SD, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sd != nil {
		return l.sd, nil
	}
	m, err := l.load(ctx, l.sdModel)
	if err != nil {
		return nil, err
	}
	l.sd = &sdModel{m}
	return l.sd, nil
}

// Zero123 returns the image-conditioned model, loading it on first call.
func (l *Loader) Zero123(ctx context.Context) (Zero123, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.zero123 != nil {
		return l.zero123, nil
	}
	m, err := l.load(ctx, l.zero123Model)
	if err != nil {
		return nil, err
	}
	l.zero123 = &zero123Model{m}
	return l.zero123, nil
}

func (l *Loader) load(ctx context.Context, name string) (*model, error) {
	c, err := l.connect(ctx)
	if err != nil {
		return nil, err
	}
	logger.Info("loading guidance model", zap.String("model", name))
	if _, err := c.Call(ctx, &Request{Op: OpLoad, Model: name}); err != nil {
		return nil, fmt.Errorf("%w: load %s: %w", ErrGuidanceUnavailable, name, err)
	}
	return &model{client: c, name: name}, nil
}

// Close ends the sidecar session, if one was opened.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client == nil {
		return nil
	}
	err := l.client.Close()
	l.client, l.sd, l.zero123 = nil, nil, nil
	return err
}

type model struct {
	client *Client
	name   string
}

func (m *model) step(ctx context.Context, req *Request, n int) (*Result, error) {
	req.Op = OpTrainStep
	req.Model = m.name
	resp, err := m.client.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Grads) != n {
		return nil, fmt.Errorf("guidance: %s returned %d gradients for %d images", m.name, len(resp.Grads), n)
	}
	res := &Result{Loss: resp.Loss, Grads: make([]*raster.Image, n)}
	for i := range resp.Grads {
		g, err := resp.Grads[i].Image()
		if err != nil {
			return nil, err
		}
		res.Grads[i] = g
	}
	return res, nil
}

type sdModel struct{ *model }

func (m *sdModel) TextEmbeds(ctx context.Context, prompt, negative string) error {
	_, err := m.client.Call(ctx, &Request{Op: OpTextEmbeds, Model: m.name, Prompt: prompt, Negative: negative})
	return err
}

func (m *sdModel) TrainStep(ctx context.Context, images []*raster.Image, stepRatio float32) (*Result, error) {
	return m.step(ctx, &Request{Images: EncodeImages(images), StepRatio: stepRatio}, len(images))
}

type zero123Model struct{ *model }

func (m *zero123Model) ImageEmbeds(ctx context.Context, img *raster.Image) error {
	t := EncodeImage(img)
	_, err := m.client.Call(ctx, &Request{Op: OpImageEmbeds, Model: m.name, Image: &t})
	return err
}

func (m *zero123Model) TrainStep(ctx context.Context, images []*raster.Image, elevations, azimuths, radii []float32, stepRatio float32) (*Result, error) {
	return m.step(ctx, &Request{
		Images:     EncodeImages(images),
		Elevations: elevations,
		Azimuths:   azimuths,
		Radii:      radii,
		StepRatio:  stepRatio,
	}, len(images))
}
