package guidance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Faultbox/splatforge/pkg/raster"
)

// fakeSidecar answers train_step with the negated images as gradients and
// the batch size as loss. Loading "broken" fails.
type fakeSidecar struct {
	mu       sync.Mutex
	ops      []string
	lastReq  Request
	upgrader websocket.Upgrader
}

func (f *fakeSidecar) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		f.mu.Lock()
		f.ops = append(f.ops, req.Op+":"+req.Model)
		f.lastReq = req
		f.mu.Unlock()

		resp := Response{ID: req.ID}
		switch {
		case req.Op == OpLoad && req.Model == "broken":
			resp.Error = "no such model"
		case req.Op == OpTrainStep:
			resp.Loss = float32(len(req.Images))
			for _, t := range req.Images {
				img, err := t.Image()
				if err != nil {
					resp.Error = err.Error()
					break
				}
				for i := range img.Pix {
					img.Pix[i] = -img.Pix[i]
				}
				resp.Grads = append(resp.Grads, EncodeImage(img))
			}
		}
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

func (f *fakeSidecar) opList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func startSidecar(t *testing.T) (*fakeSidecar, string) {
	t.Helper()
	f := &fakeSidecar{}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestTensorRoundTrip(t *testing.T) {
	img := raster.New(3, 2, 2)
	for i := range img.Pix {
		img.Pix[i] = float32(i) - 4.5
	}
	got, err := EncodeImage(img).Image()
	require.NoError(t, err)
	assert.Equal(t, img, got)

	_, err = Tensor{C: 1, H: 2, W: 2, Data: "AAAA"}.Image()
	assert.Error(t, err)
}

func TestLoaderLoadsOnce(t *testing.T) {
	f, url := startSidecar(t)
	l := NewLoader(DialerFor(url, time.Second), "sd-2.1", "zero123-xl")
	defer l.Close()
	ctx := context.Background()

	sd, err := l.SD(ctx)
	require.NoError(t, err)
	again, err := l.SD(ctx)
	require.NoError(t, err)
	assert.Same(t, sd, again)

	require.NoError(t, sd.TextEmbeds(ctx, "a cat", "blurry"))
	res, err := sd.TrainStep(ctx, []*raster.Image{raster.Filled(2, 2, 0.5, 0.25, 1)}, 0.3)
	require.NoError(t, err)
	assert.Equal(t, float32(1), res.Loss)
	require.Len(t, res.Grads, 1)
	assert.Equal(t, float32(-0.25), res.Grads[0].At(1, 1, 1))

	assert.Equal(t, []string{"load:sd-2.1", "text_embeds:sd-2.1", "train_step:sd-2.1"}, f.opList())
}

func TestZero123SendsPoses(t *testing.T) {
	f, url := startSidecar(t)
	l := NewLoader(DialerFor(url, time.Second), "sd", "zero123")
	defer l.Close()
	ctx := context.Background()

	z, err := l.Zero123(ctx)
	require.NoError(t, err)
	require.NoError(t, z.ImageEmbeds(ctx, raster.Filled(2, 2, 1, 1, 1)))
	imgs := []*raster.Image{raster.New(2, 2, 3), raster.New(2, 2, 3)}
	res, err := z.TrainStep(ctx, imgs, []float32{-10, 5}, []float32{90, -45}, []float32{0, 0}, 0.5)
	require.NoError(t, err)
	assert.Len(t, res.Grads, 2)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []float32{90, -45}, f.lastReq.Azimuths)
	assert.Equal(t, float32(0.5), f.lastReq.StepRatio)
}

func TestLoaderUnavailable(t *testing.T) {
	_, url := startSidecar(t)
	l := NewLoader(DialerFor(url, time.Second), "broken", "zero123")
	defer l.Close()

	_, err := l.SD(context.Background())
	require.ErrorIs(t, err, ErrGuidanceUnavailable)

	failing := NewLoader(func(context.Context) (*Client, error) {
		return nil, errors.New("connection refused")
	}, "sd", "zero123")
	_, err = failing.Zero123(context.Background())
	require.ErrorIs(t, err, ErrGuidanceUnavailable)
}

func TestCallHonoursCancelledContext(t *testing.T) {
	_, url := startSidecar(t)
	c, err := Dial(context.Background(), url, time.Second)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Call(ctx, &Request{Op: OpLoad, Model: "sd"})
	require.ErrorIs(t, err, context.Canceled)
}
