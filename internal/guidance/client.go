package guidance

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Faultbox/splatforge/pkg/raster"
)

// Sidecar operations.
const (
	OpLoad        = "load"
	OpTextEmbeds  = "text_embeds"
	OpImageEmbeds = "image_embeds"
	OpTrainStep   = "train_step"
)

// Tensor is a planar CHW float32 image, little-endian and base64 encoded.
type Tensor struct {
	C    int    `json:"c"`
	H    int    `json:"h"`
	W    int    `json:"w"`
	Data string `json:"data"`
}

// Request is one message to the sidecar.
type Request struct {
	ID         uint64    `json:"id"`
	Op         string    `json:"op"`
	Model      string    `json:"model"`
	Prompt     string    `json:"prompt,omitempty"`
	Negative   string    `json:"negative,omitempty"`
	Image      *Tensor   `json:"image,omitempty"`
	Images     []Tensor  `json:"images,omitempty"`
	Elevations []float32 `json:"elevations,omitempty"`
	Azimuths   []float32 `json:"azimuths,omitempty"`
	Radii      []float32 `json:"radii,omitempty"`
	StepRatio  float32   `json:"step_ratio,omitempty"`
}

// Response is the sidecar's reply to the request with the same ID.
type Response struct {
	ID    uint64   `json:"id"`
	Error string   `json:"error,omitempty"`
	Loss  float32  `json:"loss,omitempty"`
	Grads []Tensor `json:"grads,omitempty"`
}

// EncodeImage packs an image into a Tensor.
func EncodeImage(img *raster.Image) Tensor {
	buf := make([]byte, 4*len(img.Pix))
	for i, v := range img.Pix {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return Tensor{C: img.C, H: img.H, W: img.W, Data: base64.StdEncoding.EncodeToString(buf)}
}

// EncodeImages packs a batch.
func EncodeImages(imgs []*raster.Image) []Tensor {
	out := make([]Tensor, len(imgs))
	for i, img := range imgs {
		out[i] = EncodeImage(img)
	}
	return out
}

// Image unpacks a Tensor.
func (t Tensor) Image() (*raster.Image, error) {
	buf, err := base64.StdEncoding.DecodeString(t.Data)
	if err != nil {
		return nil, fmt.Errorf("guidance: tensor data: %w", err)
	}
	if t.C <= 0 || t.H <= 0 || t.W <= 0 || len(buf) != 4*t.C*t.H*t.W {
		return nil, fmt.Errorf("guidance: tensor %dx%dx%d with %d bytes", t.C, t.H, t.W, len(buf))
	}
	img := raster.New(t.W, t.H, t.C)
	for i := range img.Pix {
		img.Pix[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return img, nil
}

// Client is a synchronous request/response session with the sidecar.
type Client struct {
	conn    *websocket.Conn
	timeout time.Duration

	mu     sync.Mutex
	nextID uint64
}

// Dial connects to a sidecar at url. Every call is bounded by timeout when
// it is positive.
func Dial(ctx context.Context, url string, timeout time.Duration) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Client{conn: conn, timeout: timeout}, nil
}

// DialerFor returns a Dialer for url.
func DialerFor(url string, timeout time.Duration) Dialer {
	return func(ctx context.Context) (*Client, error) {
		return Dial(ctx, url, timeout)
	}
}

func (c *Client) deadline(ctx context.Context) time.Time {
	var d time.Time
	if c.timeout > 0 {
		d = time.Now().Add(c.timeout)
	}
	if cd, ok := ctx.Deadline(); ok && (d.IsZero() || cd.Before(d)) {
		d = cd
	}
	return d
}

// Call sends req and waits for its response. A response carrying an error
// message is returned as an error.
func (c *Client) Call(ctx context.Context, req *Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.nextID++
	req.ID = c.nextID
	d := c.deadline(ctx)
	if err := c.conn.SetWriteDeadline(d); err != nil {
		return nil, err
	}
	if err := c.conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("guidance: send %s: %w", req.Op, err)
	}
	if err := c.conn.SetReadDeadline(d); err != nil {
		return nil, err
	}
	var resp Response
	if err := c.conn.ReadJSON(&resp); err != nil {
		return nil, fmt.Errorf("guidance: read %s: %w", req.Op, err)
	}
	if resp.ID != req.ID {
		return nil, fmt.Errorf("guidance: response %d for request %d", resp.ID, req.ID)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("guidance: %s: %s", req.Op, resp.Error)
	}
	return &resp, nil
}

// Close sends a close frame and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}
