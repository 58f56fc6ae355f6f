package mcl

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"math"
	"time"

	"golang.org/x/image/draw"
)

// ErrEmptyPayload is returned for empty messages
var ErrEmptyPayload = errors.New("empty payload")

// frameEnvelope is the JSON form of a frame message
type frameEnvelope struct {
	Stamp  float64 `json:"stamp"` // seconds since the Unix epoch
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Data   []byte  `json:"data"` // base64 grayscale or PNG bytes
}

// DecodeFrame decodes a camera frame from one of:
// - PNG (any color model, converted to grayscale)
// - raw grayscale bytes of width x height
// - JSON envelope {stamp, width, height, data}
// - zlib-compressed raw grayscale of width x height
// The stamp is zero unless the payload carries one.
func DecodeFrame(data []byte, width, height int) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, ErrEmptyPayload
	}

	switch {
	case IsPNG(data):
		img, err := decodePNGGray(data)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Image: img}, nil

	case len(data) == width*height && width > 0:
		return Frame{Image: rawGray(data, width, height)}, nil

	case data[0] == '{':
		var env frameEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return Frame{}, fmt.Errorf("parsing frame JSON: %w", err)
		}
		f, err := DecodeFrame(env.Data, env.Width, env.Height)
		if err != nil {
			return Frame{}, fmt.Errorf("frame envelope: %w", err)
		}
		f.Stamp = StampTime(env.Stamp)
		return f, nil
	}

	if width <= 0 || height <= 0 {
		return Frame{}, fmt.Errorf("unknown frame format: %d bytes with no frame size configured", len(data))
	}
	raw, err := inflateZlib(data, width*height)
	if err != nil {
		return Frame{}, fmt.Errorf("unknown frame format: %d bytes is not PNG, JSON, zlib or %dx%d raw: %w", len(data), width, height, err)
	}
	if len(raw) != width*height {
		return Frame{}, fmt.Errorf("inflated frame has %d bytes, want %dx%d", len(raw), width, height)
	}
	return Frame{Image: rawGray(raw, width, height)}, nil
}

// EncodeFrame produces the JSON envelope for a frame
func EncodeFrame(f Frame) ([]byte, error) {
	b := f.Image.Rect
	env := frameEnvelope{
		Stamp:  TimeStamp(f.Stamp),
		Width:  b.Dx(),
		Height: b.Dy(),
		Data:   grayBytes(f.Image),
	}
	return json.Marshal(env)
}

// IsPNG checks if data starts with PNG magic bytes
func IsPNG(data []byte) bool {
	if len(data) < 8 {
		return false
	}
	return data[0] == 0x89 && data[1] == 'P' && data[2] == 'N' && data[3] == 'G'
}

func decodePNGGray(data []byte) (*image.Gray, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding PNG frame: %w", err)
	}
	return ToGray(img), nil
}

// ToGray converts any image to a zero-origin grayscale image
func ToGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Rect.Min == (image.Point{}) {
		return g
	}
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Rect, img, b.Min, draw.Src)
	return gray
}

func rawGray(data []byte, width, height int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, width, height))
	copy(img.Pix, data)
	return img
}

// grayBytes returns the pixels of img as a tightly packed buffer
func grayBytes(img *image.Gray) []byte {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	out := make([]byte, 0, w*h)
	for y := 0; y < h; y++ {
		out = append(out, img.Pix[y*img.Stride:y*img.Stride+w]...)
	}
	return out
}

// inflateZlib decompresses zlib-compressed data, reading at most limit+1
// bytes so an oversized stream is never fully expanded.
func inflateZlib(data []byte, limit int) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating zlib reader: %w", err)
	}
	defer func() { _ = reader.Close() }()

	decompressed, err := io.ReadAll(io.LimitReader(reader, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("decompressing zlib data: %w", err)
	}

	return decompressed, nil
}

// odometryMessage accepts both a flat sample and a twist-shaped message
type odometryMessage struct {
	Stamp   float64  `json:"stamp"`
	Linear  *float64 `json:"linear"`
	Angular *float64 `json:"angular"`
	Twist   *struct {
		Linear struct {
			X float64 `json:"x"`
		} `json:"linear"`
		Angular struct {
			Z float64 `json:"z"`
		} `json:"angular"`
	} `json:"twist"`
}

// DecodeOdometry parses an odometry message. Accepted forms are
// {"stamp", "linear", "angular"} and {"stamp", "twist": {"linear": {"x"}, "angular": {"z"}}}.
func DecodeOdometry(data []byte) (Odometry, error) {
	if len(data) == 0 {
		return Odometry{}, ErrEmptyPayload
	}
	var msg odometryMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Odometry{}, fmt.Errorf("parsing odometry JSON: %w", err)
	}

	o := Odometry{Stamp: StampTime(msg.Stamp)}
	switch {
	case msg.Twist != nil:
		o.Linear = msg.Twist.Linear.X
		o.Angular = msg.Twist.Angular.Z
	case msg.Linear != nil || msg.Angular != nil:
		if msg.Linear != nil {
			o.Linear = *msg.Linear
		}
		if msg.Angular != nil {
			o.Angular = *msg.Angular
		}
	default:
		return Odometry{}, fmt.Errorf("odometry message has neither linear/angular nor twist")
	}
	if math.IsNaN(o.Linear) || math.IsNaN(o.Angular) {
		return Odometry{}, fmt.Errorf("odometry message contains NaN")
	}
	return o, nil
}

// DecodeCameraInfo parses and validates a camera calibration message
func DecodeCameraInfo(data []byte) (CameraInfo, error) {
	if len(data) == 0 {
		return CameraInfo{}, ErrEmptyPayload
	}
	var info CameraInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return CameraInfo{}, fmt.Errorf("parsing camera info JSON: %w", err)
	}
	if err := info.Validate(); err != nil {
		return CameraInfo{}, err
	}
	return info, nil
}

// StampTime converts seconds since the epoch to a time; 0 is the zero time
func StampTime(secs float64) time.Time {
	if secs == 0 {
		return time.Time{}
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9))
}

// TimeStamp converts a time to seconds since the epoch; the zero time is 0
func TimeStamp(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}
