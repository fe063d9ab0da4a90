// internal/checkpoint/checkpoint.go
package checkpoint

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/lumix-ai/lottoseq/internal/core"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"
)

const (
	magic   = "LSEQCKPT"
	Version = 1
)

var (
	// ErrConfigMismatch - the checkpoint was written by a different
	// architecture than the one asking for it.
	ErrConfigMismatch = errors.New("checkpoint: configuration mismatch")
	// ErrCorrupt - bad magic, unknown version or truncated payload.
	ErrCorrupt = errors.New("checkpoint: corrupt file")
)

type Kind string

const (
	KindTransformer Kind = "transformer"
	KindGAN         Kind = "gan"
)

// Meta - training facts stored next to the weights.
type Meta struct {
	Epoch     int       `json:"epoch"`
	TrainLoss float64   `json:"train_loss"`
	ValLoss   float64   `json:"val_loss"`
	HitRate   float64   `json:"hit_rate,omitempty"`
	SavedAt   time.Time `json:"saved_at"`
}

// ParamInfo - one entry of the weight manifest, in payload order.
type ParamInfo struct {
	Name string `json:"name"`
	Rows int    `json:"rows"`
	Cols int    `json:"cols"`
}

// Header - everything before the weight payload. The architecture config
// travels with the weights so loaders never rely on ambient settings.
type Header struct {
	Kind    Kind            `json:"kind"`
	Version int             `json:"version"`
	Config  json.RawMessage `json:"config"`
	Params  []ParamInfo     `json:"params"`
	Meta    Meta            `json:"meta"`
}

// write stores header and params atomically: a temp file in the target
// directory is synced and then renamed over path.
func write(path string, kind Kind, config interface{}, params []core.Param, meta Meta) error {
	cfgRaw, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("checkpoint: encode config: %w", err)
	}
	if meta.SavedAt.IsZero() {
		meta.SavedAt = time.Now().UTC()
	}
	hdr := Header{Kind: kind, Version: Version, Config: cfgRaw, Meta: meta}
	for _, p := range params {
		r, c := p.Tensor.Shape()
		hdr.Params = append(hdr.Params, ParamInfo{Name: p.Name, Rows: r, Cols: c})
	}
	hdrRaw, err := json.Marshal(hdr)
	if err != nil {
		return fmt.Errorf("checkpoint: encode header: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".ckpt-*")
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := encode(tmp, hdrRaw, params); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("checkpoint: rename: %w", err)
	}

	log.Info().Str("path", path).Str("kind", string(kind)).Int("params", len(params)).Msg("Checkpoint saved")
	return nil
}

func encode(w io.Writer, hdrRaw []byte, params []core.Param) error {
	bw := bufio.NewWriter(w)
	bw.WriteString(magic)
	binary.Write(bw, binary.LittleEndian, uint32(Version))
	binary.Write(bw, binary.LittleEndian, uint32(len(hdrRaw)))
	bw.Write(hdrRaw)

	zw, err := zstd.NewWriter(bw)
	if err != nil {
		return fmt.Errorf("checkpoint: zstd: %w", err)
	}
	buf := make([]byte, 8)
	for _, p := range params {
		r, c := p.Tensor.Shape()
		for i := 0; i < r; i++ {
			for _, v := range p.Tensor.Value.RawRowView(i)[:c] {
				binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
				if _, err := zw.Write(buf); err != nil {
					zw.Close()
					return fmt.Errorf("checkpoint: write weights: %w", err)
				}
			}
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("checkpoint: zstd close: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("checkpoint: flush: %w", err)
	}
	return nil
}

// ReadHeader decodes only the header of the file at path.
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, fmt.Errorf("checkpoint: %w", err)
	}
	defer f.Close()
	return readHeader(bufio.NewReader(f))
}

func readHeader(r io.Reader) (Header, error) {
	var prefix [len(magic) + 8]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Header{}, fmt.Errorf("%w: short header", ErrCorrupt)
	}
	if string(prefix[:len(magic)]) != magic {
		return Header{}, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	version := binary.LittleEndian.Uint32(prefix[len(magic):])
	if version != Version {
		return Header{}, fmt.Errorf("%w: version %d, want %d", ErrCorrupt, version, Version)
	}
	size := binary.LittleEndian.Uint32(prefix[len(magic)+4:])
	if size > 64<<20 {
		return Header{}, fmt.Errorf("%w: header of %d bytes", ErrCorrupt, size)
	}
	raw := make([]byte, size)
	if _, err := io.ReadFull(r, raw); err != nil {
		return Header{}, fmt.Errorf("%w: truncated header", ErrCorrupt)
	}
	var hdr Header
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return Header{}, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}
	return hdr, nil
}

// read decodes the file at path and returns its header and weights keyed
// by parameter name.
func read(path string, want Kind) (Header, map[string]*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, nil, fmt.Errorf("checkpoint: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	hdr, err := readHeader(br)
	if err != nil {
		return Header{}, nil, err
	}
	if hdr.Kind != want {
		return Header{}, nil, fmt.Errorf("%w: file holds a %s checkpoint, want %s", ErrConfigMismatch, hdr.Kind, want)
	}

	zr, err := zstd.NewReader(br)
	if err != nil {
		return Header{}, nil, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
	}
	defer zr.Close()

	weights := make(map[string]*mat.Dense, len(hdr.Params))
	buf := make([]byte, 8)
	for _, info := range hdr.Params {
		if info.Rows <= 0 || info.Cols <= 0 {
			return Header{}, nil, fmt.Errorf("%w: %s has shape %dx%d", ErrCorrupt, info.Name, info.Rows, info.Cols)
		}
		data := make([]float64, info.Rows*info.Cols)
		for i := range data {
			if _, err := io.ReadFull(zr, buf); err != nil {
				return Header{}, nil, fmt.Errorf("%w: weights of %s truncated", ErrCorrupt, info.Name)
			}
			data[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf))
		}
		weights[info.Name] = mat.NewDense(info.Rows, info.Cols, data)
	}
	if n, _ := zr.Read(buf); n > 0 {
		return Header{}, nil, fmt.Errorf("%w: trailing weight data", ErrCorrupt)
	}
	return hdr, weights, nil
}

// assign copies weights into params. Names and shapes must match exactly in
// both directions.
func assign(params []core.Param, weights map[string]*mat.Dense) error {
	if len(params) != len(weights) {
		return fmt.Errorf("%w: model has %d tensors, checkpoint has %d", ErrConfigMismatch, len(params), len(weights))
	}
	for _, p := range params {
		w, ok := weights[p.Name]
		if !ok {
			return fmt.Errorf("%w: checkpoint lacks %s", ErrConfigMismatch, p.Name)
		}
		if err := p.Tensor.CopyFrom(w); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrConfigMismatch, p.Name, err)
		}
	}
	return nil
}
