package transformer

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/jolt8888/MLOPS-Project2/errors"
)

// safetensors layout: u64 LE header size, JSON header, raw little-endian data.
type tensorInfo struct {
	Dtype       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// ReadSafetensors loads every tensor of a .safetensors file as float64.
// 1-D tensors become (n x 1) columns, 2-D tensors keep their (rows x cols).
func ReadSafetensors(path string) (map[string]*mat.Dense, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Unavailablef(err, "reading weights %s", path)
	}
	if len(raw) < 8 {
		return nil, errors.Unavailablef(nil, "%s: truncated safetensors header", path)
	}
	n := binary.LittleEndian.Uint64(raw[:8])
	if n > uint64(len(raw)-8) {
		return nil, errors.Unavailablef(nil, "%s: header size %d exceeds file", path, n)
	}
	var header map[string]json.RawMessage
	if err := json.Unmarshal(raw[8:8+n], &header); err != nil {
		return nil, errors.Unavailablef(err, "%s: parsing header", path)
	}
	data := raw[8+n:]

	names := make([]string, 0, len(header))
	for name := range header {
		if name != "__metadata__" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := make(map[string]*mat.Dense, len(names))
	for _, name := range names {
		var info tensorInfo
		if err := json.Unmarshal(header[name], &info); err != nil {
			return nil, errors.Unavailablef(err, "%s: tensor %s", path, name)
		}
		start, end := info.DataOffsets[0], info.DataOffsets[1]
		if start < 0 || end < start || end > int64(len(data)) {
			return nil, errors.Unavailablef(nil, "%s: tensor %s has bad offsets", path, name)
		}
		vals, err := decodeTensor(info.Dtype, data[start:end])
		if err != nil {
			return nil, errors.Wrapf(err, "%s: tensor %s", path, name)
		}
		var rows, cols int
		switch len(info.Shape) {
		case 1:
			rows, cols = info.Shape[0], 1
		case 2:
			rows, cols = info.Shape[0], info.Shape[1]
		default:
			// position_ids buffers and other non-matrix tensors are not weights we use
			continue
		}
		if rows*cols != len(vals) || rows == 0 || cols == 0 {
			continue
		}
		out[name] = mat.NewDense(rows, cols, vals)
	}
	return out, nil
}

func decodeTensor(dtype string, b []byte) ([]float64, error) {
	switch dtype {
	case "F64":
		out := make([]float64, len(b)/8)
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
		}
		return out, nil
	case "F32":
		out := make([]float64, len(b)/4)
		for i := range out {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:])))
		}
		return out, nil
	case "BF16":
		out := make([]float64, len(b)/2)
		for i := range out {
			bits := uint32(binary.LittleEndian.Uint16(b[2*i:])) << 16
			out[i] = float64(math.Float32frombits(bits))
		}
		return out, nil
	case "F16":
		out := make([]float64, len(b)/2)
		for i := range out {
			out[i] = halfToFloat(binary.LittleEndian.Uint16(b[2*i:]))
		}
		return out, nil
	case "I64", "I32", "BOOL", "U8", "I8":
		return nil, nil
	}
	return nil, errors.Configf("unsupported dtype %s", dtype)
}

func halfToFloat(h uint16) float64 {
	sign := 1.0
	if h&0x8000 != 0 {
		sign = -1.0
	}
	exp := int((h >> 10) & 0x1f)
	frac := float64(h & 0x3ff)
	switch exp {
	case 0:
		return sign * math.Ldexp(frac, -24)
	case 0x1f:
		if frac == 0 {
			return math.Inf(int(sign))
		}
		return math.NaN()
	}
	return sign * math.Ldexp(1+frac/1024, exp-15)
}

// WriteSafetensors writes tensors as F32. Used to export fine-tuned weights and in tests.
func WriteSafetensors(path string, tensors map[string]*mat.Dense) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]tensorInfo, len(names))
	var offset int64
	for _, name := range names {
		r, c := tensors[name].Dims()
		shape := []int{r, c}
		if c == 1 {
			shape = []int{r}
		}
		header[name] = tensorInfo{Dtype: "F32", Shape: shape, DataOffsets: [2]int64{offset, offset + int64(4*r*c)}}
		offset += int64(4 * r * c)
	}
	hdr, err := json.Marshal(header)
	if err != nil {
		return errors.IOf(err, "encoding safetensors header")
	}
	buf := make([]byte, 8, 8+len(hdr)+int(offset))
	binary.LittleEndian.PutUint64(buf, uint64(len(hdr)))
	buf = append(buf, hdr...)
	buf4 := make([]byte, 4)
	for _, name := range names {
		for _, v := range tensors[name].RawMatrix().Data {
			binary.LittleEndian.PutUint32(buf4, math.Float32bits(float32(v)))
			buf = append(buf, buf4...)
		}
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return errors.IOf(err, "writing %s", path)
	}
	return nil
}
