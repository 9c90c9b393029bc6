package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// MaxHeaderSize is the largest JSON header accepted.
const MaxHeaderSize = 100 << 20

// Header is the JSON header of a .safetensors file.
type Header struct {
	Tensors  map[string]*TensorMetadata
	Metadata map[string]string
}

// TensorMetadata describes one tensor of a .safetensors file.
type TensorMetadata struct {
	Name        string   `json:"-"`
	Dtype       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"` // [begin, end) relative to the end of the header.
}

// parseHeader reads the header of the file at path.
//
// The file layout is: an 8 bytes little-endian header size, the JSON header and the tensors data. It
// returns the header and the offset of the tensors data.
func parseHeader(path string) (*Header, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "opening %q", path)
	}
	defer func() { _ = f.Close() }()

	var headerSize uint64
	if err := binary.Read(f, binary.LittleEndian, &headerSize); err != nil {
		return nil, 0, errors.Wrapf(err, "reading header size of %q", path)
	}
	if headerSize > MaxHeaderSize {
		return nil, 0, errors.Errorf("header of %q too large: %d bytes", path, headerSize)
	}
	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, 0, errors.Wrapf(err, "reading header of %q", path)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, 0, errors.Wrapf(err, "parsing header of %q", path)
	}
	header := &Header{
		Tensors:  make(map[string]*TensorMetadata, len(raw)),
		Metadata: make(map[string]string),
	}
	for key, value := range raw {
		if key == "__metadata__" {
			if err := json.Unmarshal(value, &header.Metadata); err != nil {
				return nil, 0, errors.Wrapf(err, "parsing __metadata__ of %q", path)
			}
			continue
		}
		tm := &TensorMetadata{Name: key}
		if err := json.Unmarshal(value, tm); err != nil {
			return nil, 0, errors.Wrapf(err, "parsing metadata of tensor %q in %q", key, path)
		}
		if tm.DataOffsets[0] < 0 || tm.DataOffsets[1] < tm.DataOffsets[0] {
			return nil, 0, errors.Errorf("tensor %q in %q has invalid data offsets %v", key, path, tm.DataOffsets)
		}
		header.Tensors[key] = tm
	}
	return header, int64(8 + headerSize), nil
}

func dtypeToGoMLX(stDtype string) (dtypes.DType, error) {
	dtype, found := dtypes.MapOfNames[strings.ToLower(stDtype)]
	if !found {
		return dtypes.InvalidDType, errors.Errorf("dtype %q not supported", stDtype)
	}
	return dtype, nil
}
