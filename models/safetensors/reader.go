package safetensors

import (
	"io"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/mmap"
)

// MMapReader reads the tensors of one memory-mapped .safetensors file.
type MMapReader struct {
	reader     *mmap.ReaderAt
	dataOffset int64
	Header     *Header
}

// NewMMapReader opens the repo .safetensors file fileName.
func (m *Model) NewMMapReader(fileName string) (*MMapReader, error) {
	localPath, err := m.Repo.DownloadFile(fileName)
	if err != nil {
		return nil, err
	}
	header, dataOffset, err := parseHeader(localPath)
	if err != nil {
		return nil, err
	}
	reader, err := mmap.Open(localPath)
	if err != nil {
		return nil, errors.Wrapf(err, "memory-mapping %q", localPath)
	}
	return &MMapReader{reader: reader, dataOffset: dataOffset, Header: header}, nil
}

// Close unmaps the file.
func (r *MMapReader) Close() error {
	return r.reader.Close()
}

// ReadTensor copies the tensor with the given name into a new GoMLX tensor.
func (r *MMapReader) ReadTensor(name string) (*tensors.Tensor, error) {
	meta, ok := r.Header.Tensors[name]
	if !ok {
		return nil, errors.Errorf("tensor %q not found", name)
	}
	dtype, err := dtypeToGoMLX(meta.Dtype)
	if err != nil {
		return nil, errors.WithMessagef(err, "tensor %q", name)
	}
	t := tensors.FromShape(shapes.Make(dtype, meta.Shape...))
	stored := meta.DataOffsets[1] - meta.DataOffsets[0]
	offset := r.dataOffset + meta.DataOffsets[0]
	if offset+stored > int64(r.reader.Len()) {
		return nil, errors.Errorf("tensor %q data [%d, %d) goes beyond the end of the file (%d bytes)",
			name, offset, offset+stored, r.reader.Len())
	}

	var readErr error
	t.MutableBytes(func(data []byte) {
		if int64(len(data)) != stored {
			readErr = errors.Errorf("tensor %q of shape %s needs %d bytes, but the file stores %d",
				name, t.Shape(), len(data), stored)
			return
		}
		if _, err := r.reader.ReadAt(data, offset); err != nil && err != io.EOF {
			readErr = errors.Wrapf(err, "reading tensor %q", name)
		}
	})
	if readErr != nil {
		return nil, readErr
	}
	return t, nil
}
