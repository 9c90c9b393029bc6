// Package safetensors reads the weights of a model stored in .safetensors files, either a single file or
// sharded with a "model.safetensors.index.json" file, into GoMLX tensors.
//
// The report service uses it to check, at startup, that none of the float weights hold NaN or Inf
// values, which would otherwise only show up as degenerate ("nan") reports:
//
//	m, err := safetensors.New(hub.NewLocal(modelDir))
//	if err != nil {
//		return err
//	}
//	if err := m.CheckFinite(ctx); err != nil {
//		return err
//	}
package safetensors

import (
	"cmp"
	"encoding/json"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/gomlx/go-medreport/hub"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// IndexFileNames are the names of the index file of sharded models.
var IndexFileNames = []string{
	"model.safetensors.index.json",
	"pytorch_model.safetensors.index.json",
}

// Model holds the index of the tensors of a model, possibly split across multiple .safetensors files.
type Model struct {
	Repo *hub.Repo

	// IndexFile is the repo file name of the index, empty for single file models.
	IndexFile string
	Index     *ShardedModelIndex
}

// ShardedModelIndex is the contents of a "model.safetensors.index.json" file.
type ShardedModelIndex struct {
	Metadata  map[string]any    `json:"metadata"`
	WeightMap map[string]string `json:"weight_map"` // Tensor name -> repo file name.
}

// TensorAndName holds a tensor read from the model.
type TensorAndName struct {
	Name   string
	Tensor *tensors.Tensor
}

// HasWeights returns whether the repo holds any .safetensors file.
func HasWeights(repo *hub.Repo) (bool, error) {
	for fileName, err := range repo.IterFileNames() {
		if err != nil {
			return false, err
		}
		if strings.HasSuffix(fileName, ".safetensors") {
			return true, nil
		}
	}
	return false, nil
}

// New creates a Model and loads its index.
func New(repo *hub.Repo) (*Model, error) {
	if repo == nil {
		return nil, errors.New("safetensors model requires a repo")
	}
	m := &Model{Repo: repo}
	indexFile, err := m.findIndexFile()
	if err != nil {
		return nil, err
	}
	if indexFile != "" {
		err = m.loadSharded(indexFile)
	} else {
		err = m.loadSingleFiles()
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "loading safetensors of %s", repo)
	}
	return m, nil
}

func (m *Model) findIndexFile() (string, error) {
	for fileName, err := range m.Repo.IterFileNames() {
		if err != nil {
			return "", err
		}
		if slices.Contains(IndexFileNames, path.Base(fileName)) {
			return fileName, nil
		}
	}
	return "", nil
}

// loadSingleFiles indexes the tensors of every .safetensors file in the repo.
func (m *Model) loadSingleFiles() error {
	m.Index = &ShardedModelIndex{WeightMap: make(map[string]string)}
	for fileName, err := range m.Repo.IterFileNames() {
		if err != nil {
			return err
		}
		if !strings.HasSuffix(fileName, ".safetensors") {
			continue
		}
		localPath, err := m.Repo.DownloadFile(fileName)
		if err != nil {
			return err
		}
		header, _, err := parseHeader(localPath)
		if err != nil {
			return err
		}
		for name := range header.Tensors {
			if other, found := m.Index.WeightMap[name]; found {
				return errors.Errorf("tensor %q is both in %q and %q", name, other, fileName)
			}
			m.Index.WeightMap[name] = fileName
		}
	}
	if len(m.Index.WeightMap) == 0 {
		return errors.New("no .safetensors tensors found")
	}
	return nil
}

func (m *Model) loadSharded(indexFile string) error {
	localPath, err := m.Repo.DownloadFile(indexFile)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return errors.Wrapf(err, "reading %q", localPath)
	}
	var index ShardedModelIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return errors.Wrapf(err, "parsing %q", indexFile)
	}
	// Shard names are relative to the index file directory.
	dir := path.Dir(indexFile)
	for name, shard := range index.WeightMap {
		index.WeightMap[name] = path.Join(dir, shard)
	}
	m.IndexFile = indexFile
	m.Index = &index
	return nil
}

// ListTensorNames returns the sorted names of all tensors of the model.
func (m *Model) ListTensorNames() []string {
	names := make([]string, 0, len(m.Index.WeightMap))
	for name := range m.Index.WeightMap {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// GetTensor reads the tensor with the given name.
func (m *Model) GetTensor(name string) (*tensors.Tensor, error) {
	fileName, ok := m.Index.WeightMap[name]
	if !ok {
		return nil, errors.Errorf("tensor %q not found in %s", name, m.Repo)
	}
	reader, err := m.NewMMapReader(fileName)
	if err != nil {
		return nil, err
	}
	defer func() { _ = reader.Close() }()
	return reader.ReadTensor(name)
}

// IterTensors iterates over all tensors, one file at a time and in file order.
func (m *Model) IterTensors() func(yield func(TensorAndName, error) bool) {
	return func(yield func(TensorAndName, error) bool) {
		byFile := make(map[string][]string)
		for name, fileName := range m.Index.WeightMap {
			byFile[fileName] = append(byFile[fileName], name)
		}
		fileNames := make([]string, 0, len(byFile))
		for fileName := range byFile {
			fileNames = append(fileNames, fileName)
		}
		slices.Sort(fileNames)

		for _, fileName := range fileNames {
			reader, err := m.NewMMapReader(fileName)
			if err != nil {
				yield(TensorAndName{}, err)
				return
			}
			for _, name := range sortTensorsByOffset(byFile[fileName], reader.Header) {
				tensor, err := reader.ReadTensor(name)
				if err != nil {
					_ = reader.Close()
					yield(TensorAndName{}, err)
					return
				}
				if !yield(TensorAndName{Name: name, Tensor: tensor}, nil) {
					_ = reader.Close()
					return
				}
			}
			_ = reader.Close()
		}
	}
}

// sortTensorsByOffset returns the names present in header, sorted by their position in the file.
func sortTensorsByOffset(names []string, header *Header) []string {
	sorted := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := header.Tensors[name]; ok {
			sorted = append(sorted, name)
		}
	}
	slices.SortFunc(sorted, func(a, b string) int {
		return cmp.Compare(header.Tensors[a].DataOffsets[0], header.Tensors[b].DataOffsets[0])
	})
	return sorted
}
