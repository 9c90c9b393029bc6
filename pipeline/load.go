package pipeline

import (
	"context"
	"os"
	"path"
	"slices"

	"github.com/gomlx/go-medreport/generation"
	"github.com/gomlx/go-medreport/hub"
	"github.com/gomlx/go-medreport/imageproc"
	"github.com/gomlx/go-medreport/internal/config"
	"github.com/gomlx/go-medreport/internal/files"
	"github.com/gomlx/go-medreport/models/onnx"
	"github.com/gomlx/go-medreport/models/safetensors"
	"github.com/gomlx/go-medreport/models/vlm"
	"github.com/gomlx/go-medreport/report"
	"github.com/gomlx/go-medreport/tokenizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// skippedExtensions are weights formats never used by the service, not downloaded.
var skippedExtensions = []string{".bin", ".h5", ".msgpack", ".ot", ".pt", ".ckpt"}

// downloadFilter selects the repo files needed to run the model.
func downloadFilter(fileName string) bool {
	return !slices.Contains(skippedExtensions, path.Ext(fileName))
}

// EnsureModel returns the local repo of the model directory, populating it from the hub repo mc.Repo if
// it holds no model configuration.
func EnsureModel(ctx context.Context, mc config.Model) (*hub.Repo, error) {
	dir := files.ReplaceTildeInDir(mc.Dir)
	if files.Exists(dir) && !files.IsDir(dir) {
		return nil, errors.Errorf("model folder %q is not a directory", dir)
	}
	local := hub.NewLocal(dir)
	if local.HasFile(vlm.ConfigFileName) {
		return local, nil
	}
	if mc.Repo == "" {
		return nil, errors.Errorf("model folder %q not found or without %s: export the model there or configure a hub repo to download it from",
			dir, vlm.ConfigFileName)
	}
	remote := hub.New(mc.Repo).WithAuth(mc.HFToken).WithRevision(mc.Revision).WithLocalDir(dir)
	if mc.Endpoint != "" {
		remote = remote.WithEndpoint(mc.Endpoint)
	}
	if mc.MaxParallelDownloads > 0 {
		remote.MaxParallelDownload = mc.MaxParallelDownloads
	}
	if err := os.MkdirAll(dir, hub.DefaultDirCreationPerm); err != nil {
		return nil, errors.Wrapf(err, "creating model folder %q", dir)
	}
	klog.Infof("model folder %q holds no model, downloading %s", dir, remote)
	if err := remote.DownloadAll(ctx, downloadFilter); err != nil {
		return nil, err
	}
	if !local.HasFile(vlm.ConfigFileName) {
		return nil, errors.Errorf("%s has no %s", remote, vlm.ConfigFileName)
	}
	return local, nil
}

// GenerationConfig combines the configured generation parameters with the token ids of the model.
func GenerationConfig(gc config.Generation, mc *vlm.Config) (generation.Config, error) {
	start, ok := mc.StartTokenID()
	if !ok {
		return generation.Config{}, errors.New("model configuration has no decoder start nor bos token id")
	}
	return generation.Config{
		MaxLength:         gc.MaxLength,
		MinLength:         gc.MinLength,
		NumBeams:          gc.NumBeams,
		EarlyStopping:     gc.EarlyStopping,
		RepetitionPenalty: gc.RepetitionPenalty,
		LengthPenalty:     gc.LengthPenalty,
		StartTokenID:      start,
		EOSTokenIDs:       mc.StopTokenIDs(),
	}, nil
}

// Load the model from mc.Dir, downloading it first if needed, and assemble the Pipeline.
func Load(ctx context.Context, mc config.Model, gc config.Generation) (*Pipeline, error) {
	repo, err := EnsureModel(ctx, mc)
	if err != nil {
		return nil, err
	}
	modelConfig, err := vlm.Load(repo)
	if err != nil {
		return nil, err
	}
	klog.Infof("model config: %s", modelConfig.Snapshot())

	tok, err := tokenizers.New(repo)
	if err != nil {
		return nil, err
	}
	vocab := report.VocabularyFromTokenizer(tok)
	if size, ok := modelConfig.VocabSize.Get(); ok && size != vocab.Size() {
		klog.Warningf("model vocab_size=%d differs from the tokenizer vocabulary size %d", size, vocab.Size())
	}
	decoder, err := report.NewDecoder(tok, vocab)
	if err != nil {
		return nil, errors.WithMessage(err, "invalid tokenizer vocabulary")
	}
	decoder = decoder.WithSnapshot(modelConfig.Snapshot())

	if mc.CheckWeights {
		if err := checkWeights(ctx, repo); err != nil {
			return nil, err
		}
	}

	processor, err := imageproc.New(modelConfig.Image)
	if err != nil {
		return nil, errors.WithMessage(err, "invalid image preprocessing")
	}
	genConfig, err := GenerationConfig(gc, modelConfig)
	if err != nil {
		return nil, err
	}

	model, err := onnx.Load(repo.Dir(), onnx.Options{
		LibraryPath: mc.ONNXRuntimeLib,
		Device:      mc.Device,
		NumThreads:  mc.NumThreads,
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "loading model from %q", repo.Dir())
	}
	engine, err := generation.New(model, genConfig)
	if err != nil {
		_ = model.Close()
		return nil, err
	}
	p, err := New(processor, engine, tok, decoder)
	if err != nil {
		_ = model.Close()
		return nil, err
	}
	p.closer = model
	return p.WithInfo(Info{Device: model.Device(), ModelDir: repo.Dir(), ModelType: modelConfig.ModelType}), nil
}

// checkWeights fails if any of the .safetensors weights holds NaN/Inf values.
func checkWeights(ctx context.Context, repo *hub.Repo) error {
	has, err := safetensors.HasWeights(repo)
	if err != nil {
		return err
	}
	if !has {
		klog.Warningf("weights check requested, but %s has no .safetensors files", repo)
		return nil
	}
	weights, err := safetensors.New(repo)
	if err != nil {
		return err
	}
	if err := weights.CheckFinite(ctx); err != nil {
		return errors.WithMessage(err, "model weights check failed")
	}
	return nil
}
