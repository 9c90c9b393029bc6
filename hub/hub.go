// Package hub can be used to download and cache files from HuggingFace Hub, which may
// be models, tokenizers or anything.
//
// It is used to populate the local model directory of the report service on demand: if the
// directory doesn't hold the model, it is downloaded from the hub repository it was exported to.
//
// Example:
//
//	repo := hub.New("Salesforce/blip-image-captioning-base").WithAuth(hfAuthToken).WithLocalDir(modelDir)
//	if err := repo.DownloadAll(ctx, nil); err != nil {
//		return err
//	}
//
// A directory that is already populated can be used directly, without any network access:
//
//	repo := hub.NewLocal(modelDir)
//	configPath, err := repo.DownloadFile("config.json")
package hub

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/go-medreport/internal/downloader"
	"github.com/gomlx/go-medreport/internal/files"
	"github.com/pkg/errors"
)

var (
	// DefaultEndpoint is the HuggingFace Hub address.
	DefaultEndpoint = "https://huggingface.co"

	// DefaultCacheDir is used when no cache or local directory is configured.
	// It can be overwritten with the environment variable HF_HUB_CACHE.
	DefaultCacheDir = "~/.cache/huggingface/hub"

	// DefaultRevision is the branch downloaded when none is given.
	DefaultRevision = "main"

	// DefaultDirCreationPerm is used when creating directories for downloaded files.
	DefaultDirCreationPerm = os.FileMode(0755)
)

// Repo from which one wants to download files.
//
// Create it with New or NewLocal and configure it with the With* methods. After the first file access
// it should be treated as read-only.
type Repo struct {
	// ID of the repo, e.g.: "Salesforce/blip-image-captioning-base". Empty for local repos.
	ID string

	// MaxParallelDownload is the number of files downloaded simultaneously by DownloadAll.
	MaxParallelDownload int

	revision  string
	authToken string
	endpoint  string
	cacheDir  string
	localDir  string
	isLocal   bool

	mu              sync.Mutex
	downloadManager *downloader.Manager
	info            *RepoInfo
}

// New creates a reference to a HuggingFace model given its id.
//
// It doesn't contact the hub until a file is requested.
func New(id string) *Repo {
	cacheDir := os.Getenv("HF_HUB_CACHE")
	if cacheDir == "" {
		cacheDir = DefaultCacheDir
	}
	return &Repo{
		ID:                  id,
		MaxParallelDownload: downloader.DefaultMaxParallel,
		revision:            DefaultRevision,
		endpoint:            DefaultEndpoint,
		cacheDir:            cacheDir,
	}
}

// NewLocal creates a Repo backed only by the files in dir. It never accesses the network.
func NewLocal(dir string) *Repo {
	return &Repo{
		MaxParallelDownload: downloader.DefaultMaxParallel,
		revision:            DefaultRevision,
		localDir:            files.ReplaceTildeInDir(dir),
		isLocal:             true,
	}
}

// WithAuth sets the authentication token to use during downloads.
//
// Setting it to empty ("") is the same as resetting and not using authentication.
func (r *Repo) WithAuth(authToken string) *Repo {
	r.authToken = authToken
	r.downloadManager = nil
	return r
}

// WithRevision sets the revision (branch, tag or commit) to download. Default is "main".
func (r *Repo) WithRevision(revision string) *Repo {
	if revision != "" {
		r.revision = revision
	}
	return r
}

// WithEndpoint sets the hub address, by default DefaultEndpoint.
func (r *Repo) WithEndpoint(endpoint string) *Repo {
	r.endpoint = strings.TrimSuffix(endpoint, "/")
	return r
}

// WithCacheDir sets the cache directory under which the repo files are stored, in a per-repo and
// per-revision subdirectory.
func (r *Repo) WithCacheDir(cacheDir string) *Repo {
	r.cacheDir = cacheDir
	return r
}

// WithLocalDir makes the files be stored directly under dir, instead of the cache directory.
// This is how a service model directory is populated.
func (r *Repo) WithLocalDir(dir string) *Repo {
	r.localDir = files.ReplaceTildeInDir(dir)
	return r
}

// IsLocal returns whether the repo was created with NewLocal.
func (r *Repo) IsLocal() bool {
	return r.isLocal
}

// Dir returns the directory where the repo files are (or will be) stored.
func (r *Repo) Dir() string {
	if r.localDir != "" {
		return r.localDir
	}
	flatID := "models--" + strings.ReplaceAll(r.ID, "/", "--")
	return filepath.Join(files.ReplaceTildeInDir(r.cacheDir), flatID, r.revision)
}

// String implements fmt.Stringer.
func (r *Repo) String() string {
	if r.isLocal {
		return fmt.Sprintf("local repo %q", r.localDir)
	}
	return fmt.Sprintf("hub repo %q (revision %q)", r.ID, r.revision)
}

// localPath returns the local path of fileName, validating that it doesn't escape the repo directory.
func (r *Repo) localPath(fileName string) (string, error) {
	if fileName == "" || filepath.IsAbs(fileName) {
		return "", errors.Errorf("invalid repo file name %q", fileName)
	}
	clean := filepath.Clean(filepath.FromSlash(fileName))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errors.Errorf("repo file name %q escapes the repo directory", fileName)
	}
	return filepath.Join(r.Dir(), clean), nil
}

// fileURL returns the URL from which to download fileName.
func (r *Repo) fileURL(fileName string) string {
	return fmt.Sprintf("%s/%s/resolve/%s/%s", r.endpoint, r.ID, url.PathEscape(r.revision), fileName)
}

// HasFile returns whether the repo has the given fileName, either locally or in the hub.
//
// Errors contacting the hub are reported as the file not being present.
func (r *Repo) HasFile(fileName string) bool {
	localPath, err := r.localPath(fileName)
	if err != nil {
		return false
	}
	if files.Exists(localPath) {
		return true
	}
	if r.isLocal {
		return false
	}
	info, err := r.DownloadInfo(context.Background())
	if err != nil {
		return false
	}
	return slices.Contains(info.FileNames(), fileName)
}

// IterFileNames iterates over the file names of the repo.
//
// For local repos these are the regular files under the directory, with "/" as separator. For hub repos
// they are listed by the repo information.
func (r *Repo) IterFileNames() func(yield func(string, error) bool) {
	return func(yield func(string, error) bool) {
		if r.isLocal {
			var names []string
			err := filepath.WalkDir(r.localDir, func(path string, d os.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if d.IsDir() || isDownloadArtifact(path) {
					return nil
				}
				rel, err := filepath.Rel(r.localDir, path)
				if err != nil {
					return err
				}
				names = append(names, filepath.ToSlash(rel))
				return nil
			})
			if err != nil {
				yield("", errors.Wrapf(err, "listing files of %s", r))
				return
			}
			slices.Sort(names)
			for _, name := range names {
				if !yield(name, nil) {
					return
				}
			}
			return
		}

		info, err := r.DownloadInfo(context.Background())
		if err != nil {
			yield("", err)
			return
		}
		for _, name := range info.FileNames() {
			if !yield(name, nil) {
				return
			}
		}
	}
}

// DownloadFile returns the local path of fileName, downloading it first if needed.
func (r *Repo) DownloadFile(fileName string) (string, error) {
	return r.DownloadFileContext(context.Background(), fileName, nil)
}

// DownloadFileContext is like DownloadFile, but accepts a context and a progress callback (which may be nil).
func (r *Repo) DownloadFileContext(ctx context.Context, fileName string, progressCallback downloader.ProgressCallback) (string, error) {
	localPath, err := r.localPath(fileName)
	if err != nil {
		return "", err
	}
	if r.isLocal {
		if !files.Exists(localPath) {
			return "", errors.Errorf("file %q not found in %s", fileName, r)
		}
		return localPath, nil
	}
	err = r.lockedDownload(ctx, r.fileURL(fileName), localPath, false, progressCallback)
	if err != nil {
		return "", err
	}
	return localPath, nil
}

// isDownloadArtifact returns whether path is one of the temporary files created by lockedDownload.
func isDownloadArtifact(path string) bool {
	return strings.HasSuffix(path, ".lock") || strings.HasSuffix(path, ".downloading")
}
