package hub

import (
	"context"
	"fmt"
	"net/url"
	"slices"

	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/pool"
	"k8s.io/klog/v2"
)

// RepoInfo holds information about a HuggingFace repo, as returned by the hub models API.
type RepoInfo struct {
	ID          string         `json:"id"`
	ModelID     string         `json:"modelId"`
	Author      string         `json:"author"`
	SHA         string         `json:"sha"`
	PipelineTag string         `json:"pipeline_tag"`
	LibraryName string         `json:"library_name"`
	Tags        []string       `json:"tags"`
	Siblings    []*FileInfo    `json:"siblings"`
	Config      map[string]any `json:"config"`
}

// FileInfo represents one of the model file, in the RepoInfo structure.
type FileInfo struct {
	Name string `json:"rfilename"`
}

// FileNames returns the names of the files in the repo, in the order listed by the hub.
func (info *RepoInfo) FileNames() []string {
	names := make([]string, 0, len(info.Siblings))
	for _, s := range info.Siblings {
		names = append(names, s.Name)
	}
	return names
}

// infoURL for the hub models API.
func (r *Repo) infoURL() string {
	return fmt.Sprintf("%s/api/models/%s/revision/%s", r.endpoint, r.ID, url.PathEscape(r.revision))
}

// DownloadInfo retrieves the information about the repo from the hub.
//
// The result is cached in the Repo, and only requested once.
func (r *Repo) DownloadInfo(ctx context.Context) (*RepoInfo, error) {
	if r.isLocal {
		return nil, errors.Errorf("%s has no hub information", r)
	}
	r.mu.Lock()
	info := r.info
	r.mu.Unlock()
	if info != nil {
		return info, nil
	}

	info = &RepoInfo{}
	if err := r.getDownloadManager().FetchJSON(ctx, r.infoURL(), info); err != nil {
		return nil, errors.WithMessagef(err, "retrieving information of %s", r)
	}
	r.mu.Lock()
	r.info = info
	r.mu.Unlock()
	return info, nil
}

// FileFilter selects which files to download in DownloadAll. It returns true for files to be downloaded.
type FileFilter func(fileName string) bool

// DownloadAll downloads every file of the repo selected by filter (nil selects all files), using at most
// MaxParallelDownload simultaneous downloads.
//
// Files already present are not downloaded again. The first error cancels the pending downloads.
func (r *Repo) DownloadAll(ctx context.Context, filter FileFilter) error {
	if r.isLocal {
		return nil
	}
	info, err := r.DownloadInfo(ctx)
	if err != nil {
		return err
	}
	names := slices.DeleteFunc(info.FileNames(), func(name string) bool {
		return filter != nil && !filter(name)
	})
	klog.V(1).Infof("downloading %d files of %s to %q", len(names), r, r.Dir())

	maxParallel := r.MaxParallelDownload
	if maxParallel <= 0 {
		maxParallel = 1
	}
	p := pool.New().WithMaxGoroutines(maxParallel).WithContext(ctx).WithCancelOnError()
	for _, name := range names {
		p.Go(func(ctx context.Context) error {
			_, err := r.DownloadFileContext(ctx, name, nil)
			return err
		})
	}
	if err := p.Wait(); err != nil {
		return errors.WithMessagef(err, "downloading %s", r)
	}
	return nil
}
