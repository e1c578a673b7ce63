package azure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/rescale/rescale-bulk/internal/constants"
	"github.com/rescale/rescale-bulk/internal/remote"
)

// BlobInfo describes one blob.
type BlobInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Block is one committed block of a block blob.
type Block struct {
	ID   string
	Size int64
}

// Store is the container-level blob API the connection needs. Missing blobs
// are reported as remote.ErrNotFound.
type Store interface {
	Exists(ctx context.Context) error
	Properties(ctx context.Context, name string) (BlobInfo, error)
	// List returns blobs under prefix. With a delimiter, names below the next
	// delimiter are folded into prefixes. max <= 0 means no limit.
	List(ctx context.Context, prefix, delimiter string, max int) ([]BlobInfo, []string, error)
	Download(ctx context.Context, name string, offset, count int64) (io.ReadCloser, error)
	Upload(ctx context.Context, name string, data []byte) error
	StageBlock(ctx context.Context, name, blockID string, data []byte) error
	CommittedBlocks(ctx context.Context, name string) ([]Block, error)
	CommitBlockList(ctx context.Context, name string, blockIDs []string) error
	Copy(ctx context.Context, from, to string) error
	Delete(ctx context.Context, name string) error
}

// containerStore implements Store on an azblob container client.
type containerStore struct {
	cc *container.Client
}

// NewContainerStore wraps an azblob container client.
func NewContainerStore(cc *container.Client) Store {
	return &containerStore{cc: cc}
}

func mapError(err error, name string) error {
	if err == nil {
		return nil
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return fmt.Errorf("%s: %w", name, remote.ErrNotFound)
	}
	var re *azcore.ResponseError
	if errors.As(err, &re) {
		if re.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%s: %w", name, remote.ErrNotFound)
		}
		return fmt.Errorf("%s: %w", name, &remote.StatusError{Code: re.StatusCode, Err: err})
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *containerStore) Exists(ctx context.Context) error {
	_, err := s.cc.GetProperties(ctx, nil)
	return mapError(err, "container")
}

func (s *containerStore) Properties(ctx context.Context, name string) (BlobInfo, error) {
	resp, err := s.cc.NewBlobClient(name).GetProperties(ctx, nil)
	if err != nil {
		return BlobInfo{}, mapError(err, name)
	}
	return BlobInfo{Name: name, Size: deref(resp.ContentLength), ModTime: deref(resp.LastModified)}, nil
}

func (s *containerStore) List(ctx context.Context, prefix, delimiter string, max int) ([]BlobInfo, []string, error) {
	var blobs []BlobInfo
	var prefixes []string
	full := func() bool { return max > 0 && len(blobs)+len(prefixes) >= max }

	if delimiter == "" {
		pager := s.cc.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{Prefix: to.Ptr(prefix)})
		for pager.More() && !full() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				return nil, nil, mapError(err, prefix)
			}
			for _, item := range page.Segment.BlobItems {
				if full() {
					break
				}
				blobs = append(blobs, blobInfo(item))
			}
		}
		return blobs, nil, nil
	}

	pager := s.cc.NewListBlobsHierarchyPager(delimiter, &container.ListBlobsHierarchyOptions{Prefix: to.Ptr(prefix)})
	for pager.More() && !full() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, nil, mapError(err, prefix)
		}
		for _, p := range page.Segment.BlobPrefixes {
			prefixes = append(prefixes, deref(p.Name))
		}
		for _, item := range page.Segment.BlobItems {
			blobs = append(blobs, blobInfo(item))
		}
	}
	return blobs, prefixes, nil
}

func blobInfo(item *container.BlobItem) BlobInfo {
	info := BlobInfo{Name: deref(item.Name)}
	if item.Properties != nil {
		info.Size = deref(item.Properties.ContentLength)
		info.ModTime = deref(item.Properties.LastModified)
	}
	return info
}

func (s *containerStore) Download(ctx context.Context, name string, offset, count int64) (io.ReadCloser, error) {
	resp, err := s.cc.NewBlobClient(name).DownloadStream(ctx, &blob.DownloadStreamOptions{
		Range: blob.HTTPRange{Offset: offset, Count: count},
	})
	if err != nil {
		if offset > 0 && bloberror.HasCode(err, bloberror.InvalidRange) {
			// Reading at the end of the blob.
			return io.NopCloser(bytes.NewReader(nil)), nil
		}
		return nil, mapError(err, name)
	}
	return resp.Body, nil
}

func (s *containerStore) Upload(ctx context.Context, name string, data []byte) error {
	_, err := s.cc.NewBlockBlobClient(name).Upload(ctx, streaming.NopCloser(bytes.NewReader(data)), nil)
	return mapError(err, name)
}

func (s *containerStore) StageBlock(ctx context.Context, name, blockID string, data []byte) error {
	_, err := s.cc.NewBlockBlobClient(name).StageBlock(ctx, blockID, streaming.NopCloser(bytes.NewReader(data)), nil)
	return mapError(err, name)
}

func (s *containerStore) CommittedBlocks(ctx context.Context, name string) ([]Block, error) {
	resp, err := s.cc.NewBlockBlobClient(name).GetBlockList(ctx, blockblob.BlockListTypeCommitted, nil)
	if err != nil {
		return nil, mapError(err, name)
	}
	blocks := make([]Block, 0, len(resp.CommittedBlocks))
	for _, b := range resp.CommittedBlocks {
		blocks = append(blocks, Block{ID: deref(b.Name), Size: deref(b.Size)})
	}
	return blocks, nil
}

func (s *containerStore) CommitBlockList(ctx context.Context, name string, blockIDs []string) error {
	_, err := s.cc.NewBlockBlobClient(name).CommitBlockList(ctx, blockIDs, nil)
	return mapError(err, name)
}

// Copy starts a server-side copy and polls until it settles.
func (s *containerStore) Copy(ctx context.Context, from, to string) error {
	src := s.cc.NewBlobClient(from)
	dst := s.cc.NewBlobClient(to)
	resp, err := dst.StartCopyFromURL(ctx, src.URL(), nil)
	if err != nil {
		return mapError(err, from)
	}

	status := resp.CopyStatus
	for status != nil && *status == blob.CopyStatusTypePending {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(constants.AzureCopyPollInterval):
		}
		props, err := dst.GetProperties(ctx, nil)
		if err != nil {
			return mapError(err, to)
		}
		status = props.CopyStatus
	}
	if status != nil && *status != blob.CopyStatusTypeSuccess {
		return fmt.Errorf("copy %s to %s ended with status %s", from, to, *status)
	}
	return nil
}

func (s *containerStore) Delete(ctx context.Context, name string) error {
	_, err := s.cc.NewBlobClient(name).Delete(ctx, nil)
	return mapError(err, name)
}

// deref returns the value p points to, or the zero value for nil.
func deref[T any](p *T) T {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}
