package chunked

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rescale/rescale-bulk/internal/logging"
	"github.com/rescale/rescale-bulk/internal/remote"
)

// DownloadRequest describes one chunked download attempt.
type DownloadRequest struct {
	Path string
	// Size is the remote size recorded when the file was listed.
	Size int64
	// Offset is how many bytes Dest already holds; Dest must be positioned there.
	Offset int64
	Dest   io.Writer

	Signal     Signal
	Tiers      *Tiers
	OnProgress func(done, total int64)
	Now        func() time.Time
	Logger     *logging.Logger
}

func (r *DownloadRequest) defaults() {
	if r.Signal == nil {
		r.Signal = noSignal{}
	}
	if r.Tiers == nil {
		t := DefaultTiers()
		r.Tiers = &t
	}
	if r.OnProgress == nil {
		r.OnProgress = func(int64, int64) {}
	}
	if r.Now == nil {
		r.Now = time.Now
	}
	if r.Logger == nil {
		r.Logger = logging.NewNop()
	}
}

// Download copies req.Path into req.Dest chunk by chunk, starting at req.Offset.
// A remote size that no longer matches req.Size fails with ErrFileChanged.
func Download(ctx context.Context, conn remote.Connection, req DownloadRequest) (Result, error) {
	req.defaults()
	res := Result{StartOffset: req.Offset, Offset: req.Offset}

	if err := checkRemoteSize(ctx, conn, req.Path, req.Size); err != nil {
		return res, err
	}
	if req.Offset > req.Size {
		return Result{}, fmt.Errorf("%s: local copy holds %d of %d bytes: %w", req.Path, req.Offset, req.Size, remote.ErrIntegrity)
	}
	if req.Offset > 0 {
		req.Logger.Debug().Str("path", req.Path).Int64("offset", req.Offset).Msg("resuming download")
	}
	req.OnProgress(res.Offset, req.Size)

	tier := req.Tiers.Start()
	for res.Offset < req.Size {
		if req.Signal.Cancelled() {
			return res, ErrCancelled
		}
		if req.Signal.Paused() {
			res.Resumable = true
			return res, ErrPaused
		}

		n := req.Tiers.Size(tier)
		if rest := req.Size - res.Offset; rest < n {
			n = rest
		}

		began := req.Now()
		m, err := fetch(ctx, conn, req.Path, res.Offset, n, req.Dest)
		elapsed := req.Now().Sub(began)

		res.Offset += m
		res.BytesSent += m
		if m > 0 {
			req.OnProgress(res.Offset, req.Size)
		}
		if err != nil {
			res.Resumable = true
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return res, &IntegrityError{Path: req.Path, Status: remote.ChunkMalsized, Offset: res.Offset}
			}
			return res, fmt.Errorf("download %s at %d: %w", req.Path, res.Offset, err)
		}
		res.ChunkSizes = append(res.ChunkSizes, m)
		tier = req.Tiers.Adapt(tier, elapsed)
	}

	if err := checkRemoteSize(ctx, conn, req.Path, req.Size); err != nil {
		return res, err
	}
	return res, nil
}

func fetch(ctx context.Context, conn remote.Connection, p string, offset, n int64, dest io.Writer) (int64, error) {
	rc, err := conn.Download(ctx, p, offset, n)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	return io.CopyN(dest, rc, n)
}

func checkRemoteSize(ctx context.Context, conn remote.Connection, p string, want int64) error {
	e, err := conn.Stat(ctx, p)
	if err != nil {
		return fmt.Errorf("stat %s: %w", p, err)
	}
	if e.Size != want {
		return fmt.Errorf("%s: listed with %d bytes, now %d: %w", p, want, e.Size, ErrFileChanged)
	}
	return nil
}
