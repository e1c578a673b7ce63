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

// UploadRequest describes one chunked upload attempt.
type UploadRequest struct {
	Path   string
	Size   int64
	Source io.ReaderAt

	// Resume asks the server how much of Path is already stored and appends from there.
	Resume bool
	// DeleteOnCancel removes the partial remote file when the upload is cancelled.
	DeleteOnCancel bool

	Signal     Signal
	Tiers      *Tiers
	OnProgress func(done, total int64)
	Now        func() time.Time
	Logger     *logging.Logger
}

func (r *UploadRequest) defaults() {
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

// Upload sends req.Source to req.Path in adaptively sized chunks.
//
// Every chunk starts exactly where the server's confirmed offset ends. Pause
// and cancel are only observed between chunks. On success the remote size
// is re-queried and must equal req.Size.
func Upload(ctx context.Context, conn remote.Connection, req UploadRequest) (Result, error) {
	req.defaults()
	var res Result

	start, done, err := resumeOffset(ctx, conn, &req)
	if err != nil {
		res.Resumable = req.Resume
		return res, err
	}
	if done {
		res.StartOffset, res.Offset = req.Size, req.Size
		req.OnProgress(req.Size, req.Size)
		return res, nil
	}

	id, err := conn.StartChunkedUpload(ctx, req.Path, req.Size, start)
	if err != nil && start > 0 && errors.Is(err, remote.ErrAppendUnsupported) {
		req.Logger.Debug().Str("path", req.Path).Int64("offset", start).Msg("append not supported, restarting from zero")
		start = 0
		id, err = conn.StartChunkedUpload(ctx, req.Path, req.Size, 0)
	}
	if err != nil {
		res.Resumable = req.Resume
		return res, fmt.Errorf("start chunked upload of %s: %w", req.Path, err)
	}

	res.StartOffset, res.Offset = start, start
	req.OnProgress(start, req.Size)

	tier := req.Tiers.Start()
	buf := make([]byte, req.Tiers.Largest())
	ended := false

	for res.Offset < req.Size {
		if req.Signal.Cancelled() {
			stop(ctx, conn, id)
			if req.DeleteOnCancel {
				if err := conn.Delete(ctx, req.Path); err != nil && !remote.IsIdempotentSuccess(err) {
					req.Logger.Warn().Err(err).Str("path", req.Path).Msg("could not delete partial upload")
				}
			}
			return res, ErrCancelled
		}
		if req.Signal.Paused() {
			res.Resumable = true
			if err := conn.StopChunkedUpload(ctx, id); err != nil {
				return res, fmt.Errorf("pause %s: %w", req.Path, err)
			}
			return res, ErrPaused
		}

		n := req.Tiers.Size(tier)
		if rest := req.Size - res.Offset; rest < n {
			n = rest
		}
		chunk := buf[:n]
		if m, err := req.Source.ReadAt(chunk, res.Offset); int64(m) < n {
			stop(ctx, conn, id)
			res.Resumable = true
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return res, fmt.Errorf("read source of %s at %d: %w", req.Path, res.Offset, err)
		}

		began := req.Now()
		r := conn.UploadChunk(ctx, id, chunk, res.Offset, res.Offset+n)
		elapsed := req.Now().Sub(began)

		switch r.Status {
		case remote.ChunkSuccess, remote.ChunkEnd:
			res.Offset += n
			res.BytesSent += n
			res.ChunkSizes = append(res.ChunkSizes, n)
			req.OnProgress(res.Offset, req.Size)
			tier = req.Tiers.Adapt(tier, elapsed)
			if r.Status == remote.ChunkEnd {
				ended = true
				if res.Offset != req.Size {
					res.Resumable = true
					return res, &IntegrityError{Path: req.Path, Status: remote.ChunkEnd, Offset: res.Offset}
				}
			}

		case remote.ChunkDesync, remote.ChunkMalsized, remote.ChunkHijack:
			stop(ctx, conn, id)
			res.Resumable = true
			return res, &IntegrityError{Path: req.Path, Status: r.Status, Offset: res.Offset}

		case remote.ChunkNotFound:
			res.Resumable = true
			return res, fmt.Errorf("upload %s at %d: %w", req.Path, res.Offset, ErrSessionLost)

		default:
			stop(ctx, conn, id)
			res.Resumable = true
			cause := r.Err
			if cause == nil {
				cause = errors.New("chunk failed")
			}
			return res, fmt.Errorf("upload %s at %d: %w", req.Path, res.Offset, cause)
		}
	}

	if !ended {
		if err := conn.StopChunkedUpload(ctx, id); err != nil {
			res.Resumable = true
			return res, fmt.Errorf("finish upload of %s: %w", req.Path, err)
		}
	}

	if err := verifySize(ctx, conn, req.Path, req.Size); err != nil {
		res.Resumable = true
		return res, err
	}
	return res, nil
}

// resumeOffset asks the server how much of the file it holds.
// done is true when the file is already complete.
func resumeOffset(ctx context.Context, conn remote.Connection, req *UploadRequest) (offset int64, done bool, err error) {
	if !req.Resume {
		return 0, false, nil
	}
	e, err := conn.Stat(ctx, req.Path)
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("query size of %s: %w", req.Path, err)
	}
	switch {
	case e.IsDir:
		return 0, false, fmt.Errorf("%s is a directory", req.Path)
	case e.Size == req.Size:
		return 0, true, nil
	case e.Size < req.Size:
		req.Logger.Debug().Str("path", req.Path).Int64("offset", e.Size).Msg("resuming upload")
		return e.Size, false, nil
	default:
		return 0, false, nil
	}
}

func verifySize(ctx context.Context, conn remote.Connection, p string, want int64) error {
	e, err := conn.Stat(ctx, p)
	if err != nil {
		return fmt.Errorf("verify %s: %w", p, err)
	}
	if e.Size != want {
		return fmt.Errorf("%s: expected %d bytes, server has %d: %w", p, want, e.Size, ErrSizeMismatch)
	}
	return nil
}

// stop closes a session on a best-effort basis; the connection may be the reason we are stopping.
func stop(ctx context.Context, conn remote.Connection, id string) {
	_ = conn.StopChunkedUpload(ctx, id)
}
