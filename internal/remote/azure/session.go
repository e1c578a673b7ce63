package azure

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"

	"github.com/rescale/rescale-bulk/internal/remote"
)

// session stages one block per chunk. Nothing is visible until the block
// list is committed by the last chunk or by StopChunkedUpload.
type session struct {
	name   string
	tag    string
	size   int64
	next   int64
	blocks []string
}

// blockID is unique per session and offset. All IDs of one blob must have the
// same length, which the fixed-width format guarantees.
func blockID(tag string, offset int64) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%s-%016d", tag, offset)))
}

// StartChunkedUpload opens a block session. With startOffset > 0 the
// committed blocks covering exactly [0, startOffset) are kept; a blob that
// was not written in blocks, or whose blocks straddle startOffset, cannot be
// appended to.
func (c *Conn) StartChunkedUpload(ctx context.Context, p string, size, startOffset int64) (string, error) {
	if err := c.check(ctx); err != nil {
		return "", err
	}
	name := c.name(p)
	s := &session{name: name, tag: uuid.NewString(), size: size, next: startOffset}

	if startOffset > 0 {
		info, err := c.store.Properties(ctx, name)
		if err != nil {
			return "", err
		}
		if info.Size < startOffset {
			return "", fmt.Errorf("append to %s at %d but only %d stored: %w", p, startOffset, info.Size, remote.ErrIntegrity)
		}
		blocks, err := c.store.CommittedBlocks(ctx, name)
		if err != nil {
			return "", err
		}
		prefix, ok := blockPrefix(blocks, startOffset, len(blockID(s.tag, 0)))
		if !ok {
			return "", fmt.Errorf("append to %s at %d: %w", p, startOffset, remote.ErrAppendUnsupported)
		}
		s.blocks = prefix
	}

	id := uuid.NewString()
	c.mu.Lock()
	c.sessions[id] = s
	c.mu.Unlock()
	c.logger.Debug().Str("blob", name).Int64("offset", startOffset).Msg("block session started")
	return id, nil
}

// blockPrefix returns the IDs of the leading blocks that add up to offset.
func blockPrefix(blocks []Block, offset int64, idLen int) ([]string, bool) {
	var sum int64
	var ids []string
	for _, b := range blocks {
		if sum == offset {
			break
		}
		if len(b.ID) != idLen {
			return nil, false
		}
		ids = append(ids, b.ID)
		sum += b.Size
	}
	return ids, sum == offset
}

func (c *Conn) UploadChunk(ctx context.Context, uploadID string, chunk []byte, start, end int64) remote.ChunkResult {
	if err := c.check(ctx); err != nil {
		return remote.ChunkResult{Status: remote.ChunkError, Err: err}
	}

	c.mu.Lock()
	s, ok := c.sessions[uploadID]
	c.mu.Unlock()
	switch {
	case !ok:
		return remote.ChunkResult{Status: remote.ChunkNotFound}
	case start > end || int64(len(chunk)) != end-start || end > s.size:
		return remote.ChunkResult{Status: remote.ChunkMalsized}
	case start != s.next:
		return remote.ChunkResult{Status: remote.ChunkDesync}
	}

	id := blockID(s.tag, start)
	if err := c.store.StageBlock(ctx, s.name, id, chunk); err != nil {
		return remote.ChunkResult{Status: remote.ChunkError, Err: err}
	}
	s.blocks = append(s.blocks, id)
	s.next = end

	if end < s.size {
		return remote.ChunkResult{Status: remote.ChunkSuccess}
	}
	c.forget(uploadID)
	if err := c.store.CommitBlockList(ctx, s.name, s.blocks); err != nil {
		return remote.ChunkResult{Status: remote.ChunkError, Err: err}
	}
	c.logger.Debug().Str("blob", s.name).Int("blocks", len(s.blocks)).Msg("block list committed")
	return remote.ChunkResult{Status: remote.ChunkEnd}
}

// StopChunkedUpload commits every block staged so far.
func (c *Conn) StopChunkedUpload(ctx context.Context, uploadID string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	s, ok := c.sessions[uploadID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("upload %s: %w", uploadID, remote.ErrNotFound)
	}
	c.forget(uploadID)

	if len(s.blocks) == 0 {
		return c.store.Upload(ctx, s.name, nil)
	}
	return c.store.CommitBlockList(ctx, s.name, s.blocks)
}

func (c *Conn) forget(uploadID string) {
	c.mu.Lock()
	delete(c.sessions, uploadID)
	c.mu.Unlock()
}
