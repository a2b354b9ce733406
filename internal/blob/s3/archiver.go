package s3blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/sbmarket/internal/domain"
)

const (
	archiveBatch = 500
	// multipartThreshold switches uploads to the multipart manager.
	multipartThreshold = 8 * 1024 * 1024

	cursorKey = "archive_cursor"
)

// SnapshotStream is the durable stream the poller appends to.
type SnapshotStream interface {
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error)
	StreamTrim(ctx context.Context, stream string, minID string) error
}

// SnapshotArchiver drains the snapshot stream into one JSONL object per UTC
// day and run:
//
//	{prefix}/2026-02-08/{firstID}_{lastID}.jsonl
//
// The stream position is kept under archive_cursor so a crashed run resumes
// where the last successful upload ended.
type SnapshotArchiver struct {
	stream SnapshotStream
	cursor domain.SessionStore
	writer domain.BlobWriter
	reader domain.BlobReader
	audit  domain.AuditStore
	prefix string
	logger *slog.Logger
}

// NewArchiver creates a SnapshotArchiver. reader and audit may be nil.
func NewArchiver(
	stream SnapshotStream,
	cursor domain.SessionStore,
	writer domain.BlobWriter,
	reader domain.BlobReader,
	audit domain.AuditStore,
	prefix string,
	logger *slog.Logger,
) *SnapshotArchiver {
	if prefix == "" {
		prefix = "snapshots"
	}
	return &SnapshotArchiver{
		stream: stream,
		cursor: cursor,
		writer: writer,
		reader: reader,
		audit:  audit,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveSnapshots uploads everything appended since the last run and
// returns the number of snapshots archived.
func (a *SnapshotArchiver) ArchiveSnapshots(ctx context.Context, now time.Time) (int64, error) {
	last, err := a.cursor.Get(ctx, cursorKey)
	if errors.Is(err, domain.ErrNotFound) {
		last = "0"
	} else if err != nil {
		return 0, fmt.Errorf("s3blob: archive cursor: %w", err)
	}

	var pending []domain.StreamMessage
	for {
		batch, err := a.stream.StreamRead(ctx, domain.StreamSnapshots, last, archiveBatch)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive read: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		pending = append(pending, batch...)
		last = batch[len(batch)-1].ID
		if len(batch) < archiveBatch {
			break
		}
	}
	if len(pending) == 0 {
		return 0, nil
	}

	days := groupByDay(pending)
	keys := make([]string, 0, len(days))
	for day := range days {
		keys = append(keys, day)
	}
	sort.Strings(keys)

	var total int64
	for _, day := range keys {
		msgs := days[day]
		path := fmt.Sprintf("%s/%s/%s_%s.jsonl", a.prefix, day,
			strings.ReplaceAll(msgs[0].ID, "-", "."), strings.ReplaceAll(msgs[len(msgs)-1].ID, "-", "."))

		// A run that uploaded but crashed before moving the cursor leaves
		// the same range behind; it is not written twice.
		uploaded, err := a.exists(ctx, path)
		if err != nil {
			return total, err
		}
		if uploaded {
			a.logger.InfoContext(ctx, "archive object already present", slog.String("path", path))
		} else if err := a.upload(ctx, path, joinJSONL(msgs)); err != nil {
			return total, err
		}

		// Advance the cursor per uploaded day so a later failure does not
		// re-upload days that already landed.
		dayLast := msgs[len(msgs)-1].ID
		if err := a.cursor.Set(ctx, cursorKey, dayLast); err != nil {
			return total, fmt.Errorf("s3blob: archive cursor: %w", err)
		}
		total += int64(len(msgs))

		a.logger.InfoContext(ctx, "snapshots archived",
			slog.String("path", path),
			slog.Int("count", len(msgs)),
		)
		if a.audit != nil {
			if err := a.audit.Log(ctx, "archive.snapshots", map[string]any{
				"path":  path,
				"count": len(msgs),
				"at":    now.UTC().Format(time.RFC3339),
			}); err != nil {
				a.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
			}
		}
	}

	if err := a.stream.StreamTrim(ctx, domain.StreamSnapshots, last); err != nil {
		a.logger.WarnContext(ctx, "trimming snapshot stream", slog.String("error", err.Error()))
	}
	return total, nil
}

func (a *SnapshotArchiver) exists(ctx context.Context, path string) (bool, error) {
	if a.reader == nil {
		return false, nil
	}
	ok, err := a.reader.Exists(ctx, path)
	if err != nil {
		return false, fmt.Errorf("s3blob: archive exists %s: %w", path, err)
	}
	return ok, nil
}

func (a *SnapshotArchiver) upload(ctx context.Context, path string, body []byte) error {
	var err error
	if len(body) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(body), 0)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(body), contentTypeJSONL)
	}
	if err != nil {
		return fmt.Errorf("s3blob: archive upload %s: %w", path, err)
	}
	return nil
}

// Open returns the body of one archive object as listed by List. Paths
// outside the archive prefix are rejected. The caller closes the body.
func (a *SnapshotArchiver) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	if a.reader == nil {
		return nil, fmt.Errorf("s3blob: archive open: %w", domain.ErrUnsupported)
	}
	if !strings.HasPrefix(path, a.prefix+"/") || strings.Contains(path, "..") {
		return nil, fmt.Errorf("s3blob: archive open %q: %w", path, domain.ErrNotFound)
	}
	return a.reader.Get(ctx, path)
}

// List returns the archive objects for one UTC day ("2006-01-02"), or all
// of them when day is empty.
func (a *SnapshotArchiver) List(ctx context.Context, day string) ([]domain.BlobInfo, error) {
	if a.reader == nil {
		return nil, fmt.Errorf("s3blob: archive list: %w", domain.ErrUnsupported)
	}
	prefix := a.prefix + "/"
	if day != "" {
		if _, err := time.Parse(time.DateOnly, day); err != nil {
			return nil, fmt.Errorf("s3blob: archive list: bad day %q", day)
		}
		prefix += day + "/"
	}
	return a.reader.List(ctx, prefix)
}

// groupByDay partitions stream entries by the UTC day in their id's
// millisecond timestamp.
func groupByDay(msgs []domain.StreamMessage) map[string][]domain.StreamMessage {
	out := make(map[string][]domain.StreamMessage)
	for _, m := range msgs {
		day := "unknown"
		msPart, _, _ := strings.Cut(m.ID, "-")
		if ms, err := strconv.ParseInt(msPart, 10, 64); err == nil {
			day = time.UnixMilli(ms).UTC().Format(time.DateOnly)
		}
		out[day] = append(out[day], m)
	}
	return out
}

// joinJSONL writes one payload per line. Payloads are already JSON.
func joinJSONL(msgs []domain.StreamMessage) []byte {
	var buf bytes.Buffer
	for _, m := range msgs {
		buf.Write(bytes.TrimRight(m.Payload, "\n"))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

var _ domain.Archiver = (*SnapshotArchiver)(nil)
