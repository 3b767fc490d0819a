package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/jjuanino/clame/internal/fsmeta"
	"github.com/jjuanino/clame/internal/manifest"
)

// Writer assembles a container. Payloads are stored once no matter how
// many patch versions reference them.
type Writer struct {
	zw      *zstd.Encoder
	tw      *tar.Writer
	written map[string]bool
	modTime time.Time
}

// NewWriter starts a container on w. Close must be called to flush it.
func NewWriter(w io.Writer) (*Writer, error) {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}
	return &Writer{
		zw:      zw,
		tw:      tar.NewWriter(zw),
		written: make(map[string]bool),
		modTime: time.Unix(0, 0),
	}, nil
}

// AddBlob stores data under its digest and returns the digest.
func (w *Writer) AddBlob(data []byte) (string, error) {
	d := fsmeta.Digest(data)
	if err := w.writeOnce(BlobEntry(d), data); err != nil {
		return "", err
	}
	return d, nil
}

// AddPatch stores a manifest and its contents list. Every payload the
// manifest references must already have been added with AddBlob.
func (w *Writer) AddPatch(coreSrc []byte) error {
	c, err := manifest.Parse("core.cue", coreSrc)
	if err != nil {
		return err
	}
	pv, err := c.PatchVersion()
	if err != nil {
		return err
	}

	lines := []string{CoreEntry(pv) + "\t" + fsmeta.Digest(coreSrc)}
	for _, d := range c.Blobs() {
		if !w.written[BlobEntry(d)] {
			return fmt.Errorf("%s references payload %s which was not added", pv, d)
		}
		lines = append(lines, BlobEntry(d)+"\t"+d)
	}
	sort.Strings(lines[1:])

	if err := w.writeOnce(CoreEntry(pv), coreSrc); err != nil {
		return err
	}
	return w.writeOnce(ContentsEntry(pv), []byte(strings.Join(lines, "\n")+"\n"))
}

func (w *Writer) writeOnce(name string, data []byte) error {
	if w.written[name] {
		return nil
	}
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: w.modTime,
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write archive header %s: %w", name, err)
	}
	if _, err := w.tw.Write(data); err != nil {
		return fmt.Errorf("write archive entry %s: %w", name, err)
	}
	w.written[name] = true
	return nil
}

// Close flushes the tar and zstd streams. It does not close the
// underlying writer.
func (w *Writer) Close() error {
	if err := w.tw.Close(); err != nil {
		return fmt.Errorf("close tar stream: %w", err)
	}
	if err := w.zw.Close(); err != nil {
		return fmt.Errorf("close zstd stream: %w", err)
	}
	return nil
}
