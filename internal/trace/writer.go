package trace

import (
	"archive/zip"
	"bytes"
	"compress/flate"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const zipFileChunkSize = 2 * 1024 * 1024

// ZipWriterStrategy writes trace events as timestamped JSON lines inside a
// single-entry zip archive. Lines are buffered and written out in chunks so
// the deflate stream stays efficient at 60+ events per second.
type ZipWriterStrategy struct {
	file     *os.File
	zw       *zip.Writer
	zipEntry io.Writer
	buf      *bytes.Buffer
	filename string
}

func NewZipWriterStrategy(filePath string) (*ZipWriterStrategy, error) {
	zf, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create zip file: %w", err)
	}
	zw := zip.NewWriter(zf)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})
	filename := filepath.Base(filePath)
	entry, err := zw.Create(filename)
	if err != nil {
		zf.Close()
		return nil, err
	}
	return &ZipWriterStrategy{
		file:     zf,
		zw:       zw,
		zipEntry: entry,
		buf:      bytes.NewBuffer(make([]byte, 0, 64*1024)),
		filename: filename,
	}, nil
}

func (z *ZipWriterStrategy) WriteEvent(ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal trace event: %w", err)
	}
	z.buf.Grow(len(data) + 32)
	z.buf.WriteString(time.Unix(0, ev.TimestampNS).UTC().Format("2006/01/02 15:04:05.000"))
	z.buf.WriteByte('\t')
	z.buf.Write(data)
	z.buf.WriteByte('\n')
	if z.buf.Len() >= zipFileChunkSize {
		if _, err := z.zipEntry.Write(z.buf.Bytes()); err != nil {
			return err
		}
		z.buf.Reset()
	}
	return nil
}

func (z *ZipWriterStrategy) Flush() error {
	if z.buf.Len() > 0 {
		if _, err := z.zipEntry.Write(z.buf.Bytes()); err != nil {
			return err
		}
		z.buf.Reset()
	}
	return z.zw.Flush()
}

func (z *ZipWriterStrategy) Close() error {
	if err := z.zw.Close(); err != nil {
		z.file.Close()
		return err
	}
	return z.file.Close()
}

// LogLineWriterStrategy writes events as plain JSON lines to any writer. It
// is the uncompressed counterpart of ZipWriterStrategy, used mostly in tests
// and when tracing to a pipe.
type LogLineWriterStrategy struct {
	w io.Writer
}

func NewLogLineWriterStrategy(w io.Writer) *LogLineWriterStrategy {
	return &LogLineWriterStrategy{w: w}
}

func (l *LogLineWriterStrategy) WriteEvent(ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal trace event: %w", err)
	}
	line := make([]byte, 0, len(data)+24)
	line = strconv.AppendInt(line, ev.TimestampNS, 10)
	line = append(line, '\t')
	line = append(line, data...)
	line = append(line, '\n')
	_, err = l.w.Write(line)
	return err
}

func (l *LogLineWriterStrategy) Flush() error { return nil }

func (l *LogLineWriterStrategy) Close() error {
	if c, ok := l.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
