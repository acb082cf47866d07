package middleware

import (
	"compress/gzip"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"

	"github.com/doorman-project/doorman/internal/config"
)

// Server-preferred encoding order.
var encodingOrder = []string{"br", "zstd", "gzip"}

// compressible content-type prefixes.
var compressibleTypes = []string{
	"application/json", "application/xml", "application/soap+xml",
	"text/", "application/javascript", "application/graphql",
}

// Compressor negotiates and applies response compression.
type Compressor struct {
	enabled  bool
	level    int
	minSize  int
	zstdPool sync.Pool
}

// NewCompressor builds a compressor from config.
func NewCompressor(cfg config.CompressionConfig) *Compressor {
	level := cfg.Level
	if level <= 0 || level > 11 {
		level = 6
	}
	minSize := cfg.MinSize
	if minSize <= 0 {
		minSize = 1024
	}
	return &Compressor{enabled: cfg.Enabled, level: level, minSize: minSize}
}

// Middleware compresses responses when the client accepts it and the
// payload is compressible and large enough.
func (c *Compressor) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		if !c.enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			enc := c.negotiate(r.Header.Get("Accept-Encoding"))
			if enc == "" {
				next.ServeHTTP(w, r)
				return
			}
			cw := &compressWriter{ResponseWriter: w, comp: c, encoding: enc, minSize: c.minSize}
			defer cw.Close()
			next.ServeHTTP(cw, r)
		})
	}
}

// negotiate picks the best encoding the client accepts, honoring
// q=0 exclusions.
func (c *Compressor) negotiate(acceptEncoding string) string {
	if acceptEncoding == "" {
		return ""
	}
	accepted := make(map[string]bool)
	for _, part := range strings.Split(acceptEncoding, ",") {
		fields := strings.Split(strings.TrimSpace(part), ";")
		name := strings.ToLower(strings.TrimSpace(fields[0]))
		q := 1.0
		for _, f := range fields[1:] {
			f = strings.TrimSpace(f)
			if v, ok := strings.CutPrefix(f, "q="); ok {
				if parsed, err := strconv.ParseFloat(v, 64); err == nil {
					q = parsed
				}
			}
		}
		if q > 0 {
			accepted[name] = true
		}
	}
	for _, enc := range encodingOrder {
		if accepted[enc] || accepted["*"] {
			return enc
		}
	}
	return ""
}

func (c *Compressor) newEncoder(enc string, w io.Writer) io.WriteCloser {
	switch enc {
	case "br":
		level := c.level
		if level > brotli.BestCompression {
			level = brotli.BestCompression
		}
		return brotli.NewWriterLevel(w, level)
	case "zstd":
		if pooled := c.zstdPool.Get(); pooled != nil {
			enc := pooled.(*zstd.Encoder)
			enc.Reset(w)
			return &pooledZstd{enc: enc, pool: &c.zstdPool}
		}
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil
		}
		return &pooledZstd{enc: zw, pool: &c.zstdPool}
	default:
		level := c.level
		if level > gzip.BestCompression {
			level = gzip.BestCompression
		}
		zw, err := gzip.NewWriterLevel(w, level)
		if err != nil {
			return nil
		}
		return zw
	}
}

type pooledZstd struct {
	enc  *zstd.Encoder
	pool *sync.Pool
}

func (p *pooledZstd) Write(b []byte) (int, error) { return p.enc.Write(b) }

func (p *pooledZstd) Close() error {
	err := p.enc.Close()
	p.pool.Put(p.enc)
	return err
}

// compressWriter decides on first write whether to compress: it checks
// the content type, an already-set Content-Encoding, and buffers up to
// minSize bytes so small responses stay uncompressed.
type compressWriter struct {
	http.ResponseWriter
	comp     *Compressor
	encoding string
	minSize  int

	status   int
	buf      []byte
	enc      io.WriteCloser
	decided  bool
	passthru bool
}

func (cw *compressWriter) WriteHeader(code int) {
	if cw.status == 0 {
		cw.status = code
	}
}

func (cw *compressWriter) Write(b []byte) (int, error) {
	if cw.decided {
		return cw.sink(b)
	}
	cw.buf = append(cw.buf, b...)
	if len(cw.buf) >= cw.minSize {
		cw.decide()
		return len(b), cw.flushBuf()
	}
	return len(b), nil
}

func (cw *compressWriter) decide() {
	cw.decided = true
	h := cw.ResponseWriter.Header()
	if h.Get("Content-Encoding") != "" || !isCompressible(h.Get("Content-Type")) {
		cw.passthru = true
		cw.writeHead()
		return
	}
	cw.enc = cw.comp.newEncoder(cw.encoding, cw.ResponseWriter)
	if cw.enc == nil {
		cw.passthru = true
		cw.writeHead()
		return
	}
	h.Set("Content-Encoding", cw.encoding)
	h.Del("Content-Length")
	h.Add("Vary", "Accept-Encoding")
	cw.writeHead()
}

func (cw *compressWriter) writeHead() {
	if cw.status == 0 {
		cw.status = http.StatusOK
	}
	cw.ResponseWriter.WriteHeader(cw.status)
}

func (cw *compressWriter) flushBuf() error {
	if len(cw.buf) == 0 {
		return nil
	}
	_, err := cw.sink(cw.buf)
	cw.buf = nil
	return err
}

func (cw *compressWriter) sink(b []byte) (int, error) {
	if cw.passthru || cw.enc == nil {
		return cw.ResponseWriter.Write(b)
	}
	return cw.enc.Write(b)
}

// Close finalizes the response. Responses smaller than minSize are
// written through uncompressed.
func (cw *compressWriter) Close() error {
	if !cw.decided {
		cw.passthru = true
		cw.decided = true
		cw.writeHead()
		if err := cw.flushBuf(); err != nil {
			return err
		}
	}
	if cw.enc != nil {
		return cw.enc.Close()
	}
	return nil
}

func isCompressible(contentType string) bool {
	if contentType == "" {
		return false
	}
	for _, p := range compressibleTypes {
		if strings.HasPrefix(contentType, p) {
			return true
		}
	}
	return false
}
