package mw

import (
	"bytes"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
)

// entry is a stored GET response.
type entry struct {
	status int
	header http.Header
	body   []byte
}

func (e entry) replay(w gin.ResponseWriter) {
	for k, v := range e.header {
		w.Header()[k] = v
	}
	w.Header().Set("X-Cache", "HIT")
	w.WriteHeader(e.status)
	_, _ = w.Write(e.body)
}

// teeWriter copies the response body while it is written to the client.
type teeWriter struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *teeWriter) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *teeWriter) WriteString(s string) (int, error) {
	w.buf.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Cache serves GET responses from store for ttl, keyed by path and query.
// Only 2xx responses are stored. A request sent with "Cache-Control: no-cache"
// skips the stored copy and replaces it.
func Cache(store *cache.Cache, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.Next()
			return
		}

		key := c.Request.URL.RequestURI()
		if !strings.Contains(c.GetHeader("Cache-Control"), "no-cache") {
			if v, ok := store.Get(key); ok {
				v.(entry).replay(c.Writer)
				c.Abort()
				return
			}
		}

		tw := &teeWriter{ResponseWriter: c.Writer}
		tw.Header().Set("X-Cache", "MISS")
		c.Writer = tw
		c.Next()

		status := tw.Status()
		if status < 200 || status >= 300 {
			return
		}
		header := tw.Header().Clone()
		header.Del("X-Cache")
		store.Set(key, entry{status: status, header: header, body: tw.buf.Bytes()}, ttl)
	}
}

// Invalidate drops every cached response whose key starts with one of prefixes.
func Invalidate(store *cache.Cache, prefixes ...string) {
	for key := range store.Items() {
		for _, p := range prefixes {
			if strings.HasPrefix(key, p) {
				store.Delete(key)
				break
			}
		}
	}
}
