package s3

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 отвечает на минимальный набор запросов minio-go
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	q := r.URL.Query()
	p := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, _ := strings.Cut(p, "/")

	switch {
	case q.Has("location"):
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><LocationConstraint xmlns="http://s3.amazonaws.com/doc/2006-03-01/">us-east-1</LocationConstraint>`)
	case r.Method == http.MethodGet && q.Get("list-type") == "2":
		prefix := q.Get("prefix")
		var b strings.Builder
		fmt.Fprintf(&b, `<?xml version="1.0" encoding="UTF-8"?><ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/"><Name>%s</Name><Prefix>%s</Prefix><IsTruncated>false</IsTruncated>`, bucket, prefix)
		for k, v := range f.objects {
			b2, k2, _ := strings.Cut(k, "/")
			if b2 != bucket || !strings.HasPrefix(k2, prefix) {
				continue
			}
			fmt.Fprintf(&b, `<Contents><Key>%s</Key><Size>%d</Size><ETag>"x"</ETag><LastModified>2024-05-01T12:00:00.000Z</LastModified></Contents>`, k2, len(v))
		}
		b.WriteString(`</ListBucketResult>`)
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(w, b.String())
	case r.Method == http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		f.objects[bucket+"/"+key] = data
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet || r.Method == http.MethodHead:
		data, ok := f.objects[bucket+"/"+key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>not found</Message><Key>%s</Key><BucketName>%s</BucketName></Error>`, key, bucket)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(data)))
		w.Header().Set("ETag", `"etag"`)
		w.Header().Set("Last-Modified", "Wed, 01 May 2024 12:00:00 GMT")
		w.Header().Set("Content-Type", "application/octet-stream")
		if r.Method == http.MethodGet {
			_, _ = w.Write(data)
		}
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func newTestClient(t *testing.T, objects map[string][]byte) (*Client, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: objects}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	c, err := NewMinioClient(u.Host, "access", "secret", false, "screenshots")
	require.NoError(t, err)
	return c, fake
}

func TestListAndGetFrames(t *testing.T) {
	c, _ := newTestClient(t, map[string][]byte{
		"frames/cam1/0002.jpg": []byte("b"),
		"frames/cam1/0001.jpg": []byte("a"),
		"frames/cam1/meta.json": []byte("{}"),
		"frames/cam2/0001.jpg": []byte("c"),
	})
	ctx := context.Background()

	keys, err := c.ListFrames(ctx, "frames", "cam1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"cam1/0001.jpg", "cam1/0002.jpg"}, keys)

	data, err := c.GetFrame(ctx, "frames", "cam1/0002.jpg")
	require.NoError(t, err)
	assert.Equal(t, "b", string(data))
}

func TestPutScreenshot(t *testing.T) {
	c, fake := newTestClient(t, map[string][]byte{})

	require.NoError(t, c.PutScreenshot(context.Background(), "fire_20240501_120000.jpg", []byte("jpeg")))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "jpeg", string(fake.objects["screenshots/fire_20240501_120000.jpg"]))
}

func TestIsImage(t *testing.T) {
	assert.True(t, isImage("a/b/0001.JPG"))
	assert.True(t, isImage("x.png"))
	assert.False(t, isImage("x.json"))
	assert.False(t, isImage("dir/"))
}
