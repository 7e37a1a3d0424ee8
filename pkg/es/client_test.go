package es

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgstate-go/internal/config"
	"tgstate-go/internal/model"
)

// fakeES 模拟 Elasticsearch 的最小 HTTP 接口。
type fakeES struct {
	indexExists bool
	created     bool
	indexed     map[string]model.FileDocument
	lastSearch  map[string]interface{}
}

func (f *fakeES) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodHead && r.URL.Path == "/files":
		if f.indexExists {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusNotFound)
		}
	case r.Method == http.MethodPut && r.URL.Path == "/files":
		f.created = true
		f.indexExists = true
		_, _ = io.WriteString(w, `{"acknowledged":true}`)
	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/files/_doc/"):
		var doc model.FileDocument
		_ = json.NewDecoder(r.Body).Decode(&doc)
		if f.indexed == nil {
			f.indexed = make(map[string]model.FileDocument)
		}
		f.indexed[strings.TrimPrefix(r.URL.Path, "/files/_doc/")] = doc
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"result":"created"}`)
	case strings.HasSuffix(r.URL.Path, "/_search"):
		_ = json.NewDecoder(r.Body).Decode(&f.lastSearch)
		_, _ = io.WriteString(w, `{"hits":{"total":{"value":1},"hits":[{"_score":1.5,"_source":{"file_id":"f1","filename":"cat.png","shared":true}}]}}`)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestClient(t *testing.T, fake *fakeES) *Client {
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	c, err := NewClient(config.ElasticsearchConfig{Addresses: srv.URL, IndexName: "files"})
	require.NoError(t, err)
	return c
}

func TestEnsureIndex_CreatesOnce(t *testing.T) {
	fake := &fakeES{}
	c := newTestClient(t, fake)

	require.NoError(t, c.EnsureIndex(context.Background()))
	assert.True(t, fake.created)

	fake.created = false
	require.NoError(t, c.EnsureIndex(context.Background()))
	assert.False(t, fake.created)
}

func TestIndexFile_UsesFileIDAsDocumentID(t *testing.T) {
	fake := &fakeES{indexExists: true}
	c := newTestClient(t, fake)

	doc := model.FileDocument{FileID: "f1", Filename: "cat.png", UploadedAt: time.Now().UTC()}
	require.NoError(t, c.IndexFile(context.Background(), doc))
	assert.Equal(t, "cat.png", fake.indexed["f1"].Filename)
}

func TestSearchFiles_DecodesHits(t *testing.T) {
	fake := &fakeES{indexExists: true}
	c := newTestClient(t, fake)

	hits, total, err := c.SearchFiles(context.Background(), FileQuery{Text: "cat", From: 0, Size: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, hits, 1)
	assert.Equal(t, "f1", hits[0].FileID)
	assert.Equal(t, 1.5, hits[0].Score)
	assert.EqualValues(t, 10, fake.lastSearch["size"])
}

func TestBuildSearchBody_Filters(t *testing.T) {
	shared := buildSearchBody(FileQuery{Text: "cat", Size: 5})
	filter := shared["query"].(map[string]interface{})["bool"].(map[string]interface{})["filter"]
	assert.Equal(t, map[string]interface{}{"term": map[string]interface{}{"shared": true}}, filter)

	own := buildSearchBody(FileQuery{Text: "cat", Fingerprint: "fp", Wildcard: true, Size: 5})
	b := own["query"].(map[string]interface{})["bool"].(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"term": map[string]interface{}{"user_fingerprint": "fp"}}, b["filter"])
	assert.Contains(t, b["must"], "wildcard")
}
