// Package es 提供了与 Elasticsearch 交互的客户端功能。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"tgstate-go/internal/config"
	"tgstate-go/internal/model"
	"tgstate-go/pkg/log"
)

// indexMapping 是文件投影索引的结构，filename 同时保留分词字段和 keyword 子字段。
const indexMapping = `{
	"mappings": {
		"properties": {
			"file_id": { "type": "keyword" },
			"filename": {
				"type": "text",
				"fields": { "keyword": { "type": "keyword", "ignore_above": 256 } }
			},
			"size": { "type": "long" },
			"content_type": { "type": "keyword" },
			"user_fingerprint": { "type": "keyword" },
			"shared": { "type": "boolean" },
			"source": { "type": "keyword" },
			"uploaded_at": { "type": "date" }
		}
	}
}`

// FileQuery 描述一次文件名检索。
type FileQuery struct {
	Text string
	// Fingerprint 非空时检索该指纹的文件，否则只检索 shared 的文件
	Fingerprint string
	// Wildcard 为 true 时对 filename.keyword 做不区分大小写的子串匹配
	Wildcard bool
	From     int
	Size     int
}

// Client 封装 Elasticsearch 客户端与索引名。
type Client struct {
	es        *elasticsearch.Client
	indexName string
}

// NewClient 创建 Elasticsearch 客户端。
func NewClient(esCfg config.ElasticsearchConfig) (*Client, error) {
	addresses := make([]string, 0)
	for _, addr := range strings.Split(esCfg.Addresses, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			addresses = append(addresses, addr)
		}
	}
	cfg := elasticsearch.Config{
		Addresses: addresses,
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{es: client, indexName: esCfg.IndexName}, nil
}

// EnsureIndex 检查索引是否存在，如果不存在则创建它
func (c *Client) EnsureIndex(ctx context.Context) error {
	res, err := c.es.Indices.Exists([]string{c.indexName}, c.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		log.Errorf("检查索引是否存在时出错: %v", err)
		return err
	}
	res.Body.Close()
	// 如果 res.StatusCode 是 200，说明索引已存在
	if res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", c.indexName)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	res, err = c.es.Indices.Create(
		c.indexName,
		c.es.Indices.Create.WithContext(ctx),
		c.es.Indices.Create.WithBody(strings.NewReader(indexMapping)),
	)
	if err != nil {
		log.Errorf("创建索引 '%s' 失败: %v", c.indexName, err)
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		log.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", c.indexName, res.String())
		return errors.New("创建索引时 Elasticsearch 返回错误")
	}

	log.Infof("索引 '%s' 创建成功", c.indexName)
	return nil
}

// IndexFile 以 file_id 为文档 ID 写入（覆盖）一个文件文档。
func (c *Client) IndexFile(ctx context.Context, doc model.FileDocument) error {
	docBytes, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	req := esapi.IndexRequest{
		Index:      c.indexName,
		DocumentID: doc.FileID,
		Body:       bytes.NewReader(docBytes),
		Refresh:    "true",
	}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		log.Errorf("索引文档到 Elasticsearch 出错: %s", res.String())
		return errors.New("failed to index document")
	}
	return nil
}

// buildSearchBody 构建检索请求体。
func buildSearchBody(q FileQuery) map[string]interface{} {
	var must map[string]interface{}
	if q.Wildcard {
		must = map[string]interface{}{
			"wildcard": map[string]interface{}{
				"filename.keyword": map[string]interface{}{
					"value":            "*" + q.Text + "*",
					"case_insensitive": true,
				},
			},
		}
	} else {
		must = map[string]interface{}{
			"match": map[string]interface{}{
				"filename": map[string]interface{}{
					"query":     q.Text,
					"fuzziness": "AUTO",
				},
			},
		}
	}

	var filter map[string]interface{}
	if q.Fingerprint != "" {
		filter = map[string]interface{}{"term": map[string]interface{}{"user_fingerprint": q.Fingerprint}}
	} else {
		filter = map[string]interface{}{"term": map[string]interface{}{"shared": true}}
	}

	return map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must":   must,
				"filter": filter,
			},
		},
		"sort": []interface{}{
			"_score",
			map[string]interface{}{"uploaded_at": "desc"},
		},
		"from": q.From,
		"size": q.Size,
	}
}

// SearchFiles 按文件名检索，返回命中的文档与总数。
func (c *Client) SearchFiles(ctx context.Context, q FileQuery) ([]model.SearchHit, int64, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(buildSearchBody(q)); err != nil {
		return nil, 0, fmt.Errorf("failed to encode es query: %w", err)
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.indexName),
		c.es.Search.WithBody(&buf),
		c.es.Search.WithTrackTotalHits(true),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("elasticsearch search failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		log.Errorf("Elasticsearch 返回错误, status: %s, body: %s", res.Status(), string(bodyBytes))
		return nil, 0, fmt.Errorf("elasticsearch returned an error: %s", res.Status())
	}

	var esResponse struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source model.FileDocument `json:"_source"`
				Score  float64            `json:"_score"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&esResponse); err != nil {
		return nil, 0, fmt.Errorf("failed to decode es response: %w", err)
	}

	hits := make([]model.SearchHit, 0, len(esResponse.Hits.Hits))
	for _, h := range esResponse.Hits.Hits {
		hits = append(hits, model.SearchHit{FileDocument: h.Source, Score: h.Score})
	}
	return hits, esResponse.Hits.Total.Value, nil
}

// Ping 检查集群是否可用。
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch ping failed: %s", res.Status())
	}
	return nil
}
