// Package pipeline 定义了上传完成事件的处理流程。
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"tgstate-go/internal/model"
	"tgstate-go/pkg/log"
	"tgstate-go/pkg/tasks"
)

// Indexer 把文件文档写入检索索引，实现见 pkg/es。
type Indexer interface {
	IndexFile(ctx context.Context, doc model.FileDocument) error
}

// Processor 把上传完成事件投影到 Elasticsearch。
// 文档以 fileId 为 ID，重复消费同一事件是幂等的。
type Processor struct {
	indexer Indexer
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(indexer Indexer) *Processor {
	return &Processor{indexer: indexer}
}

// Process 处理一条上传完成事件。
func (p *Processor) Process(ctx context.Context, evt tasks.FileUploadedEvent) error {
	if evt.FileID == "" {
		return errors.New("事件缺少 fileId")
	}
	log.Infof("[Processor] 开始索引文件, fileID: %s, 文件名: %s", evt.FileID, evt.Filename)

	doc := model.FileDocument{
		FileID:          evt.FileID,
		Filename:        evt.Filename,
		Size:            evt.Size,
		ContentType:     evt.ContentType,
		UserFingerprint: evt.UserFingerprint,
		Shared:          evt.Shared,
		Source:          evt.Source,
		UploadedAt:      evt.UploadedAt,
	}
	if err := p.indexer.IndexFile(ctx, doc); err != nil {
		log.Errorf("[Processor] 索引文件失败, fileID: %s, error: %v", evt.FileID, err)
		return fmt.Errorf("索引文件失败: %w", err)
	}

	log.Infof("[Processor] 文件索引成功, fileID: %s", evt.FileID)
	return nil
}
