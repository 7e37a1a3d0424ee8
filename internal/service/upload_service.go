// Package service 包含了应用的业务逻辑层。
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"

	"tgstate-go/internal/config"
	"tgstate-go/internal/model"
	"tgstate-go/internal/repository"
	"tgstate-go/pkg/log"
	"tgstate-go/pkg/retry"
	"tgstate-go/pkg/storage"
	"tgstate-go/pkg/tasks"
	"tgstate-go/pkg/token"
)

const (
	// sniffLen 是用于识别内容类型的头部字节数，与 mimetype 的默认读取上限一致。
	sniffLen = 3072
	// mergePollInterval 是等待他人合并时的轮询间隔。
	mergePollInterval = 50 * time.Millisecond
	shortCodeLength   = 6
	shortCodeAttempts = 10
)

// EventPublisher 发布上传完成事件，实现见 pkg/kafka。
type EventPublisher interface {
	PublishFileUploaded(ctx context.Context, evt tasks.FileUploadedEvent) error
}

// SingleUploadInput 是单次上传的参数。
type SingleUploadInput struct {
	FileName        string
	Size            int64
	Body            io.Reader
	IP              string
	UserFingerprint string
	Shared          bool
}

// InitUploadInput 是显式创建上传会话的参数。
type InitUploadInput struct {
	FileName        string
	FileSize        int64
	UserFingerprint string
}

// ChunkUploadInput 是分片上传的参数，UploadID 为空时由服务端分配。
type ChunkUploadInput struct {
	UploadID        string
	FileName        string
	FileSize        int64
	ChunkIndex      int
	Body            io.Reader
	UserFingerprint string
}

// ChunkUploadResult 是分片上传的结果。会话已合并时 Result 为合并的终态结果，分片被丢弃。
type ChunkUploadResult struct {
	UploadID string
	ChunkID  string
	Uploaded []int
	Result   *model.UploadResult
}

// MergeInput 是合并请求的参数。TotalChunks 由客户端提交的 chunkIds 个数决定。
type MergeInput struct {
	UploadID        string
	FileName        string
	TotalChunks     int
	FileSize        int64
	UserFingerprint string
	Shared          bool
	IP              string
}

// UploadStatus 描述一个会话的当前状态；已合并的会话只有 Result。
type UploadStatus struct {
	Session *model.UploadSession
	Result  *model.UploadResult
}

// UploadService 接口定义了文件上传相关的业务操作。
type UploadService interface {
	UploadSingle(ctx context.Context, in SingleUploadInput) (*model.UploadResult, error)
	InitUpload(ctx context.Context, in InitUploadInput) (string, error)
	UploadChunk(ctx context.Context, in ChunkUploadInput) (*ChunkUploadResult, error)
	GetUploadStatus(ctx context.Context, uploadID string) (*UploadStatus, error)
	Merge(ctx context.Context, in MergeInput) (*model.UploadResult, error)
	// ExpireStale 清理超过 TTL 未活动的会话并释放它们的分片，返回被清理的会话 ID。
	ExpireStale(ctx context.Context, now time.Time) ([]string, error)
}

type uploadService struct {
	sessions   repository.SessionRepository
	records    repository.RecordRepository
	shortLinks repository.ShortLinkRepository
	chunks     storage.ChunkStore
	objects    storage.ObjectStore
	publisher  EventPublisher
	cfg        config.UploadConfig
	allowed    map[string]struct{}
}

// NewUploadService 创建一个新的 UploadService 实例。publisher 可以为 nil。
func NewUploadService(
	sessions repository.SessionRepository,
	records repository.RecordRepository,
	shortLinks repository.ShortLinkRepository,
	chunks storage.ChunkStore,
	objects storage.ObjectStore,
	publisher EventPublisher,
	cfg config.UploadConfig,
) UploadService {
	return &uploadService{
		sessions:   sessions,
		records:    records,
		shortLinks: shortLinks,
		chunks:     chunks,
		objects:    objects,
		publisher:  publisher,
		cfg:        cfg,
		allowed:    parseAllowedExts(cfg.AllowedExts),
	}
}

func parseAllowedExts(exts string) map[string]struct{} {
	allowed := make(map[string]struct{})
	for _, ext := range strings.Split(exts, ",") {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = struct{}{}
	}
	return allowed
}

// sanitizeFileName 去掉路径部分和控制字符，结果可以安全地用作对象名的一部分。
func sanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == "/" || name == ".." {
		return ""
	}
	if len(name) > 255 {
		ext := path.Ext(name)
		if len(ext) > 32 {
			ext = ""
		}
		name = name[:255-len(ext)] + ext
	}
	return name
}

// checkFileName 清理文件名并校验扩展名白名单。
func (s *uploadService) checkFileName(name string) (string, error) {
	clean := sanitizeFileName(name)
	if clean == "" {
		return "", invalidf("文件名不能为空")
	}
	if len(s.allowed) > 0 {
		if _, ok := s.allowed[strings.ToLower(path.Ext(clean))]; !ok {
			return "", invalidf("不支持的文件类型: %s", clean)
		}
	}
	return clean, nil
}

func objectKey(fileID, fileName string) string {
	return "files/" + fileID + "/" + fileName
}

// sniff 读取头部字节识别内容类型，并返回一个仍包含完整内容的 Reader。
func sniff(r io.Reader) (string, io.Reader, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", nil, err
	}
	head = head[:n]
	return mimetype.Detect(head).String(), io.MultiReader(bytes.NewReader(head), r), nil
}

// mapStoreErr 把存储层错误归类为服务层错误。
func mapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrStorageFull),
		errors.Is(err, storage.ErrChunkMissing),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %v", ErrDurableStore, err)
}

func retryableStoreErr(err error) bool {
	return !errors.Is(err, storage.ErrChunkMissing) &&
		!errors.Is(err, storage.ErrStorageFull) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func mapSessionErr(err error) error {
	switch {
	case errors.Is(err, repository.ErrSessionNotFound):
		return ErrSessionNotFound
	case errors.Is(err, repository.ErrAlreadyMerged):
		return ErrAlreadyMerged
	case errors.Is(err, repository.ErrInvalidChunkIndex):
		return invalidf("分片序号不能为负数")
	}
	return err
}

func (s *uploadService) retryPolicy() retry.Policy {
	if s.cfg.Retry.MaxAttempts <= 0 {
		return retry.DefaultPolicy()
	}
	return retry.Policy{
		MaxAttempts:  s.cfg.Retry.MaxAttempts,
		InitialDelay: s.cfg.Retry.InitialDelay,
		MaxDelay:     s.cfg.Retry.MaxDelay,
	}
}

func optionalFingerprint(fp string) *string {
	fp = strings.TrimSpace(fp)
	if fp == "" {
		return nil
	}
	return &fp
}

// UploadSingle 处理小于阈值的单次上传：直接写入持久存储并追加记录。
func (s *uploadService) UploadSingle(ctx context.Context, in SingleUploadInput) (*model.UploadResult, error) {
	if in.Size > s.cfg.SingleMaxSize {
		return nil, fmt.Errorf("%w: %s 超过单次上传上限 %s，请使用分片上传",
			ErrFileTooLarge, humanize.IBytes(uint64(in.Size)), humanize.IBytes(uint64(s.cfg.SingleMaxSize)))
	}
	name, err := s.checkFileName(in.FileName)
	if err != nil {
		return nil, err
	}

	tooLarge := fmt.Errorf("%w: 超过单次上传上限 %s", ErrFileTooLarge, humanize.IBytes(uint64(s.cfg.SingleMaxSize)))
	contentType, body, err := sniff(storage.LimitReader(in.Body, s.cfg.SingleMaxSize))
	if errors.Is(err, storage.ErrTooLarge) {
		return nil, tooLarge
	}
	if err != nil {
		return nil, invalidf("读取上传内容失败: %v", err)
	}

	fileID := token.NewFileID()
	key := objectKey(fileID, name)
	sizeHint := int64(-1)
	if in.Size > 0 {
		sizeHint = in.Size
	}
	n, err := s.objects.PutObject(ctx, key, body, sizeHint, contentType)
	if errors.Is(err, storage.ErrTooLarge) {
		return nil, tooLarge
	}
	if err != nil {
		log.Errorf("[UploadSingle] 写入持久存储失败, key: %s, error: %v", key, err)
		return nil, mapStoreErr(err)
	}

	record := &model.FileRecord{
		FileID:          fileID,
		Filename:        name,
		ObjectKey:       key,
		Size:            n,
		ContentType:     contentType,
		IP:              in.IP,
		UserFingerprint: optionalFingerprint(in.UserFingerprint),
		Shared:          in.Shared,
		Source:          model.SourceSingle,
		Time:            time.Now().UTC(),
	}
	if err := s.records.Append(ctx, record); err != nil {
		log.Errorf("[UploadSingle] 追加文件记录失败, fileID: %s, error: %v", fileID, err)
		s.removeObject(ctx, key)
		return nil, fmt.Errorf("%w: 写入文件记录失败: %v", ErrDurableStore, err)
	}

	result := &model.UploadResult{Record: *record, ShortCode: s.createShortLink(ctx, fileID)}
	s.publish(ctx, record)
	log.Infof("[UploadSingle] 上传成功, fileID: %s, 文件名: %s, 大小: %s", fileID, name, humanize.IBytes(uint64(n)))
	return result, nil
}

// InitUpload 显式创建一个上传会话。
func (s *uploadService) InitUpload(ctx context.Context, in InitUploadInput) (string, error) {
	name, err := s.checkFileName(in.FileName)
	if err != nil {
		return "", err
	}
	if in.FileSize < 0 {
		return "", invalidf("文件大小不能为负数")
	}
	id, err := s.sessions.BeginOrGet(ctx, "", repository.SessionMeta{
		FileName:        name,
		FileSize:        in.FileSize,
		UserFingerprint: strings.TrimSpace(in.UserFingerprint),
	})
	if err != nil {
		return "", mapSessionErr(err)
	}
	log.Infof("[InitUpload] 创建上传会话, uploadID: %s, 文件名: %s, 大小: %s", id, name, humanize.IBytes(uint64(in.FileSize)))
	return id, nil
}

// UploadChunk 保存一个分片并登记到会话中。同一序号重复上传会覆盖之前的内容。
func (s *uploadService) UploadChunk(ctx context.Context, in ChunkUploadInput) (*ChunkUploadResult, error) {
	if in.ChunkIndex < 0 {
		return nil, invalidf("分片序号不能为负数")
	}
	if s.cfg.MaxChunks > 0 && in.ChunkIndex >= s.cfg.MaxChunks {
		return nil, invalidf("分片序号 %d 超过上限 %d", in.ChunkIndex, s.cfg.MaxChunks)
	}
	if in.UploadID != "" && !token.ValidUploadID(in.UploadID) {
		return nil, invalidf("无效的 uploadId")
	}
	name := ""
	if in.FileName != "" {
		var err error
		if name, err = s.checkFileName(in.FileName); err != nil {
			return nil, err
		}
	}

	id, err := s.sessions.BeginOrGet(ctx, in.UploadID, repository.SessionMeta{
		FileName:        name,
		FileSize:        in.FileSize,
		UserFingerprint: strings.TrimSpace(in.UserFingerprint),
	})
	if err != nil {
		if errors.Is(err, repository.ErrAlreadyMerged) {
			return s.lateChunk(ctx, in.UploadID, in.ChunkIndex)
		}
		return nil, mapSessionErr(err)
	}

	// 超过上限的分片整体作废，同一序号之前保存的内容保持不变
	n, err := s.chunks.Put(ctx, id, in.ChunkIndex, storage.LimitReader(in.Body, s.cfg.MaxChunkSize))
	if errors.Is(err, storage.ErrTooLarge) {
		return nil, fmt.Errorf("%w: 分片超过上限 %s", ErrFileTooLarge, humanize.IBytes(uint64(s.cfg.MaxChunkSize)))
	}
	if err != nil {
		log.Errorf("[UploadChunk] 保存分片失败, uploadID: %s, 分片序号: %d, error: %v", id, in.ChunkIndex, err)
		return nil, mapStoreErr(err)
	}

	if err := s.sessions.RecordChunk(ctx, id, in.ChunkIndex, n); err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) || errors.Is(err, repository.ErrAlreadyMerged) {
			// 会话在写入期间过期或已合并，刚写入的字节不会再被使用
			if purgeErr := s.chunks.Purge(ctx, id); purgeErr != nil {
				log.Warnf("[UploadChunk] 清理孤立分片失败, uploadID: %s, error: %v", id, purgeErr)
			}
		}
		if errors.Is(err, repository.ErrAlreadyMerged) {
			return s.lateChunk(ctx, id, in.ChunkIndex)
		}
		return nil, mapSessionErr(err)
	}

	uploaded, err := s.sessions.Received(ctx, id)
	if err != nil {
		return nil, err
	}
	log.Debugf("[UploadChunk] 分片上传成功, uploadID: %s, 分片序号: %d, 大小: %s, 已收到: %d",
		id, in.ChunkIndex, humanize.IBytes(uint64(n)), len(uploaded))
	return &ChunkUploadResult{
		UploadID: id,
		ChunkID:  id + ":" + strconv.Itoa(in.ChunkIndex),
		Uploaded: uploaded,
	}, nil
}

// lateChunk 处理合并完成之后才到达的分片：丢弃分片并返回合并的结果。
func (s *uploadService) lateChunk(ctx context.Context, uploadID string, index int) (*ChunkUploadResult, error) {
	result, err := s.sessions.Result(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, ErrAlreadyMerged
	}
	log.Infof("[UploadChunk] 会话已合并，忽略分片并返回已有结果, uploadID: %s, 分片序号: %d", uploadID, index)
	return &ChunkUploadResult{
		UploadID: uploadID,
		ChunkID:  uploadID + ":" + strconv.Itoa(index),
		Uploaded: []int{},
		Result:   result,
	}, nil
}

// GetUploadStatus 返回会话的进度；已合并的会话返回终态结果。
func (s *uploadService) GetUploadStatus(ctx context.Context, uploadID string) (*UploadStatus, error) {
	if !token.ValidUploadID(uploadID) {
		return nil, invalidf("无效的 uploadId")
	}
	session, err := s.sessions.Get(ctx, uploadID)
	if err == nil {
		return &UploadStatus{Session: session}, nil
	}
	if !errors.Is(err, repository.ErrSessionNotFound) {
		return nil, err
	}
	result, err := s.sessions.Result(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, ErrSessionNotFound
	}
	return &UploadStatus{Result: result}, nil
}

// Merge 按序号把分片流式写入持久存储，成功后追加记录、写入终态结果并释放分片。
// 同一个会话同一时刻只有一个合并在执行；重复合并返回第一次的结果。
func (s *uploadService) Merge(ctx context.Context, in MergeInput) (*model.UploadResult, error) {
	if !token.ValidUploadID(in.UploadID) {
		return nil, invalidf("无效的 uploadId")
	}
	if in.TotalChunks <= 0 {
		return nil, invalidf("chunkIds 不能为空")
	}
	if s.cfg.MaxChunks > 0 && in.TotalChunks > s.cfg.MaxChunks {
		return nil, invalidf("分片数 %d 超过上限 %d", in.TotalChunks, s.cfg.MaxChunks)
	}

	if result, err := s.sessions.Result(ctx, in.UploadID); err != nil {
		return nil, err
	} else if result != nil {
		log.Infof("[Merge] 会话已合并，返回已有结果, uploadID: %s, fileID: %s", in.UploadID, result.Record.FileID)
		return result, nil
	}

	owner, result, err := s.acquireMergeLock(ctx, in.UploadID)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}
	defer func() {
		if err := s.sessions.ReleaseLock(context.WithoutCancel(ctx), in.UploadID, owner); err != nil {
			log.Warnf("[Merge] 释放合并锁失败, uploadID: %s, error: %v", in.UploadID, err)
		}
	}()

	// 拿到锁之后再确认一次，前一个持锁者可能刚刚完成
	if result, err := s.sessions.Result(ctx, in.UploadID); err != nil {
		return nil, err
	} else if result != nil {
		return result, nil
	}

	// 前一次合并已追加记录但没能写入终态结果，补完剩下的步骤
	existing, err := s.records.FindByUploadID(ctx, in.UploadID)
	if err == nil {
		log.Infof("[Merge] 记录已存在，补写终态结果, uploadID: %s, fileID: %s", in.UploadID, existing.FileID)
		return s.finishMerge(ctx, in.UploadID, existing, s.existingShortCode(ctx, existing.FileID))
	}
	if !errors.Is(err, repository.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: 查询文件记录失败: %v", ErrDurableStore, err)
	}

	complete, missing, unexpected, err := s.sessions.IsComplete(ctx, in.UploadID, in.TotalChunks)
	if err != nil {
		return nil, mapSessionErr(err)
	}
	if !complete {
		return nil, &IncompleteUploadError{Missing: missing, Unexpected: unexpected}
	}
	session, err := s.sessions.Get(ctx, in.UploadID)
	if err != nil {
		return nil, mapSessionErr(err)
	}

	fileName := in.FileName
	if fileName == "" {
		fileName = session.FileName
	}
	name, err := s.checkFileName(fileName)
	if err != nil {
		return nil, err
	}
	fingerprint := in.UserFingerprint
	if strings.TrimSpace(fingerprint) == "" {
		fingerprint = session.UserFingerprint
	}

	log.Infof("[Merge] 开始合并, uploadID: %s, 文件名: %s, 分片数: %d", in.UploadID, name, in.TotalChunks)
	fileID := token.NewFileID()
	key := objectKey(fileID, name)

	mergeCtx, watch := s.watchLock(ctx, in.UploadID, owner)
	var (
		size        int64
		contentType string
	)
	err = retry.Do(mergeCtx, s.retryPolicy(), func(attempt int) error {
		// 每次尝试都使用新的分片序列
		seq := storage.InOrder(mergeCtx, s.chunks, in.UploadID, in.TotalChunks)
		defer seq.Close()

		ct, body, err := sniff(seq)
		if err != nil {
			return err
		}
		if _, err := s.objects.PutObject(mergeCtx, key, body, -1, ct); err != nil {
			log.Warnf("[Merge] 第 %d 次写入持久存储失败, uploadID: %s, error: %v", attempt, in.UploadID, err)
			return err
		}
		size, contentType = seq.BytesRead(), ct
		return nil
	}, retryableStoreErr)
	lost := watch.stop()
	if lost {
		s.removeObject(ctx, key)
		return s.mergedElsewhere(ctx, in.UploadID)
	}
	if err != nil {
		log.Errorf("[Merge] 合并失败，会话保留以便重试, uploadID: %s, error: %v", in.UploadID, err)
		return nil, mapStoreErr(err)
	}

	// 追加记录前确认锁仍在自己手中，锁过期后其他请求可能已经开始合并
	held, err := s.sessions.RenewLock(ctx, in.UploadID, owner, s.cfg.MergeLockTTL)
	if err != nil || !held {
		log.Warnf("[Merge] 合并锁已丢失，放弃本次合并, uploadID: %s, error: %v", in.UploadID, err)
		s.removeObject(ctx, key)
		return s.mergedElsewhere(ctx, in.UploadID)
	}

	if in.FileSize > 0 && size != in.FileSize {
		log.Warnw("[Merge] 实际大小与客户端声明不一致",
			"uploadID", in.UploadID, "declared", humanize.IBytes(uint64(in.FileSize)), "actual", humanize.IBytes(uint64(size)))
	}

	uploadID := in.UploadID
	record := &model.FileRecord{
		FileID:          fileID,
		Filename:        name,
		ObjectKey:       key,
		Size:            size,
		ContentType:     contentType,
		IP:              in.IP,
		UserFingerprint: optionalFingerprint(fingerprint),
		Shared:          in.Shared,
		Source:          model.SourceMerge,
		UploadID:        &uploadID,
		Time:            time.Now().UTC(),
	}
	if err := s.records.Append(ctx, record); err != nil {
		s.removeObject(ctx, key)
		if errors.Is(err, repository.ErrDuplicateUpload) {
			log.Warnf("[Merge] 会话已有文件记录，放弃本次合并, uploadID: %s", in.UploadID)
			return s.mergedElsewhere(ctx, in.UploadID)
		}
		log.Errorf("[Merge] 追加文件记录失败, uploadID: %s, error: %v", in.UploadID, err)
		return nil, fmt.Errorf("%w: 写入文件记录失败: %v", ErrDurableStore, err)
	}

	return s.finishMerge(ctx, in.UploadID, record, s.createShortLink(ctx, fileID))
}

// finishMerge 写入终态结果、释放分片并发送事件。终态结果写入失败时保留分片并返回 ErrDurableStore，
// 记录已追加，重试的合并会从这里继续。
func (s *uploadService) finishMerge(ctx context.Context, uploadID string, record *model.FileRecord, shortCode string) (*model.UploadResult, error) {
	result := &model.UploadResult{Record: *record, ShortCode: shortCode}

	// 终态结果必须先于分片释放写入
	err := retry.Do(context.WithoutCancel(ctx), s.retryPolicy(), func(int) error {
		return s.sessions.Complete(context.WithoutCancel(ctx), uploadID, result)
	}, nil)
	if err != nil {
		log.Errorf("[Merge] 写入终态结果失败，保留分片, uploadID: %s, error: %v", uploadID, err)
		return nil, fmt.Errorf("%w: 写入终态结果失败: %v", ErrDurableStore, err)
	}
	if err := s.chunks.Purge(context.WithoutCancel(ctx), uploadID); err != nil {
		log.Warnf("[Merge] 释放分片失败, uploadID: %s, error: %v", uploadID, err)
	}

	s.publish(ctx, record)
	log.Infof("[Merge] 合并成功, uploadID: %s, fileID: %s, 大小: %s", uploadID, record.FileID, humanize.IBytes(uint64(record.Size)))
	return result, nil
}

// existingShortCode 返回文件已有的短链码，没有时重新生成。
func (s *uploadService) existingShortCode(ctx context.Context, fileID string) string {
	if s.shortLinks == nil {
		return ""
	}
	link, err := s.shortLinks.FindByFileID(ctx, fileID)
	if err == nil {
		return link.ShortCode
	}
	if !errors.Is(err, repository.ErrShortLinkNotFound) {
		log.Error("[ShortLink] 查询短链失败", err)
		return ""
	}
	return s.createShortLink(ctx, fileID)
}

// mergedElsewhere 在本次合并让位给其他请求之后等待并返回对方的结果，最多等待 MergeWait。
func (s *uploadService) mergedElsewhere(ctx context.Context, uploadID string) (*model.UploadResult, error) {
	deadline := time.Now().Add(s.cfg.MergeWait)
	for {
		result, err := s.sessions.Result(ctx, uploadID)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
		if !time.Now().Before(deadline) {
			return nil, ErrAlreadyMerging
		}
		if err := pause(ctx, mergePollInterval); err != nil {
			return nil, err
		}
	}
}

func pause(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// lockWatch 在合并期间定期续期合并锁。
type lockWatch struct {
	cancel context.CancelFunc
	done   chan struct{}
	lost   atomic.Bool
}

// watchLock 每隔 MergeLockTTL/3 续期一次合并锁，锁丢失时取消返回的 ctx。
func (s *uploadService) watchLock(ctx context.Context, uploadID, owner string) (context.Context, *lockWatch) {
	ctx, cancel := context.WithCancel(ctx)
	w := &lockWatch{cancel: cancel, done: make(chan struct{})}
	interval := s.cfg.MergeLockTTL / 3
	if interval <= 0 {
		interval = mergePollInterval
	}

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			ok, err := s.sessions.RenewLock(ctx, uploadID, owner, s.cfg.MergeLockTTL)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				// 下一次续期或追加记录前的检查会发现真正丢失的锁
				log.Warnf("[Merge] 续期合并锁失败, uploadID: %s, error: %v", uploadID, err)
				continue
			}
			if !ok {
				log.Warnf("[Merge] 合并锁已过期并被他人持有，中止合并, uploadID: %s", uploadID)
				w.lost.Store(true)
				cancel()
				return
			}
		}
	}()
	return ctx, w
}

// stop 停止续期并返回锁是否在合并期间丢失。
func (w *lockWatch) stop() bool {
	w.cancel()
	<-w.done
	return w.lost.Load()
}

// acquireMergeLock 获取合并锁。锁被占用时等待持锁者完成：
// 对方成功则直接返回其结果，对方失败释放锁后由本次请求接手，等待超时返回 ErrAlreadyMerging。
func (s *uploadService) acquireMergeLock(ctx context.Context, uploadID string) (string, *model.UploadResult, error) {
	deadline := time.Now().Add(s.cfg.MergeWait)
	for {
		owner, ok, err := s.sessions.AcquireLock(ctx, uploadID, s.cfg.MergeLockTTL)
		if err != nil {
			return "", nil, err
		}
		if ok {
			return owner, nil, nil
		}

		result, err := s.sessions.Result(ctx, uploadID)
		if err != nil {
			return "", nil, err
		}
		if result != nil {
			return "", result, nil
		}
		if !time.Now().Before(deadline) {
			return "", nil, ErrAlreadyMerging
		}

		if err := pause(ctx, mergePollInterval); err != nil {
			return "", nil, err
		}
	}
}

// ExpireStale 清理过期会话并释放分片。
func (s *uploadService) ExpireStale(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := s.sessions.ExpireStale(ctx, now, s.cfg.SessionTTL)
	for _, id := range ids {
		if purgeErr := s.chunks.Purge(ctx, id); purgeErr != nil {
			log.Warnf("[ExpireStale] 释放分片失败, uploadID: %s, error: %v", id, purgeErr)
		}
	}
	if len(ids) > 0 {
		log.Infof("[ExpireStale] 清理过期会话 %d 个", len(ids))
	}
	return ids, err
}

// createShortLink 为文件生成唯一短链码，冲突时重新生成。失败只记日志，不影响上传结果。
func (s *uploadService) createShortLink(ctx context.Context, fileID string) string {
	if s.shortLinks == nil {
		return ""
	}
	for i := 0; i < shortCodeAttempts; i++ {
		code, err := token.ShortCode(shortCodeLength)
		if err != nil {
			log.Error("[ShortLink] 生成短链码失败", err)
			return ""
		}
		exists, err := s.shortLinks.Exists(ctx, code)
		if err != nil {
			log.Error("[ShortLink] 查询短链码失败", err)
			return ""
		}
		if exists {
			continue
		}
		if err := s.shortLinks.Create(ctx, &model.ShortLink{ShortCode: code, FileID: fileID}); err != nil {
			log.Warnf("[ShortLink] 创建短链失败，重试, code: %s, error: %v", code, err)
			continue
		}
		return code
	}
	log.Errorf("[ShortLink] 多次尝试后仍无法生成唯一短链码, fileID: %s", fileID)
	return ""
}

func (s *uploadService) removeObject(ctx context.Context, key string) {
	if err := s.objects.RemoveObject(context.WithoutCancel(ctx), key); err != nil {
		log.Warnf("删除对象失败, key: %s, error: %v", key, err)
	}
}

// publish 发送上传完成事件，失败只记日志。
func (s *uploadService) publish(ctx context.Context, record *model.FileRecord) {
	if s.publisher == nil {
		return
	}
	evt := tasks.FileUploadedEvent{
		FileID:          record.FileID,
		Filename:        record.Filename,
		Size:            record.Size,
		ContentType:     record.ContentType,
		UserFingerprint: record.Fingerprint(),
		Shared:          record.Shared,
		Source:          record.Source,
		UploadedAt:      record.Time,
	}
	if err := s.publisher.PublishFileUploaded(ctx, evt); err != nil {
		log.Warnf("发送上传完成事件失败, fileID: %s, error: %v", record.FileID, err)
	}
}
