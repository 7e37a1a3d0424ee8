// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"tgstate-go/internal/model"
	"tgstate-go/pkg/token"
)

var (
	// ErrSessionNotFound 表示会话不存在、已过期或从未创建。
	ErrSessionNotFound = errors.New("upload session not found")
	// ErrAlreadyMerged 表示会话已经合并完成，终态结果仍在保留期内。
	ErrAlreadyMerged = errors.New("upload session already merged")
	// ErrInvalidChunkIndex 表示分片序号为负数。
	ErrInvalidChunkIndex = errors.New("invalid chunk index")
)

// SessionMeta 是创建会话时记录的元数据。
type SessionMeta struct {
	FileName        string
	FileSize        int64
	UserFingerprint string
}

// SessionRepository 定义了上传会话注册表的操作，数据保存在 Redis 中。
type SessionRepository interface {
	// BeginOrGet 返回一个存活的会话 ID。uploadID 为空时分配新的 ID；
	// 未知的 uploadID 会被惰性创建，已过期的返回 ErrSessionNotFound。
	BeginOrGet(ctx context.Context, uploadID string, meta SessionMeta) (string, error)
	// RecordChunk 在分片字节落盘之后登记该分片。
	RecordChunk(ctx context.Context, uploadID string, index int, size int64) error
	Get(ctx context.Context, uploadID string) (*model.UploadSession, error)
	// Received 返回已登记的分片序号（升序）。
	Received(ctx context.Context, uploadID string) ([]int, error)
	// IsComplete 判断已收到的分片是否恰好为 [0, total)，并给出缺失与多余的序号。
	IsComplete(ctx context.Context, uploadID string, total int) (complete bool, missing, unexpected []int, err error)
	// ExpireStale 清理 now - lastActivityAt > ttl 的会话，返回被清理的会话 ID。
	// 正在合并（持有锁）的会话不会被清理。
	ExpireStale(ctx context.Context, now time.Time, ttl time.Duration) ([]string, error)

	AcquireLock(ctx context.Context, uploadID string, ttl time.Duration) (owner string, ok bool, err error)
	// RenewLock 在锁仍由 owner 持有时把过期时间重置为 ttl，返回 false 表示锁已丢失。
	RenewLock(ctx context.Context, uploadID, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, uploadID, owner string) error

	// Complete 原子地写入终态结果并删除会话状态，调用方随后才能释放分片字节。
	Complete(ctx context.Context, uploadID string, result *model.UploadResult) error
	// Result 返回已合并会话的终态结果，不存在时返回 (nil, nil)。
	Result(ctx context.Context, uploadID string) (*model.UploadResult, error)
}

type sessionRepository struct {
	rdb       *redis.Client
	prefix    string
	retention time.Duration
}

// NewSessionRepository 创建一个新的 SessionRepository 实例。
// retention 决定终态结果和过期标记保留多久。
func NewSessionRepository(rdb *redis.Client, keyPrefix string, retention time.Duration) SessionRepository {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &sessionRepository{rdb: rdb, prefix: keyPrefix, retention: retention}
}

func (r *sessionRepository) key(kind, uploadID string) string {
	if uploadID == "" {
		return r.prefix + ":upload:" + kind
	}
	return r.prefix + ":upload:" + kind + ":" + uploadID
}

func (r *sessionRepository) sessionKey(id string) string { return r.key("session", id) }
func (r *sessionRepository) chunksKey(id string) string  { return r.key("chunks", id) }
func (r *sessionRepository) sizesKey(id string) string   { return r.key("sizes", id) }
func (r *sessionRepository) lockKey(id string) string    { return r.key("lock", id) }
func (r *sessionRepository) resultKey(id string) string  { return r.key("result", id) }
func (r *sessionRepository) expiredKey(id string) string { return r.key("expired", id) }
func (r *sessionRepository) activityKey() string         { return r.key("activity", "") }

// 返回值：1 成功，-1 已过期，-2 已合并
var beginScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then return -2 end
if redis.call('EXISTS', KEYS[4]) == 1 then return -1 end
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('HSET', KEYS[1], 'fileName', ARGV[3], 'fileSize', ARGV[4], 'fingerprint', ARGV[5], 'createdAt', ARGV[2], 'status', 'open')
end
redis.call('HSET', KEYS[1], 'lastActivityAt', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// 返回值：1 成功，-1 会话不存在，-2 已合并
var recordChunkScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[5]) == 1 then return -2 end
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
redis.call('SETBIT', KEYS[2], ARGV[1], 1)
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[1], 'lastActivityAt', ARGV[3])
redis.call('ZADD', KEYS[4], ARGV[3], ARGV[4])
return 1
`)

var expireScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[5]) == 1 then return 0 end
local last = redis.call('ZSCORE', KEYS[4], ARGV[1])
if last and tonumber(last) >= tonumber(ARGV[2]) then return 0 end
redis.call('DEL', KEYS[1], KEYS[2], KEYS[3])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('SET', KEYS[6], '1', 'PX', ARGV[3])
return 1
`)

var acquireLockScript = redis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
  if redis.call('EXISTS', KEYS[2]) == 1 then redis.call('HSET', KEYS[2], 'status', 'merging') end
  return 1
end
return 0
`)

var renewLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('DEL', KEYS[1])
  if redis.call('EXISTS', KEYS[2]) == 1 then redis.call('HSET', KEYS[2], 'status', 'open') end
  return 1
end
return 0
`)

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func scriptResult(code int64) error {
	switch code {
	case -1:
		return ErrSessionNotFound
	case -2:
		return ErrAlreadyMerged
	}
	return nil
}

// BeginOrGet 分配或确认一个会话。
func (r *sessionRepository) BeginOrGet(ctx context.Context, uploadID string, meta SessionMeta) (string, error) {
	if uploadID == "" {
		id, err := token.NewUploadID()
		if err != nil {
			return "", fmt.Errorf("生成 uploadId 失败: %w", err)
		}
		uploadID = id
	}
	keys := []string{r.sessionKey(uploadID), r.activityKey(), r.resultKey(uploadID), r.expiredKey(uploadID)}
	code, err := beginScript.Run(ctx, r.rdb, keys,
		uploadID, nowMillis(), meta.FileName, meta.FileSize, meta.UserFingerprint).Int64()
	if err != nil {
		return "", err
	}
	if err := scriptResult(code); err != nil {
		return "", err
	}
	return uploadID, nil
}

// RecordChunk 登记一个分片（SETBIT），重复登记同一序号只会更新其大小。
func (r *sessionRepository) RecordChunk(ctx context.Context, uploadID string, index int, size int64) error {
	if index < 0 {
		return ErrInvalidChunkIndex
	}
	now := nowMillis()
	keys := []string{
		r.sessionKey(uploadID), r.chunksKey(uploadID), r.sizesKey(uploadID),
		r.activityKey(), r.resultKey(uploadID),
	}
	code, err := recordChunkScript.Run(ctx, r.rdb, keys, index, size, now, uploadID).Int64()
	if err != nil {
		return err
	}
	return scriptResult(code)
}

// Get 读取会话的元数据与已收到的分片。
func (r *sessionRepository) Get(ctx context.Context, uploadID string) (*model.UploadSession, error) {
	fields, err := r.rdb.HGetAll(ctx, r.sessionKey(uploadID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrSessionNotFound
	}

	received, err := r.Received(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	sizes, err := r.rdb.HVals(ctx, r.sizesKey(uploadID)).Result()
	if err != nil {
		return nil, err
	}
	var receivedBytes int64
	for _, v := range sizes {
		n, _ := strconv.ParseInt(v, 10, 64)
		receivedBytes += n
	}

	fileSize, _ := strconv.ParseInt(fields["fileSize"], 10, 64)
	createdAt, _ := strconv.ParseInt(fields["createdAt"], 10, 64)
	lastActivity, _ := strconv.ParseInt(fields["lastActivityAt"], 10, 64)
	return &model.UploadSession{
		UploadID:        uploadID,
		FileName:        fields["fileName"],
		FileSize:        fileSize,
		UserFingerprint: fields["fingerprint"],
		Status:          fields["status"],
		ReceivedChunks:  received,
		ReceivedBytes:   receivedBytes,
		CreatedAt:       time.UnixMilli(createdAt),
		LastActivityAt:  time.UnixMilli(lastActivity),
	}, nil
}

// Received 从 Redis bitmap 中解析出已上传的分片序号。
func (r *sessionRepository) Received(ctx context.Context, uploadID string) ([]int, error) {
	bitmap, err := r.rdb.Get(ctx, r.chunksKey(uploadID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return []int{}, nil
		}
		return nil, err
	}

	uploaded := make([]int, 0)
	for byteIndex, b := range bitmap {
		if b == 0 {
			continue
		}
		for bitIndex := 0; bitIndex < 8; bitIndex++ {
			if (b>>(7-bitIndex))&1 == 1 {
				uploaded = append(uploaded, byteIndex*8+bitIndex)
			}
		}
	}
	return uploaded, nil
}

// IsComplete 判断会话是否可以合并。
func (r *sessionRepository) IsComplete(ctx context.Context, uploadID string, total int) (bool, []int, []int, error) {
	exists, err := r.rdb.Exists(ctx, r.sessionKey(uploadID)).Result()
	if err != nil {
		return false, nil, nil, err
	}
	if exists == 0 {
		return false, nil, nil, ErrSessionNotFound
	}
	received, err := r.Received(ctx, uploadID)
	if err != nil {
		return false, nil, nil, err
	}

	got := make(map[int]struct{}, len(received))
	var unexpected []int
	for _, idx := range received {
		if idx >= total {
			unexpected = append(unexpected, idx)
			continue
		}
		got[idx] = struct{}{}
	}
	var missing []int
	for i := 0; i < total; i++ {
		if _, ok := got[i]; !ok {
			missing = append(missing, i)
		}
	}
	return total > 0 && len(missing) == 0 && len(unexpected) == 0, missing, unexpected, nil
}

// ExpireStale 按最后活跃时间清理过期会话，并留下过期标记，之后用同一 ID 上传会得到 ErrSessionNotFound。
func (r *sessionRepository) ExpireStale(ctx context.Context, now time.Time, ttl time.Duration) ([]string, error) {
	cutoff := now.Add(-ttl).UnixMilli()
	ids, err := r.rdb.ZRangeByScore(ctx, r.activityKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return nil, err
	}

	expired := make([]string, 0, len(ids))
	for _, id := range ids {
		keys := []string{
			r.sessionKey(id), r.chunksKey(id), r.sizesKey(id),
			r.activityKey(), r.lockKey(id), r.expiredKey(id),
		}
		n, err := expireScript.Run(ctx, r.rdb, keys, id, cutoff, r.retention.Milliseconds()).Int64()
		if err != nil {
			return expired, fmt.Errorf("清理会话 %s 失败: %w", id, err)
		}
		if n == 1 {
			expired = append(expired, id)
		}
	}
	return expired, nil
}

// AcquireLock 获取会话的合并锁，ok 为 false 表示锁已被他人持有。
func (r *sessionRepository) AcquireLock(ctx context.Context, uploadID string, ttl time.Duration) (string, bool, error) {
	owner, err := token.NewUploadID()
	if err != nil {
		return "", false, err
	}
	n, err := acquireLockScript.Run(ctx, r.rdb,
		[]string{r.lockKey(uploadID), r.sessionKey(uploadID)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return "", false, err
	}
	return owner, n == 1, nil
}

// ReleaseLock 只释放自己持有的锁。
func (r *sessionRepository) ReleaseLock(ctx context.Context, uploadID, owner string) error {
	return releaseLockScript.Run(ctx, r.rdb,
		[]string{r.lockKey(uploadID), r.sessionKey(uploadID)}, owner).Err()
}

// RenewLock 续期自己持有的锁。
func (r *sessionRepository) RenewLock(ctx context.Context, uploadID, owner string, ttl time.Duration) (bool, error) {
	n, err := renewLockScript.Run(ctx, r.rdb, []string{r.lockKey(uploadID)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Complete 在一个 MULTI 事务中写入终态结果并删除会话、bitmap 与分片大小。
func (r *sessionRepository) Complete(ctx context.Context, uploadID string, result *model.UploadResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.resultKey(uploadID), data, r.retention)
		pipe.Del(ctx, r.sessionKey(uploadID), r.chunksKey(uploadID), r.sizesKey(uploadID))
		pipe.ZRem(ctx, r.activityKey(), uploadID)
		return nil
	})
	return err
}

// Result 读取终态结果。
func (r *sessionRepository) Result(ctx context.Context, uploadID string) (*model.UploadResult, error) {
	data, err := r.rdb.Get(ctx, r.resultKey(uploadID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var result model.UploadResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("解析合并结果失败: %w", err)
	}
	return &result, nil
}
