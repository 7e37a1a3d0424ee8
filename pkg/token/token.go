// Package token 提供上传会话 ID、文件 ID 和短链码等不透明标识的生成与校验。
package token

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const shortCodeCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// uploadIDPattern 限定客户端自带的 uploadId，保证它可以安全地出现在存储路径和 Redis key 中。
var uploadIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,128}$`)

// NewUploadID 生成 128 位随机的会话 ID（32 位十六进制）。
func NewUploadID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// NewFileID 生成文件 ID，用于拼接下载链接。
func NewFileID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewRequestID 生成请求 ID。
func NewRequestID() string {
	return uuid.NewString()
}

// ShortCode 生成指定长度的 base62 短链码。
func ShortCode(length int) (string, error) {
	result := make([]byte, length)
	max := big.NewInt(int64(len(shortCodeCharset)))
	for i := range result {
		num, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		result[i] = shortCodeCharset[num.Int64()]
	}
	return string(result), nil
}

// ValidUploadID 判断 uploadId 是否满足字符集和长度要求。
func ValidUploadID(id string) bool {
	return uploadIDPattern.MatchString(id)
}
