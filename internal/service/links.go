package service

import (
	"net/url"
	"strings"

	"tgstate-go/internal/config"
	"tgstate-go/internal/model"
)

// UploadLinks 是返回给客户端的各种链接。
type UploadLinks struct {
	// Path 是相对下载路径 /d/<fileId>
	Path         string
	ImgURL       string
	ProxyURL     string
	ShortURL     string
	ShortFileURL string
}

// URLBuilder 根据站点配置拼接下载链接、代理链接和短链。
type URLBuilder struct {
	baseURL  string
	proxyURL string
}

// NewURLBuilder 创建 URLBuilder，base_url 为空时返回相对路径。
func NewURLBuilder(cfg config.SiteConfig) URLBuilder {
	return URLBuilder{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		proxyURL: strings.TrimRight(cfg.ProxyURL, "/"),
	}
}

// DownloadPath 返回文件的相对下载路径。
func DownloadPath(fileID string) string {
	return "/d/" + fileID
}

// ShortPath 返回短链的相对路径。
func ShortPath(code string) string {
	return "/s/" + code
}

// Links 为一次上传结果生成全部链接。
func (b URLBuilder) Links(result *model.UploadResult) UploadLinks {
	links := UploadLinks{Path: DownloadPath(result.Record.FileID)}
	links.ImgURL = b.baseURL + links.Path
	if b.proxyURL != "" {
		links.ProxyURL = b.proxyURL + "/" + url.QueryEscape(links.ImgURL)
	}
	if result.ShortCode != "" {
		links.ShortURL = ShortPath(result.ShortCode)
		links.ShortFileURL = b.baseURL + links.ShortURL
	}
	return links
}
