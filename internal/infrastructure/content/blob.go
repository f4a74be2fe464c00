// Package content 负责内容文件的下载、解密和本地存储，供权益对账使用。
package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ErrBlobNotFound 远端没有这个文件
var ErrBlobNotFound = errors.New("内容文件不存在")

const maxBlobSize = 64 << 20

// HTTPBlobStore 从内容服务器按路径下载文件：GET <baseURL>/<storagePath>
type HTTPBlobStore struct {
	baseURL string
	client  *http.Client
}

func NewHTTPBlobStore(baseURL string, client *http.Client) *HTTPBlobStore {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPBlobStore{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Fetch 下载文件，超时由调用方的 ctx 控制
func (s *HTTPBlobStore) Fetch(ctx context.Context, storagePath string) ([]byte, error) {
	endpoint, err := url.JoinPath(s.baseURL, storagePath)
	if err != nil {
		return nil, fmt.Errorf("拼接下载地址失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("下载内容失败: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, storagePath)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("下载内容失败: status=%d, path=%s", resp.StatusCode, storagePath)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBlobSize+1))
	if err != nil {
		return nil, fmt.Errorf("读取内容失败: %w", err)
	}
	if len(data) > maxBlobSize {
		return nil, fmt.Errorf("内容文件过大: path=%s", storagePath)
	}
	return data, nil
}
