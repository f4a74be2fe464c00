package content

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const fileExt = ".bin"

// FSLocalStore 设备本地的内容副本：<dir>/<accountID>/<contentID>.bin
type FSLocalStore struct {
	dir string
}

func NewFSLocalStore(dir string) *FSLocalStore {
	return &FSLocalStore{dir: dir}
}

func safeName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("非法的文件名: %q", name)
	}
	return nil
}

// List 返回本地已有的内容ID，目录不存在视为空
func (s *FSLocalStore) List(ctx context.Context, accountID string) ([]string, error) {
	if err := safeName(accountID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.dir, accountID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), fileExt))
	}
	return ids, nil
}

// Put 写入内容
//
// 先写临时文件再 rename，中途失败不会留下半个文件被 List 当成已恢复
func (s *FSLocalStore) Put(ctx context.Context, accountID, contentID string, data []byte) error {
	if err := safeName(accountID); err != nil {
		return err
	}
	if err := safeName(contentID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Join(s.dir, accountID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, contentID+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, filepath.Join(dir, contentID+fileExt))
}
