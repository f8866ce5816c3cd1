package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Backing 可选的缓存持久化后端
type Backing interface {
	Load() (map[string]map[string]interface{}, error)
	Save(data map[string]map[string]interface{}) error
}

// FileBacking 把缓存内容整体序列化为一个 JSON 文件
type FileBacking struct {
	path string
}

// NewFileBacking 创建文件后端
func NewFileBacking(path string) *FileBacking {
	return &FileBacking{path: path}
}

// Load 读取缓存快照文件，文件不存在视为空
func (b *FileBacking) Load() (map[string]map[string]interface{}, error) {
	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取缓存快照失败: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var out map[string]map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("解析缓存快照失败: %w", err)
	}
	return out, nil
}

// Save 整体覆盖写入缓存快照文件
func (b *FileBacking) Save(data map[string]map[string]interface{}) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化缓存快照失败: %w", err)
	}
	if dir := filepath.Dir(b.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("创建缓存目录失败: %w", err)
		}
	}
	if err := os.WriteFile(b.path, raw, 0o644); err != nil {
		return fmt.Errorf("写入缓存快照失败: %w", err)
	}
	return nil
}
