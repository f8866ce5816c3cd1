package position

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Store 持仓文件存储
// 写入约定：先尽力把旧文件复制为 .bak，再整体覆盖写入；
// 备份失败不会阻塞写入（与原始行为保持一致，不升级为原子重命名）。
type Store struct {
	path        string
	historyPath string
	mu          sync.Mutex
}

// NewStore 创建存储，path 为活跃持仓文件，historyPath 为平仓归档文件
func NewStore(path, historyPath string) *Store {
	return &Store{path: path, historyPath: historyPath}
}

// Load 读取活跃持仓文件并逐条校验
// 校验失败的记录直接丢弃并告警，随后把清洗后的结果写回文件。
func (s *Store) Load() (map[string]*Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return make(map[string]*Position), nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取持仓文件失败: %w", err)
	}
	if len(data) == 0 {
		return make(map[string]*Position), nil
	}

	var raw map[string]*Position
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("解析持仓文件失败: %w", err)
	}

	positions := make(map[string]*Position, len(raw))
	dropped := 0
	for symbol, p := range raw {
		if p == nil {
			dropped++
			continue
		}
		if p.Symbol == "" {
			p.Symbol = symbol
		}
		if err := p.Validate(); err != nil {
			log.Printf("⚠️  [存储] 丢弃非法持仓记录 %s: %v", symbol, err)
			dropped++
			continue
		}
		positions[symbol] = p
	}

	if dropped > 0 {
		log.Printf("🧹 [存储] 共丢弃 %d 条非法记录，重写持仓文件", dropped)
		if err := s.saveLocked(positions); err != nil {
			return nil, err
		}
	}

	return positions, nil
}

// Save 整体覆盖写入活跃持仓文件（写前尽力备份到 .bak）
func (s *Store) Save(positions map[string]*Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(positions)
}

func (s *Store) saveLocked(positions map[string]*Position) error {
	s.backupBestEffort()

	data, err := json.MarshalIndent(positions, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化持仓失败: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("创建数据目录失败: %w", err)
		}
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("写入持仓文件失败: %w", err)
	}
	return nil
}

// backupBestEffort 把当前文件复制为 <path>.bak，失败只告警不中断
func (s *Store) backupBestEffort() {
	src, err := os.Open(s.path)
	if err != nil {
		return // 首次写入时原文件不存在，属正常情况
	}
	defer src.Close()

	dst, err := os.Create(s.path + ".bak")
	if err != nil {
		log.Printf("⚠️  [存储] 创建备份文件失败: %v", err)
		return
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		log.Printf("⚠️  [存储] 备份持仓文件失败: %v", err)
	}
}

// AppendHistory 把已平仓持仓追加到归档文件（JSON 数组），并盖上归档时间戳
func (s *Store) AppendHistory(closed []*Position) error {
	if len(closed) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var history []*Position
	if data, err := os.ReadFile(s.historyPath); err == nil && len(data) > 0 {
		if err := json.Unmarshal(data, &history); err != nil {
			return fmt.Errorf("解析归档文件失败: %w", err)
		}
	}

	now := time.Now()
	for _, p := range closed {
		c := p.Clone()
		c.ArchiveTime = &now
		history = append(history, c)
	}

	sort.SliceStable(history, func(i, j int) bool {
		ti, tj := history[i].ArchiveTime, history[j].ArchiveTime
		if ti == nil || tj == nil {
			return ti != nil
		}
		return ti.Before(*tj)
	})

	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化归档失败: %w", err)
	}
	if dir := filepath.Dir(s.historyPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("创建数据目录失败: %w", err)
		}
	}
	if err := os.WriteFile(s.historyPath, data, 0o644); err != nil {
		return fmt.Errorf("写入归档文件失败: %w", err)
	}
	return nil
}
