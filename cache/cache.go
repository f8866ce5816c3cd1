// Package cache 提供带 TTL、容量上限与发布/订阅回调的观察者缓存
//
// 过期采用读取时惰性判定（不起后台清理协程）；容量超限时先清一遍过期
// 条目，仍超限则按写入时间淘汰最旧的约 20%。注意这不是严格 LRU：
// 淘汰顺序只看写入时间，读取不会续命。
package cache

import (
	"log"
	"path"
	"sort"
	"sync"
	"time"
)

// Observer 缓存写入/删除回调；删除时 value 为 nil
type Observer func(category, key string, value interface{})

// Options 缓存构造参数
type Options struct {
	// TTL 条目存活时间，超过后读取视为未命中
	TTL time.Duration
	// MaxItems 全局条目上限
	MaxItems int
	// Backing 可选的持久化后端，构造时加载，Flush 时写回
	Backing Backing
}

// Stats 缓存运行统计
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Sets      int64 `json:"sets"`
	Evictions int64 `json:"evictions"`
	Items     int   `json:"items"`
}

type entry struct {
	value     interface{}
	writtenAt time.Time
}

type patternObserver struct {
	categoryGlob string
	keyGlob      string
	fn           Observer
}

// Cache 观察者缓存，单把互斥锁保护全部状态
type Cache struct {
	mu         sync.Mutex
	categories map[string]map[string]entry
	exact      map[string][]Observer
	patterns   []patternObserver
	ttl        time.Duration
	maxItems   int
	backing    Backing
	stats      Stats
}

const (
	defaultTTL      = 5 * time.Minute
	defaultMaxItems = 1000
	// evictFraction 容量超限时额外淘汰的最旧条目比例
	evictFraction = 0.2
)

// New 创建缓存；Backing 非空时会尝试加载既有数据
func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.MaxItems <= 0 {
		opts.MaxItems = defaultMaxItems
	}

	c := &Cache{
		categories: make(map[string]map[string]entry),
		exact:      make(map[string][]Observer),
		ttl:        opts.TTL,
		maxItems:   opts.MaxItems,
		backing:    opts.Backing,
	}

	if c.backing != nil {
		loaded, err := c.backing.Load()
		if err != nil {
			log.Printf("⚠️  [缓存] 加载持久化数据失败: %v", err)
		} else if len(loaded) > 0 {
			now := time.Now()
			count := 0
			for category, items := range loaded {
				bucket := make(map[string]entry, len(items))
				for key, value := range items {
					bucket[key] = entry{value: value, writtenAt: now}
					count++
				}
				c.categories[category] = bucket
			}
			log.Printf("📦 [缓存] 从持久化后端恢复 %d 条数据", count)
		}
	}

	return c
}

// Set 写入条目并通知所有匹配的观察者
// 写入前先做过期清理与容量淘汰；观察者在锁释放后同步执行，
// 因此回调内再次读写缓存不会自我死锁。
func (c *Cache) Set(category, key string, value interface{}) bool {
	if category == "" || key == "" {
		return false
	}

	c.mu.Lock()
	c.evictLocked()

	bucket, ok := c.categories[category]
	if !ok {
		bucket = make(map[string]entry)
		c.categories[category] = bucket
	}
	bucket[key] = entry{value: value, writtenAt: time.Now()}
	c.stats.Sets++

	observers := c.matchObserversLocked(category, key)
	c.mu.Unlock()

	c.dispatch(observers, category, key, value)
	return true
}

// Get 读取条目；缺失或已过期都按未命中处理并返回 def
// 过期条目在读取时顺手删除（惰性过期）。
func (c *Cache) Get(category, key string, def interface{}) interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, ok := c.categories[category]
	if !ok {
		c.stats.Misses++
		return def
	}
	e, ok := bucket[key]
	if !ok {
		c.stats.Misses++
		return def
	}
	if time.Since(e.writtenAt) > c.ttl {
		delete(bucket, key)
		if len(bucket) == 0 {
			delete(c.categories, category)
		}
		c.stats.Misses++
		return def
	}

	c.stats.Hits++
	return e.value
}

// Delete 删除单个条目，并以 nil 载荷通知观察者表示移除
func (c *Cache) Delete(category, key string) {
	c.mu.Lock()
	bucket, ok := c.categories[category]
	if ok {
		delete(bucket, key)
		if len(bucket) == 0 {
			delete(c.categories, category)
		}
	}
	observers := c.matchObserversLocked(category, key)
	c.mu.Unlock()

	if ok {
		c.dispatch(observers, category, key, nil)
	}
}

// DeleteCategory 删除整个分类，逐条通知观察者
func (c *Cache) DeleteCategory(category string) {
	c.mu.Lock()
	bucket, ok := c.categories[category]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.categories, category)

	type pending struct {
		key       string
		observers []Observer
	}
	var notifies []pending
	for key := range bucket {
		notifies = append(notifies, pending{key: key, observers: c.matchObserversLocked(category, key)})
	}
	c.mu.Unlock()

	for _, n := range notifies {
		c.dispatch(n.observers, category, n.key, nil)
	}
}

// Subscribe 注册精确匹配观察者
func (c *Cache) Subscribe(category, key string, fn Observer) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	k := category + "/" + key
	c.exact[k] = append(c.exact[k], fn)
}

// SubscribePattern 注册通配观察者，pattern 形如 "price/*"、"*/BTCUSDT"
// 通配符按 分类/键 两段分别匹配。
func (c *Cache) SubscribePattern(pattern string, fn Observer) {
	if fn == nil {
		return
	}
	categoryGlob, keyGlob := splitPattern(pattern)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.patterns = append(c.patterns, patternObserver{categoryGlob: categoryGlob, keyGlob: keyGlob, fn: fn})
}

// Stats 返回统计快照
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	for _, bucket := range c.categories {
		s.Items += len(bucket)
	}
	return s
}

// Flush 把当前内容写回持久化后端（无后端时为空操作）
func (c *Cache) Flush() error {
	if c.backing == nil {
		return nil
	}

	c.mu.Lock()
	snapshot := make(map[string]map[string]interface{}, len(c.categories))
	for category, bucket := range c.categories {
		items := make(map[string]interface{}, len(bucket))
		for key, e := range bucket {
			items[key] = e.value
		}
		snapshot[category] = items
	}
	c.mu.Unlock()

	return c.backing.Save(snapshot)
}

// evictLocked 写入前的清理：先删过期条目，仍达到上限再淘汰最旧 20%
func (c *Cache) evictLocked() {
	now := time.Now()
	total := 0
	for category, bucket := range c.categories {
		for key, e := range bucket {
			if now.Sub(e.writtenAt) > c.ttl {
				delete(bucket, key)
				c.stats.Evictions++
				continue
			}
			total++
		}
		if len(bucket) == 0 {
			delete(c.categories, category)
		}
	}

	if total < c.maxItems {
		return
	}

	type aged struct {
		category  string
		key       string
		writtenAt time.Time
	}
	all := make([]aged, 0, total)
	for category, bucket := range c.categories {
		for key, e := range bucket {
			all = append(all, aged{category: category, key: key, writtenAt: e.writtenAt})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].writtenAt.Before(all[j].writtenAt) })

	evict := int(float64(len(all))*evictFraction) + 1
	if evict > len(all) {
		evict = len(all)
	}
	for _, victim := range all[:evict] {
		bucket := c.categories[victim.category]
		delete(bucket, victim.key)
		if len(bucket) == 0 {
			delete(c.categories, victim.category)
		}
		c.stats.Evictions++
	}
	log.Printf("🧹 [缓存] 容量超限，按写入时间淘汰 %d 条最旧条目", evict)
}

// matchObserversLocked 收集精确与通配匹配的观察者，必须持锁调用
func (c *Cache) matchObserversLocked(category, key string) []Observer {
	var out []Observer
	out = append(out, c.exact[category+"/"+key]...)
	for _, p := range c.patterns {
		if globMatch(p.categoryGlob, category) && globMatch(p.keyGlob, key) {
			out = append(out, p.fn)
		}
	}
	return out
}

// dispatch 在锁外依次调用观察者；回调 panic 被捕获并记录，绝不上抛
func (c *Cache) dispatch(observers []Observer, category, key string, value interface{}) {
	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("⚠️  [缓存] 观察者回调异常 (%s/%s): %v", category, key, r)
				}
			}()
			fn(category, key, value)
		}()
	}
}

func splitPattern(pattern string) (string, string) {
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == '/' {
			return pattern[:i], pattern[i+1:]
		}
	}
	return pattern, "*"
}

func globMatch(glob, s string) bool {
	if glob == "*" || glob == "" {
		return true
	}
	ok, err := path.Match(glob, s)
	return err == nil && ok
}
