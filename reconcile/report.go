// Package reconcile 实现本地持仓与交易所状态的双向对账
package reconcile

import "fmt"

// SyncReport 单轮对账的结果汇总
// 错误只累积不上抛：对账循环永远走完当轮再汇报。
type SyncReport struct {
	Added     []string `json:"added"`
	Updated   []string `json:"updated"`
	Removed   []string `json:"removed"`
	SLCreated []string `json:"sl_created"`
	TPCreated []string `json:"tp_created"`
	Errors    []string `json:"errors"`
}

// Merge 把另一份报告并入当前报告
func (r *SyncReport) Merge(other *SyncReport) {
	if other == nil {
		return
	}
	r.Added = append(r.Added, other.Added...)
	r.Updated = append(r.Updated, other.Updated...)
	r.Removed = append(r.Removed, other.Removed...)
	r.SLCreated = append(r.SLCreated, other.SLCreated...)
	r.TPCreated = append(r.TPCreated, other.TPCreated...)
	r.Errors = append(r.Errors, other.Errors...)
}

// HasChanges 本轮是否发生了任何状态变更
func (r *SyncReport) HasChanges() bool {
	return len(r.Added)+len(r.Updated)+len(r.Removed)+len(r.SLCreated)+len(r.TPCreated) > 0
}

// Summary 单行摘要，用于循环日志
func (r *SyncReport) Summary() string {
	return fmt.Sprintf("新增 %d, 更新 %d, 移除 %d, 补挂止损 %d, 补挂止盈 %d, 错误 %d",
		len(r.Added), len(r.Updated), len(r.Removed), len(r.SLCreated), len(r.TPCreated), len(r.Errors))
}

func (r *SyncReport) errorf(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}
