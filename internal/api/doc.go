// Package api 暴露认证引擎的 REST 接口：委托签发、拒绝与撤销，
// 只读查询，以及持有管理口令的初始化阶段操作。
package api
