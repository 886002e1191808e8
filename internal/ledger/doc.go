// Package ledger 实现认证账本：签发、拒绝、撤销及初始化阶段的管理操作。
//
// 每个写操作都在单一互斥锁与一次存储事务内完成：先校验签名，再在事务中
// 预留 nonce，随后向托管方准备资金释放，最后提交事务与结算并发布事件。
// 任一步骤失败都会回滚事务并撤销结算，不留下任何部分状态。
package ledger
