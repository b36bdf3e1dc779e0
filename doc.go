// Package reqrec 是需求（requirement）推荐的候选生成引擎。
//
// 设计要点：
//   - Pipeline-first: 候选生成通过 Node 串联（Recall → Rank → Filter → ReRank）
//   - 双路召回: 语义召回（向量索引）与规则召回（标签/新鲜度/热度）并行，任一路失败降级到另一路
//   - Labels-first: 召回来源、降级路径等通过 Label 全链路透传，便于解释与观测
//   - 缓冲计数: 浏览量先写缓存，定时批量刷写到关系库，读时合并待刷写增量
//
// 主要包：
//   - core: 领域类型与接口（CacheStore、VectorIndex、ItemRepository、UserRepository）
//   - candidate: 候选生成器
//   - engine: 事件入口与查询门面
//   - profile / history / counter: 动态画像、浏览历史、浏览量缓冲
//   - scheduler: 刷写、每日重算、突发行为刷新等后台服务
//
// 进程入口见 cmd/reqrec。
package reqrec
