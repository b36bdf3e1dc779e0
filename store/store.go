// Package store 提供 core 领域接口的基础设施实现。
//
// 注意：此包只包含实现，接口定义在 core 包。
//
//	var cache core.CacheStore = store.NewMemoryStore()
//	var index core.VectorIndex = store.NewMemoryVectorIndex()
//	var repo core.ItemRepository = store.NewMemoryRepository()
//
// PostgreSQL / pgvector 实现位于 store/postgres。
package store
