// Package config 提供 DPGOFlow 的配置管理功能。
//
// 包含配置加载、默认值与校验。支持从 YAML 文件和环境变量
// 加载配置，优先级为 默认值 → 文件 → 环境变量。
// 协调参数在一轮优化开始后即固定，不支持运行时热更新。
package config
