/*
Package types 提供 DPGOFlow 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 bus、solver、
coordination、persistence 等上层模块提供统一的错误契约，
避免循环依赖。

# 核心类型

  - ErrorCode：统一错误码，分消息准入（BAD_MESSAGE、WRONG_CLUSTER、
    NOT_NEIGHBOR、STALE_MESSAGE、UNKNOWN_EDGE）、协调
    （INVALID_TRANSITION、NOT_LEADER、ROBOT_INACTIVE、
    GRAPH_UNAVAILABLE、SOLVER_FAILURE、TIMEOUT）与基础设施
    （BUS_CLOSED、BUS_PUBLISH、STORE_FAILURE、INVALID_CONFIG、
    INTERNAL_ERROR）三组。
  - Error：结构化错误，携带错误码、消息、可重试标记与所涉
    机器人编号，支持 Unwrap 链式展开。

# 主要能力

  - 链式构造：NewError(...).WithCause(...).WithRetryable(...).WithRobot(...)
  - 判别辅助：IsRetryable、GetErrorCode 从任意 error 中提取语义
*/
package types
