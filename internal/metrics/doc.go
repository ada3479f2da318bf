/*
包 metrics 提供基于 Prometheus 的全链路指标采集能力，覆盖
消息面、优化、团队与轮次四大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
工厂注册机制。所有指标按 namespace 隔离，并以 robot label 区分
同一进程内的多个机器人，便于 Grafana 等工具进行可视化与告警。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。

# 主要能力

  - 消息面指标：收到/发出的协调命令计数（按 kind 分组）、
    丢弃消息计数（按 reason 分组）、接收字节数（按 channel 分组）。
  - 优化指标：本地优化步计数与耗时直方图（按 result 分组）、
    当前迭代号与相对变化量 Gauge。
  - 团队指标：活跃机器人数 Gauge、协调状态机转换计数。
  - 轮次指标：优化轮次结束方式计数、超时事件计数（按 type 分组）。
*/
package metrics
