/*
包 server 提供 HTTP 辅助面的生命周期管理：非阻塞启动、异步错误
传播与优雅关闭。

# 概述

机器人节点可按配置携带两个 HTTP 辅助面：Prometheus 指标端点与
WebSocket 轨迹可视化。本包通过 Manager 封装 net/http.Server，
统一两者的监听、服务、关闭与错误传播流程；信号处理由 cmd 层的
context 负责，本包不触碰进程信号。

# 核心类型

  - Manager：HTTP 服务器管理器，持有 http.Server、net.Listener
    与异步错误通道，提供 Start/Shutdown 生命周期方法。
  - Config：服务器配置，包含监听地址、读写超时、空闲超时、
    最大请求头大小与优雅关闭超时。

# 主要能力

  - 非阻塞启动：Start 在后台 goroutine 中运行服务，主线程不阻塞。
  - 优雅关闭：Shutdown 在配置的超时内完成请求排空与连接释放，幂等。
  - 错误传播：Errors() 返回异步错误通道，供调用方监控服务异常。
  - 地址查询：Addr 返回配置地址，BoundAddr 返回 ":0" 配置下
    内核实际分配的地址。
*/
package server
