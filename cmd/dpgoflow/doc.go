/*
Package main 提供 DPGOFlow 的可执行入口。

# 概述

cmd/dpgoflow 把协调代理、求解器、总线与辅助服务组装成可运行的
进程。生产部署用 run 子命令按机器人各起一个进程、经 Redis 总线
通信；simulate 子命令在单进程内跑完整支队伍，走进程内总线，
适合演示与排障。

# 主要能力

  - 子命令：run（单机器人节点）、simulate（进程内仿真）、
    version、health
  - 配置：YAML 文件 + DPGOFLOW_* 环境变量覆盖，加载后统一校验
  - 位姿图来源：JSON 边文件（--graph）或按种子生成的合成问题
  - 辅助服务：Prometheus /metrics（带 /health、/version）与
    WebSocket 轨迹可视化，均可按配置关闭
  - 优雅关闭：信号监听 → 取消控制循环 → 退订 → 关闭辅助服务
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
