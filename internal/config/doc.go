// Package config 加载 oracle-relayd 的 YAML 配置并补全默认值。
package config
