// Package config 负责加载证明代理的 YAML 配置，补齐默认值并进行校验。
package config
