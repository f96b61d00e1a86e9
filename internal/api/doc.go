// Package api 通过 HTTP 暴露任务投递、任务查询与代理并发度调整接口。
package api
