// Package jobsource 提供证明任务源的实现：内存、Redis、RabbitMQ 与 MySQL。
// 所有实现都满足代理的拉取接口，并额外提供投递与查询能力。
package jobsource
