// Package mq публикует события жизненного цикла прогонов в RabbitMQ.
//
// События (run.started, stage.finished, run.finished) — опциональный
// observability-канал для внешних подписчиков. Публикация включается
// переменной PIPELINE_AMQP_URL и никогда не влияет на исход прогона.
package mq
