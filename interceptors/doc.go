// Package interceptors wraps rabbitmq.Handler functions with cross-cutting
// behavior such as logging, tracing, panic recovery, timeouts, filtering
// and retries.
//
// Interceptors run in the order they are added: the first one added sees the
// message first and the result last.
//
//	handler := interceptors.NewDefaultInterceptorChainBuilder(logger).
//		WithRecovery().
//		WithLogging().
//		WithTimeout(30 * time.Second).
//		Build().
//		Then(process)
//
//	consumer.Receive(ctx, rabbitmq.Queue("orders"), handler)
//
// A handler error surfacing from the chain dead-letters the message, so the
// RetryInterceptor retries in place before giving the message up.
package interceptors
