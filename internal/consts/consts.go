package consts

// Component names, used for logging fields and health-check registries.
const (
	CompSvcDispatcher = "dispatch_loop"
	CompSvcCompletion = "completion_handler"
	CompSvcRegistry   = "worker_registry"
	CompSvcSupervisor = "connection_supervisor"
	CompStorePostgres = "postgres_store"
	CompQueueRedis    = "redis_queue"
	CompTraceOtel     = "otel_trace_recorder"
	CompHTTPAdmin     = "admin_http"
	CompLogging       = "zap_logger"
)

// DefaultConfigPath is the config file location dispatcherd looks for when
// -config isn't given.
const DefaultConfigPath = "./config.yaml"
