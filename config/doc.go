// Package config loads the taskflowd configuration.
//
// Configuration is layered: built-in defaults, then each file added with
// AddLayer (JSON or YAML, chosen by extension), then TASKFLOW_* environment
// variables. The result is validated with struct tags plus a few
// cross-section rules.
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/taskflow/base.yaml")
//	loader.AddLayer("/etc/taskflow/site.yaml") // overrides base
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// # Environment overrides
//
//	TASKFLOW_ENGINE_QUEUE_DEPTH     TASKFLOW_BUS_KIND          TASKFLOW_NATS_URLS (comma separated)
//	TASKFLOW_ENGINE_SUBMIT_TIMEOUT  TASKFLOW_BUS_MAILBOX_SIZE  TASKFLOW_NATS_NAME
//	TASKFLOW_ENGINE_CONFIG_POLICY   TASKFLOW_BUS_SUBJECT_PREFIX TASKFLOW_NATS_TOKEN
//	TASKFLOW_STORE_KIND             TASKFLOW_STORE_BUCKET      TASKFLOW_NATS_USERNAME
//	TASKFLOW_METRICS_ADDR           TASKFLOW_FLOW_FILE         TASKFLOW_NATS_PASSWORD
//	TASKFLOW_NATS_PING_INTERVAL     TASKFLOW_NATS_DRAIN_TIMEOUT
//
// Files are size-limited and relative paths may not leave the working
// directory.
package config
