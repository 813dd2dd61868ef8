// Package config handles configuration loading for parlor-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file with environment variable
// expansion. Missing optional values get defaults and the result is validated.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from PARLOR_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/parlor/gateway.yaml
//  3. ~/.config/parlor/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${PARLOR_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	delivery:
//	  push_timeout: "2s"
//	  dedupe_window: "5m"
//
// # Example
//
//	server:
//	  http_addr: ":8080"
//	  grpc_addr: ":50051"
//
//	database:
//	  driver: sqlite
//	  path: "./parlor.db"
//
//	auth:
//	  jwt_secret: "${PARLOR_JWT_SECRET}"
//
//	broker:
//	  kind: kafka
//	  brokers: ["localhost:9092"]
//
//	persona:
//	  enabled: true
//	  backend: ollama
//	  model: llama3
//
//	logging:
//	  level: info
//	  format: json
package config
