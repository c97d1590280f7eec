// ABOUTME: Starter configuration written by `coven-rooms init`
// ABOUTME: Produces YAML that Load accepts unchanged

package config

import "fmt"

const starterTemplate = `# coven-rooms configuration
server:
  http_addr: "0.0.0.0:8000"
  allowed_origins:
    - "http://localhost:5173"

database:
  driver: "sqlite"
  path: "./coven-rooms.db"
  # driver: "mongo"
  # mongo_uri: "mongodb://localhost:27017"
  # mongo_database: "coven"

auth:
  jwt_secret: %q
  token_ttl: "72h"
  # usernames that may stop agents and remove tool servers
  admins: []

llm:
  base_url: "https://api.deepseek.com"
  api_key: "${DEEPSEEK_API_KEY}"
  model: "deepseek-chat"
  timeout: "60s"

agents:
  - name: "llm_user"
    system_prompt: "You are a helpful participant in a group chat. Answer briefly."
    auto_join: true
    system_tools: true
    history_window: 10
    reaction_timeout: "2m"

delivery:
  subscriber_buffer: 64
  agent_buffer: 1024
  enter_room_buffer: 256

tools:
  transport: "auto"
  timeout: "30s"
  max_concurrency: 4

ratelimit:
  enabled: true
  messages_per_second: 5
  burst: 10

idempotency:
  ttl: "10m"
  max_keys: 10000

logging:
  level: "info"
  format: "text"

metrics:
  enabled: true
  path: "/metrics"
`

// Starter returns a starter YAML configuration using jwtSecret.
func Starter(jwtSecret string) string {
	return fmt.Sprintf(starterTemplate, jwtSecret)
}
