// Copyright 2025 ConvoFlow Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main is the entry point for the ConvoFlow engine service.
//
// The engine ingests CRM chat events, debounces message bursts into
// aggregated turns, and answers each turn through retrieval-guarded AI
// generation with connector assists.
//
// Usage:
//
//	./engine
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8080)
//	CONFIG_FILE - tenant settings YAML path
//	DATABASE_URL - PostgreSQL connection string
//	REDIS_URL - Redis URL for shared rate limiting
//	ANTHROPIC_API_KEY or BEDROCK_REGION - AI provider selection
//	RETRIEVAL_URL - knowledge-base search service
//	CRM_BASE_URL - CRM message API
//	JWT_SECRET - secret for admin endpoint tokens
package main

import (
	"log"

	"convoflow/platform/engine"
)

func main() {
	if err := engine.Run(); err != nil {
		log.Fatalf("engine exited: %v", err)
	}
}
