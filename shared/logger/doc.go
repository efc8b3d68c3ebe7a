// Copyright 2025 Nooterra
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

/*
Package logger provides structured JSON logging for coordinator components.

# Overview

The logger outputs single-line JSON to stdout, making logs easily consumable
by CloudWatch, ELK, or other log aggregation systems.

Each log entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (coordinator, dispatcher)
  - Container name (for distributed tracing)
  - Custom fields (workflow, node and agent ids ride here)

# Usage

Create a logger for your component:

	log := logger.New("coordinator")

Log messages with contextual fields:

	log.Info("workflow published", map[string]any{
	    "workflowId": wf.ID,
	    "nodes":      len(nodes),
	})

Attach errors with the ErrWith helper:

	log.Error("dispatch failed", logger.ErrWith(map[string]any{
	    "workflowId": job.WorkflowID,
	    "nodeName":   job.NodeName,
	}, err))

# Environment Variables

  - LOG_LEVEL: minimum severity to emit (DEBUG, INFO, WARN, ERROR; default INFO)

# Thread Safety

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
