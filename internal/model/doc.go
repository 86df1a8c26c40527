// Copyright (c) 2025 HyxiaoGe
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures shared by the orchestration
// engine: agents, providers, sessions, messages, and token usage.
//
// Types in this package are plain data. The orchestrator owns all
// mutation of Message and Session records; transports and the cost
// accountant treat them as read-only inputs.
package model
