// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"github.com/rs/zerolog"
)

// Static logger getters that map directly to config.yaml log.levels
// These ensure consistent logger names across the codebase

func GetStoreLogger() zerolog.Logger {
	return GetLogger("store")
}

func GetGitHostLogger() zerolog.Logger {
	return GetLogger("githost")
}

func GetEventBusLogger() zerolog.Logger {
	return GetLogger("eventbus")
}

func GetQueueLogger() zerolog.Logger {
	return GetLogger("queue")
}

func GetRunnerPoolLogger() zerolog.Logger {
	return GetLogger("runnerpool")
}

func GetCardsLogger() zerolog.Logger {
	return GetLogger("cards")
}

func GetPipelineLogger() zerolog.Logger {
	return GetLogger("pipeline")
}

func GetTriggerLogger() zerolog.Logger {
	return GetLogger("trigger")
}

func GetDebugCtlLogger() zerolog.Logger {
	return GetLogger("debugctl")
}

func GetBroadcastLogger() zerolog.Logger {
	return GetLogger("broadcast")
}

func GetAPIServerLogger() zerolog.Logger {
	return GetLogger("apiserver")
}

func GetContainerLogger() zerolog.Logger {
	return GetLogger("container")
}
