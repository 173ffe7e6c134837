// Package log provides structured zerolog helpers for engine state: registered
// component types, systems with their timing, and single entities. Applications use
// them for startup summaries and debug dumps.
package log

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/lattice-ecs/lattice/ecs"
)

// Loggable is the part of a world the helpers need. *ecs.World satisfies it.
type Loggable interface {
	ComponentTypes() []ecs.ComponentInfo
	SystemStats() map[string]ecs.SystemStats
}

func loadComponentIntoArrayLogger(info ecs.ComponentInfo, arrayLogger *zerolog.Array) *zerolog.Array {
	dictLogger := zerolog.Dict()
	dictLogger = dictLogger.Int("component_id", int(info.ID))
	dictLogger = dictLogger.Str("component_name", info.Name)
	return arrayLogger.Dict(dictLogger)
}

func loadComponentsToEvent(event *zerolog.Event, target Loggable) *zerolog.Event {
	components := target.ComponentTypes()
	sort.Slice(components, func(i, j int) bool {
		return components[i].ID < components[j].ID
	})
	event.Int("total_components", len(components))
	arrayLogger := zerolog.Arr()
	for _, info := range components {
		arrayLogger = loadComponentIntoArrayLogger(info, arrayLogger)
	}
	return event.Array("components", arrayLogger)
}

func loadSystemsToEvent(event *zerolog.Event, target Loggable) *zerolog.Event {
	stats := target.SystemStats()
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	event.Int("total_systems", len(names))
	arrayLogger := zerolog.Arr()
	for _, name := range names {
		dictLogger := zerolog.Dict()
		dictLogger = dictLogger.Str("system", name)
		dictLogger = dictLogger.Uint64("updates", stats[name].Count)
		dictLogger = dictLogger.Dur("avg", stats[name].Average())
		arrayLogger = arrayLogger.Dict(dictLogger)
	}
	return event.Array("systems", arrayLogger)
}

// Components logs the registered component types of the world.
func Components(logger *zerolog.Logger, target Loggable, level zerolog.Level) {
	event := logger.WithLevel(level)
	event = loadComponentsToEvent(event, target)
	event.Send()
}

// Systems logs every registered system with its update count and average duration.
func Systems(logger *zerolog.Logger, target Loggable, level zerolog.Level) {
	event := logger.WithLevel(level)
	event = loadSystemsToEvent(event, target)
	event.Send()
}

// World logs everything about the world (components and systems).
func World(logger *zerolog.Logger, target Loggable, level zerolog.Level) {
	event := logger.WithLevel(level)
	event = loadComponentsToEvent(event, target)
	event = loadSystemsToEvent(event, target)
	event.Send()
}

// Entity logs one entity's handle and components.
func Entity(logger *zerolog.Logger, level zerolog.Level, e ecs.Entity, components []ecs.ComponentInfo) {
	event := logger.WithLevel(level)
	arrayLogger := zerolog.Arr()
	for _, info := range components {
		arrayLogger = loadComponentIntoArrayLogger(info, arrayLogger)
	}
	event.Array("components", arrayLogger)
	event.Uint32("entity_id", e.ID())
	event.Uint32("generation", e.Generation())
	event.Send()
}

// Tick logs the timing of one completed tick.
func Tick(logger *zerolog.Logger, level zerolog.Level, height uint64, took time.Duration) {
	logger.WithLevel(level).
		Uint64("tick_height", height).
		Dur("took", took).
		Msg("tick completed")
}

// SystemLogger creates a sub-logger with the entry {"system": systemName}.
func SystemLogger(logger *zerolog.Logger, systemName string) *zerolog.Logger {
	newLogger := logger.With().Str("system", systemName).Logger()
	return &newLogger
}
