package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the canonical key for subsystem tags.
const SubsystemKey = pslog.TrustedString("sys")

// ActorKey tags entries with the coordinator or participant name.
const ActorKey = pslog.TrustedString("actor")

// Subsystem builds a dot-delimited subsystem path from the supplied parts while
// skipping empty fragments.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		filtered = append(filtered, part)
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithActor tags logger with a subsystem and the name of the protocol actor
// that owns it.
func WithActor(logger pslog.Logger, subsystem, actor string) pslog.Logger {
	logger = WithSubsystem(logger, subsystem)
	if actor = strings.TrimSpace(actor); actor != "" {
		logger = logger.With(ActorKey, actor)
	}
	return logger
}
