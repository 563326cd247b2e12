package ir

// Version constants for the value model and engine.
const (
	// IRVersion is the value model version. Bumped when canonical encoding changes.
	IRVersion = "1"

	// EngineVersion is the livedb engine version.
	EngineVersion = "0.3.0"
)
